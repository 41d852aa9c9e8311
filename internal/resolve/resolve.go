// SPDX-License-Identifier: MPL-2.0

// Package resolve maps raw reference text to canonical artifact paths.
//
// Canonical paths are slash-separated and relative to the processing
// root; they are the keys of the artifact index and of the engine's
// dependency relation. Resolution is deterministic and touches no
// filesystem state beyond an index membership check.
package resolve

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// PolicyIgnore silently leaves missing references unrewritten.
	PolicyIgnore Policy = "ignore"
	// PolicyWarn reports missing references and leaves them unrewritten.
	PolicyWarn Policy = "warn"
	// PolicyError aborts the whole run before any file is written.
	PolicyError Policy = "error"
)

const (
	// Resolved means the target is a member of the indexed artifact set.
	Resolved Outcome = iota
	// Unresolved means the raw text is not a recognized reference shape;
	// it is skipped without any diagnostic.
	Unresolved
	// Missing means the reference resolved to a path that is not in the
	// indexed artifact set. The configured Policy decides what happens;
	// in every case the reference is left unrewritten.
	Missing
)

// ErrInvalidPolicy is returned when a Policy value is not recognized.
var ErrInvalidPolicy = errors.New("invalid missing-reference policy")

type (
	// Policy controls how missing references are handled.
	Policy string

	// Outcome classifies a resolution attempt.
	Outcome int

	// Resolver resolves raw references against the artifact index.
	Resolver struct {
		rootPrefix string
		indexed    func(string) bool
	}
)

// Validate reports whether the policy is one of the recognized values.
func (p Policy) Validate() error {
	switch p {
	case PolicyIgnore, PolicyWarn, PolicyError:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidPolicy, string(p))
}

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case Unresolved:
		return "unresolved"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// New creates a Resolver. rootPrefix is the prefix that marks a
// reference as rooted (typically "/"); indexed reports membership in
// the artifact index, which is built up front and immutable during
// resolution.
func New(rootPrefix string, indexed func(string) bool) *Resolver {
	if rootPrefix == "" {
		rootPrefix = "/"
	}
	return &Resolver{rootPrefix: rootPrefix, indexed: indexed}
}

// Resolve maps raw reference text, found inside the artifact at
// canonical path from, to the canonical path of its target.
//
// A reference beginning with the root prefix is joined against the
// processing root; a reference beginning with "." is joined against
// the referencing artifact's directory. Anything else is Unresolved.
// A resolvable path that is not indexed is Missing.
func (r *Resolver) Resolve(raw, from string) (string, Outcome) {
	var target string
	switch {
	case strings.HasPrefix(raw, r.rootPrefix):
		target = path.Clean(strings.TrimPrefix(raw, r.rootPrefix))
	case strings.HasPrefix(raw, "."):
		target = path.Join(path.Dir(from), raw)
	default:
		return "", Unresolved
	}

	if target == "" || target == "." || strings.HasPrefix(target, "../") {
		// Cleaned away to nothing, or escapes the processing root.
		return target, Missing
	}
	if !r.indexed(target) {
		return target, Missing
	}
	return target, Resolved
}
