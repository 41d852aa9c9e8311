// SPDX-License-Identifier: MPL-2.0

// Package index discovers and classifies the artifacts of a run.
//
// Discovery walks the processing root once, matching every regular file
// against doublestar glob patterns: document patterns select files that
// are scanned for references and rewritten in place, asset patterns
// select files that are only hashed. Exclude patterns win over both.
// The resulting Set is immutable for the rest of the run.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// KindDocument marks artifacts that are scanned and rewritten.
	KindDocument Kind = iota
	// KindAsset marks artifacts that are hashed but never rewritten.
	KindAsset
)

// ErrInvalidPattern is returned when a glob pattern fails doublestar
// validation.
var ErrInvalidPattern = errors.New("invalid glob pattern")

type (
	// Kind classifies an artifact.
	Kind int

	// Artifact is one addressable unit of content found during discovery.
	Artifact struct {
		// Path is canonical: slash-separated, relative to the root.
		Path string
		// AbsPath locates the artifact on disk.
		AbsPath string
		// Kind says whether the artifact is rewritten or only hashed.
		Kind Kind
		// Mode is the file mode at discovery time, reused when the
		// artifact is written back.
		Mode fs.FileMode
	}

	// Options selects which files become artifacts.
	Options struct {
		// Root is the processing root directory.
		Root string
		// Documents are doublestar patterns for files to rewrite.
		Documents []string
		// Assets are doublestar patterns for files to hash.
		Assets []string
		// Exclude are doublestar patterns removed from both sets.
		Exclude []string
	}

	// Set is the indexed artifact set for one run.
	Set struct {
		root      string
		artifacts map[string]*Artifact
		paths     []string
	}
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindAsset:
		return "asset"
	default:
		return "unknown"
	}
}

// Discover walks opts.Root and builds the artifact set. A file matching
// both a document and an asset pattern is indexed as a document, since
// documents are also hashing targets. Paths are iterated in sorted
// order everywhere so runs over the same tree are reproducible.
func Discover(opts Options) (*Set, error) {
	for _, group := range [][]string{opts.Documents, opts.Assets, opts.Exclude} {
		if err := ValidatePatterns(group); err != nil {
			return nil, err
		}
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("index: resolve root %q: %w", opts.Root, err)
	}

	artifacts := make(map[string]*Artifact)
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if matchAny(opts.Exclude, rel) {
			return nil
		}
		var kind Kind
		switch {
		case matchAny(opts.Documents, rel):
			kind = KindDocument
		case matchAny(opts.Assets, rel):
			kind = KindAsset
		default:
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		artifacts[rel] = &Artifact{
			Path:    rel,
			AbsPath: p,
			Kind:    kind,
			Mode:    info.Mode().Perm(),
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("index: walk %s: %w", root, walkErr)
	}

	paths := make([]string, 0, len(artifacts))
	for p := range artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	return &Set{root: root, artifacts: artifacts, paths: paths}, nil
}

// ValidatePatterns checks every pattern against doublestar so invalid
// globs fail at configuration time rather than silently never matching.
func ValidatePatterns(patterns []string) error {
	for _, pat := range patterns {
		if _, err := doublestar.Match(pat, ""); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pat)
		}
	}
	return nil
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// Root returns the absolute processing root.
func (s *Set) Root() string { return s.root }

// Has reports membership of a canonical path.
func (s *Set) Has(path string) bool {
	_, ok := s.artifacts[path]
	return ok
}

// Get returns the artifact for a canonical path.
func (s *Set) Get(path string) (*Artifact, bool) {
	a, ok := s.artifacts[path]
	return a, ok
}

// Paths returns all canonical paths in sorted order. The slice is
// shared; callers must not mutate it.
func (s *Set) Paths() []string { return s.paths }

// Len returns the number of indexed artifacts.
func (s *Set) Len() int { return len(s.artifacts) }
