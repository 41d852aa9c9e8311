// SPDX-License-Identifier: MPL-2.0

// Package engine drives dependency-aware cache busting over an artifact
// index.
//
// The engine owns a processing index that starts with every discovered
// artifact and shrinks to empty. Each iteration extracts the next
// minimal closed processing unit (a single artifact, or a set of
// mutually dependent ones), finalizes its identifier, rewrites its
// references, and retires it. A unit is only finalized after every
// unit it depends on, so a content change anywhere propagates to the
// identifier of every transitive dependent; a dependency cycle is
// finalized as one invalidation unit whose members share an identifier.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"assetstamp/internal/checksum"
	"assetstamp/internal/index"
	"assetstamp/internal/resolve"
	"assetstamp/internal/rewrite"
	"assetstamp/internal/scan"
)

// ioParallelism bounds concurrent reads and digests during the load
// phase. The work is I/O bound; the limit exists to keep file handle
// usage predictable on large trees.
const ioParallelism = 16

const (
	// SeverityWarning marks a recoverable diagnostic.
	SeverityWarning Severity = "warning"
	// SeverityError marks a diagnostic that aborted the run.
	SeverityError Severity = "error"
)

type (
	// Severity is a diagnostic level.
	Severity string

	// Diagnostic is a structured finding surfaced to the caller rather
	// than written to stderr, so the CLI layer owns rendering policy.
	Diagnostic struct {
		Severity Severity
		// Code is a machine-readable identifier (e.g. "missing_reference").
		Code string
		// Message is the human-readable description.
		Message string
		// Path is the canonical path of the file the finding occurred in.
		Path string
	}

	// Options configures a run.
	Options struct {
		// Index is the discovered artifact set.
		Index *index.Set
		// Checksums derives and caches identifiers.
		Checksums *checksum.Service
		// Param is the query parameter name to embed (default "v").
		Param string
		// RootPrefix marks rooted references (default "/").
		RootPrefix string
		// Policy controls missing-reference handling.
		Policy resolve.Policy
		// DryRun performs the full pass without writing any file.
		DryRun bool
		// Logger receives run progress; nil discards it.
		Logger *log.Logger
	}

	// Summary reports what a run did.
	Summary struct {
		Documents  int
		Assets     int
		Units      int
		Cycles     int
		References int
		// Written lists canonical paths whose content changed. Under
		// DryRun these are the paths that would have been written.
		Written     []string
		Diagnostics []Diagnostic
	}

	// MissingReference identifies one reference that could not be
	// resolved against the artifact index.
	MissingReference struct {
		// Path is the canonical path of the referencing document.
		Path string
		// Raw is the reference text as matched.
		Raw string
		// Target is the canonical path the reference resolved to.
		Target string
	}

	// MissingReferencesError aborts a run under resolve.PolicyError.
	// It is returned before any file has been written.
	MissingReferencesError struct {
		Refs []MissingReference
	}

	// binding ties a scanned reference to its resolved target. An empty
	// target means the reference stays as-is (unresolved or missing).
	binding struct {
		ref    scan.Reference
		target string
	}

	artifact struct {
		meta     *index.Artifact
		content  string
		bindings []binding
	}

	// Engine executes one full stateless pass.
	Engine struct {
		opts Options
		log  *log.Logger

		rel     *relation
		working map[string]*artifact
		depsets map[string]map[string]struct{}
		finalID map[string]string
		dropped map[string]error
		missing []MissingReference

		summary Summary
	}
)

// Error lists every missing reference with the file it occurred in.
func (e *MissingReferencesError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d unresolved reference(s):", len(e.Refs))
	for _, r := range e.Refs {
		fmt.Fprintf(&b, "\n  %s: %q -> %s", r.Path, r.Raw, r.Target)
	}
	return b.String()
}

// New validates options and prepares an Engine for a single Run.
func New(opts Options) (*Engine, error) {
	if opts.Index == nil {
		return nil, fmt.Errorf("engine: nil artifact index")
	}
	if opts.Checksums == nil {
		return nil, fmt.Errorf("engine: nil checksum service")
	}
	if opts.Param == "" {
		opts.Param = "v"
	}
	if strings.ContainsAny(opts.Param, "?&=# ") {
		return nil, fmt.Errorf("engine: query parameter %q contains reserved characters", opts.Param)
	}
	if opts.Policy == "" {
		opts.Policy = resolve.PolicyWarn
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Engine{
		opts:    opts,
		log:     logger,
		rel:     newRelation(),
		working: make(map[string]*artifact),
		depsets: make(map[string]map[string]struct{}),
		finalID: make(map[string]string),
		dropped: make(map[string]error),
	}, nil
}

// Run executes the pass: load and pre-hash, build the dependency
// relation, enforce the missing-reference policy, then finalize units
// until the processing index is empty. Under resolve.PolicyError the
// policy check completes before the first write, so an aborted run has
// modified nothing.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	if err := e.load(ctx); err != nil {
		return nil, err
	}
	e.buildRelation()

	if e.opts.Policy == resolve.PolicyError && len(e.missing) > 0 {
		return nil, &MissingReferencesError{Refs: e.missing}
	}

	for p := range e.working {
		e.depsets[p] = e.rel.reachable(p)
	}

	for len(e.working) > 0 {
		if err := ctx.Err(); err != nil && (e.opts.DryRun || len(e.summary.Written) == 0) {
			// Cancellation is only honored before the first write; a
			// run that has started writing finishes to avoid leaving
			// partially consistent output. A dry run never writes, so
			// it stops at any unit boundary.
			return nil, err
		}
		unit := e.nextUnit()
		if err := e.finalize(unit); err != nil {
			return nil, err
		}
		e.retire(unit)
	}

	s := e.summary
	sort.Strings(s.Written)
	return &s, nil
}

// load reads every document into memory and pre-hashes every asset,
// fanning out reads concurrently. Artifacts that cannot be read are
// dropped from the working index with a diagnostic; references to them
// are then classified as missing and follow the configured policy.
func (e *Engine) load(ctx context.Context) error {
	paths := e.opts.Index.Paths()
	type loaded struct {
		content string
		err     error
	}
	results := make([]loaded, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ioParallelism)
	for i, p := range paths {
		meta, _ := e.opts.Index.Get(p)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			switch meta.Kind {
			case index.KindDocument:
				data, err := os.ReadFile(meta.AbsPath)
				if err != nil {
					results[i].err = err
					return nil
				}
				results[i].content = string(data)
			case index.KindAsset:
				_, err := e.opts.Checksums.ForPath(meta.Path, func() ([]byte, error) {
					return os.ReadFile(meta.AbsPath)
				})
				if err != nil {
					results[i].err = err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: load artifacts: %w", err)
	}

	for i, p := range paths {
		meta, _ := e.opts.Index.Get(p)
		if err := results[i].err; err != nil {
			e.dropped[p] = err
			e.diag(SeverityWarning, "unreadable_artifact",
				fmt.Sprintf("cannot read %s: %v", p, err), p)
			continue
		}
		e.working[p] = &artifact{meta: meta, content: results[i].content}
		e.rel.addNode(p)
		if meta.Kind == index.KindDocument {
			e.summary.Documents++
		} else {
			e.summary.Assets++
		}
	}
	return nil
}

// buildRelation scans every document, resolves its references, and
// records an edge for each reference whose target is itself a working
// index member. Missing references are collected here; nothing has
// been written yet, so an error policy can still abort cleanly.
func (e *Engine) buildRelation() {
	resolver := resolve.New(e.opts.RootPrefix, func(p string) bool {
		_, ok := e.working[p]
		return ok
	})

	for _, p := range e.opts.Index.Paths() {
		art, ok := e.working[p]
		if !ok || art.meta.Kind != index.KindDocument {
			continue
		}
		for _, ref := range scan.Scan(art.content) {
			target, outcome := resolver.Resolve(ref.Raw, p)
			switch outcome {
			case resolve.Resolved:
				art.bindings = append(art.bindings, binding{ref: ref, target: target})
				e.rel.addEdge(p, target)
			case resolve.Missing:
				e.missing = append(e.missing, MissingReference{Path: p, Raw: ref.Raw, Target: target})
				if e.opts.Policy != resolve.PolicyIgnore {
					e.diag(SeverityWarning, "missing_reference",
						fmt.Sprintf("reference %q in %s resolves to %s, which is not indexed", ref.Raw, p, target), p)
				}
			case resolve.Unresolved:
				// Not a recognized reference shape; over-matched
				// candidates land here and are silently skipped.
			}
		}
	}
}

// nextUnit selects the minimal dependency set among working index
// members and expands it to a closed processing unit. Dependency sets
// are transitive and self-inclusive, so the smallest set is always
// safe to finalize next; ties break on canonical path order to keep
// output reproducible.
func (e *Engine) nextUnit() map[string]struct{} {
	owner := ""
	best := -1
	for _, p := range sortedKeys(e.working) {
		if size := len(e.depsets[p]); best < 0 || size < best {
			owner, best = p, size
		}
	}

	if best == 1 && !e.rel.hasSelfEdge(owner) {
		// DAG leaf: already closed, skip the expansion fixpoint.
		return map[string]struct{}{owner: {}}
	}

	// Closure expansion: union in the dependency sets of every member
	// until the set stops growing. A set is only safe to finalize once
	// closed; a member with a dependency outside the set would need
	// that outside artifact hashed first.
	unit := make(map[string]struct{}, best)
	for m := range e.depsets[owner] {
		unit[m] = struct{}{}
	}
	for {
		grew := false
		for m := range unit {
			for d := range e.depsets[m] {
				if _, ok := unit[d]; !ok {
					unit[d] = struct{}{}
					grew = true
				}
			}
		}
		if !grew {
			return unit
		}
	}
}

// finalize computes the unit's shared identifier and rewrites its
// members using the two-phase protocol: first rewrite references to
// already-finalized targets outside the unit, then hash the combined
// phase-one content of all members in sorted path order, and finally
// backfill intra-unit references with the shared identifier.
func (e *Engine) finalize(unit map[string]struct{}) error {
	members := sortedSet(unit)

	// A unit larger than one artifact always consists of documents:
	// assets have no outgoing references, so they are finalized earlier
	// as single-member leaves.
	if len(members) == 1 {
		if art := e.working[members[0]]; art.meta.Kind == index.KindAsset {
			return e.finalizeAsset(art)
		}
	}

	type phased struct {
		art   *artifact
		text  string
		intra []rewrite.Insertion
	}
	out := make([]phased, len(members))

	var combined strings.Builder
	for i, m := range members {
		art := e.working[m]

		var external []rewrite.Insertion
		var intra []binding
		for _, b := range art.bindings {
			if _, inUnit := unit[b.target]; inUnit {
				intra = append(intra, b)
				continue
			}
			id, done := e.finalID[b.target]
			if !done {
				// Target was dropped or is missing; leave the
				// reference untouched per policy.
				continue
			}
			external = append(external, rewrite.Insertion{
				End:        b.ref.End,
				Identifier: id,
				HasQuery:   b.ref.HasQuery,
			})
		}

		// The pre-rewrite identifier for this path, if any was cached,
		// is about to go stale.
		e.opts.Checksums.Forget(m)

		text, remap := rewrite.Apply(art.content, e.opts.Param, external)
		shifted := make([]rewrite.Insertion, len(intra))
		for j, b := range intra {
			shifted[j] = rewrite.Insertion{
				End:      remap(b.ref.End),
				HasQuery: b.ref.HasQuery,
			}
		}
		out[i] = phased{art: art, text: text, intra: shifted}
		e.summary.References += len(external) + len(shifted)
		combined.WriteString(text)
	}

	id := e.opts.Checksums.Sum([]byte(combined.String()))
	for _, m := range members {
		e.finalID[m] = id
		e.opts.Checksums.Record(m, id)
	}

	for _, ph := range out {
		final := ph.text
		if len(ph.intra) > 0 {
			for j := range ph.intra {
				ph.intra[j].Identifier = id
			}
			final, _ = rewrite.Apply(ph.text, e.opts.Param, ph.intra)
		}
		if err := e.persist(ph.art, final); err != nil {
			return err
		}
	}

	e.summary.Units++
	if len(members) > 1 || e.rel.hasSelfEdge(members[0]) {
		e.summary.Cycles++
	}
	e.log.Debug("finalized unit", "members", len(members), "id", id)
	return nil
}

// finalizeAsset assigns an asset leaf its identifier. The content was
// pre-hashed during load, so this is a cache hit; assets are never
// rewritten, so there is nothing to persist.
func (e *Engine) finalizeAsset(art *artifact) error {
	id, err := e.opts.Checksums.ForPath(art.meta.Path, func() ([]byte, error) {
		return os.ReadFile(art.meta.AbsPath)
	})
	if err != nil {
		return fmt.Errorf("engine: hash %s: %w", art.meta.Path, err)
	}
	e.finalID[art.meta.Path] = id
	e.summary.Units++
	e.log.Debug("finalized unit", "members", 1, "id", id)
	return nil
}

// persist writes the member's final content back to disk. Unchanged
// content is never written, so a document with no resolvable
// references passes through byte-identical without touching the file.
func (e *Engine) persist(art *artifact, final string) error {
	if final == art.content {
		return nil
	}
	art.content = final
	e.summary.Written = append(e.summary.Written, art.meta.Path)
	if e.opts.DryRun {
		return nil
	}
	mode := art.meta.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.WriteFile(art.meta.AbsPath, []byte(final), mode); err != nil {
		return fmt.Errorf("engine: write %s: %w", art.meta.Path, err)
	}
	return nil
}

// retire removes every unit member from the processing index, the
// dependency relation, and every remaining member's dependency set.
// Removal preserves the sets' transitivity: a retired member is
// finalized, so paths through it no longer constrain ordering.
func (e *Engine) retire(unit map[string]struct{}) {
	e.rel.remove(unit)
	for p := range unit {
		delete(e.working, p)
		delete(e.depsets, p)
	}
	for _, set := range e.depsets {
		for p := range unit {
			delete(set, p)
		}
	}
}

func (e *Engine) diag(sev Severity, code, msg, path string) {
	e.summary.Diagnostics = append(e.summary.Diagnostics, Diagnostic{
		Severity: sev,
		Code:     code,
		Message:  msg,
		Path:     path,
	})
}

func sortedKeys(m map[string]*artifact) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedSet(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
