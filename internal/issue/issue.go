// SPDX-License-Identifier: MPL-2.0

// Package issue catalogs user-facing failure modes with remediation
// text. Messages are markdown, rendered for the terminal on demand, so
// the CLI can show something more helpful than a bare error string.
package issue

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/glamour"
)

// Id identifies a catalog entry.
type Id int

const (
	ConfigLoadFailedId Id = iota + 1
	RootNotFoundId
	MissingReferenceId
	UnreadableArtifactId
	InvalidPatternId
)

type (
	// MarkdownMsg is markdown text rendered to the terminal.
	MarkdownMsg string

	// Issue is one cataloged failure mode.
	Issue struct {
		id    Id
		mdMsg MarkdownMsg
	}
)

// Id returns the catalog identifier.
func (i *Issue) Id() Id { return i.id }

// MarkdownMsg returns the raw remediation markdown.
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

// Render returns the remediation text rendered with the given glamour
// style path ("dark", "light", "auto", or a JSON style file).
func (i *Issue) Render(stylePath string) (string, error) {
	return render(string(i.mdMsg), stylePath)
}

var (
	render = glamour.Render

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Configuration could not be loaded

The config file exists but could not be read or parsed.

## Things you can try:
- Check the syntax of your .assetstamp file (YAML, TOML and JSON are supported)
- Run with --config to point at an explicit file
- Delete the file to fall back to built-in defaults`,
	}

	rootNotFoundIssue = &Issue{
		id: RootNotFoundId,
		mdMsg: `
# Processing root not found

The configured root directory does not exist or is not a directory.

## Things you can try:
- Pass the build output directory explicitly:
~~~
$ assetstamp run --root ./dist
~~~
- Make sure your build step ran before stamping`,
	}

	missingReferenceIssue = &Issue{
		id: MissingReferenceId,
		mdMsg: `
# A reference points at a file that is not indexed

A document references a path that resolved cleanly but matches no
discovered artifact. The reference was left unrewritten.

## Common causes:
- The target is excluded by your patterns (check ` + "`assets`" + ` and ` + "`exclude`" + `)
- The target genuinely does not exist (broken link)
- The reference is root-relative but served from a different prefix
  (check ` + "`root_prefix`" + `)

## Things you can try:
- Widen the asset patterns to cover the file type
- Fix or remove the broken reference
- Use --on-missing=ignore if the reference is intentional`,
	}

	unreadableArtifactIssue = &Issue{
		id: UnreadableArtifactId,
		mdMsg: `
# An indexed artifact could not be read

A file matched your patterns at discovery time but disappeared or
became unreadable before hashing. References to it are treated as
missing.

## Things you can try:
- Make sure no other process rewrites the output directory during stamping
- Check file permissions under the processing root`,
	}

	invalidPatternIssue = &Issue{
		id: InvalidPatternId,
		mdMsg: `
# Invalid glob pattern

One of the configured patterns is not valid doublestar syntax.

## Things you can try:
- Quote patterns in your shell so ` + "`**`" + ` reaches assetstamp intact
- See the doublestar syntax reference for supported forms`,
	}

	catalog = map[Id]*Issue{
		ConfigLoadFailedId:   configLoadFailedIssue,
		RootNotFoundId:       rootNotFoundIssue,
		MissingReferenceId:   missingReferenceIssue,
		UnreadableArtifactId: unreadableArtifactIssue,
		InvalidPatternId:     invalidPatternIssue,
	}
)

// Lookup returns the cataloged issue for id.
func Lookup(id Id) (*Issue, error) {
	i, ok := catalog[id]
	if !ok {
		return nil, fmt.Errorf("unknown issue id: %d", id)
	}
	return i, nil
}

// All returns every cataloged issue in id order.
func All() []*Issue {
	ids := make([]int, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	issues := make([]*Issue, 0, len(ids))
	for _, id := range ids {
		issues = append(issues, catalog[Id(id)])
	}
	return issues
}
