// SPDX-License-Identifier: MPL-2.0

// Package scan finds candidate asset references inside document text.
//
// A candidate is a rooted ("/css/site.css") or relative ("./logo.svg",
// "../js/app.js") path ending in a file-extension suffix, bounded by
// non-path characters on both sides. Scanning over-matches on purpose:
// candidates that later fail to resolve against the artifact index are
// simply ignored, while a reference the scanner misses can never be
// rewritten.
package scan

import (
	"regexp"
	"strings"
)

// candidate matches substrings shaped like rooted or relative file paths
// with an extension suffix. Boundary checks around the match happen in
// Scan; the pattern alone would also fire inside URLs and identifiers.
var candidate = regexp.MustCompile(`(?:\.\.?/|/)[A-Za-z0-9._~/-]*\.[A-Za-z0-9]+`)

// Reference is one candidate found in a document, in document order.
type Reference struct {
	// Start is the byte offset of the first byte of the path.
	Start int
	// End is the byte offset just past the last byte of the path.
	End int
	// Raw is the path text exactly as matched.
	Raw string
	// HasQuery records whether a '?' immediately follows the path, i.e.
	// the reference already carries a query string to merge into.
	HasQuery bool
}

// Scan returns all candidates in text ordered left to right by position.
// It is pure: no side effects, and an empty (nil) result for text with
// no candidates. Later offset bookkeeping relies on the ordering.
func Scan(text string) []Reference {
	var refs []Reference
	for _, loc := range candidate.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if !boundedBefore(text, start) || !boundedAfter(text, end) {
			continue
		}
		raw := text[start:end]
		if strings.HasPrefix(raw, "//") {
			// Protocol-relative URL ("//cdn.example.com/app.js"):
			// a different origin, never a local artifact.
			continue
		}
		refs = append(refs, Reference{
			Start:    start,
			End:      end,
			Raw:      raw,
			HasQuery: end < len(text) && text[end] == '?',
		})
	}
	return refs
}

// boundedBefore reports whether the byte before offset start terminates
// a path token. It rejects matches embedded in larger tokens, most
// importantly the path tail of an absolute URL ("https://host/x.css",
// where the candidate "/x.css" is preceded by a hostname character).
func boundedBefore(text string, start int) bool {
	if start == 0 {
		return true
	}
	switch c := text[start-1]; {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return false
	case c == '.' || c == '-' || c == '_' || c == '~' || c == '/' || c == ':':
		return false
	}
	return true
}

// boundedAfter reports whether the byte at offset end terminates a path
// token. A trailing path character means the extension-shaped tail the
// pattern stopped at sits inside a longer path ("/a.css-backup",
// "/lib.v2/readme"); rewriting there would splice the identifier into
// the middle of the real reference.
func boundedAfter(text string, end int) bool {
	if end >= len(text) {
		return true
	}
	switch c := text[end]; {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return false
	case c == '.' || c == '-' || c == '_' || c == '~' || c == '/':
		return false
	}
	return true
}
