// SPDX-License-Identifier: MPL-2.0

// Package rewrite embeds identifier query parameters into document text.
//
// Insertions are applied in a single left-to-right sweep over the text;
// a cumulative shift keeps every later insertion point valid as earlier
// insertions grow the text. The result is independent of the order in
// which insertions are handed in.
package rewrite

import (
	"slices"
	"strings"
)

type (
	// Insertion describes one identifier to embed after a reference.
	Insertion struct {
		// End is the byte offset just past the reference path, in the
		// coordinates of the original text handed to Apply.
		End int
		// Identifier is the content-derived identifier to embed.
		Identifier string
		// HasQuery records whether the reference already carries a
		// query string ('?' at offset End).
		HasQuery bool
	}

	appliedAt struct {
		at    int
		width int
	}
)

// Apply returns text with every insertion embedded. A reference with no
// query string gains "?param=identifier" immediately after it; one with
// an existing query string gains "param=identifier&" immediately after
// its '?'. The second return value maps byte offsets of the original
// text to offsets in the rewritten text, for callers that must keep
// other positions valid across the insertions.
func Apply(text, param string, ins []Insertion) (string, func(int) int) {
	if len(ins) == 0 {
		return text, identity
	}

	sorted := slices.Clone(ins)
	slices.SortFunc(sorted, func(a, b Insertion) int { return a.End - b.End })

	var b strings.Builder
	shifts := make([]appliedAt, 0, len(sorted))
	prev := 0
	for _, in := range sorted {
		at := in.End
		frag := "?" + param + "=" + in.Identifier
		if in.HasQuery {
			at = in.End + 1 // just past the existing '?'
			frag = param + "=" + in.Identifier + "&"
		}
		b.WriteString(text[prev:at])
		b.WriteString(frag)
		shifts = append(shifts, appliedAt{at: at, width: len(frag)})
		prev = at
	}
	b.WriteString(text[prev:])

	remap := func(off int) int {
		shift := 0
		for _, s := range shifts {
			if s.at > off {
				break
			}
			shift += s.width
		}
		return off + shift
	}
	return b.String(), remap
}

func identity(off int) int { return off }
