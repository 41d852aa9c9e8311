// SPDX-License-Identifier: MPL-2.0

package rewrite

import (
	"strings"
	"testing"
)

func TestApply_NoInsertions(t *testing.T) {
	t.Parallel()
	text := `<img src="./a.png">`
	got, remap := Apply(text, "v", nil)
	if got != text {
		t.Errorf("text changed with zero insertions: %q", got)
	}
	if remap(7) != 7 {
		t.Error("remap is not the identity with zero insertions")
	}
}

func TestApply_SingleWithoutQuery(t *testing.T) {
	t.Parallel()
	text := `<link href="/site.css">`
	end := strings.Index(text, ".css") + len(".css")
	got, _ := Apply(text, "v", []Insertion{{End: end, Identifier: "abc"}})
	want := `<link href="/site.css?v=abc">`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestApply_MergesExistingQuery(t *testing.T) {
	t.Parallel()
	text := `<a href="/p.html?x=1">`
	end := strings.Index(text, "?")
	got, _ := Apply(text, "v", []Insertion{{End: end, Identifier: "ID", HasQuery: true}})
	want := `<a href="/p.html?v=ID&x=1">`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestApply_OrderIndependent(t *testing.T) {
	t.Parallel()
	text := `a: /a.css b: /b.css c: /c.css`
	ins := []Insertion{
		{End: strings.Index(text, "/a.css") + 6, Identifier: "1"},
		{End: strings.Index(text, "/b.css") + 6, Identifier: "2"},
		{End: strings.Index(text, "/c.css") + 6, Identifier: "3"},
	}
	want := `a: /a.css?v=1 b: /b.css?v=2 c: /c.css?v=3`

	permutations := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	for _, perm := range permutations {
		shuffled := make([]Insertion, len(ins))
		for i, j := range perm {
			shuffled[i] = ins[j]
		}
		got, _ := Apply(text, "v", shuffled)
		if got != want {
			t.Errorf("order %v: got %q, want %q", perm, got, want)
		}
	}
}

func TestApply_RemapKeepsLaterOffsetsValid(t *testing.T) {
	t.Parallel()
	text := `x /a.css y /b.css z`
	endA := strings.Index(text, "/a.css") + 6
	endB := strings.Index(text, "/b.css") + 6

	got, remap := Apply(text, "v", []Insertion{{End: endA, Identifier: "AAAA"}})
	if want := `x /a.css?v=AAAA y /b.css z`; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	// The second reference shifted right by the inserted fragment.
	if got[remap(endB)-6:remap(endB)] != "/b.css" {
		t.Errorf("remapped offset %d does not land after the second reference", remap(endB))
	}
	// Offsets before the insertion point are untouched.
	if remap(1) != 1 {
		t.Errorf("remap(1) = %d, want 1", remap(1))
	}
}

func TestApply_MixedQueryStates(t *testing.T) {
	t.Parallel()
	text := `<a href="/a.css?old=1"> <b href="/b.css">`
	endA := strings.Index(text, "/a.css") + 6
	endB := strings.Index(text, "/b.css") + 6
	got, _ := Apply(text, "h", []Insertion{
		{End: endB, Identifier: "B"},
		{End: endA, Identifier: "A", HasQuery: true},
	})
	want := `<a href="/a.css?h=A&old=1"> <b href="/b.css?h=B">`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
