// SPDX-License-Identifier: MPL-2.0

package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"assetstamp/internal/checksum"
	"assetstamp/internal/index"
	"assetstamp/internal/resolve"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}

func discover(t *testing.T, root string) *index.Set {
	t.Helper()
	set, err := index.Discover(index.Options{
		Root:      root,
		Documents: []string{"**/*.html"},
		Assets:    []string{"**/*.css", "**/*.js", "**/*.png"},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	return set
}

func runPass(t *testing.T, root string, policy resolve.Policy, dryRun bool) (*Summary, *checksum.Service, error) {
	t.Helper()
	svc, err := checksum.New(checksum.AlgorithmSHA256, 0)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(Options{
		Index:     discover(t, root),
		Checksums: svc,
		Policy:    policy,
		DryRun:    dryRun,
	})
	if err != nil {
		t.Fatal(err)
	}
	summary, err := eng.Run(context.Background())
	return summary, svc, err
}

func read(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// idOf returns the identifier the run assigned to path, served from the
// checksum cache without touching the filesystem.
func idOf(t *testing.T, svc *checksum.Service, path string) string {
	t.Helper()
	id, err := svc.ForPath(path, func() ([]byte, error) {
		t.Fatalf("identifier for %s not cached", path)
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRun_ChainExample(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<a href="./b.html">go</a>`,
		"b.html": `<link href="./c.css">`,
		"c.css":  "X",
	})

	summary, _, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}

	hC := sha("X")
	wantB := `<link href="./c.css?v=` + hC + `">`
	if got := read(t, root, "b.html"); got != wantB {
		t.Errorf("b.html = %q, want %q", got, wantB)
	}

	hB := sha(wantB)
	wantA := `<a href="./b.html?v=` + hB + `">go</a>`
	if got := read(t, root, "a.html"); got != wantA {
		t.Errorf("a.html = %q, want %q", got, wantA)
	}

	if got := read(t, root, "c.css"); got != "X" {
		t.Errorf("asset content changed: %q", got)
	}
	if summary.Units != 3 {
		t.Errorf("Units = %d, want 3", summary.Units)
	}
	if summary.Cycles != 0 {
		t.Errorf("Cycles = %d, want 0", summary.Cycles)
	}
	if !slices.Equal(summary.Written, []string{"a.html", "b.html"}) {
		t.Errorf("Written = %v", summary.Written)
	}
}

func TestRun_LeafStability(t *testing.T) {
	t.Parallel()
	files := map[string]string{
		"a.html": `<a href="./b.html">x</a>`,
		"b.html": `<link href="./c.css">`,
		"c.css":  "stable",
	}
	root1 := writeTree(t, files)
	root2 := writeTree(t, files)

	if _, _, err := runPass(t, root1, resolve.PolicyError, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runPass(t, root2, resolve.PolicyError, false); err != nil {
		t.Fatal(err)
	}

	for rel := range files {
		if read(t, root1, rel) != read(t, root2, rel) {
			t.Errorf("%s differs between runs over identical trees", rel)
		}
	}
}

func TestRun_Propagation(t *testing.T) {
	t.Parallel()
	base := map[string]string{
		"a.html": `<a href="./b.html">x</a>`,
		"b.html": `<link href="./c.css">`,
		"c.css":  "one",
	}
	changed := map[string]string{
		"a.html": base["a.html"],
		"b.html": base["b.html"],
		"c.css":  "two",
	}
	root1 := writeTree(t, base)
	root2 := writeTree(t, changed)

	_, svc1, err := runPass(t, root1, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}
	_, svc2, err := runPass(t, root2, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}

	// A change to the leaf's content must ripple through every
	// transitive dependent's identifier.
	for _, path := range []string{"c.css", "b.html", "a.html"} {
		if idOf(t, svc1, path) == idOf(t, svc2, path) {
			t.Errorf("%s identifier unchanged after leaf content change", path)
		}
	}
}

func TestRun_CycleSharedIdentifier(t *testing.T) {
	t.Parallel()
	pBody := `<a href="./q.html">p body</a>`
	qBody := `<a href="./p.html">q body</a>`
	root := writeTree(t, map[string]string{"p.html": pBody, "q.html": qBody})

	summary, svc, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}

	// Neither member has external dependencies, so the combined input
	// is the concatenation of the raw bodies in sorted path order.
	want := sha(pBody + qBody)
	if got := idOf(t, svc, "p.html"); got != want {
		t.Errorf("p.html identifier = %s, want %s", got, want)
	}
	if idOf(t, svc, "p.html") != idOf(t, svc, "q.html") {
		t.Error("cycle members received different identifiers")
	}
	if summary.Cycles != 1 || summary.Units != 1 {
		t.Errorf("Units = %d, Cycles = %d, want 1, 1", summary.Units, summary.Cycles)
	}

	wantP := `<a href="./q.html?v=` + want + `">p body</a>`
	if got := read(t, root, "p.html"); got != wantP {
		t.Errorf("p.html = %q, want %q", got, wantP)
	}
}

func TestRun_CycleCoInvalidation(t *testing.T) {
	t.Parallel()
	build := func(pBody string) (string, *checksum.Service) {
		root := writeTree(t, map[string]string{
			"p.html": pBody,
			"q.html": `<a href="./p.html">q</a>`,
		})
		_, svc, err := runPass(t, root, resolve.PolicyError, false)
		if err != nil {
			t.Fatal(err)
		}
		return root, svc
	}

	_, svc1 := build(`<a href="./q.html">first</a>`)
	_, svc2 := build(`<a href="./q.html">second</a>`)

	if idOf(t, svc1, "p.html") == idOf(t, svc2, "p.html") {
		t.Error("changing a cycle member's content did not change its identifier")
	}
	if idOf(t, svc2, "p.html") != idOf(t, svc2, "q.html") {
		t.Error("cycle members diverged after one member changed")
	}
}

func TestRun_CycleDoesNotAbsorbLeafDependency(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"b.html": `<a href="./c.html">b</a><a href="./d.html">aside</a>`,
		"c.html": `<a href="./b.html">c</a>`,
		"d.html": `no references here`,
	})

	summary, svc, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}

	// d is referenced by a cycle member but does not reference back, so
	// it is finalized first as its own unit.
	if summary.Units != 2 || summary.Cycles != 1 {
		t.Fatalf("Units = %d, Cycles = %d, want 2, 1", summary.Units, summary.Cycles)
	}
	if idOf(t, svc, "d.html") == idOf(t, svc, "b.html") {
		t.Error("leaf dependency absorbed into the cycle's identifier")
	}
	if idOf(t, svc, "d.html") != sha("no references here") {
		t.Error("leaf identifier is not the digest of its own content")
	}
	if !strings.Contains(read(t, root, "b.html"), "./d.html?v="+idOf(t, svc, "d.html")) {
		t.Error("cycle member's reference to the leaf not rewritten with the leaf's identifier")
	}
}

func TestRun_DependentIsNotPulledIntoCycle(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<a href="./b.html">into the cycle</a>`,
		"b.html": `<a href="./c.html">b</a>`,
		"c.html": `<a href="./b.html">c</a>`,
	})

	summary, svc, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}

	// a depends on the cycle but is not part of it: two units, and a's
	// reference carries the cycle's shared identifier.
	if summary.Units != 2 || summary.Cycles != 1 {
		t.Fatalf("Units = %d, Cycles = %d, want 2, 1", summary.Units, summary.Cycles)
	}
	cycleID := idOf(t, svc, "b.html")
	if idOf(t, svc, "a.html") == cycleID {
		t.Error("dependent outside the cycle shares the cycle's identifier")
	}
	if !strings.Contains(read(t, root, "a.html"), "./b.html?v="+cycleID) {
		t.Error("dependent's reference not rewritten with the cycle identifier")
	}
}

func TestRun_SelfReference(t *testing.T) {
	t.Parallel()
	body := `see <a href="./s.html">self</a>`
	root := writeTree(t, map[string]string{"s.html": body})

	summary, svc, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Cycles != 1 {
		t.Errorf("Cycles = %d, want 1 for a self-referencing file", summary.Cycles)
	}

	id := idOf(t, svc, "s.html")
	if id != sha(body) {
		t.Errorf("self-cycle identifier = %s, want digest of the raw body", id)
	}
	want := `see <a href="./s.html?v=` + id + `">self</a>`
	if got := read(t, root, "s.html"); got != want {
		t.Errorf("s.html = %q, want %q", got, want)
	}
}

func TestRun_IdempotentWithoutReferences(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"plain.html": `<p>no references at all</p>`,
	})

	summary, _, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Written) != 0 {
		t.Errorf("Written = %v, want none", summary.Written)
	}
	if got := read(t, root, "plain.html"); got != `<p>no references at all</p>` {
		t.Errorf("file changed: %q", got)
	}
}

func TestRun_QueryMerging(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./c.css?x=1"><link href="./c.css">`,
		"c.css":  "X",
	})

	if _, _, err := runPass(t, root, resolve.PolicyError, false); err != nil {
		t.Fatal(err)
	}

	hC := sha("X")
	want := `<link href="./c.css?v=` + hC + `&x=1"><link href="./c.css?v=` + hC + `">`
	if got := read(t, root, "a.html"); got != want {
		t.Errorf("a.html = %q, want %q", got, want)
	}
}

func TestRun_LongerTokenWithIndexedPrefixNotRewritten(t *testing.T) {
	t.Parallel()
	body := `<link href="/c.css-backup"><link href="/c.css">`
	root := writeTree(t, map[string]string{
		"a.html": body,
		"c.css":  "X",
	})

	_, _, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}

	// "/c.css-backup" is one token; the indexed "/c.css" prefix inside
	// it must not be stamped mid-token.
	want := `<link href="/c.css-backup"><link href="/c.css?v=` + sha("X") + `">`
	if got := read(t, root, "a.html"); got != want {
		t.Errorf("a.html = %q, want %q", got, want)
	}
}

func TestRun_RootedReferences(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"sub/page.html": `<link href="/css/site.css">`,
		"css/site.css":  "body{}",
	})

	_, svc, err := runPass(t, root, resolve.PolicyError, false)
	if err != nil {
		t.Fatal(err)
	}
	want := `<link href="/css/site.css?v=` + idOf(t, svc, "css/site.css") + `">`
	if got := read(t, root, "sub/page.html"); got != want {
		t.Errorf("sub/page.html = %q, want %q", got, want)
	}
}

func TestRun_MissingPolicyError_AbortsBeforeWrites(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./gone.css">`,
		"b.html": `<link href="./c.css">`,
		"c.css":  "X",
	})

	_, _, err := runPass(t, root, resolve.PolicyError, false)
	var missing *MissingReferencesError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingReferencesError, got %v", err)
	}
	if len(missing.Refs) != 1 || missing.Refs[0].Path != "a.html" || missing.Refs[0].Raw != "./gone.css" {
		t.Errorf("missing refs = %+v", missing.Refs)
	}

	// Nothing may be written, including files whose own references all
	// resolved.
	if got := read(t, root, "b.html"); got != `<link href="./c.css">` {
		t.Errorf("b.html written despite abort: %q", got)
	}
	if got := read(t, root, "a.html"); got != `<link href="./gone.css">` {
		t.Errorf("a.html written despite abort: %q", got)
	}
}

func TestRun_MissingPolicyWarn_LeavesReferenceAlone(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./gone.css"><link href="./c.css">`,
		"c.css":  "X",
	})

	summary, _, err := runPass(t, root, resolve.PolicyWarn, false)
	if err != nil {
		t.Fatal(err)
	}

	warned := false
	for _, d := range summary.Diagnostics {
		if d.Code == "missing_reference" && d.Path == "a.html" {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no missing_reference diagnostic: %+v", summary.Diagnostics)
	}

	got := read(t, root, "a.html")
	if !strings.Contains(got, `./gone.css"`) {
		t.Errorf("missing reference was rewritten: %q", got)
	}
	if !strings.Contains(got, "./c.css?v="+sha("X")) {
		t.Errorf("resolvable reference not rewritten: %q", got)
	}
}

func TestRun_MissingReferenceReportedOnceViaDiagnostics(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./gone.css">`,
	})

	var buf bytes.Buffer
	svc, err := checksum.New(checksum.AlgorithmSHA256, 0)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(Options{
		Index:     discover(t, root),
		Checksums: svc,
		Policy:    resolve.PolicyWarn,
		Logger:    log.New(&buf),
	})
	if err != nil {
		t.Fatal(err)
	}
	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(summary.Diagnostics) != 1 || summary.Diagnostics[0].Code != "missing_reference" {
		t.Fatalf("Diagnostics = %+v, want one missing_reference", summary.Diagnostics)
	}
	// The diagnostic is the only reporting channel; the logger must not
	// echo it, or the CLI rendering would show it twice.
	if s := buf.String(); strings.Contains(s, "gone.css") {
		t.Errorf("missing reference also written to the logger: %q", s)
	}
}

func TestRun_MissingPolicyIgnore_Silent(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./gone.css">`,
	})

	summary, _, err := runPass(t, root, resolve.PolicyIgnore, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Diagnostics) != 0 {
		t.Errorf("diagnostics under ignore policy: %+v", summary.Diagnostics)
	}
}

func TestRun_DryRun(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./c.css">`,
		"c.css":  "X",
	})

	summary, _, err := runPass(t, root, resolve.PolicyError, true)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(summary.Written, []string{"a.html"}) {
		t.Errorf("Written = %v, want [a.html]", summary.Written)
	}
	if got := read(t, root, "a.html"); got != `<link href="./c.css">` {
		t.Errorf("dry run modified a file: %q", got)
	}
}

func TestRun_DryRunHonorsCancellationMidPass(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<a href="./b.html">a</a>`,
		"b.html": `<a href="./c.html">b</a>`,
		"c.html": `<a href="./d.html">c</a>`,
		"d.html": `leaf`,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel once the second unit has been hashed; by then the first
	// rewritten document is already in the would-write list.
	var digests int
	svc := checksum.NewWithDigest(func(b []byte) string {
		digests++
		if digests == 2 {
			cancel()
		}
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}, 0)

	eng, err := New(Options{
		Index:     discover(t, root),
		Checksums: svc,
		Policy:    resolve.PolicyError,
		DryRun:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestRun_UnreadableArtifactTreatedAsMissing(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./c.css">`,
		"c.css":  "X",
	})

	set := discover(t, root)
	if err := os.Remove(filepath.Join(root, "c.css")); err != nil {
		t.Fatal(err)
	}

	svc, err := checksum.New(checksum.AlgorithmSHA256, 0)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(Options{Index: set, Checksums: svc, Policy: resolve.PolicyWarn})
	if err != nil {
		t.Fatal(err)
	}
	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	codes := make(map[string]bool)
	for _, d := range summary.Diagnostics {
		codes[d.Code] = true
	}
	if !codes["unreadable_artifact"] || !codes["missing_reference"] {
		t.Errorf("diagnostics = %+v", summary.Diagnostics)
	}
	if got := read(t, root, "a.html"); got != `<link href="./c.css">` {
		t.Errorf("reference to vanished artifact rewritten: %q", got)
	}
}

func TestNew_RejectsReservedParamCharacters(t *testing.T) {
	t.Parallel()
	svc, err := checksum.New(checksum.AlgorithmSHA256, 0)
	if err != nil {
		t.Fatal(err)
	}
	set := discover(t, writeTree(t, map[string]string{"a.html": "x"}))
	if _, err := New(Options{Index: set, Checksums: svc, Param: "a&b"}); err == nil {
		t.Fatal("expected error for reserved characters in param")
	}
}

func TestRun_TruncatedIdentifiers(t *testing.T) {
	t.Parallel()
	root := writeTree(t, map[string]string{
		"a.html": `<link href="./c.css">`,
		"c.css":  "X",
	})

	svc, err := checksum.New(checksum.AlgorithmSHA256, 10)
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(Options{Index: discover(t, root), Checksums: svc, Policy: resolve.PolicyError})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := `<link href="./c.css?v=` + sha("X")[:10] + `">`
	if got := read(t, root, "a.html"); got != want {
		t.Errorf("a.html = %q, want %q", got, want)
	}
}
