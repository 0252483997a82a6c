package patch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writePatchFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeTreeFile(t *testing.T, tree, rel, content string) {
	t.Helper()
	path := filepath.Join(tree, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readTreeFile(t *testing.T, tree, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(tree, rel))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

const motdPatch = `--- a/etc/motd
+++ b/etc/motd
@@ -1,3 +1,3 @@
 line one
-stock greeting
+custom greeting
 line three
`

const motdFollowup = `--- a/etc/motd
+++ b/etc/motd
@@ -1,3 +1,4 @@
 line one
 custom greeting
 line three
+line four
`

// Conflicts with the output of motdPatch: expects the stock greeting.
const motdConflicting = `--- a/etc/motd
+++ b/etc/motd
@@ -1,3 +1,3 @@
 line one
-stock greeting
+other greeting
 line three
`

func TestLoadOrdersByName(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "010-later.patch", motdPatch)
	writePatchFile(t, dir, "001-first.patch", motdPatch)
	writePatchFile(t, dir, "notes.txt", "not a patch")

	set, err := Load(dir, t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	patches := set.Patches()
	if len(patches) != 2 {
		t.Fatalf("expected 2 patches, got %d", len(patches))
	}
	if patches[0].Name != "001-first.patch" || patches[1].Name != "010-later.patch" {
		t.Fatalf("wrong order: %s, %s", patches[0].Name, patches[1].Name)
	}
	if patches[0].State != StatePending {
		t.Fatalf("fresh patch should be pending, got %s", patches[0].State)
	}
}

func TestLoadRejectsDuplicateSortKey(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-one.patch", motdPatch)
	writePatchFile(t, dir, "001-two.patch", motdPatch)

	_, err := Load(dir, t.TempDir())
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestApplyInOrder(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-greeting.patch", motdPatch)
	writePatchFile(t, dir, "002-extra.patch", motdFollowup)

	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/motd", "line one\nstock greeting\nline three\n")

	set, err := Load(dir, t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := set.Apply(tree); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got := readTreeFile(t, tree, "etc/motd")
	want := "line one\ncustom greeting\nline three\nline four\n"
	if got != want {
		t.Fatalf("unexpected content:\n%q\nwant:\n%q", got, want)
	}

	for _, p := range set.Patches() {
		if p.State != StateApplied {
			t.Fatalf("patch %s not applied: %s", p.Name, p.State)
		}
	}
}

func TestApplyConflictStopsAndNamesPatch(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-valid.patch", motdPatch)
	writePatchFile(t, dir, "002-conflict.patch", motdConflicting)

	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/motd", "line one\nstock greeting\nline three\n")

	stateDir := t.TempDir()
	set, err := Load(dir, stateDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	err = set.Apply(tree)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Patch != "002-conflict.patch" {
		t.Fatalf("conflict names wrong patch: %s", conflict.Patch)
	}

	// 001 stays applied.
	got := readTreeFile(t, tree, "etc/motd")
	if got != "line one\ncustom greeting\nline three\n" {
		t.Fatalf("first patch should remain applied, got %q", got)
	}

	patches := set.Patches()
	if patches[0].State != StateApplied {
		t.Fatalf("001 state: %s", patches[0].State)
	}
	if patches[1].State != StateFailed {
		t.Fatalf("002 state: %s", patches[1].State)
	}

	// State survives a reload.
	reloaded, err := Load(dir, stateDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Patches()[1].State != StateFailed {
		t.Fatal("failed state not persisted")
	}
}

func TestApplySkipsAlreadyApplied(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-greeting.patch", motdPatch)

	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/motd", "line one\nstock greeting\nline three\n")

	stateDir := t.TempDir()
	set, err := Load(dir, stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Apply(tree); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// A second apply over the already-patched tree must be a no-op, not a
	// context mismatch.
	reloaded, err := Load(dir, stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := reloaded.Apply(tree); err != nil {
		t.Fatalf("second apply: %v", err)
	}
}

func TestRevertRestoresTree(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-greeting.patch", motdPatch)
	writePatchFile(t, dir, "002-extra.patch", motdFollowup)

	tree := t.TempDir()
	original := "line one\nstock greeting\nline three\n"
	writeTreeFile(t, tree, "etc/motd", original)

	set, err := Load(dir, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Apply(tree); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := set.Revert(tree); err != nil {
		t.Fatalf("revert: %v", err)
	}

	if got := readTreeFile(t, tree, "etc/motd"); got != original {
		t.Fatalf("revert did not restore tree:\n%q\nwant:\n%q", got, original)
	}
	for _, p := range set.Patches() {
		if p.State != StateReverted {
			t.Fatalf("patch %s state: %s", p.Name, p.State)
		}
	}
}

func TestRevertDetectsOutsideModification(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-greeting.patch", motdPatch)

	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/motd", "line one\nstock greeting\nline three\n")

	set, err := Load(dir, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := set.Apply(tree); err != nil {
		t.Fatal(err)
	}

	writeTreeFile(t, tree, "etc/motd", "edited by hand\n")

	err = set.Revert(tree)
	var revertErr *RevertError
	if !errors.As(err, &revertErr) {
		t.Fatalf("expected RevertError, got %v", err)
	}
	if revertErr.Patch != "001-greeting.patch" || revertErr.Path != "etc/motd" {
		t.Fatalf("unexpected revert error detail: %+v", revertErr)
	}
}

func TestApplyRevertApplyIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-greeting.patch", motdPatch)
	writePatchFile(t, dir, "002-extra.patch", motdFollowup)

	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/motd", "line one\nstock greeting\nline three\n")

	set, err := Load(dir, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := set.Apply(tree); err != nil {
		t.Fatal(err)
	}
	first := readTreeFile(t, tree, "etc/motd")

	if err := set.Revert(tree); err != nil {
		t.Fatal(err)
	}
	if err := set.Apply(tree); err != nil {
		t.Fatal(err)
	}
	second := readTreeFile(t, tree, "etc/motd")

	if first != second {
		t.Fatalf("apply-revert-apply not deterministic:\n%q\nvs\n%q", first, second)
	}
}

func TestCreatePatch(t *testing.T) {
	dir := t.TempDir()
	writePatchFile(t, dir, "001-existing.patch", motdPatch)

	reference := t.TempDir()
	writeTreeFile(t, reference, "etc/rc.conf", "hostname=\"stock\"\n")

	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/rc.conf", "hostname=\"custom\"\nsshd_enable=\"YES\"\n")

	set, err := Load(dir, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p, err := set.Create("Enable SSH", []string{"etc/rc.conf"}, tree, reference)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Name != "002-enable-ssh.patch" {
		t.Fatalf("unexpected patch name: %s", p.Name)
	}
	if _, err := os.Stat(p.Path); err != nil {
		t.Fatalf("patch file not written: %v", err)
	}

	// The created patch must reproduce the tree from the reference.
	check := t.TempDir()
	writeTreeFile(t, check, "etc/rc.conf", "hostname=\"stock\"\n")
	files, err := ParseUnifiedDiff(p.Content())
	if err != nil {
		t.Fatalf("reparse created patch: %v", err)
	}
	if err := NewEngine().Apply(check, files); err != nil {
		t.Fatalf("apply created patch: %v", err)
	}
	got := readTreeFile(t, check, "etc/rc.conf")
	want := "hostname=\"custom\"\nsshd_enable=\"YES\"\n"
	if got != want {
		t.Fatalf("created patch does not reproduce changes:\n%q\nwant %q", got, want)
	}
}

func TestCreateNoChanges(t *testing.T) {
	reference := t.TempDir()
	writeTreeFile(t, reference, "etc/rc.conf", "same\n")
	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/rc.conf", "same\n")

	set, err := Load(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := set.Create("noop", []string{"etc/rc.conf"}, tree, reference); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
}

func TestCreateNewFile(t *testing.T) {
	reference := t.TempDir()
	tree := t.TempDir()
	writeTreeFile(t, tree, "etc/sysctl.conf", "kern.maxfiles=65536\n")

	set, err := Load(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	p, err := set.Create("sysctl", []string{"etc/sysctl.conf"}, tree, reference)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	check := t.TempDir()
	files, err := ParseUnifiedDiff(p.Content())
	if err != nil {
		t.Fatal(err)
	}
	if err := NewEngine().Apply(check, files); err != nil {
		t.Fatalf("apply new-file patch: %v", err)
	}
	if got := readTreeFile(t, check, "etc/sysctl.conf"); got != "kern.maxfiles=65536\n" {
		t.Fatalf("unexpected content: %q", got)
	}
}
