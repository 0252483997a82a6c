package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshotToTemp(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, StateDirName, "runs"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, StateDirName, "runs", "ignored.txt"), []byte("skip"), 0644); err != nil {
		t.Fatalf("write ignored: %v", err)
	}

	snap, cleanup, err := SnapshotToTemp(root)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	defer cleanup()

	data, err := os.ReadFile(filepath.Join(snap, "hello.txt"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(data) != "hi" {
		t.Fatalf("unexpected snapshot content: %q", string(data))
	}

	if _, err := os.Stat(filepath.Join(snap, StateDirName)); !os.IsNotExist(err) {
		t.Fatal("expected state directory to be skipped")
	}
}

func TestSnapshotPreservesSubdirs(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sys", "conf"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sys", "conf", "GENERIC"), []byte("ident GENERIC\n"), 0600); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "ref")
	if err := Snapshot(root, dest); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	info, err := os.Stat(filepath.Join(dest, "sys", "conf", "GENERIC"))
	if err != nil {
		t.Fatalf("stat copied file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("file mode not preserved: %v", info.Mode())
	}
}

func TestSnapshotRejectsFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := Snapshot(file, filepath.Join(root, "out")); err == nil {
		t.Fatal("expected error for non-directory source")
	}
}
