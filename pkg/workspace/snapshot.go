// Package workspace provides working-tree copy utilities used by the patch
// manager to keep pristine reference snapshots of the source tree.
package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StateDirName is the orchestrator's own state directory inside a workspace.
// Snapshots never include it.
const StateDirName = ".osforge"

// Snapshot copies a source tree into dest, creating dest if needed. The
// orchestrator state directory and VCS metadata are skipped so the snapshot
// reflects only tree content.
func Snapshot(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("source path is not a directory: %s", src)
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if shouldSkip(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		destPath := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, destPath, info.Mode())
	})
}

// SnapshotToTemp copies a source tree into a fresh temp directory and returns
// its path with a cleanup function.
func SnapshotToTemp(src string) (string, func() error, error) {
	tempDir, err := os.MkdirTemp("", "osforge-snapshot-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error { return os.RemoveAll(tempDir) }

	if err := Snapshot(src, tempDir); err != nil {
		cleanup()
		return "", nil, err
	}
	return tempDir, cleanup, nil
}

func shouldSkip(rel string) bool {
	top := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		top = rel[:i]
	}
	return top == StateDirName || top == ".git"
}

func copyFile(src, dest string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
