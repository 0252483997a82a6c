package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Engine applies parsed file patches to a working tree. The orchestrator
// only depends on this capability surface, so an implementation backed by
// external patch tooling could be substituted without touching the manager.
type Engine interface {
	// Apply writes the patched content for every file in the patch.
	Apply(tree string, files []FilePatch) error
	// Revert applies the inverse of every file patch, in reverse file order.
	Revert(tree string, files []FilePatch) error
	// DryRun verifies the patch applies cleanly without writing anything.
	DryRun(tree string, files []FilePatch) error
}

// NewEngine returns the in-process unified diff engine.
func NewEngine() Engine { return unifiedEngine{} }

// unifiedEngine is the built-in Engine over the package's own hunk applier.
type unifiedEngine struct{}

func (unifiedEngine) Apply(tree string, files []FilePatch) error {
	return applyFilePatches(tree, files, true)
}

func (unifiedEngine) DryRun(tree string, files []FilePatch) error {
	return applyFilePatches(tree, files, false)
}

func (unifiedEngine) Revert(tree string, files []FilePatch) error {
	inverted := make([]FilePatch, 0, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		inverted = append(inverted, files[i].Invert())
	}
	return applyFilePatches(tree, inverted, true)
}

type fileWrite struct {
	path     string
	relative string
	content  string
	mode     os.FileMode
	delete   bool
}

// applyFilePatches computes every file's new content before writing anything,
// so a conflict in a later file leaves the tree untouched for this patch.
func applyFilePatches(tree string, files []FilePatch, write bool) error {
	writes := make([]fileWrite, 0, len(files))
	for _, filePatch := range files {
		plan, err := planFileWrite(tree, filePatch)
		if err != nil {
			return err
		}
		writes = append(writes, plan)
	}

	if !write {
		return nil
	}

	for _, plan := range writes {
		if plan.delete {
			if err := os.Remove(plan.path); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(plan.path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(plan.path, []byte(plan.content), plan.mode); err != nil {
			return err
		}
	}
	return nil
}

func planFileWrite(tree string, filePatch FilePatch) (fileWrite, error) {
	oldPath := normalizeDiffPath(filePatch.OldPath)
	newPath := normalizeDiffPath(filePatch.NewPath)

	if newPath == "/dev/null" {
		if oldPath == "/dev/null" {
			return fileWrite{}, fmt.Errorf("invalid patch with both paths /dev/null")
		}
		path, err := safeJoin(tree, oldPath)
		if err != nil {
			return fileWrite{}, err
		}
		// Deleting still requires the content to match the expected state.
		if err := verifyDeletion(path, filePatch.Hunks); err != nil {
			return fileWrite{}, fmt.Errorf("%s: %w", oldPath, err)
		}
		return fileWrite{path: path, relative: oldPath, delete: true}, nil
	}

	path, err := safeJoin(tree, newPath)
	if err != nil {
		return fileWrite{}, err
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	var original string
	if oldPath != "/dev/null" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return fileWrite{}, err
			}
			return fileWrite{}, fmt.Errorf("%s: target file missing", newPath)
		}
		original = string(data)
	}

	updated, err := applyHunks(original, filePatch.Hunks)
	if err != nil {
		return fileWrite{}, fmt.Errorf("%s: %w", newPath, err)
	}

	return fileWrite{
		path:     path,
		relative: newPath,
		content:  updated,
		mode:     mode,
	}, nil
}

func verifyDeletion(path string, hunks []Hunk) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("target file missing")
		}
		return err
	}
	result, err := applyHunks(string(data), hunks)
	if err != nil {
		return err
	}
	if result != "" {
		return fmt.Errorf("deletion leaves content behind")
	}
	return nil
}

func normalizeDiffPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "/dev/null" {
		return path
	}
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	return path
}

func safeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}
	cleaned := filepath.Clean(rel)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid path: %s", rel)
	}

	joined := filepath.Join(root, cleaned)
	relCheck, err := filepath.Rel(root, joined)
	if err != nil || strings.HasPrefix(relCheck, "..") {
		return "", fmt.Errorf("path escapes tree: %s", rel)
	}
	return joined, nil
}
