// Package patch manages the ordered set of source patches applied to a
// working tree during the customize stage. The persisted patch files and
// their application order are the single source of truth for reproducing a
// customized tree from a pristine one.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// State is a patch's application state.
type State string

const (
	StatePending  State = "pending"
	StateApplied  State = "applied"
	StateFailed   State = "failed"
	StateReverted State = "reverted"
)

// hashAbsent marks a touched path that did not exist.
const hashAbsent = "absent"

// Patch is one uniquely named unit of textual change. Patches are never
// removed from the set; applied history is retained for revert and audit.
type Patch struct {
	Name       string            `json:"name"`
	Path       string            `json:"path"`
	State      State             `json:"state"`
	AppliedAt  time.Time         `json:"applied_at,omitzero"`
	PreHashes  map[string]string `json:"pre_hashes,omitempty"`
	PostHashes map[string]string `json:"post_hashes,omitempty"`

	content string
	files   []FilePatch
}

// Files returns the parsed per-file patches.
func (p *Patch) Files() []FilePatch { return p.files }

// Content returns the raw unified diff text.
func (p *Patch) Content() string { return p.content }

// Set is the ordered patch set for one workspace.
type Set struct {
	dir     string
	engine  Engine
	status  *statusStore
	patches []*Patch
}

// Load reads every *.patch file under dir, sorts them by name, and restores
// persisted application state from stateDir. Two patches sharing a sort key
// is a configuration error.
func Load(dir, stateDir string) (*Set, error) {
	return LoadWithEngine(dir, stateDir, NewEngine())
}

// LoadWithEngine is Load with a caller-supplied diff engine.
func LoadWithEngine(dir, stateDir string, engine Engine) (*Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read patch directory: %w", err)
	}

	set := &Set{
		dir:    dir,
		engine: engine,
		status: newStatusStore(filepath.Join(stateDir, "patches.json")),
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".patch") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	keys := make(map[string]string)
	for _, name := range names {
		key := sortKey(name)
		if other, ok := keys[key]; ok {
			return nil, fmt.Errorf("%w: %s and %s", ErrDuplicateName, other, name)
		}
		keys[key] = name

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read patch %s: %w", name, err)
		}
		files, err := ParseUnifiedDiff(string(data))
		if err != nil {
			return nil, fmt.Errorf("parse patch %s: %w", name, err)
		}

		set.patches = append(set.patches, &Patch{
			Name:    name,
			Path:    path,
			State:   StatePending,
			content: string(data),
			files:   files,
		})
	}

	if err := set.status.restore(set.patches); err != nil {
		return nil, err
	}
	return set, nil
}

// sortKey is the numeric prefix of a patch name, or the whole base name when
// there is no numeric prefix.
func sortKey(name string) string {
	base := strings.TrimSuffix(name, ".patch")
	for i := 0; i < len(base); i++ {
		if base[i] < '0' || base[i] > '9' {
			if i > 0 {
				return base[:i]
			}
			return base
		}
	}
	return base
}

// Patches returns the patches in application order.
func (s *Set) Patches() []*Patch {
	out := make([]*Patch, len(s.patches))
	copy(out, s.patches)
	return out
}

// Apply applies pending patches to the tree strictly in sort order. The
// first patch that fails to apply cleanly stops the walk: earlier patches
// stay applied, the failing patch is marked failed, and a ConflictError
// naming it is returned.
func (s *Set) Apply(tree string) error {
	for _, p := range s.patches {
		if p.State == StateApplied {
			continue
		}

		pre, err := hashTouched(tree, p.files)
		if err != nil {
			return fmt.Errorf("hash files for %s: %w", p.Name, err)
		}

		if err := s.engine.DryRun(tree, p.files); err != nil {
			p.State = StateFailed
			if saveErr := s.status.save(s.patches); saveErr != nil {
				return saveErr
			}
			return &ConflictError{Patch: p.Name, Detail: err}
		}
		if err := s.engine.Apply(tree, p.files); err != nil {
			p.State = StateFailed
			if saveErr := s.status.save(s.patches); saveErr != nil {
				return saveErr
			}
			return &ConflictError{Patch: p.Name, Detail: err}
		}

		post, err := hashTouched(tree, p.files)
		if err != nil {
			return fmt.Errorf("hash files for %s: %w", p.Name, err)
		}

		p.PreHashes = pre
		p.PostHashes = post
		p.State = StateApplied
		p.AppliedAt = time.Now().UTC()
		if err := s.status.save(s.patches); err != nil {
			return err
		}
	}
	return nil
}

// Revert reverts applied patches in reverse order. A touched path whose
// content no longer matches the recorded post-apply hash was modified
// outside the manager and yields a RevertError before anything is undone
// for that patch.
func (s *Set) Revert(tree string) error {
	for i := len(s.patches) - 1; i >= 0; i-- {
		p := s.patches[i]
		if p.State != StateApplied {
			continue
		}

		current, err := hashTouched(tree, p.files)
		if err != nil {
			return fmt.Errorf("hash files for %s: %w", p.Name, err)
		}
		for path, want := range p.PostHashes {
			if current[path] != want {
				return &RevertError{Patch: p.Name, Path: path}
			}
		}

		if err := s.engine.Revert(tree, p.files); err != nil {
			return &RevertError{Patch: p.Name, Detail: err}
		}

		p.State = StateReverted
		if err := s.status.save(s.patches); err != nil {
			return err
		}
	}
	return nil
}

// touchedPaths returns the workspace-relative paths a patch reads or writes.
func touchedPaths(files []FilePatch) []string {
	seen := make(map[string]struct{})
	var paths []string
	for _, filePatch := range files {
		for _, raw := range []string{filePatch.OldPath, filePatch.NewPath} {
			rel := normalizeDiffPath(raw)
			if rel == "/dev/null" {
				continue
			}
			if _, ok := seen[rel]; ok {
				continue
			}
			seen[rel] = struct{}{}
			paths = append(paths, rel)
		}
	}
	sort.Strings(paths)
	return paths
}

func hashTouched(tree string, files []FilePatch) (map[string]string, error) {
	hashes := make(map[string]string)
	for _, rel := range touchedPaths(files) {
		path, err := safeJoin(tree, rel)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				hashes[rel] = hashAbsent
				continue
			}
			return nil, err
		}
		hashes[rel] = digest.FromBytes(data).String()
	}
	return hashes, nil
}
