package patch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// statusStore persists per-patch application state keyed by patch name.
type statusStore struct {
	path string
}

func newStatusStore(path string) *statusStore {
	return &statusStore{path: path}
}

type statusFile struct {
	Patches map[string]patchStatus `json:"patches"`
}

type patchStatus struct {
	State      State             `json:"state"`
	AppliedAt  time.Time         `json:"applied_at,omitzero"`
	PreHashes  map[string]string `json:"pre_hashes,omitempty"`
	PostHashes map[string]string `json:"post_hashes,omitempty"`
}

// restore overlays persisted state onto freshly loaded patches.
func (s *statusStore) restore(patches []*Patch) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read patch status: %w", err)
	}

	var file statusFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse patch status: %w", err)
	}

	for _, p := range patches {
		status, ok := file.Patches[p.Name]
		if !ok {
			continue
		}
		p.State = status.State
		p.AppliedAt = status.AppliedAt
		p.PreHashes = status.PreHashes
		p.PostHashes = status.PostHashes
	}
	return nil
}

// save writes the full status file atomically: temp file, then rename.
func (s *statusStore) save(patches []*Patch) error {
	file := statusFile{Patches: make(map[string]patchStatus, len(patches))}
	for _, p := range patches {
		file.Patches[p.Name] = patchStatus{
			State:      p.State,
			AppliedAt:  p.AppliedAt,
			PreHashes:  p.PreHashes,
			PostHashes: p.PostHashes,
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("write patch status: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write patch status: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write patch status: %w", err)
	}
	return nil
}
