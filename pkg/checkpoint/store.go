// Package checkpoint persists pipeline progress: a durable checkpoint per
// successfully completed stage, keyed by configuration fingerprint, and an
// append-only log of every stage execution attempt. Resume correctness
// depends on this package, so storage failures are fatal for a run.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrIO reports that the persistence layer is unavailable. Callers must
// treat it as fatal for the whole run.
var ErrIO = errors.New("checkpoint storage unavailable")

const storeFile = "checkpoints.json"

// Store is the durable record of stage completion for one workspace.
type Store struct {
	dir     string
	entries map[string]Checkpoint
}

// Open loads the checkpoint store under dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	store := &Store{dir: dir, entries: make(map[string]Checkpoint)}

	data, err := os.ReadFile(filepath.Join(dir, storeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := json.Unmarshal(data, &store.entries); err != nil {
		return nil, fmt.Errorf("%w: corrupt checkpoint file: %v", ErrIO, err)
	}
	return store, nil
}

// Satisfied reports whether a prior success checkpoint exists for the stage
// with a matching fingerprint. Configuration drift changes the fingerprint
// and therefore invalidates the checkpoint.
func (s *Store) Satisfied(stage, fingerprint string) bool {
	entry, ok := s.entries[stage]
	return ok && entry.Fingerprint == fingerprint
}

// Checkpoint returns the stored entry for a stage, if any.
func (s *Store) Checkpoint(stage string) (Checkpoint, bool) {
	entry, ok := s.entries[stage]
	return entry, ok
}

// Stages returns the names of all checkpointed stages.
func (s *Store) Stages() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Record persists the outcome of a stage run. A success overwrites the
// stage's checkpoint entry and is flushed to stable storage before Record
// returns. Failed and skipped runs never alter the checkpoint entry, so a
// previously successful stage is not invalidated by a later failed retry.
func (s *Store) Record(run StageRun) error {
	if run.Outcome != OutcomeSuccess {
		return nil
	}
	s.entries[run.Stage] = Checkpoint{
		Stage:       run.Stage,
		Fingerprint: run.Fingerprint,
		CompletedAt: run.FinishedAt,
	}
	return s.flush()
}

// Invalidate clears the checkpoints for a stage and its dependents. The
// dependent closure is computed by the orchestrator from the stage graph;
// the store only removes what it is told to.
func (s *Store) Invalidate(stage string, dependents []string) error {
	delete(s.entries, stage)
	for _, name := range dependents {
		delete(s.entries, name)
	}
	return s.flush()
}

func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := writeFileSync(filepath.Join(s.dir, storeFile), data); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// writeFileSync writes data durably: temp file, fsync, rename, then fsync of
// the directory so a crash can neither lose a committed checkpoint nor
// surface a half-written one.
func writeFileSync(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
