package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const runsDirName = "runs"

// RunLog is an append-only sequence of StageRun records for one pipeline
// run, stored as JSON lines. Each append is flushed before returning so the
// log cannot reorder against checkpoint writes.
type RunLog struct {
	file  *os.File
	runID string
}

// OpenRunLog creates the log file for a run under dir/runs.
func OpenRunLog(dir, runID string) (*RunLog, error) {
	runsDir := filepath.Join(dir, runsDirName)
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	path := filepath.Join(runsDir, runID+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return &RunLog{file: file, runID: runID}, nil
}

// RunID returns the run this log belongs to.
func (l *RunLog) RunID() string { return l.runID }

// Append writes one record and flushes it to stable storage.
func (l *RunLog) Append(run StageRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Close closes the underlying file.
func (l *RunLog) Close() error { return l.file.Close() }

// ListRuns returns the run IDs under dir/runs, oldest first.
func ListRuns(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, runsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		runs = append(runs, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(runs)
	return runs, nil
}

// ReadRunLog loads every record of one run.
func ReadRunLog(dir, runID string) ([]StageRun, error) {
	path := filepath.Join(dir, runsDirName, runID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var runs []StageRun
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var run StageRun
		if err := json.Unmarshal([]byte(line), &run); err != nil {
			return nil, fmt.Errorf("parse run log %s: %w", runID, err)
		}
		runs = append(runs, run)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}
