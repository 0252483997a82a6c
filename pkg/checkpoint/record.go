package checkpoint

import (
	"time"

	"github.com/osforge/osforge/pkg/hook"
	"github.com/osforge/osforge/pkg/monitor"
)

// Outcome is the terminal state of one stage execution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// StageRun records one execution attempt of a stage. Runs are appended to
// the run log and never mutated after the stage ends; every attempt is
// retained, not just the latest.
type StageRun struct {
	RunID       string            `json:"run_id"`
	Stage       string            `json:"stage"`
	Attempt     int               `json:"attempt"`
	Outcome     Outcome           `json:"outcome"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Error       string            `json:"error,omitempty"`
	Resources   *monitor.Summary  `json:"resources,omitempty"`
	Hooks       []hook.Invocation `json:"hooks,omitempty"`
}

// Checkpoint marks a stage's last successful completion for a given
// configuration fingerprint.
type Checkpoint struct {
	Stage       string    `json:"stage"`
	Fingerprint string    `json:"fingerprint"`
	CompletedAt time.Time `json:"completed_at"`
}
