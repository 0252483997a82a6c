// Package pipeline orchestrates the build stages: it orders them by their
// declared dependencies, consults the checkpoint store to skip work that is
// already current, brackets each stage with hooks and resource monitoring,
// and applies the per-stage retry and failure policy.
package pipeline

import (
	"context"

	"github.com/osforge/osforge/pkg/config"
	"github.com/osforge/osforge/pkg/hook"
)

// Stage is an immutable descriptor of one unit of pipeline work. The body is
// opaque to the orchestrator; only its error result is interpreted.
type Stage struct {
	// Name is the stage's unique key.
	Name string
	// Deps lists stages that must be complete before this one runs.
	Deps []string
	// Severity is config.SeverityFatal or config.SeverityRecoverable.
	// Empty defaults to fatal.
	Severity string
	// Retries bounds how often the body is rerun on failure.
	Retries int
	// PreHooks and PostHooks run around the body.
	PreHooks  []hook.Hook
	PostHooks []hook.Hook
	// Run performs the stage's work.
	Run func(ctx context.Context, sc *StageContext) error
}

func (s Stage) fatal() bool {
	return s.Severity != config.SeverityRecoverable
}

// StageContext is what a stage body gets from the orchestrator.
type StageContext struct {
	Config *config.Config
	Logf   func(format string, args ...any)
}

// RunOutcome is the overall result of a pipeline run.
type RunOutcome string

const (
	RunSuccess   RunOutcome = "success"
	RunPartial   RunOutcome = "partial"
	RunFatal     RunOutcome = "fatal"
	RunCancelled RunOutcome = "cancelled"
)
