package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateStage reports two stages sharing a name.
	ErrDuplicateStage = errors.New("duplicate stage name")
	// ErrUnknownStage reports a reference to a stage that does not exist.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrStageCycle reports a dependency cycle in the stage graph.
	ErrStageCycle = errors.New("stage dependency cycle")
)

// DependencyError reports a requested stage subset that cannot run because a
// dependency is neither selected nor satisfied by a prior checkpoint.
type DependencyError struct {
	Stage string
	Dep   string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("stage %s requires %s, which is not selected and has no current checkpoint", e.Stage, e.Dep)
}

// StageFailure wraps a stage body's reported failure.
type StageFailure struct {
	Stage   string
	Attempt int
	Err     error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed (attempt %d): %v", e.Stage, e.Attempt, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }
