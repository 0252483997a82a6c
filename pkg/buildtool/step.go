// Package buildtool runs the external build commands of a pipeline: make
// targets over the source tree and the image packaging tools. Every step's
// output is captured to its own log file so a multi-hour build failure can
// be diagnosed after the fact.
package buildtool

import (
	"fmt"
	"time"
)

// Step is one external build command.
type Step struct {
	// Name keys the step's log file.
	Name string
	// Command and Args form the command line.
	Command string
	Args    []string
	// Dir is the working directory.
	Dir string
	// Env is added on top of the parent environment.
	Env map[string]string
}

// StepResult describes a finished step.
type StepResult struct {
	Step     string        `json:"step"`
	ExitCode int           `json:"exit_code"`
	LogPath  string        `json:"log_path"`
	Duration time.Duration `json:"duration"`
}

// StepError reports a step that ran and exited nonzero.
type StepError struct {
	Step     string
	ExitCode int
	LogPath  string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("build step %s failed with exit code %d (log: %s)", e.Step, e.ExitCode, e.LogPath)
}
