package buildtool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// killDelay is how long Wait allows the log writer to drain after the
// process group is killed on cancellation.
const killDelay = 5 * time.Second

// Runner executes build steps.
type Runner interface {
	RunStep(ctx context.Context, step Step) (*StepResult, error)
}

// SubprocessRunner runs steps as child processes, capturing combined output
// to LogDir/<step name>.log.
type SubprocessRunner struct {
	// LogDir receives one log file per step.
	LogDir string
	// Logger receives progress lines; nil disables logging.
	Logger func(format string, args ...any)
}

func (r *SubprocessRunner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger(format, args...)
	}
}

// RunStep executes one step to completion. A nonzero exit is returned as a
// StepError alongside the result; the log file exists in both cases.
func (r *SubprocessRunner) RunStep(ctx context.Context, step Step) (*StepResult, error) {
	if err := os.MkdirAll(r.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logPath := filepath.Join(r.LogDir, step.Name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("create step log: %w", err)
	}
	defer logFile.Close()

	r.logf("step %s: %s %v (log: %s)", step.Name, step.Command, step.Args, logPath)

	cmd := exec.CommandContext(ctx, step.Command, step.Args...)
	cmd.Dir = step.Dir
	cmd.Env = mergedEnv(step.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group; make spawns deep subtrees.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killDelay

	start := time.Now()
	runErr := cmd.Run()
	result := &StepResult{
		Step:     step.Name,
		LogPath:  logPath,
		Duration: time.Since(start),
	}

	if runErr == nil {
		r.logf("step %s completed in %s", step.Name, result.Duration.Round(time.Second))
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &StepError{Step: step.Name, ExitCode: result.ExitCode, LogPath: logPath}
	}
	return nil, fmt.Errorf("start step %s: %w", step.Name, runErr)
}

func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}
