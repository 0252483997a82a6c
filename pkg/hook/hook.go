// Package hook runs user-supplied commands at stage boundaries. Hooks are
// untrusted: each runs as an isolated child process in its own process group
// and shares nothing with the orchestrator beyond an environment snapshot
// and its captured output.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Phase binds a hook to one side of a stage boundary.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Hook is one configured command with an optional timeout and workdir.
type Hook struct {
	Command string
	Args    []string
	Workdir string
	Timeout time.Duration
}

// Invocation captures a single hook execution.
type Invocation struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args,omitempty"`
	Phase    Phase         `json:"phase"`
	Stage    string        `json:"stage"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// TimeoutError reports a hook that was forcibly terminated.
type TimeoutError struct {
	Hook    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hook %s timed out after %s", e.Hook, e.Timeout)
}

// Failure reports a hook that exited non-zero or could not run.
type Failure struct {
	Hook     string
	Phase    Phase
	ExitCode int
	Err      error
}

func (e *Failure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s hook %s: %v", e.Phase, e.Hook, e.Err)
	}
	return fmt.Sprintf("%s hook %s exited with status %d", e.Phase, e.Hook, e.ExitCode)
}

func (e *Failure) Unwrap() error { return e.Err }

// DefaultTimeout bounds hooks that do not declare their own.
const DefaultTimeout = 10 * time.Minute

// killDelay is how long Wait allows output pipes to drain after the process
// group is killed.
const killDelay = 5 * time.Second

// Executor runs hooks for stage boundaries.
type Executor struct {
	// DefaultTimeout applies to hooks with no timeout of their own.
	DefaultTimeout time.Duration
	// Logger receives progress lines; nil disables logging.
	Logger func(format string, args ...any)
}

func (e *Executor) timeoutFor(h Hook) time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	if e.DefaultTimeout > 0 {
		return e.DefaultTimeout
	}
	return DefaultTimeout
}

func (e *Executor) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger(format, args...)
	}
}

// Invoke runs the hooks for one phase of a stage sequentially in declaration
// order, stopping at the first failure. The returned invocations cover every
// hook that started, including the failed one. The environment passed to each
// hook is env plus stage-identifying variables.
func (e *Executor) Invoke(ctx context.Context, phase Phase, stage string, env map[string]string, hooks []Hook) ([]Invocation, error) {
	var invocations []Invocation
	for i, h := range hooks {
		e.logf("%s hook %d/%d for stage %s: %s", phase, i+1, len(hooks), stage, h.Command)

		inv, err := e.run(ctx, phase, stage, env, h)
		invocations = append(invocations, inv)
		if err != nil {
			return invocations, err
		}
	}
	return invocations, nil
}

func (e *Executor) run(ctx context.Context, phase Phase, stage string, env map[string]string, h Hook) (Invocation, error) {
	timeout := e.timeoutFor(h)
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, h.Command, h.Args...)
	cmd.Dir = h.Workdir
	cmd.Env = buildEnviron(env, phase, stage, start)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so children die with the hook.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	inv := Invocation{
		Command:  h.Command,
		Args:     append([]string{}, h.Args...),
		Phase:    phase,
		Stage:    stage,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err == nil {
		return inv, nil
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		inv.TimedOut = true
		inv.ExitCode = -1
		timeoutErr := &TimeoutError{Hook: h.Command, Timeout: timeout}
		inv.Error = timeoutErr.Error()
		return inv, &Failure{Hook: h.Command, Phase: phase, ExitCode: -1, Err: timeoutErr}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		inv.ExitCode = exitErr.ExitCode()
		inv.Error = fmt.Sprintf("exit status %d", inv.ExitCode)
		return inv, &Failure{Hook: h.Command, Phase: phase, ExitCode: inv.ExitCode}
	}

	inv.ExitCode = -1
	inv.Error = err.Error()
	return inv, &Failure{Hook: h.Command, Phase: phase, ExitCode: -1, Err: err}
}

// buildEnviron flattens the parent environment, the caller's snapshot, and
// the injected stage-identifying variables, sorted for reproducibility.
func buildEnviron(env map[string]string, phase Phase, stage string, start time.Time) []string {
	merged := make(map[string]string, len(env)+3)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range env {
		merged[k] = v
	}
	merged["OSFORGE_STAGE"] = stage
	merged["OSFORGE_PHASE"] = string(phase)
	merged["OSFORGE_STARTED_AT"] = start.UTC().Format(time.RFC3339)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	environ := make([]string, 0, len(keys))
	for _, k := range keys {
		environ = append(environ, k+"="+merged[k])
	}
	return environ
}
