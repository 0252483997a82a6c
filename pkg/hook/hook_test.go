package hook

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestInvokeInjectsEnvironment(t *testing.T) {
	requireSh(t)

	e := &Executor{}
	hooks := []Hook{{
		Command: "sh",
		Args:    []string{"-c", "echo \"$OSFORGE_STAGE $OSFORGE_PHASE $OSFORGE_SRC\""},
	}}

	invs, err := e.Invoke(context.Background(), PhasePre, "world", map[string]string{
		"OSFORGE_SRC": "/tmp/src",
		"PATH":        "/usr/bin:/bin",
	}, hooks)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(invs) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(invs))
	}
	if got := strings.TrimSpace(invs[0].Stdout); got != "world pre /tmp/src" {
		t.Fatalf("unexpected stdout: %q", got)
	}
	if invs[0].ExitCode != 0 {
		t.Fatalf("unexpected exit code: %d", invs[0].ExitCode)
	}
}

func TestInvokeRunsInDeclarationOrder(t *testing.T) {
	requireSh(t)

	dir := t.TempDir()
	e := &Executor{}
	hooks := []Hook{
		{Command: "sh", Args: []string{"-c", "echo first > out.txt"}, Workdir: dir},
		{Command: "sh", Args: []string{"-c", "echo second >> out.txt"}, Workdir: dir},
		{Command: "sh", Args: []string{"-c", "cat out.txt"}, Workdir: dir},
	}

	invs, err := e.Invoke(context.Background(), PhasePost, "world", nil, hooks)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := invs[2].Stdout; got != "first\nsecond\n" {
		t.Fatalf("hooks out of order: %q", got)
	}
}

func TestInvokeStopsAtFirstFailure(t *testing.T) {
	requireSh(t)

	e := &Executor{}
	hooks := []Hook{
		{Command: "sh", Args: []string{"-c", "exit 3"}},
		{Command: "sh", Args: []string{"-c", "echo never"}},
	}

	invs, err := e.Invoke(context.Background(), PhasePre, "world", nil, hooks)
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected Failure, got %v", err)
	}
	if failure.ExitCode != 3 || failure.Phase != PhasePre {
		t.Fatalf("unexpected failure detail: %+v", failure)
	}
	if len(invs) != 1 {
		t.Fatalf("second hook should not have run, got %d invocations", len(invs))
	}
	if invs[0].ExitCode != 3 {
		t.Fatalf("unexpected recorded exit code: %d", invs[0].ExitCode)
	}
}

func TestInvokeTimeout(t *testing.T) {
	requireSh(t)

	e := &Executor{}
	hooks := []Hook{{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	}}

	start := time.Now()
	invs, err := e.Invoke(context.Background(), PhasePre, "world", nil, hooks)
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout did not terminate the hook promptly")
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if len(invs) != 1 || !invs[0].TimedOut {
		t.Fatalf("invocation not marked timed out: %+v", invs)
	}
}

func TestInvokeMissingCommand(t *testing.T) {
	e := &Executor{}
	hooks := []Hook{{Command: "/nonexistent/osforge-hook"}}

	_, err := e.Invoke(context.Background(), PhasePost, "world", nil, hooks)
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected Failure, got %v", err)
	}
	if failure.ExitCode != -1 {
		t.Fatalf("unexpected exit code: %d", failure.ExitCode)
	}
}
