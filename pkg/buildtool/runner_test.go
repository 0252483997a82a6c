package buildtool

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/osforge/osforge/pkg/config"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunStepCapturesLog(t *testing.T) {
	requireSh(t)

	runner := &SubprocessRunner{LogDir: t.TempDir()}
	result, err := runner.RunStep(context.Background(), Step{
		Name:    "hello",
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}

	data, err := os.ReadFile(result.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	if !strings.Contains(log, "out") || !strings.Contains(log, "err") {
		t.Fatalf("log missing captured output: %q", log)
	}
	if filepath.Base(result.LogPath) != "hello.log" {
		t.Fatalf("log path = %s, want hello.log", result.LogPath)
	}
}

func TestRunStepNonzeroExit(t *testing.T) {
	requireSh(t)

	runner := &SubprocessRunner{LogDir: t.TempDir()}
	result, err := runner.RunStep(context.Background(), Step{
		Name:    "failing",
		Command: "sh",
		Args:    []string{"-c", "echo doomed; exit 42"},
	})

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err = %v, want StepError", err)
	}
	if stepErr.ExitCode != 42 || result.ExitCode != 42 {
		t.Fatalf("exit code = %d/%d, want 42", stepErr.ExitCode, result.ExitCode)
	}
	if data, err := os.ReadFile(stepErr.LogPath); err != nil || !strings.Contains(string(data), "doomed") {
		t.Fatalf("failure log not captured: %v %q", err, data)
	}
}

func TestRunStepEnvAndDir(t *testing.T) {
	requireSh(t)

	dir := t.TempDir()
	runner := &SubprocessRunner{LogDir: t.TempDir()}
	result, err := runner.RunStep(context.Background(), Step{
		Name:    "env",
		Command: "sh",
		Args:    []string{"-c", "echo $OSFORGE_TEST; pwd"},
		Dir:     dir,
		Env:     map[string]string{"OSFORGE_TEST": "marker"},
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}

	data, err := os.ReadFile(result.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	log := string(data)
	if !strings.Contains(log, "marker") {
		t.Fatalf("env var not passed through: %q", log)
	}
	if !strings.Contains(log, filepath.Base(dir)) {
		t.Fatalf("working directory not honored: %q", log)
	}
}

func TestRunStepMissingCommand(t *testing.T) {
	runner := &SubprocessRunner{LogDir: t.TempDir()}
	_, err := runner.RunStep(context.Background(), Step{
		Name:    "missing",
		Command: "osforge-no-such-command",
	})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		t.Fatalf("start failure misreported as StepError: %v", err)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		OSName:       "TestOS",
		Version:      "14.0",
		TargetArch:   "amd64",
		Workspace:    t.TempDir(),
		KernelConfig: "GENERIC",
		MakeJobs:     8,
	}
}

func TestBuildWorldStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.BuildOptions = map[string]string{
		"WITHOUT_TESTS": "yes",
		"WITH_CCACHE":   "yes",
	}

	step := BuildWorld(cfg)
	if step.Command != "make" || step.Dir != cfg.SrcDir() {
		t.Fatalf("step = %+v", step)
	}

	args := strings.Join(step.Args, " ")
	for _, want := range []string{"-j8", "buildworld", "TARGET=amd64", "TARGET_ARCH=amd64"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
	// Build options are sorted for a reproducible command line.
	if !strings.Contains(args, "WITH_CCACHE=yes WITHOUT_TESTS=yes") {
		t.Fatalf("build options not sorted: %q", args)
	}
	if step.Env["MAKEOBJDIRPREFIX"] != cfg.ObjDir() {
		t.Fatalf("env = %v", step.Env)
	}
}

func TestBuildKernelStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.KernelConfig = "TESTOS"

	step := BuildKernel(cfg)
	args := strings.Join(step.Args, " ")
	if !strings.Contains(args, "buildkernel") || !strings.Contains(args, "KERNCONF=TESTOS") {
		t.Fatalf("args = %q", args)
	}
}

func TestDistributionStep(t *testing.T) {
	cfg := testConfig(t)

	step := Distribution(cfg)
	args := strings.Join(step.Args, " ")
	for _, want := range []string{"distributeworld", "distributekernel", "DISTDIR=" + cfg.DistDir()} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
}

func TestMakeEnvPicksUpGeneratedConfs(t *testing.T) {
	cfg := testConfig(t)

	step := BuildWorld(cfg)
	if _, ok := step.Env["__MAKE_CONF"]; ok {
		t.Fatal("__MAKE_CONF set without a generated make.conf")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MakeConfPath()), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.MakeConfPath(), []byte("CPUTYPE?=native\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	step = BuildWorld(cfg)
	if step.Env["__MAKE_CONF"] != cfg.MakeConfPath() {
		t.Fatalf("env = %v, want __MAKE_CONF", step.Env)
	}
}

func TestISOStepArgs(t *testing.T) {
	cfg := testConfig(t)

	step := ISOStep(cfg, "mkisofs")
	args := strings.Join(step.Args, " ")
	if step.Command != "mkisofs" {
		t.Fatalf("command = %s", step.Command)
	}
	for _, want := range []string{"-V TestOS_14.0", "-o " + cfg.ISOPath(), cfg.ISODir()} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}

	step = ISOStep(cfg, "xorriso")
	if step.Args[0] != "-as" || step.Args[1] != "mkisofs" {
		t.Fatalf("xorriso args = %v", step.Args)
	}
}

func TestMemstickStep(t *testing.T) {
	cfg := testConfig(t)

	step := MemstickStep(cfg)
	if step.Command != "make" {
		t.Fatalf("command = %s", step.Command)
	}
	args := strings.Join(step.Args, " ")
	wantDir := filepath.Join(cfg.SrcDir(), "release")
	for _, want := range []string{"-C " + wantDir, "memstick", "TARGET=amd64", "TARGET_ARCH=amd64"} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
	if step.Env["MAKEOBJDIRPREFIX"] != cfg.ObjDir() {
		t.Fatalf("env = %v", step.Env)
	}
}

func TestCloudImageSteps(t *testing.T) {
	cfg := testConfig(t)

	for _, provider := range []string{"aws", "azure"} {
		steps := CloudImageSteps(cfg, provider)
		if len(steps) != 2 {
			t.Fatalf("%s: got %d steps, want rootfs and image", provider, len(steps))
		}
		if steps[0].Command != "makefs" || !strings.Contains(strings.Join(steps[0].Args, " "), cfg.DistDir()) {
			t.Fatalf("%s rootfs step = %+v", provider, steps[0])
		}
		if steps[1].Command != "mkimg" {
			t.Fatalf("%s image step = %+v", provider, steps[1])
		}
	}

	aws := CloudImageSteps(cfg, "aws")[1]
	if !strings.Contains(strings.Join(aws.Args, " "), "-f raw") ||
		!strings.Contains(strings.Join(aws.Args, " "), cfg.CloudImagePath("aws")) {
		t.Fatalf("aws image args = %v", aws.Args)
	}

	azure := CloudImageSteps(cfg, "azure")[1]
	if !strings.Contains(strings.Join(azure.Args, " "), "-f vhdf") ||
		!strings.Contains(strings.Join(azure.Args, " "), cfg.CloudImagePath("azure")) {
		t.Fatalf("azure image args = %v", azure.Args)
	}

	gcp := CloudImageSteps(cfg, "gcp")
	if len(gcp) != 3 {
		t.Fatalf("gcp: got %d steps, want rootfs, image, and package", len(gcp))
	}
	tarArgs := strings.Join(gcp[2].Args, " ")
	if gcp[2].Command != "tar" ||
		!strings.Contains(tarArgs, cfg.CloudImagePath("gcp")) ||
		!strings.Contains(tarArgs, "disk.raw") {
		t.Fatalf("gcp package step = %+v", gcp[2])
	}
}
