package forge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/osforge/osforge/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		OSName:       "TestOS",
		Version:      "14.0",
		TargetArch:   "amd64",
		Workspace:    t.TempDir(),
		KernelConfig: "GENERIC",
		MakeJobs:     4,
	}
}

func TestStandardStageOrder(t *testing.T) {
	cfg := testConfig(t)

	stages := Stages(cfg, nil)
	var names []string
	for _, stage := range stages {
		names = append(names, stage.Name)
	}
	want := []string{"fetch", "customize", "world", "kernel", "distribution"}
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Fatalf("stages = %v, want %v", names, want)
	}

	cfg.CreateISO = true
	cfg.CreateMemstick = true
	cfg.CloudFormats = []string{"aws", "gcp"}
	stages = Stages(cfg, nil)
	names = names[:0]
	for _, stage := range stages {
		names = append(names, stage.Name)
	}
	want = append(want, "iso", "memstick", "cloud")
	if strings.Join(names, " ") != strings.Join(want, " ") {
		t.Fatalf("stages = %v, want %v", names, want)
	}
	for _, stage := range stages[len(stages)-3:] {
		if stage.Severity != config.SeverityRecoverable {
			t.Fatalf("%s severity = %s, want recoverable", stage.Name, stage.Severity)
		}
		if strings.Join(stage.Deps, " ") != "distribution" {
			t.Fatalf("%s deps = %v, want distribution", stage.Name, stage.Deps)
		}
	}
}

func TestWriteBuildConfs(t *testing.T) {
	cfg := testConfig(t)
	cfg.MakeConf = []string{"CPUTYPE?=native", "MALLOC_PRODUCTION=yes"}

	if err := WriteBuildConfs(cfg); err != nil {
		t.Fatalf("WriteBuildConfs: %v", err)
	}

	data, err := os.ReadFile(cfg.MakeConfPath())
	if err != nil {
		t.Fatalf("read make.conf: %v", err)
	}
	if string(data) != "CPUTYPE?=native\nMALLOC_PRODUCTION=yes\n" {
		t.Fatalf("make.conf = %q", data)
	}

	// No src.conf lines configured, so none is written.
	if _, err := os.Stat(cfg.SrcConfPath()); !os.IsNotExist(err) {
		t.Fatalf("src.conf unexpectedly written: %v", err)
	}
}

func TestGenerateKernelConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.KernelOptions = []string{"IPFIREWALL", "ALTQ"}

	confDir := filepath.Join(cfg.SrcDir(), "sys", "amd64", "conf")
	if err := os.MkdirAll(confDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	generic := "cpu\t\tHAMMER\nident\t\tGENERIC\noptions\t\tSCHED_ULE\n"
	if err := os.WriteFile(filepath.Join(confDir, "GENERIC"), []byte(generic), 0644); err != nil {
		t.Fatalf("write GENERIC: %v", err)
	}

	if err := GenerateKernelConfig(cfg); err != nil {
		t.Fatalf("GenerateKernelConfig: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(confDir, "TESTOS"))
	if err != nil {
		t.Fatalf("read generated config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "ident\t\tTESTOS") {
		t.Fatalf("ident not replaced: %q", content)
	}
	if strings.Contains(content, "ident\t\tGENERIC") {
		t.Fatalf("base ident left behind: %q", content)
	}
	for _, option := range cfg.KernelOptions {
		if !strings.Contains(content, "options\t\t"+option) {
			t.Fatalf("option %s missing: %q", option, content)
		}
	}
	if !strings.Contains(content, "options\t\tSCHED_ULE") {
		t.Fatalf("base options lost: %q", content)
	}
}

func TestGenerateKernelConfigNoOptions(t *testing.T) {
	cfg := testConfig(t)

	if err := GenerateKernelConfig(cfg); err != nil {
		t.Fatalf("GenerateKernelConfig: %v", err)
	}
	if cfg.KernelConfName() != "GENERIC" {
		t.Fatalf("kernel conf name = %s, want GENERIC", cfg.KernelConfName())
	}
}
