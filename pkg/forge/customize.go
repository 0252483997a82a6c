// Package forge assembles the standard build pipeline from the
// configuration: which stages run, in what order, and what each stage does.
package forge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/osforge/osforge/pkg/config"
)

// WriteBuildConfs writes the configured make.conf and src.conf lines into
// the workspace so the build steps pick them up.
func WriteBuildConfs(cfg *config.Config) error {
	confs := []struct {
		path  string
		lines []string
	}{
		{cfg.MakeConfPath(), cfg.MakeConf},
		{cfg.SrcConfPath(), cfg.SrcConf},
	}

	for _, conf := range confs {
		if len(conf.lines) == 0 {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(conf.path), 0755); err != nil {
			return fmt.Errorf("create conf dir: %w", err)
		}
		data := strings.Join(conf.lines, "\n") + "\n"
		if err := os.WriteFile(conf.path, []byte(data), 0644); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(conf.path), err)
		}
	}
	return nil
}

// GenerateKernelConfig derives a kernel configuration named after the OS
// from the configured base config: the ident line is replaced and the
// configured options are appended. No-op when no kernel options are set.
func GenerateKernelConfig(cfg *config.Config) error {
	if len(cfg.KernelOptions) == 0 {
		return nil
	}

	confDir := filepath.Join(cfg.SrcDir(), "sys", cfg.TargetArch, "conf")
	base := filepath.Join(confDir, cfg.KernelConfig)
	data, err := os.ReadFile(base)
	if err != nil {
		return fmt.Errorf("read base kernel config: %w", err)
	}

	name := cfg.KernelConfName()
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "ident") {
			lines[i] = "ident\t\t" + name
		}
	}

	var b strings.Builder
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n")
	for _, option := range cfg.KernelOptions {
		b.WriteString("options\t\t" + option + "\n")
	}

	target := filepath.Join(confDir, name)
	if err := os.WriteFile(target, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write kernel config %s: %w", name, err)
	}
	return nil
}
