package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Severity classifies how a stage failure affects the rest of a run.
const (
	SeverityFatal       = "fatal"
	SeverityRecoverable = "recoverable"
)

// Config holds the build configuration for one pipeline run. It is loaded
// once at startup and treated as immutable for the lifetime of the run.
type Config struct {
	OSName     string `yaml:"os_name"`
	Version    string `yaml:"version"`
	TargetArch string `yaml:"target_arch"`
	Workspace  string `yaml:"workspace"`

	GitRepo   string `yaml:"git_repo"`
	GitBranch string `yaml:"git_branch"`

	KernelConfig string `yaml:"kernel_config"`
	MakeJobs     int    `yaml:"make_jobs"`
	CreateISO    bool   `yaml:"create_iso"`
	ISOLabel     string `yaml:"iso_label"`

	CreateMemstick bool     `yaml:"create_memstick"`
	CloudFormats   []string `yaml:"cloud_formats,omitempty"`

	BuildOptions  map[string]string `yaml:"build_options,omitempty"`
	MakeConf      []string          `yaml:"make_conf,omitempty"`
	SrcConf       []string          `yaml:"src_conf,omitempty"`
	KernelOptions []string          `yaml:"kernel_options,omitempty"`

	PatchDir string `yaml:"patch_dir,omitempty"`

	MonitorInterval time.Duration `yaml:"monitor_interval,omitempty"`

	Stages []StageConfig `yaml:"stages,omitempty"`
}

// StageConfig carries the per-stage policy knobs: failure severity, retry
// budget, and hook command lists.
type StageConfig struct {
	Name      string       `yaml:"name"`
	Severity  string       `yaml:"severity,omitempty"`
	Retries   int          `yaml:"retries,omitempty"`
	PreHooks  []HookConfig `yaml:"pre_hooks,omitempty"`
	PostHooks []HookConfig `yaml:"post_hooks,omitempty"`
}

// HookConfig describes one user-supplied command bound to a stage boundary.
type HookConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Workdir string        `yaml:"workdir,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Load reads a configuration file and fills in defaults. An empty path loads
// the default config location, falling back to pure defaults when no file
// exists there.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; defaults apply.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// DefaultPath returns the default config file location under the user's
// config directory.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "osforge", "config.yaml")
}

func (c *Config) applyDefaults() {
	if c.OSName == "" {
		c.OSName = "CustomBSD"
	}
	if c.Version == "" {
		c.Version = "14.0-RELEASE"
	}
	if c.TargetArch == "" {
		c.TargetArch = "amd64"
	}
	if c.Workspace == "" {
		c.Workspace = "./osforge_workspace"
	}
	if c.GitRepo == "" {
		c.GitRepo = "https://git.freebsd.org/src.git"
	}
	if c.GitBranch == "" {
		c.GitBranch = "releng/" + versionPrefix(c.Version)
	}
	if c.KernelConfig == "" {
		c.KernelConfig = "GENERIC"
	}
	if c.MakeJobs <= 0 {
		c.MakeJobs = 4
	}
	if c.ISOLabel == "" {
		c.ISOLabel = c.OSName
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 5 * time.Second
	}
}

func versionPrefix(version string) string {
	for i := 0; i < len(version); i++ {
		if version[i] == '-' {
			return version[:i]
		}
	}
	return version
}

// Validate checks the configuration for errors that should stop a run before
// any work starts.
func (c *Config) Validate() error {
	if c.OSName == "" {
		return fmt.Errorf("os_name is required")
	}
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}

	for _, format := range c.CloudFormats {
		switch format {
		case "aws", "azure", "gcp":
		default:
			return fmt.Errorf("unknown cloud format %q", format)
		}
	}

	seen := make(map[string]struct{})
	for _, stage := range c.Stages {
		if stage.Name == "" {
			return fmt.Errorf("stage name is required")
		}
		if _, ok := seen[stage.Name]; ok {
			return fmt.Errorf("duplicate stage config: %s", stage.Name)
		}
		seen[stage.Name] = struct{}{}

		switch stage.Severity {
		case "", SeverityFatal, SeverityRecoverable:
		default:
			return fmt.Errorf("stage %s has invalid severity %q", stage.Name, stage.Severity)
		}
		if stage.Retries < 0 {
			return fmt.Errorf("stage %s has negative retry count", stage.Name)
		}
		for _, hook := range stage.PreHooks {
			if hook.Command == "" {
				return fmt.Errorf("stage %s has a pre hook without a command", stage.Name)
			}
		}
		for _, hook := range stage.PostHooks {
			if hook.Command == "" {
				return fmt.Errorf("stage %s has a post hook without a command", stage.Name)
			}
		}
	}

	return nil
}

// Stage returns the policy config for the named stage, or a zero value when
// the config file does not mention it.
func (c *Config) Stage(name string) StageConfig {
	for _, stage := range c.Stages {
		if stage.Name == name {
			return stage
		}
	}
	return StageConfig{Name: name}
}

// SrcDir is the checked-out source tree.
func (c *Config) SrcDir() string { return filepath.Join(c.Workspace, "src") }

// ObjDir is the build object tree (MAKEOBJDIRPREFIX).
func (c *Config) ObjDir() string { return filepath.Join(c.Workspace, "obj") }

// DistDir holds the assembled distribution.
func (c *Config) DistDir() string { return filepath.Join(c.Workspace, "dist") }

// ISODir holds packaged images.
func (c *Config) ISODir() string { return filepath.Join(c.Workspace, "iso") }

// CloudDir holds exported cloud disk images.
func (c *Config) CloudDir() string { return filepath.Join(c.Workspace, "cloud_images") }

// LogDir holds per-step build logs.
func (c *Config) LogDir() string { return filepath.Join(c.StateDir(), "logs") }

// PatchesDir is where numbered patch files are read from and written to.
func (c *Config) PatchesDir() string {
	if c.PatchDir != "" {
		return c.PatchDir
	}
	return filepath.Join(c.Workspace, "patches")
}

// KernelConfName is the kernel configuration the build uses: the configured
// one, or a config named after the OS when kernel options call for a
// generated one.
func (c *Config) KernelConfName() string {
	if len(c.KernelOptions) == 0 {
		return c.KernelConfig
	}
	name := make([]rune, 0, len(c.OSName))
	for _, r := range strings.ToUpper(c.OSName) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			name = append(name, r)
		}
	}
	if len(name) == 0 {
		return c.KernelConfig
	}
	return string(name)
}

// MakeConfPath is where generated make.conf lines are written.
func (c *Config) MakeConfPath() string { return filepath.Join(c.Workspace, "etc", "make.conf") }

// SrcConfPath is where generated src.conf lines are written.
func (c *Config) SrcConfPath() string { return filepath.Join(c.Workspace, "etc", "src.conf") }

// ISOPath is where the bootable image is written.
func (c *Config) ISOPath() string {
	name := fmt.Sprintf("%s_%s_%s.iso", c.OSName, c.Version, c.TargetArch)
	return filepath.Join(c.Workspace, name)
}

// MemstickPath is where the release makefiles leave the USB installer image.
func (c *Config) MemstickPath() string {
	name := fmt.Sprintf("%s_%s_%s.img", c.OSName, c.Version, c.TargetArch)
	return filepath.Join(c.Workspace, name)
}

// CloudImagePath is where the exported image for one cloud provider lands.
// AWS imports require a raw disk, Azure a fixed VHD, and GCP a tarball
// wrapping disk.raw.
func (c *Config) CloudImagePath(provider string) string {
	switch provider {
	case "aws":
		return filepath.Join(c.CloudDir(), c.OSName+"_aws.raw")
	case "azure":
		return filepath.Join(c.CloudDir(), c.OSName+"_azure.vhd")
	case "gcp":
		return filepath.Join(c.CloudDir(), c.OSName+"_gcp.tar.gz")
	}
	return filepath.Join(c.CloudDir(), c.OSName+"_"+provider+".img")
}

// StateDir holds checkpoints, run logs, and patch application state. It lives
// inside the workspace so state travels with the tree it describes.
func (c *Config) StateDir() string { return filepath.Join(c.Workspace, ".osforge") }

// PristineDir is the unmodified source snapshot patches are diffed against.
func (c *Config) PristineDir() string { return filepath.Join(c.StateDir(), "pristine") }

// FallbackStateDir returns a per-user state directory for commands that run
// without a workspace.
func FallbackStateDir() string { return filepath.Join(xdg.StateHome, "osforge") }

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
