package forge

import (
	"context"
	"fmt"
	"os"

	"github.com/osforge/osforge/pkg/buildtool"
	"github.com/osforge/osforge/pkg/config"
	"github.com/osforge/osforge/pkg/patch"
	"github.com/osforge/osforge/pkg/pipeline"
	"github.com/osforge/osforge/pkg/source"
	"github.com/osforge/osforge/pkg/workspace"
)

// Stages returns the standard pipeline: fetch, customize, world, kernel,
// distribution, and the packaging stages the configuration enables: iso when
// create_iso is set, memstick when create_memstick is set, cloud when
// cloud_formats names providers. Fetch and the build stages are fatal; image
// packaging is recoverable. Per-stage config overrides (severity, retries,
// hooks) are applied by the orchestrator.
func Stages(cfg *config.Config, logf func(format string, args ...any)) []pipeline.Stage {
	src := &source.GitProvider{Repo: cfg.GitRepo, Dir: cfg.SrcDir(), Logger: logf}
	steps := &buildtool.SubprocessRunner{LogDir: cfg.LogDir(), Logger: logf}

	stages := []pipeline.Stage{
		{
			Name:     "fetch",
			Severity: config.SeverityFatal,
			Run: func(ctx context.Context, sc *pipeline.StageContext) error {
				dir, err := src.Fetch(ctx, sc.Config.GitBranch)
				if err != nil {
					return err
				}
				// Pristine snapshot is the reference tree for patch
				// creation and revert verification.
				return workspace.Snapshot(dir, sc.Config.PristineDir())
			},
		},
		{
			Name:     "customize",
			Deps:     []string{"fetch"},
			Severity: config.SeverityFatal,
			Run:      runCustomize,
		},
		{
			Name:     "world",
			Deps:     []string{"customize"},
			Severity: config.SeverityFatal,
			Run:      runStep(steps, buildtool.BuildWorld),
		},
		{
			Name:     "kernel",
			Deps:     []string{"world"},
			Severity: config.SeverityFatal,
			Run:      runStep(steps, buildtool.BuildKernel),
		},
		{
			Name:     "distribution",
			Deps:     []string{"kernel"},
			Severity: config.SeverityFatal,
			Run:      runStep(steps, buildtool.Distribution),
		},
	}

	if cfg.CreateISO {
		stages = append(stages, pipeline.Stage{
			Name:     "iso",
			Deps:     []string{"distribution"},
			Severity: config.SeverityRecoverable,
			Run: func(ctx context.Context, sc *pipeline.StageContext) error {
				return runISO(ctx, steps, sc.Config)
			},
		})
	}
	if cfg.CreateMemstick {
		stages = append(stages, pipeline.Stage{
			Name:     "memstick",
			Deps:     []string{"distribution"},
			Severity: config.SeverityRecoverable,
			Run:      runStep(steps, buildtool.MemstickStep),
		})
	}
	if len(cfg.CloudFormats) > 0 {
		stages = append(stages, pipeline.Stage{
			Name:     "cloud",
			Deps:     []string{"distribution"},
			Severity: config.SeverityRecoverable,
			Run: func(ctx context.Context, sc *pipeline.StageContext) error {
				return runCloud(ctx, steps, sc)
			},
		})
	}
	return stages
}

func runStep(runner buildtool.Runner, build func(*config.Config) buildtool.Step) func(context.Context, *pipeline.StageContext) error {
	return func(ctx context.Context, sc *pipeline.StageContext) error {
		_, err := runner.RunStep(ctx, build(sc.Config))
		return err
	}
}

func runCustomize(_ context.Context, sc *pipeline.StageContext) error {
	cfg := sc.Config

	if err := WriteBuildConfs(cfg); err != nil {
		return err
	}
	if err := GenerateKernelConfig(cfg); err != nil {
		return err
	}

	set, err := patch.Load(cfg.PatchesDir(), cfg.StateDir())
	if err != nil {
		return err
	}
	if len(set.Patches()) == 0 {
		return nil
	}
	sc.Logf("applying %d patches", len(set.Patches()))
	return set.Apply(cfg.SrcDir())
}

func runISO(ctx context.Context, runner buildtool.Runner, cfg *config.Config) error {
	tool, err := buildtool.DetectISOTool()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.ISODir(), 0755); err != nil {
		return err
	}
	if err := workspace.Snapshot(cfg.DistDir(), cfg.ISODir()); err != nil {
		return fmt.Errorf("stage iso tree: %w", err)
	}
	_, err = runner.RunStep(ctx, buildtool.ISOStep(cfg, tool))
	return err
}

func runCloud(ctx context.Context, runner buildtool.Runner, sc *pipeline.StageContext) error {
	cfg := sc.Config
	if err := os.MkdirAll(cfg.CloudDir(), 0755); err != nil {
		return err
	}
	for _, provider := range cfg.CloudFormats {
		sc.Logf("exporting %s image", provider)
		for _, step := range buildtool.CloudImageSteps(cfg, provider) {
			if _, err := runner.RunStep(ctx, step); err != nil {
				return err
			}
		}
		sc.Logf("%s image written to %s", provider, cfg.CloudImagePath(provider))
	}
	return nil
}
