package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/osforge/osforge/pkg/backup"
	"github.com/osforge/osforge/pkg/checkpoint"
	"github.com/osforge/osforge/pkg/config"
	"github.com/osforge/osforge/pkg/forge"
	"github.com/osforge/osforge/pkg/patch"
	"github.com/osforge/osforge/pkg/pipeline"
)

var (
	configFile    string
	workspaceFlag string

	exitCode int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "osforge",
		Short: "Custom OS build pipeline orchestrator",
		Long: `osforge drives a full OS source build: fetching the source tree,
	applying customizations and patches, building world and kernel, and
	packaging the distribution into a bootable image.

	Completed stages are checkpointed. A rerun skips stages whose checkpoint
	is current and picks up where the last run stopped; changing a
	fingerprint-relevant configuration field invalidates the affected
	checkpoints automatically.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&workspaceFlag, "workspace", "", "override workspace directory")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(invalidateCmd())
	rootCmd.AddCommand(patchCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(cleanCmd())

	if err := rootCmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

func logf(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if workspaceFlag != "" {
		cfg.Workspace = workspaceFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunner(cfg *config.Config) (*pipeline.Runner, error) {
	return pipeline.New(cfg, forge.Stages(cfg, logf), pipeline.WithLogger(logf))
}

func runCmd() *cobra.Command {
	var force bool
	var jobs int

	cmd := &cobra.Command{
		Use:   "run [stage...]",
		Short: "Execute the build pipeline",
		Long: `Runs the pipeline stages in dependency order. Naming stages runs only
	that subset; every unselected dependency must already have a current
	checkpoint.

	Exit codes: 0 success, 2 partial (recoverable stage failures), 3 fatal
	stage failure, 130 interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jobs > 0 {
				cfg.MakeJobs = jobs
			}

			runner, err := newRunner(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := runner.Run(ctx, pipeline.RunOptions{Stages: args, Force: force})
			if result != nil && result.Outcome == pipeline.RunCancelled {
				fmt.Printf("run %s interrupted\n", result.RunID)
				exitCode = 130
				return nil
			}
			if err != nil {
				return err
			}

			switch result.Outcome {
			case pipeline.RunPartial:
				fmt.Printf("run %s finished with recoverable failures\n", result.RunID)
				exitCode = 2
			case pipeline.RunFatal:
				fmt.Printf("run %s aborted on fatal stage failure\n", result.RunID)
				exitCode = 3
			default:
				fmt.Printf("run %s completed\n", result.RunID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rerun stages even when their checkpoints are current")
	cmd.Flags().IntVar(&jobs, "jobs", 0, "override the configured make job count")

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show checkpoints and the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			runner, err := newRunner(cfg)
			if err != nil {
				return err
			}
			store := runner.Store()
			fingerprints := runner.Fingerprints()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tCOMPLETED\tFINGERPRINT\tCURRENT")
			for _, stage := range store.Stages() {
				cp, _ := store.Checkpoint(stage)
				current := "stale"
				if cp.Fingerprint == fingerprints[stage] {
					current = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					stage,
					cp.CompletedAt.Format("2006-01-02 15:04:05"),
					shortDigest(cp.Fingerprint),
					current)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			runs, err := checkpoint.ListRuns(cfg.StateDir())
			if err != nil || len(runs) == 0 {
				return err
			}
			last := runs[len(runs)-1]
			records, err := checkpoint.ReadRunLog(cfg.StateDir(), last)
			if err != nil {
				return err
			}

			fmt.Printf("\nlast run %s:\n", last)
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tATTEMPT\tOUTCOME\tERROR")
			for _, record := range records {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", record.Stage, record.Attempt, record.Outcome, record.Error)
			}
			return w.Flush()
		},
	}
}

func shortDigest(digest string) string {
	if len(digest) > 19 {
		return digest[:19]
	}
	return digest
}

func invalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate [stage]",
		Short: "Clear a stage's checkpoint and every dependent checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runner, err := newRunner(cfg)
			if err != nil {
				return err
			}

			cascaded, err := runner.Invalidate(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("invalidated %s", args[0])
			for _, name := range cascaded {
				fmt.Printf(", %s", name)
			}
			fmt.Println()
			return nil
		},
	}
}

func patchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Manage the workspace patch series",
	}
	cmd.AddCommand(patchCreateCmd())
	cmd.AddCommand(patchListCmd())
	cmd.AddCommand(patchRevertCmd())
	return cmd
}

func patchCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [name] [path...]",
		Short: "Capture source tree edits as the next patch in the series",
		Long: `Diffs the named paths in the source tree against the pristine snapshot
	taken by the fetch stage and writes the result as the next numbered
	patch file.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			set, err := patch.Load(cfg.PatchesDir(), cfg.StateDir())
			if err != nil {
				return err
			}

			p, err := set.Create(args[0], args[1:], cfg.SrcDir(), cfg.PristineDir())
			if errors.Is(err, patch.ErrNoChanges) {
				fmt.Println("no changes against the pristine tree")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", p.Path)
			return nil
		},
	}
}

func patchListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the patch series and application state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			set, err := patch.Load(cfg.PatchesDir(), cfg.StateDir())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PATCH\tSTATE\tAPPLIED")
			for _, p := range set.Patches() {
				applied := "-"
				if !p.AppliedAt.IsZero() {
					applied = p.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.State, applied)
			}
			return w.Flush()
		},
	}
}

func patchRevertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert",
		Short: "Revert every applied patch from the source tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			set, err := patch.Load(cfg.PatchesDir(), cfg.StateDir())
			if err != nil {
				return err
			}
			if err := set.Revert(cfg.SrcDir()); err != nil {
				return err
			}
			fmt.Println("patch series reverted")
			return nil
		},
	}
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive and restore finished builds",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Archive the distribution tree and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr := backup.NewManager(cfg)
			mgr.Logger = logf

			entry, err := mgr.Create()
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s)\n", entry.Path, shortDigest(entry.Digest.String()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			entries, err := backup.NewManager(cfg).List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKUP\tCREATED\tSIZE\tDIGEST")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%.1f MB\t%s\n",
					entry.Name,
					entry.CreatedAt.Format("2006-01-02 15:04:05"),
					float64(entry.Size)/(1024*1024),
					shortDigest(entry.Digest.String()))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore [name]",
		Short: "Restore a backup into the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr := backup.NewManager(cfg)
			mgr.Logger = logf
			return mgr.Restore(args[0])
		},
	})

	return cmd
}

func cleanCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build outputs from the workspace",
		Long: `Removes the object, distribution, and image trees. With --all, the
	source checkout and the orchestrator state (checkpoints, run logs,
	patch state) are removed as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			targets := []string{cfg.ObjDir(), cfg.DistDir(), cfg.ISODir()}
			if all {
				targets = append(targets, cfg.SrcDir(), cfg.StateDir())
			}
			for _, target := range targets {
				if err := os.RemoveAll(target); err != nil {
					return fmt.Errorf("clean %s: %w", target, err)
				}
				logf("removed %s", target)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "also remove the source checkout and orchestrator state")

	return cmd
}
