package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/osforge/osforge/pkg/checkpoint"
	"github.com/osforge/osforge/pkg/config"
	"github.com/osforge/osforge/pkg/hook"
	"github.com/osforge/osforge/pkg/monitor"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Runner executes a validated stage graph against one workspace. Stages run
// strictly sequentially; the runner owns the checkpoint store and the run
// log for the lifetime of a run.
type Runner struct {
	cfg   *config.Config
	graph *graph
	store *checkpoint.Store
	hooks *hook.Executor
	logf  func(format string, args ...any)

	backoffBase time.Duration
	backoffCap  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the progress logger.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(r *Runner) { r.logf = logf }
}

// WithBackoff sets the retry backoff base delay and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(r *Runner) {
		r.backoffBase = base
		r.backoffCap = cap
	}
}

// New validates the configuration and the stage graph, opens the checkpoint
// store, and returns a runner. Graph errors (duplicate names, unknown
// dependencies, cycles) are rejected here, before any work starts.
func New(cfg *config.Config, stages []Stage, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	merged := make([]Stage, len(stages))
	copy(merged, stages)
	for i := range merged {
		applyStageConfig(&merged[i], cfg.Stage(merged[i].Name))
	}

	g, err := buildGraph(merged)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(cfg.StateDir())
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:         cfg,
		graph:       g,
		store:       store,
		hooks:       &hook.Executor{},
		logf:        func(string, ...any) {},
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.hooks.Logger = r.logf
	return r, nil
}

// applyStageConfig overlays config-file policy onto a stage descriptor.
func applyStageConfig(stage *Stage, sc config.StageConfig) {
	if sc.Severity != "" {
		stage.Severity = sc.Severity
	}
	if sc.Retries > 0 {
		stage.Retries = sc.Retries
	}
	for _, h := range sc.PreHooks {
		stage.PreHooks = append(stage.PreHooks, hook.Hook{
			Command: h.Command, Args: h.Args, Workdir: h.Workdir, Timeout: h.Timeout,
		})
	}
	for _, h := range sc.PostHooks {
		stage.PostHooks = append(stage.PostHooks, hook.Hook{
			Command: h.Command, Args: h.Args, Workdir: h.Workdir, Timeout: h.Timeout,
		})
	}
}

// Order returns the full topological stage order.
func (r *Runner) Order() []string {
	out := make([]string, len(r.graph.order))
	copy(out, r.graph.order)
	return out
}

// Store exposes the checkpoint store for status reporting.
func (r *Runner) Store() *checkpoint.Store { return r.store }

// chainedFingerprint mixes a stage's own configuration digest with its
// dependencies' fingerprints, in declaration order.
type chainedFingerprint struct {
	Own  string   `json:"own"`
	Deps []string `json:"deps"`
}

// Fingerprints returns the effective fingerprint for every stage: the digest
// of the stage's own configuration slice, chained with the fingerprints of
// its dependencies. Drift in one stage's inputs therefore invalidates that
// stage and its dependents, and no others. Stages without dependencies keep
// their own digest unchanged.
func (r *Runner) Fingerprints() map[string]string {
	fps := make(map[string]string, len(r.graph.order))
	for _, name := range r.graph.order {
		own := r.cfg.Fingerprint(name).String()
		deps := r.graph.stages[name].Deps
		if len(deps) == 0 {
			fps[name] = own
			continue
		}
		chain := chainedFingerprint{Own: own, Deps: make([]string, 0, len(deps))}
		for _, dep := range deps {
			chain.Deps = append(chain.Deps, fps[dep])
		}
		data, err := json.Marshal(chain)
		if err != nil {
			// Marshal cannot fail for this payload shape.
			panic(err)
		}
		fps[name] = digest.FromBytes(data).String()
	}
	return fps
}

// Invalidate clears the checkpoint for a stage and, through the dependency
// graph, for every stage that depends on it. It returns the cascaded stage
// names.
func (r *Runner) Invalidate(stage string) ([]string, error) {
	if _, ok := r.graph.stages[stage]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	dependents := r.graph.dependents(stage)
	if err := r.store.Invalidate(stage, dependents); err != nil {
		return nil, err
	}
	return dependents, nil
}

// RunOptions selects what a run executes.
type RunOptions struct {
	// Stages names the requested subset; empty means every stage.
	Stages []string
	// Force reruns selected stages even when their checkpoints are current.
	Force bool
}

// Result is the outcome of one pipeline run with its full StageRun history.
type Result struct {
	RunID   string
	Outcome RunOutcome
	Runs    []checkpoint.StageRun
}

// Run executes the selected stages in dependency order. Stage failures are
// reported through Result.Outcome; the returned error is reserved for
// configuration, dependency, persistence, and cancellation errors.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	selection, err := r.graph.orderedSelection(opts.Stages)
	if err != nil {
		return nil, err
	}

	fingerprints := r.Fingerprints()

	selected := make(map[string]bool, len(selection))
	for _, name := range selection {
		selected[name] = true
	}
	for _, name := range selection {
		for _, dep := range r.graph.stages[name].Deps {
			if selected[dep] {
				continue
			}
			if r.store.Satisfied(dep, fingerprints[dep]) {
				continue
			}
			return nil, &DependencyError{Stage: name, Dep: dep}
		}
	}

	runID := time.Now().UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
	log, err := checkpoint.OpenRunLog(r.cfg.StateDir(), runID)
	if err != nil {
		return nil, err
	}
	defer log.Close()

	result := &Result{RunID: runID, Outcome: RunSuccess}

	// record makes the run durable: the run log line and any checkpoint
	// update are flushed before the next stage starts.
	record := func(run checkpoint.StageRun) error {
		run.RunID = runID
		result.Runs = append(result.Runs, run)
		if err := log.Append(run); err != nil {
			return err
		}
		return r.store.Record(run)
	}

	failed := make(map[string]bool)

	for _, name := range selection {
		if err := ctx.Err(); err != nil {
			result.Outcome = RunCancelled
			return result, err
		}

		stage := r.graph.stages[name]
		fingerprint := fingerprints[name]

		if dep := blockedBy(stage, failed); dep != "" {
			failed[name] = true
			result.Outcome = RunPartial
			r.logf("skipping stage %s: dependency %s failed", name, dep)
			now := time.Now().UTC()
			if err := record(checkpoint.StageRun{
				Stage: name, Outcome: checkpoint.OutcomeSkipped,
				Fingerprint: fingerprint, StartedAt: now, FinishedAt: now,
				Error: fmt.Sprintf("dependency %s failed", dep),
			}); err != nil {
				return result, err
			}
			continue
		}

		if !opts.Force && r.store.Satisfied(name, fingerprint) {
			r.logf("stage %s is up to date, skipping", name)
			now := time.Now().UTC()
			if err := record(checkpoint.StageRun{
				Stage: name, Outcome: checkpoint.OutcomeSkipped,
				Fingerprint: fingerprint, StartedAt: now, FinishedAt: now,
			}); err != nil {
				return result, err
			}
			continue
		}

		runs, stageErr := r.executeStage(ctx, stage, fingerprint)
		for _, run := range runs {
			if err := record(run); err != nil {
				return result, err
			}
		}

		if stageErr == nil {
			continue
		}
		if ctx.Err() != nil {
			// A cancelled stage writes no checkpoint, so resume reruns it.
			result.Outcome = RunCancelled
			return result, ctx.Err()
		}

		failed[name] = true
		if stage.fatal() {
			r.logf("stage %s failed fatally: %v", name, stageErr)
			result.Outcome = RunFatal
			return result, nil
		}
		r.logf("stage %s failed (recoverable): %v", name, stageErr)
		result.Outcome = RunPartial
	}

	return result, nil
}

func blockedBy(stage Stage, failed map[string]bool) string {
	for _, dep := range stage.Deps {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// executeStage runs pre-hooks, the stage body with bounded retries, and
// post-hooks, returning one StageRun per body attempt. The final run carries
// the hook invocations and the resource summary for the whole window.
func (r *Runner) executeStage(ctx context.Context, stage Stage, fingerprint string) ([]checkpoint.StageRun, error) {
	r.logf("running stage %s", stage.Name)
	env := r.hookEnv()

	started := time.Now().UTC()
	preInvocations, preErr := r.hooks.Invoke(ctx, hook.PhasePre, stage.Name, env, stage.PreHooks)
	if preErr != nil {
		run := checkpoint.StageRun{
			Stage: stage.Name, Attempt: 1, Outcome: checkpoint.OutcomeFailed,
			Fingerprint: fingerprint, StartedAt: started, FinishedAt: time.Now().UTC(),
			Error: preErr.Error(), Hooks: preInvocations,
		}
		return []checkpoint.StageRun{run}, preErr
	}

	mon := monitor.New(r.cfg.Workspace, r.cfg.MonitorInterval)
	mon.Start(stage.Name)

	sc := &StageContext{Config: r.cfg, Logf: r.logf}

	var runs []checkpoint.StageRun
	var bodyErr error
	recorded := false
	attempts := stage.Retries + 1
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		attemptStart := time.Now().UTC()
		if stage.Run != nil {
			bodyErr = stage.Run(ctx, sc)
		}

		if bodyErr == nil || ctx.Err() != nil || attempt == attempts {
			break
		}

		runs = append(runs, checkpoint.StageRun{
			Stage: stage.Name, Attempt: attempt, Outcome: checkpoint.OutcomeFailed,
			Fingerprint: fingerprint, StartedAt: attemptStart, FinishedAt: time.Now().UTC(),
			Error: bodyErr.Error(),
		})

		delay := r.backoff(attempt)
		r.logf("stage %s attempt %d failed: %v; retrying in %s", stage.Name, attempt, bodyErr, delay)
		if err := sleepCtx(ctx, delay); err != nil {
			// The attempt already has its failure record; cancellation
			// during backoff must not append a second one.
			recorded = true
			break
		}
	}
	summary := mon.Stop()

	final := checkpoint.StageRun{
		Stage: stage.Name, Attempt: attempt, Fingerprint: fingerprint,
		StartedAt: started, FinishedAt: time.Now().UTC(),
		Resources: &summary, Hooks: preInvocations,
	}

	if bodyErr != nil {
		failure := &StageFailure{Stage: stage.Name, Attempt: attempt, Err: bodyErr}
		if recorded {
			last := &runs[len(runs)-1]
			last.Resources = &summary
			last.Hooks = preInvocations
			return runs, failure
		}
		final.Outcome = checkpoint.OutcomeFailed
		final.Error = failure.Error()
		runs = append(runs, final)
		return runs, failure
	}

	// Post-hook failures are recoverable: surfaced in the StageRun's hook
	// records, never escalated to stage failure.
	postInvocations, postErr := r.hooks.Invoke(ctx, hook.PhasePost, stage.Name, env, stage.PostHooks)
	final.Hooks = append(final.Hooks, postInvocations...)
	if postErr != nil {
		r.logf("post hook for stage %s failed: %v", stage.Name, postErr)
	}

	final.Outcome = checkpoint.OutcomeSuccess
	final.FinishedAt = time.Now().UTC()
	runs = append(runs, final)
	return runs, nil
}

func (r *Runner) hookEnv() map[string]string {
	return map[string]string{
		"OSFORGE_WORKSPACE":  r.cfg.Workspace,
		"OSFORGE_SRC":        r.cfg.SrcDir(),
		"OSFORGE_OBJ":        r.cfg.ObjDir(),
		"OSFORGE_DIST":       r.cfg.DistDir(),
		"OSFORGE_OS_NAME":    r.cfg.OSName,
		"OSFORGE_OS_VERSION": r.cfg.Version,
	}
}

// backoff doubles the base delay per attempt, capped.
func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.backoffCap {
			return r.backoffCap
		}
	}
	if delay > r.backoffCap {
		return r.backoffCap
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
