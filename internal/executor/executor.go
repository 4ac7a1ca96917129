// Package executor owns a build from workspace acquisition to terminal
// status: stage walking, condition gating, post hooks, artifact collection,
// and notifier fan-out.
package executor

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/eventstore"
	"github.com/chengis/chengis/internal/gitsrc"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/metrics"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/pipeline/dsl"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/storage"
	"github.com/chengis/chengis/internal/workspace"
)

// Options tune engine behavior.
type Options struct {
	// MaxParallel caps concurrently running steps inside a parallel stage.
	// Zero or negative means unbounded.
	MaxParallel int
	// OutputLimit bounds captured stdout/stderr bytes per stream per step.
	// Zero means the step executor's default.
	OutputLimit int
	// ArtifactStore, when set, ingests collected artifacts after each build.
	ArtifactStore storage.Store
}

// Engine executes builds. One engine serves many builds; each Run call is
// independent and safe to invoke concurrently.
type Engine struct {
	registry   *plugin.Registry
	workspaces *workspace.Manager
	bus        *Bus
	recorder   metrics.Recorder
	store      EventStore
	logger     *slog.Logger
	opts       Options
}

// New creates an engine. The bus and recorder may be nil; the store is only
// used for overflow log chunks (the bus carries its own persistence).
func New(reg *plugin.Registry, ws *workspace.Manager, bus *Bus, rec metrics.Recorder, store EventStore, logger *slog.Logger, opts Options) *Engine {
	if bus == nil {
		bus = NewBus()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:   reg,
		workspaces: ws,
		bus:        bus,
		recorder:   rec,
		store:      store,
		logger:     logger,
		opts:       opts,
	}
}

// Bus exposes the engine's event bus for subscribers.
func (e *Engine) Bus() *Bus { return e.bus }

// Run executes the pipeline for the given build. The state machine must hold
// a queued build; Run performs the running transition itself. Cancelling ctx
// aborts in-flight steps, skips the rest, and lands the build on aborted.
// The returned result is always complete, whatever the terminal status.
func (e *Engine) Run(ctx context.Context, sm *build.StateMachine, pl *pipeline.Pipeline) (*build.Result, error) {
	b := sm.Build()
	if err := sm.Transition(build.StatusRunning); err != nil {
		return nil, err
	}
	started := time.Now()
	_ = e.bus.Publish(BuildStarted{Build: b})
	e.logger.Info("build started",
		logfields.BuildID(b.ID),
		logfields.JobID(b.JobID),
		logfields.Trigger(string(b.Trigger)),
	)

	res := &build.Result{
		BuildID:   b.ID,
		JobID:     b.JobID,
		OrgID:     b.OrgID,
		Number:    b.Number,
		Trigger:   b.Trigger,
		StartedAt: b.StartedAt,
	}

	ws, err := e.workspaces.Acquire(b.JobID, b.Number)
	if err != nil {
		e.logger.Error("workspace acquisition failed", logfields.BuildID(b.ID), logfields.Error(err))
		e.finish(sm, res, build.StatusFailure, started)
		return res, nil
	}
	defer func() {
		if err := ws.Release(); err != nil {
			e.logger.Warn("workspace release failed", logfields.BuildID(b.ID), logfields.Error(err))
		}
	}()
	b.Workspace = ws.Path
	res.Workspace = ws.Path

	var git *pipeline.GitInfo
	preflightFailed := false
	if pl.Source != nil {
		git, err = gitsrc.Checkout(ctx, pl.Source, ws.Path)
		if err != nil {
			e.logger.Error("checkout failed", logfields.BuildID(b.ID), logfields.Error(err))
			preflightFailed = true
		}
		res.Git = git
	}

	// A Chengisfile in the checked-out workspace replaces the registered
	// pipeline for this build.
	if !preflightFailed {
		override, err := dsl.LoadChengisfile(ws.Path, b.JobID)
		if err != nil {
			e.logger.Error("invalid Chengisfile", logfields.BuildID(b.ID), logfields.Error(err))
			preflightFailed = true
		} else if override != nil {
			e.logger.Info("pipeline overridden by Chengisfile", logfields.BuildID(b.ID), logfields.JobID(b.JobID))
			pl = override
		}
	}

	params := pl.DefaultParameters(b.Parameters)
	res.Parameters = params
	evalCtx := pipeline.EvalContext{Branch: branchOf(git, pl), Parameters: params}
	baseEnv := e.mergeBaseEnv(b, pl, git, params)

	failed := preflightFailed
	aborted := false
	if !preflightFailed {
		for i := range pl.Stages {
			st := &pl.Stages[i]
			if aborted || failed {
				res.Stages = append(res.Stages, skippedStage(st))
				continue
			}
			if ctx.Err() != nil {
				aborted = true
				res.Stages = append(res.Stages, skippedStage(st))
				continue
			}
			if !st.Condition.Evaluate(evalCtx) {
				e.logger.Debug("stage skipped by condition", logfields.BuildID(b.ID), logfields.Stage(st.Name))
				res.Stages = append(res.Stages, skippedStage(st))
				continue
			}

			sr := e.runStage(ctx, b, st, baseEnv, evalCtx, ws.Path)
			res.Stages = append(res.Stages, sr)
			if sr.Status == build.StepFailure {
				failed = true
			}
			if ctx.Err() != nil {
				aborted = true
			}
		}
	}

	status := build.StatusSuccess
	switch {
	case aborted:
		status = build.StatusAborted
	case failed:
		status = build.StatusFailure
	}

	e.runPostHooks(b, pl, status, preflightFailed, baseEnv, ws.Path, res)

	if !preflightFailed {
		res.Artifacts = collectArtifacts(e.logger, ws.Path, pl.Artifacts)
		e.archiveArtifacts(b.ID, ws.Path, res.Artifacts)
	}

	e.finish(sm, res, status, started)
	e.notify(pl, res)
	return res, nil
}

// finish lands the terminal status, stamps the result, and publishes
// build.completed.
func (e *Engine) finish(sm *build.StateMachine, res *build.Result, status build.Status, started time.Time) {
	b := sm.Build()
	if err := sm.Transition(status); err != nil {
		// The build was aborted out from under us while finishing; keep the
		// externally set terminal status.
		e.logger.Warn("terminal transition rejected",
			logfields.BuildID(b.ID),
			logfields.Status(string(status)),
			logfields.Error(err),
		)
		status = sm.Status()
	}
	res.Status = status
	res.CompletedAt = b.CompletedAt
	res.DurationMS = time.Since(started).Milliseconds()

	e.recorder.IncBuildOutcome(string(status))
	e.recorder.ObserveBuildDuration(b.JobID, time.Since(started))
	_ = e.bus.Publish(BuildCompleted{Result: res})
	e.logger.Info("build completed",
		logfields.BuildID(b.ID),
		logfields.JobID(b.JobID),
		logfields.Status(string(status)),
		logfields.DurationMS(res.DurationMS),
	)
}

// runStage executes one condition-passing stage and aggregates its status.
func (e *Engine) runStage(ctx context.Context, b *build.Build, st *pipeline.Stage, baseEnv map[string]string, evalCtx pipeline.EvalContext, wsDir string) build.StageResult {
	stageStart := time.Now()
	startAt := stageStart.UTC()
	_ = e.bus.Publish(StageStarted{BuildID: b.ID, Stage: st.Name})

	var steps []build.StepResult
	if st.Parallel {
		steps = e.runParallelSteps(ctx, b, st, baseEnv, evalCtx, wsDir)
	} else {
		steps = e.runSequentialSteps(ctx, b, st, baseEnv, evalCtx, wsDir)
	}

	done := time.Now().UTC()
	sr := build.StageResult{
		Name:        st.Name,
		Status:      build.StageStatusFromSteps(steps),
		StartedAt:   &startAt,
		CompletedAt: &done,
		DurationMS:  time.Since(stageStart).Milliseconds(),
		Steps:       steps,
	}

	e.recorder.ObserveStageDuration(st.Name, time.Since(stageStart))
	e.recorder.IncStageResult(st.Name, string(sr.Status))
	_ = e.bus.Publish(StageCompleted{BuildID: b.ID, Result: sr})
	return sr
}

// runSequentialSteps short-circuits on the first failed or aborted step;
// the remaining steps are recorded as skipped.
func (e *Engine) runSequentialSteps(ctx context.Context, b *build.Build, st *pipeline.Stage, baseEnv map[string]string, evalCtx pipeline.EvalContext, wsDir string) []build.StepResult {
	results := make([]build.StepResult, 0, len(st.Steps))
	shortCircuited := false
	for i := range st.Steps {
		step := st.Steps[i]
		switch {
		case shortCircuited:
			results = append(results, skippedStep(step.Name))
		case ctx.Err() != nil:
			results = append(results, abortedStep(step.Name))
			shortCircuited = true
		case !step.Condition.Evaluate(evalCtx):
			results = append(results, skippedStep(step.Name))
		default:
			sr := e.runStep(ctx, b, st, step, baseEnv, wsDir)
			results = append(results, sr)
			if sr.Status == build.StepFailure || sr.Status == build.StepAborted {
				shortCircuited = true
			}
		}
	}
	return results
}

// runParallelSteps runs every condition-passing step to completion; a
// failure never cancels its siblings. Concurrency is bounded by MaxParallel.
func (e *Engine) runParallelSteps(ctx context.Context, b *build.Build, st *pipeline.Stage, baseEnv map[string]string, evalCtx pipeline.EvalContext, wsDir string) []build.StepResult {
	results := make([]build.StepResult, len(st.Steps))

	limit := int64(e.opts.MaxParallel)
	if limit <= 0 {
		limit = int64(len(st.Steps))
	}
	if limit == 0 {
		return results
	}
	sem := semaphore.NewWeighted(limit)

	done := make(chan int, len(st.Steps))
	launched := 0
	for i := range st.Steps {
		step := st.Steps[i]
		if !step.Condition.Evaluate(evalCtx) {
			results[i] = skippedStep(step.Name)
			continue
		}
		launched++
		go func(i int, step pipeline.Step) {
			defer func() { done <- i }()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = abortedStep(step.Name)
				return
			}
			defer sem.Release(1)
			results[i] = e.runStep(ctx, b, st, step, baseEnv, wsDir)
		}(i, step)
	}
	for ; launched > 0; launched-- {
		<-done
	}
	return results
}

// runStep resolves the executor for the step type and runs it. An unknown
// step type is a step failure, not a crash.
func (e *Engine) runStep(ctx context.Context, b *build.Build, st *pipeline.Stage, step pipeline.Step, baseEnv map[string]string, wsDir string) build.StepResult {
	ex, err := e.registry.Executor(step.Type)
	if err != nil {
		e.logger.Error("step executor lookup failed",
			logfields.BuildID(b.ID),
			logfields.Stage(st.Name),
			logfields.Step(step.Name),
			logfields.Error(err),
		)
		now := time.Now().UTC()
		return build.StepResult{
			Name:        step.Name,
			Status:      build.StepFailure,
			StartedAt:   &now,
			CompletedAt: &now,
			Stderr:      err.Error(),
		}
	}

	env := mergeEnv(baseEnv, st.Env, step.Env)
	sc := plugin.StepContext{
		WorkspaceDir: wsDir,
		Env:          env,
		BuildID:      b.ID,
		JobID:        b.JobID,
		OrgID:        b.OrgID,
		StageName:    st.Name,
		OutputLimit:  e.opts.OutputLimit,
		LogSink:      e.logSink(b.ID, st.Name, step.Name),
	}

	stepStart := time.Now()
	result, execErr := ex.Execute(ctx, step, sc)
	if execErr != nil {
		e.logger.Error("step execution failed to start",
			logfields.BuildID(b.ID),
			logfields.Stage(st.Name),
			logfields.Step(step.Name),
			logfields.Error(execErr),
		)
		if result.Status == "" || result.Status == build.StepPending {
			result.Status = build.StepFailure
		}
		if result.Stderr == "" {
			result.Stderr = execErr.Error()
		}
	}
	if result.Name == "" {
		result.Name = step.Name
	}

	e.recorder.ObserveStepDuration(st.Name, step.Name, time.Since(stepStart))
	_ = e.bus.Publish(StepCompleted{BuildID: b.ID, Stage: st.Name, Result: result})
	e.logger.Debug("step completed",
		logfields.BuildID(b.ID),
		logfields.Stage(st.Name),
		logfields.Step(step.Name),
		logfields.Status(string(result.Status)),
		logfields.ExitCode(result.ExitCode),
		logfields.DurationMS(result.DurationMS),
	)
	return result
}

// runPostHooks runs the applicable post hooks with a fresh context so they
// execute even after a cancel. Hook failures are logged and never change the
// build status. After a preflight (checkout) failure only always hooks run.
func (e *Engine) runPostHooks(b *build.Build, pl *pipeline.Pipeline, status build.Status, preflightFailed bool, baseEnv map[string]string, wsDir string, res *build.Result) {
	if pl.Post == nil {
		return
	}
	hooks := append([]pipeline.Step(nil), pl.Post.Always...)
	if !preflightFailed {
		switch status {
		case build.StatusSuccess:
			hooks = append(hooks, pl.Post.OnSuccess...)
		case build.StatusFailure:
			hooks = append(hooks, pl.Post.OnFailure...)
		}
	}
	if len(hooks) == 0 {
		return
	}

	hookStage := &pipeline.Stage{Name: "post", Env: nil}
	ctx := context.Background()
	for _, hook := range hooks {
		sr := e.runStep(ctx, b, hookStage, hook, baseEnv, wsDir)
		res.Post = append(res.Post, sr)
		if sr.Status == build.StepFailure {
			e.logger.Warn("post hook failed",
				logfields.BuildID(b.ID),
				logfields.Step(hook.Name),
				logfields.ExitCode(sr.ExitCode),
			)
		}
	}
}

// notify fans the final result out to every configured notifier. Delivery
// failures are logged only.
func (e *Engine) notify(pl *pipeline.Pipeline, res *build.Result) {
	for _, cfg := range pl.Notify {
		n, err := e.registry.Notifier(cfg.Type)
		if err != nil {
			e.logger.Warn("notifier not registered",
				logfields.BuildID(res.BuildID),
				slog.String("notifier", cfg.Type),
			)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := n.Send(ctx, res, cfg); err != nil {
			e.logger.Warn("notification failed",
				logfields.BuildID(res.BuildID),
				slog.String("notifier", cfg.Type),
				logfields.Error(err),
			)
		}
		cancel()
	}
}

// logSink streams overflow output chunks into the event store.
func (e *Engine) logSink(buildID, stage, step string) func(stream string, chunk []byte) {
	if e.store == nil {
		return nil
	}
	return func(stream string, chunk []byte) {
		meta := map[string]string{"stage-name": stage, "step-name": step, "stream": stream}
		if err := e.store.Append(context.Background(), buildID, eventstore.EventStepLog, chunk, meta); err != nil {
			e.logger.Warn("log chunk persistence failed", logfields.BuildID(buildID), logfields.Error(err))
		}
	}
}

// mergeBaseEnv layers process env, pipeline env, GIT_* variables, resolved
// parameters, and correlation ids. Stage and step env land on top later.
func (e *Engine) mergeBaseEnv(b *build.Build, pl *pipeline.Pipeline, git *pipeline.GitInfo, params map[string]string) map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	for k, v := range pl.Env {
		env[k] = v
	}
	for k, v := range git.Env() {
		env[k] = v
	}
	for k, v := range params {
		env["PARAM_"+strings.ToUpper(k)] = v
	}
	env["CHENGIS_BUILD_ID"] = b.ID
	env["CHENGIS_JOB_ID"] = b.JobID
	env["CHENGIS_BUILD_NUMBER"] = strconv.Itoa(b.Number)
	if b.OrgID != "" {
		env["CHENGIS_ORG_ID"] = b.OrgID
	}
	return env
}

func mergeEnv(base, stageEnv, stepEnv map[string]string) map[string]string {
	env := make(map[string]string, len(base)+len(stageEnv)+len(stepEnv))
	for k, v := range base {
		env[k] = v
	}
	for k, v := range stageEnv {
		env[k] = v
	}
	for k, v := range stepEnv {
		env[k] = v
	}
	return env
}

// branchOf prefers the checked-out branch, falling back to the declared one.
func branchOf(git *pipeline.GitInfo, pl *pipeline.Pipeline) string {
	if git != nil && git.Branch != "" {
		return git.Branch
	}
	if pl.Source != nil {
		return pl.Source.Branch
	}
	return ""
}

func skippedStage(st *pipeline.Stage) build.StageResult {
	steps := make([]build.StepResult, 0, len(st.Steps))
	for _, s := range st.Steps {
		steps = append(steps, skippedStep(s.Name))
	}
	return build.StageResult{Name: st.Name, Status: build.StepSkipped, Steps: steps}
}

func skippedStep(name string) build.StepResult {
	return build.StepResult{Name: name, Status: build.StepSkipped}
}

func abortedStep(name string) build.StepResult {
	now := time.Now().UTC()
	return build.StepResult{Name: name, Status: build.StepAborted, StartedAt: &now, CompletedAt: &now}
}
