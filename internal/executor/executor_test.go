package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
	"github.com/chengis/chengis/internal/steps"
	"github.com/chengis/chengis/internal/workspace"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := plugin.NewRegistry(nil)
	require.NoError(t, steps.RegisterBuiltins(reg, 30*time.Second))
	ws := workspace.NewManager(t.TempDir())
	return New(reg, ws, NewBus(), nil, nil, nil, Options{})
}

func newQueued(t *testing.T, jobID string, params map[string]string) *build.StateMachine {
	t.Helper()
	b := build.New(jobID, "acme", 1, build.TriggerManual, params)
	return build.NewStateMachine(b)
}

func shellStep(name, command string) pipeline.Step {
	return pipeline.Step{Name: name, Type: pipeline.StepTypeShell, Command: command}
}

func TestSequentialStageShortCircuits(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Stages: []pipeline.Stage{
			{Name: "test", Steps: []pipeline.Step{
				shellStep("fail", "exit 1"),
				shellStep("never", "echo never"),
			}},
			{Name: "release", Steps: []pipeline.Step{shellStep("ship", "echo ship")}},
		},
		Post: &pipeline.PostHooks{
			Always:    []pipeline.Step{shellStep("cleanup", "echo cleanup")},
			OnFailure: []pipeline.Step{shellStep("report", "echo report")},
			OnSuccess: []pipeline.Step{shellStep("celebrate", "echo celebrate")},
		},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)

	assert.Equal(t, build.StatusFailure, res.Status)
	require.Len(t, res.Stages, 2)
	assert.Equal(t, build.StepFailure, res.Stages[0].Status)
	assert.Equal(t, build.StepFailure, res.Stages[0].Steps[0].Status)
	assert.Equal(t, build.StepSkipped, res.Stages[0].Steps[1].Status)
	assert.Equal(t, build.StepSkipped, res.Stages[1].Status)

	// always + on-failure ran, on-success did not
	require.Len(t, res.Post, 2)
	assert.Equal(t, "cleanup", res.Post[0].Name)
	assert.Equal(t, "report", res.Post[1].Name)
}

func TestParallelStageDoesNotShortCircuit(t *testing.T) {
	e := newTestEngine(t)
	marker := filepath.Join(t.TempDir(), "sibling-ran")
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Stages: []pipeline.Stage{
			{Name: "fanout", Parallel: true, Steps: []pipeline.Step{
				shellStep("fail", "exit 7"),
				shellStep("sibling", "sleep 0.2 && touch "+marker),
			}},
		},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)

	assert.Equal(t, build.StatusFailure, res.Status)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, build.StepFailure, res.Stages[0].Status)
	assert.Equal(t, build.StepFailure, res.Stages[0].Steps[0].Status)
	assert.Equal(t, build.StepSuccess, res.Stages[0].Steps[1].Status)
	assert.FileExists(t, marker, "failing sibling must not cancel the rest of a parallel stage")
}

func TestConditionGatingSkipsStagesAndSteps(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Parameters: []pipeline.Parameter{
			{Name: "env", Type: pipeline.ParameterChoice, Default: "staging", Choices: []string{"staging", "prod"}},
		},
		Stages: []pipeline.Stage{
			{
				Name:      "prod-only",
				Condition: &pipeline.Condition{Type: pipeline.ConditionParam, Param: "env", Value: "prod"},
				Steps:     []pipeline.Step{shellStep("release", "echo release")},
			},
			{Name: "common", Steps: []pipeline.Step{
				shellStep("always", "echo hi"),
				{
					Name: "gated", Type: pipeline.StepTypeShell, Command: "echo gated",
					Condition: &pipeline.Condition{Type: pipeline.ConditionBranch, Value: "main"},
				},
			}},
		},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)

	assert.Equal(t, build.StatusSuccess, res.Status)
	assert.Equal(t, build.StepSkipped, res.Stages[0].Status)
	assert.Equal(t, build.StepSuccess, res.Stages[1].Status)
	assert.Equal(t, build.StepSuccess, res.Stages[1].Steps[0].Status)
	assert.Equal(t, build.StepSkipped, res.Stages[1].Steps[1].Status, "no checkout means no branch to match")
}

func TestParamConditionPassesWithOverride(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Parameters: []pipeline.Parameter{
			{Name: "env", Type: pipeline.ParameterString, Default: "staging"},
		},
		Stages: []pipeline.Stage{
			{
				Name:      "prod-only",
				Condition: &pipeline.Condition{Type: pipeline.ConditionParam, Param: "env", Value: "prod"},
				Steps:     []pipeline.Step{shellStep("release", "echo release")},
			},
		},
	}

	sm := newQueued(t, "deploy", map[string]string{"env": "prod"})
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)
	assert.Equal(t, build.StatusSuccess, res.Status)
	assert.Equal(t, build.StepSuccess, res.Stages[0].Status)
}

func TestPostHookFailureNeverChangesStatus(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name:   "deploy",
		Stages: []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{shellStep("ok", "true")}}},
		Post:   &pipeline.PostHooks{Always: []pipeline.Step{shellStep("broken-hook", "exit 1")}},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)

	assert.Equal(t, build.StatusSuccess, res.Status)
	require.Len(t, res.Post, 1)
	assert.Equal(t, build.StepFailure, res.Post[0].Status)
}

func TestCancellationAbortsBuild(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Stages: []pipeline.Stage{
			{Name: "slow", Steps: []pipeline.Step{shellStep("sleepy", "sleep 30")}},
			{Name: "after", Steps: []pipeline.Step{shellStep("later", "echo later")}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	sm := newQueued(t, "deploy", nil)
	start := time.Now()
	res, err := e.Run(ctx, sm, pl)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 20*time.Second, "cancel must kill the running step")
	assert.Equal(t, build.StatusAborted, res.Status)
	assert.Equal(t, build.StepAborted, res.Stages[0].Steps[0].Status)
	assert.Equal(t, build.StepSkipped, res.Stages[1].Status)
}

func TestCheckoutFailureRunsOnlyAlwaysHooks(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Source: &pipeline.Source{
			Type: pipeline.SourceGit,
			URL:  filepath.Join(t.TempDir(), "missing-repo"),
		},
		Stages: []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{shellStep("ok", "true")}}},
		Post: &pipeline.PostHooks{
			Always:    []pipeline.Step{shellStep("cleanup", "echo cleanup")},
			OnFailure: []pipeline.Step{shellStep("report", "echo report")},
		},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)

	assert.Equal(t, build.StatusFailure, res.Status)
	assert.Empty(t, res.Stages, "no stage may run after a failed checkout")
	require.Len(t, res.Post, 1, "only always hooks run after a failed checkout")
	assert.Equal(t, "cleanup", res.Post[0].Name)
}

func TestArtifactCollection(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Stages: []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{
			shellStep("produce", "mkdir -p dist && echo binary > dist/app && echo log > run.log"),
		}}},
		Artifacts: []string{"dist/*", "*.log"},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)
	require.Equal(t, build.StatusSuccess, res.Status)

	paths := make(map[string]int64, len(res.Artifacts))
	for _, a := range res.Artifacts {
		paths[a.Path] = a.Size
	}
	assert.Contains(t, paths, filepath.Join("dist", "app"))
	assert.Contains(t, paths, "run.log")
	assert.Greater(t, paths["run.log"], int64(0))
}

func TestStepEnvLayering(t *testing.T) {
	e := newTestEngine(t)
	out := filepath.Join(t.TempDir(), "env.txt")
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Env:  map[string]string{"LAYER": "pipeline", "PIPE_ONLY": "yes"},
		Stages: []pipeline.Stage{{
			Name: "build",
			Env:  map[string]string{"LAYER": "stage"},
			Steps: []pipeline.Step{{
				Name: "dump", Type: pipeline.StepTypeShell,
				Command: `printf '%s %s %s %s' "$LAYER" "$PIPE_ONLY" "$CHENGIS_JOB_ID" "$CHENGIS_BUILD_NUMBER" > ` + out,
				Env:     map[string]string{"LAYER": "step"},
			}},
		}},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)
	require.Equal(t, build.StatusSuccess, res.Status)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "step yes deploy 1", string(data))
}

func TestUnknownStepTypeFailsStage(t *testing.T) {
	e := newTestEngine(t)
	pl := &pipeline.Pipeline{
		Name: "deploy",
		Stages: []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{
			{Name: "mystery", Type: "no-such-type"},
		}}},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)
	assert.Equal(t, build.StatusFailure, res.Status)
	assert.Contains(t, res.Stages[0].Steps[0].Stderr, "unknown step type")
}

func TestRunOnTerminalBuildIsRejected(t *testing.T) {
	e := newTestEngine(t)
	sm := newQueued(t, "deploy", nil)
	require.NoError(t, sm.Transition(build.StatusAborted))

	_, err := e.Run(context.Background(), sm, &pipeline.Pipeline{Name: "deploy"})
	require.Error(t, err)
	assert.True(t, build.IsIllegalTransition(err))
}

// commitChengisfile builds a git fixture whose working tree carries a
// Chengisfile, so a checkout picks up the in-repo pipeline definition.
func commitChengisfile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Chengisfile"), []byte(content), 0o600))
	_, err = wt.Add("Chengisfile")
	require.NoError(t, err)
	sig := &object.Signature{Name: "Dev One", Email: "dev@example.com", When: time.Now()}
	_, err = wt.Commit("add pipeline definition", &git.CommitOptions{Author: sig})
	require.NoError(t, err)
	return dir
}

func TestChengisfileOverridesRegisteredPipeline(t *testing.T) {
	e := newTestEngine(t)
	origin := commitChengisfile(t, `{:stages [{:name "from-file" :steps [{:name "hello" :run "echo from-chengisfile"}]}]}`)

	registered := &pipeline.Pipeline{
		Name:   "deploy",
		Source: &pipeline.Source{Type: pipeline.SourceGit, URL: origin},
		Stages: []pipeline.Stage{{Name: "registered", Steps: []pipeline.Step{shellStep("old", "echo registered")}}},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, registered)
	require.NoError(t, err)

	require.Equal(t, build.StatusSuccess, res.Status)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, "from-file", res.Stages[0].Name)
	assert.Contains(t, res.Stages[0].Steps[0].Stdout, "from-chengisfile")
}

func TestInvalidChengisfileFailsBuild(t *testing.T) {
	e := newTestEngine(t)
	origin := commitChengisfile(t, `{:stages []}`)

	registered := &pipeline.Pipeline{
		Name:   "deploy",
		Source: &pipeline.Source{Type: pipeline.SourceGit, URL: origin},
		Stages: []pipeline.Stage{{Name: "registered", Steps: []pipeline.Step{shellStep("old", "echo registered")}}},
	}

	sm := newQueued(t, "deploy", nil)
	res, err := e.Run(context.Background(), sm, registered)
	require.NoError(t, err)
	assert.Equal(t, build.StatusFailure, res.Status)
	assert.Empty(t, res.Stages)
}

func TestBusReceivesLifecycleEvents(t *testing.T) {
	e := newTestEngine(t)
	var names []string
	for _, name := range []string{"build.started", "stage.started", "step.completed", "stage.completed", "build.completed"} {
		name := name
		e.Bus().Subscribe(name, func(ev Event) error {
			names = append(names, ev.Name())
			return nil
		})
	}

	pl := &pipeline.Pipeline{
		Name:   "deploy",
		Stages: []pipeline.Stage{{Name: "build", Steps: []pipeline.Step{shellStep("ok", "true")}}},
	}
	sm := newQueued(t, "deploy", nil)
	_, err := e.Run(context.Background(), sm, pl)
	require.NoError(t, err)

	assert.Equal(t, []string{"build.started", "stage.started", "step.completed", "stage.completed", "build.completed"}, names)
}
