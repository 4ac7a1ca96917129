package steps

import (
	"context"
	"time"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
)

// ShellExecutor runs a step's command through `sh -c` in the workspace.
type ShellExecutor struct {
	// DefaultTimeout applies when the step declares none. Zero disables it.
	DefaultTimeout time.Duration
	// GracePeriod between SIGTERM and SIGKILL. Zero uses DefaultGracePeriod.
	GracePeriod time.Duration
}

// Execute implements plugin.StepExecutor.
func (e *ShellExecutor) Execute(ctx context.Context, step pipeline.Step, sc plugin.StepContext) (build.StepResult, error) {
	timeout := e.DefaultTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	spec := runSpec{
		argv:    []string{"sh", "-c", step.Command},
		dir:     workDir(sc, step.Dir),
		env:     sc.Env,
		timeout: timeout,
		grace:   e.GracePeriod,
	}
	return runProcess(ctx, step.Name, spec, sc)
}
