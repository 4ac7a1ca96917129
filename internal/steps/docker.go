package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
)

// DockerExecutor runs a step inside a container via the docker CLI. The
// step payload selects the image; the command runs with the workspace
// mounted at /workspace.
type DockerExecutor struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
}

// Execute implements plugin.StepExecutor.
func (e *DockerExecutor) Execute(ctx context.Context, step pipeline.Step, sc plugin.StepContext) (build.StepResult, error) {
	image, _ := step.Payload["image"].(string)
	if image == "" {
		return failedResult(step.Name, "docker step requires an :image payload"), nil
	}

	argv := []string{
		"docker", "run", "--rm",
		"--volume", sc.WorkspaceDir + ":/workspace",
		"--workdir", "/workspace",
	}
	for k, v := range sc.Env {
		argv = append(argv, "--env", k+"="+v)
	}
	argv = append(argv, image)
	if step.Command != "" {
		argv = append(argv, "sh", "-c", step.Command)
	}

	timeout := e.DefaultTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	spec := runSpec{
		argv:    argv,
		dir:     sc.WorkspaceDir,
		env:     sc.Env,
		timeout: timeout,
		grace:   e.GracePeriod,
	}
	return runProcess(ctx, step.Name, spec, sc)
}

// ComposeExecutor runs a docker-compose project to completion. The step
// payload selects the compose file (default docker-compose.yml) and an
// optional single service.
type ComposeExecutor struct {
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
}

// Execute implements plugin.StepExecutor.
func (e *ComposeExecutor) Execute(ctx context.Context, step pipeline.Step, sc plugin.StepContext) (build.StepResult, error) {
	file, _ := step.Payload["file"].(string)
	if file == "" {
		file = "docker-compose.yml"
	}

	argv := []string{"docker", "compose", "--file", file, "up", "--abort-on-container-exit"}
	if service, _ := step.Payload["service"].(string); service != "" {
		argv = []string{"docker", "compose", "--file", file, "run", "--rm", service}
		if step.Command != "" {
			argv = append(argv, "sh", "-c", step.Command)
		}
	}

	timeout := e.DefaultTimeout
	if step.TimeoutMS > 0 {
		timeout = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	spec := runSpec{
		argv:    argv,
		dir:     workDir(sc, step.Dir),
		env:     sc.Env,
		timeout: timeout,
		grace:   e.GracePeriod,
	}
	return runProcess(ctx, step.Name, spec, sc)
}

func failedResult(name, message string) build.StepResult {
	now := time.Now().UTC()
	return build.StepResult{
		Name:        name,
		Status:      build.StepFailure,
		StartedAt:   &now,
		CompletedAt: &now,
		ExitCode:    build.ExitCodeTimedOut,
		Stderr:      message,
	}
}

// RegisterBuiltins installs the always-available executors into the registry.
func RegisterBuiltins(reg *plugin.Registry, defaultTimeout time.Duration) error {
	executors := map[string]plugin.StepExecutor{
		pipeline.StepTypeShell: &ShellExecutor{DefaultTimeout: defaultTimeout},
		"docker":               &DockerExecutor{DefaultTimeout: defaultTimeout},
		"docker-compose":       &ComposeExecutor{DefaultTimeout: defaultTimeout},
	}
	for tag, ex := range executors {
		if err := reg.RegisterExecutor(tag, ex); err != nil {
			return fmt.Errorf("register builtin %s: %w", tag, err)
		}
	}
	return nil
}
