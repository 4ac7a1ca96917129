// Package steps provides the built-in step executors: shell, docker, and
// docker-compose. All three spawn a subprocess in its own process group so
// that timeouts and cancellation can kill the whole tree.
package steps

import (
	"context"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/plugin"
)

// DefaultOutputLimit bounds captured bytes per stream when the step context
// does not set its own limit. Overflow is chunked to the context's log sink.
const DefaultOutputLimit = 256 * 1024

// DefaultGracePeriod is how long a process gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// runSpec describes one subprocess invocation built by a step executor.
type runSpec struct {
	argv    []string
	dir     string
	env     map[string]string
	timeout time.Duration
	grace   time.Duration
}

// runProcess starts the subprocess and waits for completion, timeout, or
// cancellation. It always returns a populated StepResult; the error return
// is reserved for failures to even start the process.
func runProcess(ctx context.Context, name string, spec runSpec, sc plugin.StepContext) (build.StepResult, error) {
	started := time.Now().UTC()
	result := build.StepResult{Name: name, Status: build.StepRunning, StartedAt: &started}

	limit := sc.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	stdout := newBoundedBuffer("stdout", limit, sc.LogSink)
	stderr := newBoundedBuffer("stderr", limit, sc.LogSink)

	cmd := exec.Command(spec.argv[0], spec.argv[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = flattenEnv(spec.env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so kill reaches children spawned by the command.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		finish(&result, build.StepFailure, build.ExitCodeTimedOut)
		result.Stderr = err.Error()
		return result, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if spec.timeout > 0 {
		timer := time.NewTimer(spec.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	grace := spec.grace
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	select {
	case err := <-done:
		code := exitCode(cmd, err)
		if code == 0 {
			finish(&result, build.StepSuccess, 0)
		} else {
			finish(&result, build.StepFailure, code)
		}
	case <-timeoutCh:
		killTree(cmd, grace, done)
		finish(&result, build.StepFailure, build.ExitCodeTimedOut)
	case <-ctx.Done():
		killTree(cmd, grace, done)
		finish(&result, build.StepAborted, build.ExitCodeTimedOut)
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

func finish(result *build.StepResult, status build.StepStatus, code int) {
	completed := time.Now().UTC()
	result.Status = status
	result.ExitCode = code
	result.CompletedAt = &completed
	result.DurationMS = completed.Sub(*result.StartedAt).Milliseconds()
}

// killTree signals the whole process group: SIGTERM first, SIGKILL after the
// grace period if the process has not exited.
func killTree(cmd *exec.Cmd, grace time.Duration, done <-chan error) {
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(grace):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-done
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return build.ExitCodeTimedOut
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func workDir(sc plugin.StepContext, stepDir string) string {
	if stepDir == "" {
		return sc.WorkspaceDir
	}
	if filepath.IsAbs(stepDir) {
		return stepDir
	}
	return filepath.Join(sc.WorkspaceDir, stepDir)
}
