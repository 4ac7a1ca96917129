package steps

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/plugin"
)

func shellCtx(t *testing.T) plugin.StepContext {
	t.Helper()
	return plugin.StepContext{
		WorkspaceDir: t.TempDir(),
		Env:          map[string]string{"PATH": "/usr/bin:/bin", "GREETING": "hello"},
		BuildID:      "b1",
	}
}

func TestShellCapturesOutputAndExitCode(t *testing.T) {
	ex := &ShellExecutor{}
	step := pipeline.Step{Name: "greet", Type: pipeline.StepTypeShell, Command: "echo $GREETING; echo oops >&2"}

	result, err := ex.Execute(context.Background(), step, shellCtx(t))
	require.NoError(t, err)

	assert.Equal(t, build.StepSuccess, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	require.NotNil(t, result.StartedAt)
	require.NotNil(t, result.CompletedAt)
}

func TestShellNonZeroExit(t *testing.T) {
	ex := &ShellExecutor{}
	step := pipeline.Step{Name: "fail", Type: pipeline.StepTypeShell, Command: "exit 3"}

	result, err := ex.Execute(context.Background(), step, shellCtx(t))
	require.NoError(t, err)
	assert.Equal(t, build.StepFailure, result.Status)
	assert.Equal(t, 3, result.ExitCode)
}

func TestShellTimeoutKillsProcess(t *testing.T) {
	ex := &ShellExecutor{GracePeriod: 100 * time.Millisecond}
	step := pipeline.Step{Name: "slow", Type: pipeline.StepTypeShell, Command: "sleep 30", TimeoutMS: 100}

	start := time.Now()
	result, err := ex.Execute(context.Background(), step, shellCtx(t))
	require.NoError(t, err)

	assert.Equal(t, build.StepFailure, result.Status)
	assert.Equal(t, build.ExitCodeTimedOut, result.ExitCode)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellCancellationAborts(t *testing.T) {
	ex := &ShellExecutor{GracePeriod: 100 * time.Millisecond}
	step := pipeline.Step{Name: "cancelled", Type: pipeline.StepTypeShell, Command: "sleep 30"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := ex.Execute(ctx, step, shellCtx(t))
	require.NoError(t, err)
	assert.Equal(t, build.StepAborted, result.Status)
}

func TestShellRunsInStepDir(t *testing.T) {
	sc := shellCtx(t)
	step := pipeline.Step{Name: "pwd", Type: pipeline.StepTypeShell, Command: "mkdir -p sub && cd . && pwd"}
	step.Dir = ""

	result, err := (&ShellExecutor{}).Execute(context.Background(), step, sc)
	require.NoError(t, err)
	assert.Equal(t, sc.WorkspaceDir+"\n", result.Stdout)
}

func TestOutputOverflowGoesToSink(t *testing.T) {
	var chunks []string
	sc := shellCtx(t)
	sc.OutputLimit = 8
	sc.LogSink = func(stream string, chunk []byte) {
		chunks = append(chunks, stream+":"+string(chunk))
	}

	step := pipeline.Step{Name: "chatty", Type: pipeline.StepTypeShell, Command: "printf 0123456789abcdef"}
	result, err := (&ShellExecutor{}).Execute(context.Background(), step, sc)
	require.NoError(t, err)

	assert.Equal(t, "01234567", result.Stdout)
	require.NotEmpty(t, chunks)
	var overflow strings.Builder
	for _, c := range chunks {
		require.True(t, strings.HasPrefix(c, "stdout:"))
		overflow.WriteString(strings.TrimPrefix(c, "stdout:"))
	}
	assert.Equal(t, "89abcdef", overflow.String())
}

func TestDockerExecutorRequiresImage(t *testing.T) {
	ex := &DockerExecutor{}
	step := pipeline.Step{Name: "d", Type: "docker", Command: "true"}

	result, err := ex.Execute(context.Background(), step, shellCtx(t))
	require.NoError(t, err)
	assert.Equal(t, build.StepFailure, result.Status)
	assert.Contains(t, result.Stderr, "requires an :image")
}

func TestRegisterBuiltins(t *testing.T) {
	reg := plugin.NewRegistry(nil)
	require.NoError(t, RegisterBuiltins(reg, 0))

	for _, tag := range []string{"shell", "docker", "docker-compose"} {
		_, err := reg.Executor(tag)
		require.NoError(t, err, tag)
	}
}

func TestBoundedBufferUnderLimit(t *testing.T) {
	buf := newBoundedBuffer("stdout", 100, nil)
	n, err := buf.Write([]byte("short"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "short", buf.String())
}
