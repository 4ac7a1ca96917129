package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireCreatesFreshDirectory(t *testing.T) {
	mgr := NewManager(t.TempDir())

	ws, err := mgr.Acquire("deploy-service", 7)
	require.NoError(t, err)
	require.NotEmpty(t, ws.Path)

	info, err := os.Stat(ws.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.HasPrefix(filepath.Base(ws.Path), "deploy-service-7-"))
}

func TestAcquireIsRaceFreePerBuild(t *testing.T) {
	mgr := NewManager(t.TempDir())

	a, err := mgr.Acquire("job", 1)
	require.NoError(t, err)
	b, err := mgr.Acquire("job", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path, "two acquisitions must never share a directory")
}

func TestReleaseRemovesDirectory(t *testing.T) {
	mgr := NewManager(t.TempDir())
	ws, err := mgr.Acquire("job", 1)
	require.NoError(t, err)

	path := ws.Path
	require.NoError(t, os.WriteFile(filepath.Join(path, "artifact.txt"), []byte("x"), 0o600))
	require.NoError(t, ws.Release())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing again is a no-op.
	require.NoError(t, ws.Release())
}

func TestSanitizeJobNames(t *testing.T) {
	mgr := NewManager(t.TempDir())
	ws, err := mgr.Acquire("web/app:v2", 3)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(ws.Path), "web_app_v2-3-"))
}
