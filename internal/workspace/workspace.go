// Package workspace manages per-build working directories.
package workspace

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/chengis/chengis/internal/logfields"
)

// Manager hands out fresh directories under a configured root. Each
// directory is owned exclusively by one build and removed only after the
// build reaches a terminal status and its post-hooks have run.
type Manager struct {
	root string
}

// NewManager creates a workspace manager rooted at baseDir.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{root: baseDir}
}

// Workspace is one acquired build directory.
type Workspace struct {
	Path string
}

// Acquire atomically creates a fresh directory for the build. The job name
// and build number make the path recognizable; the random suffix makes the
// creation race-free.
func (m *Manager) Acquire(jobID string, buildNumber int) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	pattern := fmt.Sprintf("%s-%d-*", sanitize(jobID), buildNumber)
	dir, err := os.MkdirTemp(m.root, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	slog.Debug("Acquired workspace", logfields.JobID(jobID), slog.String("path", dir))
	return &Workspace{Path: dir}, nil
}

// Release removes the workspace directory.
func (w *Workspace) Release() error {
	if w == nil || w.Path == "" {
		return nil
	}
	if err := os.RemoveAll(w.Path); err != nil {
		return fmt.Errorf("failed to release workspace: %w", err)
	}
	slog.Debug("Released workspace", slog.String("path", w.Path))
	w.Path = ""
	return nil
}

// sanitize keeps job names filesystem-safe.
func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "build"
	}
	return string(out)
}
