package executor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/logfields"
)

// collectArtifacts resolves the pipeline's artifact globs against the
// workspace and records each match with its size. Paths in the result are
// workspace-relative. Unreadable matches are logged and skipped.
func collectArtifacts(logger *slog.Logger, wsDir string, globs []string) []build.Artifact {
	var artifacts []build.Artifact
	for _, glob := range globs {
		matches, err := filepath.Glob(filepath.Join(wsDir, glob))
		if err != nil {
			logger.Warn("invalid artifact glob", slog.String("glob", glob), slog.Any("error", err))
			continue
		}
		for _, match := range matches {
			info, err := os.Stat(match)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(wsDir, match)
			if err != nil {
				rel = match
			}
			artifacts = append(artifacts, build.Artifact{Path: rel, Size: info.Size()})
		}
	}
	return artifacts
}

// archiveArtifacts ingests collected artifacts into the content store, when
// one is configured. Ingestion failures are logged; the build result keeps
// the artifact either way.
func (e *Engine) archiveArtifacts(buildID, wsDir string, artifacts []build.Artifact) {
	if e.opts.ArtifactStore == nil {
		return
	}
	for _, a := range artifacts {
		hash, err := e.opts.ArtifactStore.PutFile(context.Background(), buildID, a.Path, filepath.Join(wsDir, a.Path))
		if err != nil {
			e.logger.Warn("artifact ingestion failed",
				logfields.BuildID(buildID),
				slog.String("path", a.Path),
				logfields.Error(err),
			)
			continue
		}
		e.logger.Debug("artifact stored",
			logfields.BuildID(buildID),
			slog.String("path", a.Path),
			slog.String("hash", hash),
		)
	}
}
