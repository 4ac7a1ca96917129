package dsl

import (
	"os"
	"path/filepath"
	"strings"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/pipeline"
)

// ChengisfileName is the in-repo pipeline file that, when present at the
// workspace root, overrides the server-registered pipeline for that build.
const ChengisfileName = "Chengisfile"

// LoadFile parses a pipeline definition file, auto-detecting the surface
// syntax: programs opening with "(" are code form, records opening with "{"
// are data form. Data-form files take their pipeline name from the file's
// base name (minus extension).
func LoadFile(path string) (*pipeline.Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, derrors.NotFoundError("pipeline file not readable").
			WithContext("path", path).
			WithCause(err).
			Build()
	}
	return Parse(defaultName(path), string(raw))
}

// Parse parses pipeline source in either surface syntax.
func Parse(name, src string) (*pipeline.Pipeline, error) {
	trimmed := strings.TrimLeft(src, " \t\r\n;")
	switch {
	case strings.HasPrefix(trimmed, "("):
		return ParseCodeForm(src)
	case strings.HasPrefix(trimmed, "{"):
		return ParseDataForm(name, src)
	default:
		return nil, derrors.ValidationError("pipeline source must be a (defpipeline ...) program or a {...} record").Build()
	}
}

// LoadChengisfile looks for a Chengisfile at the workspace root and parses it
// as a data-form pipeline named after the registered job. Returns (nil, nil)
// when the file does not exist.
func LoadChengisfile(workspaceDir, jobName string) (*pipeline.Pipeline, error) {
	path := filepath.Join(workspaceDir, ChengisfileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, derrors.ValidationError("Chengisfile not readable").
			WithContext("path", path).
			WithCause(err).
			Build()
	}
	return ParseDataForm(jobName, string(raw))
}

func defaultName(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}
