// Package plugin is the extensibility surface: a process-wide registry
// mapping step-type tags to StepExecutors and notifier tags to Notifiers,
// gated by a trust policy when plugins come from outside the binary.
package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
)

// StepContext carries everything a step executor needs beyond the step itself.
type StepContext struct {
	WorkspaceDir string
	// Env is the fully merged environment: process env + pipeline env +
	// stage env + step env + GIT_* + correlation ids.
	Env map[string]string

	BuildID   string
	JobID     string
	OrgID     string
	StageName string

	// OutputLimit bounds captured stdout/stderr bytes per stream. Overflow
	// is chunked to LogSink when set. Zero means the executor default.
	OutputLimit int
	LogSink     func(stream string, chunk []byte)
}

// StepExecutor executes one step within a StepContext. The returned result
// carries the step outcome; the error return is reserved for infrastructure
// failures that prevented execution from starting at all.
type StepExecutor interface {
	Execute(ctx context.Context, step pipeline.Step, sc StepContext) (build.StepResult, error)
}

// Notifier delivers a final build result to an external channel.
type Notifier interface {
	Send(ctx context.Context, result *build.Result, cfg pipeline.NotifierConfig) error
}

// Meta describes a registered plugin.
type Meta struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
	Source  string `json:"source" yaml:"source"`
}

// Validate checks the metadata is complete enough to register.
func (m Meta) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("plugin name must not be blank")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("plugin %s: version must not be blank", m.Name)
	}
	return nil
}
