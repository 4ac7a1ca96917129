package build

import (
	"encoding/json"
	"time"

	"github.com/chengis/chengis/internal/pipeline"
)

// StepStatus is the stage/step status domain. Aborted marks work killed by a
// build-level cancel; skipped marks work that never started.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailure StepStatus = "failure"
	StepSkipped StepStatus = "skipped"
	StepAborted StepStatus = "aborted"
)

// ExitCodeTimedOut is the sentinel exit code for steps killed by timeout.
const ExitCodeTimedOut = -1

// StepResult records one step execution.
type StepResult struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	ExitCode    int        `json:"exit_code"`
	Stdout      string     `json:"stdout,omitempty"`
	Stderr      string     `json:"stderr,omitempty"`
}

// StageResult aggregates the step results of one stage.
type StageResult struct {
	Name        string       `json:"name"`
	Status      StepStatus   `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
	Steps       []StepResult `json:"steps"`
}

// Artifact is a workspace file matched by an artifact glob.
type Artifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Result is the machine-readable build outcome, always carrying stage-by-stage
// and step-by-step detail regardless of the terminal status.
type Result struct {
	BuildID     string            `json:"build_id"`
	JobID       string            `json:"job_id"`
	OrgID       string            `json:"org_id,omitempty"`
	Number      int               `json:"build_number"`
	Status      Status            `json:"status"`
	Trigger     Trigger           `json:"trigger"`
	Workspace   string            `json:"workspace,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Git         *pipeline.GitInfo `json:"git,omitempty"`
	Stages      []StageResult     `json:"stages"`
	Post        []StepResult      `json:"post,omitempty"`
	Artifacts   []Artifact        `json:"artifacts,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
}

// Marshal serializes the result as single-line JSON.
func (r *Result) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// StageStatusFromSteps derives a stage's status from its step results:
// failure if any step failed, success if any step ran, otherwise skipped.
// A step aborted by cancellation also fails the stage aggregation.
func StageStatusFromSteps(steps []StepResult) StepStatus {
	anyRan := false
	for _, s := range steps {
		switch s.Status {
		case StepFailure, StepAborted:
			return StepFailure
		case StepSuccess:
			anyRan = true
		}
	}
	if anyRan {
		return StepSuccess
	}
	return StepSkipped
}
