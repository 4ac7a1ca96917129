package executor

import (
	"encoding/json"

	"github.com/chengis/chengis/internal/build"
)

func buildMetadata(jobID, orgID string) map[string]string {
	md := map[string]string{}
	if jobID != "" {
		md["job-id"] = jobID
	}
	if orgID != "" {
		md["org-id"] = orgID
	}
	return md
}

// Event is a domain event published during build execution.
type Event interface {
	Name() string
	GetBuildID() string
}

// BuildStarted fires after the queued→running transition.
type BuildStarted struct {
	Build *build.Build
}

func (e BuildStarted) Name() string       { return "build.started" }
func (e BuildStarted) GetBuildID() string { return e.Build.ID }

func (e BuildStarted) Payload() ([]byte, error) { return json.Marshal(e.Build) }
func (e BuildStarted) Metadata() map[string]string {
	return buildMetadata(e.Build.JobID, e.Build.OrgID)
}

// BuildCompleted fires after the terminal transition, carrying the full result.
type BuildCompleted struct {
	Result *build.Result
}

func (e BuildCompleted) Name() string       { return "build.completed" }
func (e BuildCompleted) GetBuildID() string { return e.Result.BuildID }

func (e BuildCompleted) Payload() ([]byte, error) { return json.Marshal(e.Result) }
func (e BuildCompleted) Metadata() map[string]string {
	return buildMetadata(e.Result.JobID, e.Result.OrgID)
}

// StageStarted fires before the first step of a stage runs.
type StageStarted struct {
	BuildID string
	Stage   string
}

func (e StageStarted) Name() string       { return "stage.started" }
func (e StageStarted) GetBuildID() string { return e.BuildID }

// StageCompleted fires once a stage's aggregate status is known.
type StageCompleted struct {
	BuildID string
	Result  build.StageResult
}

func (e StageCompleted) Name() string       { return "stage.completed" }
func (e StageCompleted) GetBuildID() string { return e.BuildID }

func (e StageCompleted) Payload() ([]byte, error) { return json.Marshal(e.Result) }

// StepCompleted fires per step, including skipped and aborted steps.
type StepCompleted struct {
	BuildID string
	Stage   string
	Result  build.StepResult
}

func (e StepCompleted) Name() string       { return "step.completed" }
func (e StepCompleted) GetBuildID() string { return e.BuildID }

func (e StepCompleted) Payload() ([]byte, error) { return json.Marshal(e.Result) }
