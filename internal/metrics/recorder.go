package metrics

import "time"

// Recorder defines observability hooks for build, dispatch, and agent metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe for nil receivers when using the NoopRecorder (allowing
// optional injection).
type Recorder interface {
	ObserveBuildDuration(jobID string, d time.Duration)
	ObserveStageDuration(stage string, d time.Duration)
	ObserveStepDuration(stage, step string, d time.Duration)
	IncBuildOutcome(outcome string) // outcome: success|failure|aborted
	IncStageResult(stage, result string)
	IncDispatch(route string) // route: remote|local|queued|failed
	IncStepRetry(step string)
	SetQueueDepth(orgID string, n int)
	SetAgentsOnline(n int)
	SetRunningBuilds(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveBuildDuration(string, time.Duration)       {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration)       {}
func (NoopRecorder) ObserveStepDuration(string, string, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(string)                           {}
func (NoopRecorder) IncStageResult(string, string)                    {}
func (NoopRecorder) IncDispatch(string)                               {}
func (NoopRecorder) IncStepRetry(string)                              {}
func (NoopRecorder) SetQueueDepth(string, int)                        {}
func (NoopRecorder) SetAgentsOnline(int)                              {}
func (NoopRecorder) SetRunningBuilds(int)                             {}
