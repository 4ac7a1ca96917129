// Package service ties the job registry, dispatcher, and build history
// together behind the API handlers and the cron scheduler.
package service

import (
	"context"
	"log/slog"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/dispatch"
	"github.com/chengis/chengis/internal/eventstore"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/job"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/pipeline"
	"github.com/chengis/chengis/internal/pipeline/dsl"
)

// BuildService owns job registration and build triggering for one server.
type BuildService struct {
	jobs       *job.Registry
	dispatcher *dispatch.Dispatcher
	history    *eventstore.BuildHistoryProjection
	logger     *slog.Logger
}

// New creates a build service. The history projection may be nil when the
// event store is disabled.
func New(jobs *job.Registry, dispatcher *dispatch.Dispatcher, history *eventstore.BuildHistoryProjection, logger *slog.Logger) *BuildService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildService{
		jobs:       jobs,
		dispatcher: dispatcher,
		history:    history,
		logger:     logger,
	}
}

// RegisterJob parses the pipeline source and registers it under the org.
// Both DSL surfaces are accepted; name is used when the source does not
// carry its own.
func (s *BuildService) RegisterJob(orgID, name, src string) (*job.Job, bool, error) {
	pl, err := dsl.Parse(name, src)
	if err != nil {
		return nil, false, err
	}
	return s.jobs.Register(orgID, pl)
}

// Jobs lists the org's registered jobs.
func (s *BuildService) Jobs(orgID string) []job.Job {
	return s.jobs.List(orgID)
}

// DeleteJob removes a job; unknown names are a no-op.
func (s *BuildService) DeleteJob(orgID, name string) {
	s.jobs.Delete(orgID, name)
}

// Trigger starts a build for the named job and returns the dispatch decision.
func (s *BuildService) Trigger(ctx context.Context, orgID, jobName string, params map[string]string, trigger build.Trigger, req agent.Request) (*dispatch.Decision, error) {
	j, err := s.jobs.Get(orgID, jobName)
	if err != nil {
		return nil, err
	}
	if err := validateParams(j.Pipeline, params); err != nil {
		return nil, err
	}
	return s.dispatcher.Decide(ctx, jobName, orgID, j.Pipeline, params, trigger, req)
}

// TriggerBuild satisfies the scheduler's trigger interface; the decision is
// logged and discarded.
func (s *BuildService) TriggerBuild(ctx context.Context, orgID, jobName string, params map[string]string, trigger build.Trigger) error {
	dec, err := s.Trigger(ctx, orgID, jobName, params, trigger, agent.Request{})
	if err != nil {
		return err
	}
	s.logger.Info("build triggered",
		logfields.BuildID(dec.Build.ID),
		logfields.JobID(jobName),
		slog.String("mode", string(dec.Mode)),
	)
	return nil
}

// Cancel aborts a queued or locally running build.
func (s *BuildService) Cancel(buildID string) error {
	return s.dispatcher.Cancel(buildID)
}

// Build returns the freshest view of a build: the live record when it is
// still tracked by the dispatcher, otherwise the history projection.
func (s *BuildService) Build(buildID string) (*eventstore.BuildSummary, *build.Build, error) {
	if b := s.dispatcher.Build(buildID); b != nil {
		return nil, b, nil
	}
	if s.history != nil {
		if summary := s.history.Get(buildID); summary != nil {
			return summary, nil, nil
		}
	}
	return nil, nil, derrors.NotFoundError("no such build").
		WithContext("build-id", buildID).
		Build()
}

// Recent returns recent builds from the history projection, newest first.
func (s *BuildService) Recent() []*eventstore.BuildSummary {
	if s.history == nil {
		return nil
	}
	return s.history.Recent()
}

// validateParams rejects parameters the pipeline does not declare and choice
// values outside the declared set.
func validateParams(pl *pipeline.Pipeline, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	declared := make(map[string]pipeline.Parameter, len(pl.Parameters))
	for _, p := range pl.Parameters {
		declared[p.Name] = p
	}
	for name, value := range params {
		p, ok := declared[name]
		if !ok {
			return derrors.ValidationError("undeclared parameter").
				WithContext("parameter", name).
				Build()
		}
		if len(p.Choices) > 0 && !contains(p.Choices, value) {
			return derrors.ValidationError("parameter value outside declared choices").
				WithContext("parameter", name).
				WithContext("value", value).
				Build()
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, c := range values {
		if c == v {
			return true
		}
	}
	return false
}
