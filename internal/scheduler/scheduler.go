// Package scheduler fires cron-triggered builds through the dispatcher.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/config"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
)

// Trigger starts a build for a registered job; implemented by the server's
// build service.
type Trigger interface {
	TriggerBuild(ctx context.Context, orgID, jobName string, params map[string]string, trigger build.Trigger) error
}

// Scheduler wraps gocron and registers one cron job per configured trigger.
type Scheduler struct {
	scheduler gocron.Scheduler
	trigger   Trigger
	logger    *slog.Logger
}

// New creates a scheduler delivering to the given trigger.
func New(trigger Trigger, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, derrors.InternalError("scheduler creation failed").WithCause(err).Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scheduler: s, trigger: trigger, logger: logger}, nil
}

// Register adds one cron trigger. Invalid expressions are rejected up front.
func (s *Scheduler) Register(tr config.CronTrigger) error {
	_, err := s.scheduler.NewJob(
		gocron.CronJob(tr.Cron, false),
		gocron.NewTask(s.fire, tr),
		gocron.WithName(tr.Job+"-cron"),
	)
	if err != nil {
		return derrors.ConfigError("invalid cron trigger").
			WithContext("job-id", tr.Job).
			WithContext("cron", tr.Cron).
			WithCause(err).
			Build()
	}
	s.logger.Info("cron trigger registered", logfields.JobID(tr.Job), slog.String("cron", tr.Cron))
	return nil
}

// Start begins firing registered triggers.
func (s *Scheduler) Start() { s.scheduler.Start() }

// Stop shuts the scheduler down, waiting for running tasks.
func (s *Scheduler) Stop() error { return s.scheduler.Shutdown() }

func (s *Scheduler) fire(tr config.CronTrigger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.logger.Info("cron trigger fired", logfields.JobID(tr.Job), logfields.OrgID(tr.Org))
	if err := s.trigger.TriggerBuild(ctx, tr.Org, tr.Job, nil, build.TriggerCron); err != nil {
		s.logger.Error("scheduled build trigger failed",
			logfields.JobID(tr.Job),
			logfields.Error(err),
		)
	}
}
