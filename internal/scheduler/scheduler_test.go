package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/config"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

type recordingTrigger struct {
	fired chan string
}

func (r *recordingTrigger) TriggerBuild(_ context.Context, _, jobName string, _ map[string]string, trigger build.Trigger) error {
	if trigger == build.TriggerCron {
		r.fired <- jobName
	}
	return nil
}

func TestRegisterValidCron(t *testing.T) {
	s, err := New(&recordingTrigger{fired: make(chan string, 1)}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Stop() }()

	require.NoError(t, s.Register(config.CronTrigger{Job: "nightly", Cron: "0 2 * * *"}))
}

func TestRegisterInvalidCronFails(t *testing.T) {
	s, err := New(&recordingTrigger{fired: make(chan string, 1)}, nil)
	require.NoError(t, err)
	defer func() { _ = s.Stop() }()

	err = s.Register(config.CronTrigger{Job: "nightly", Cron: "not a cron"})
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryConfig))
}
