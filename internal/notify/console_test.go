package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
)

func sampleResult() *build.Result {
	return &build.Result{
		BuildID:    "b-1234",
		JobID:      "deploy",
		Number:     7,
		Status:     build.StatusFailure,
		DurationMS: 1500,
		Stages: []build.StageResult{
			{Name: "test", Status: build.StepFailure, DurationMS: 900},
			{Name: "release", Status: build.StepSkipped},
		},
	}
}

func TestConsoleNotifierSummaryLine(t *testing.T) {
	var sb strings.Builder
	n := &ConsoleNotifier{Out: &sb}
	require.NoError(t, n.Send(context.Background(), sampleResult(), pipeline.NotifierConfig{Type: "console"}))

	out := sb.String()
	assert.Contains(t, out, "deploy #7 failure")
	assert.Contains(t, out, "b-1234")
	assert.NotContains(t, out, "stage", "stage detail requires verbose")
}

func TestConsoleNotifierVerbose(t *testing.T) {
	var sb strings.Builder
	n := &ConsoleNotifier{Out: &sb}
	cfg := pipeline.NotifierConfig{Type: "console", Options: map[string]string{"verbose": "true"}}
	require.NoError(t, n.Send(context.Background(), sampleResult(), cfg))

	out := sb.String()
	assert.Contains(t, out, "test")
	assert.Contains(t, out, "release")
	assert.Contains(t, out, "skipped")
}
