package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndGetByBuildID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "b1", EventBuildStarted, []byte(`{}`), map[string]string{"job-id": "deploy"}))
	require.NoError(t, store.Append(ctx, "b1", EventStageStarted, nil, nil))
	require.NoError(t, store.Append(ctx, "b2", EventBuildStarted, nil, nil))

	events, err := store.GetByBuildID(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventBuildStarted, events[0].Type)
	assert.Equal(t, EventStageStarted, events[1].Type)
	assert.Equal(t, "deploy", events[0].Metadata["job-id"])
	assert.Less(t, events[0].ID, events[1].ID, "append order must be preserved")
}

func TestGetRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "b1", EventBuildStarted, nil, nil))

	events, err := store.GetRange(ctx, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, events, 1)

	none, err := store.GetRange(ctx, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBuildHistoryProjection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	meta := map[string]string{"job-id": "deploy", "org-id": "acme"}
	require.NoError(t, store.Append(ctx, "b1", EventBuildStarted, nil, meta))
	require.NoError(t, store.Append(ctx, "b1", EventStageCompleted, nil, nil))
	require.NoError(t, store.Append(ctx, "b1", EventStageCompleted, nil, nil))
	require.NoError(t, store.Append(ctx, "b1", EventBuildCompleted, []byte(`{"status":"failure"}`), nil))

	proj := NewBuildHistoryProjection(store, 10)
	require.NoError(t, proj.Rebuild(ctx))

	summary := proj.Get("b1")
	require.NotNil(t, summary)
	assert.Equal(t, "failure", summary.Status)
	assert.Equal(t, "deploy", summary.JobID)
	assert.Equal(t, "acme", summary.OrgID)
	assert.Equal(t, 2, summary.StageCount)
	require.NotNil(t, summary.CompletedAt)

	recent := proj.Recent()
	require.Len(t, recent, 1)
	assert.Nil(t, proj.Get("missing"))
}
