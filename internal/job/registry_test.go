package job

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/pipeline"
)

func validPipeline(name string) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Name: name,
		Stages: []pipeline.Stage{{
			Name:  "build",
			Steps: []pipeline.Step{{Name: "ok", Type: pipeline.StepTypeShell, Command: "true"}},
		}},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	j, changed, err := r.Register("acme", validPipeline("deploy"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "deploy", j.Name)

	got, err := r.Get("acme", "deploy")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.Pipeline.Name)

	_, err = r.Get("acme", "missing")
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryNotFound))
}

func TestRegisterInvalidPipelineFails(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Register("acme", &pipeline.Pipeline{Name: "empty"})
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryValidation))
}

func TestIdenticalReRegisterIsNoOp(t *testing.T) {
	r := NewRegistry()
	_, changed, err := r.Register("acme", validPipeline("deploy"))
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = r.Register("acme", validPipeline("deploy"))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestChangedPipelineKeepsNumberSequence(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Register("acme", validPipeline("deploy"))
	require.NoError(t, err)

	n, err := r.NextBuildNumber("acme", "deploy")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated := validPipeline("deploy")
	updated.Description = "new description"
	_, changed, err := r.Register("acme", updated)
	require.NoError(t, err)
	require.True(t, changed)

	n, err = r.NextBuildNumber("acme", "deploy")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "replacing a pipeline must not reset build numbers")
}

func TestJobsAreScopedPerOrg(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Register("acme", validPipeline("deploy"))
	require.NoError(t, err)
	_, _, err = r.Register("globex", validPipeline("deploy"))
	require.NoError(t, err)

	_, err = r.Get("acme", "deploy")
	require.NoError(t, err)
	_, err = r.Get("globex", "deploy")
	require.NoError(t, err)

	assert.Len(t, r.List("acme"), 1)

	n, err := r.NextBuildNumber("acme", "deploy")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = r.NextBuildNumber("globex", "deploy")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "numbering is independent per org")
}

func TestNumberingIsMonotonicUnderConcurrency(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Register("acme", validPipeline("deploy"))
	require.NoError(t, err)

	const n = 50
	seen := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			num, err := r.NextBuildNumber("acme", "deploy")
			assert.NoError(t, err)
			seen <- num
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int]bool, n)
	for num := range seen {
		assert.False(t, unique[num], "duplicate build number %d", num)
		unique[num] = true
	}
	assert.Len(t, unique, n)
}

func TestNumberingUnknownJobFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.NextBuildNumber("acme", "ghost")
	require.Error(t, err)
}

func TestDelete(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Register("acme", validPipeline("deploy"))
	require.NoError(t, err)
	r.Delete("acme", "deploy")
	r.Delete("acme", "deploy")
	_, err = r.Get("acme", "deploy")
	assert.Error(t, err)
}
