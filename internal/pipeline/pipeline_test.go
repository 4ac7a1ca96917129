package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

func validPipeline() *Pipeline {
	return &Pipeline{
		Name: "demo",
		Stages: []Stage{
			{Name: "build", Steps: []Step{{Name: "compile", Type: StepTypeShell, Command: "make build"}}},
			{Name: "test", Parallel: true, Steps: []Step{
				{Name: "unit", Type: StepTypeShell, Command: "make test"},
				{Name: "lint", Type: StepTypeShell, Command: "make lint"},
			}},
		},
	}
}

func TestValidateAcceptsWellFormedPipeline(t *testing.T) {
	require.NoError(t, Validate(validPipeline()))
}

func TestValidateTreatsZeroTimeoutAsUnset(t *testing.T) {
	p := validPipeline()
	p.Stages[0].Steps[0].TimeoutMS = 0
	require.NoError(t, Validate(p))
}

func TestValidateEnumeratesAllViolations(t *testing.T) {
	p := &Pipeline{
		Name: "broken",
		Parameters: []Parameter{
			{Name: "env", Type: ParameterChoice, Default: "qa", Choices: []string{"dev", "prod"}},
		},
		Stages: []Stage{
			{Name: "dup", Steps: []Step{{Name: "a", Type: StepTypeShell, Command: ""}}},
			{Name: "dup", Steps: []Step{{Name: "b", Type: StepTypeShell, Command: "ok", TimeoutMS: -5}}},
			{Name: "empty"},
		},
	}

	err := Validate(p)
	require.Error(t, err)
	classified, ok := derrors.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, derrors.CategoryValidation, classified.Category())

	raw, ok := classified.Context().Get("violations")
	require.True(t, ok)
	violations := raw.([]string)
	assert.Len(t, violations, 5)
	assert.Contains(t, err.Error(), `duplicate stage name "dup"`)
	assert.Contains(t, err.Error(), "blank command")
	assert.Contains(t, err.Error(), "negative timeout")
	assert.Contains(t, err.Error(), `stage "empty" has no steps`)
	assert.Contains(t, err.Error(), `default "qa" is not in the choice set`)
}

func TestValidateRejectsDuplicateStepNames(t *testing.T) {
	p := validPipeline()
	p.Stages[0].Steps = append(p.Stages[0].Steps, Step{Name: "compile", Type: StepTypeShell, Command: "true"})
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate step name "compile"`)
}

func TestValidateSource(t *testing.T) {
	p := validPipeline()
	p.Source = &Source{Type: SourceGit, URL: "", Depth: -1, Credentials: &Credentials{SSHKey: "k", Token: "t"}}
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a url")
	assert.Contains(t, err.Error(), "depth must be positive")
	assert.Contains(t, err.Error(), "not both")
}

func TestNormalizeFillsDefaults(t *testing.T) {
	p := &Pipeline{
		Name:   "n",
		Source: &Source{URL: "https://example.com/repo.git"},
		Parameters: []Parameter{
			{Name: "tag"},
		},
		Stages: []Stage{{Name: "s", Steps: []Step{{Command: "echo hi"}}}},
	}
	Normalize(p)

	assert.Equal(t, StepTypeShell, p.Stages[0].Steps[0].Type)
	assert.Equal(t, "step-1", p.Stages[0].Steps[0].Name)
	assert.Equal(t, ParameterString, p.Parameters[0].Type)
	assert.Equal(t, SourceGit, p.Source.Type)
	require.NoError(t, Validate(p))
}

func TestConditionEvaluate(t *testing.T) {
	ctx := EvalContext{Branch: "main", Parameters: map[string]string{"env": "prod"}}

	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"nil is true", nil, true},
		{"always", &Condition{Type: ConditionAlways}, true},
		{"branch match", &Condition{Type: ConditionBranch, Value: "main"}, true},
		{"branch case-sensitive", &Condition{Type: ConditionBranch, Value: "Main"}, false},
		{"param match", &Condition{Type: ConditionParam, Param: "env", Value: "prod"}, true},
		{"param mismatch", &Condition{Type: ConditionParam, Param: "env", Value: "dev"}, false},
		{"unknown type", &Condition{Type: "weekday"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Evaluate(ctx))
		})
	}
}

func TestGitInfoEnv(t *testing.T) {
	info := &GitInfo{
		Commit:      "0123456789abcdef0123456789abcdef01234567",
		CommitShort: "0123456",
		Branch:      "main",
		Author:      "Dev",
		AuthorEmail: "dev@example.com",
		Message:     "fix build",
	}
	env := info.Env()
	assert.Equal(t, info.Commit, env["GIT_COMMIT"])
	assert.Equal(t, "0123456", env["GIT_COMMIT_SHORT"])
	assert.Equal(t, "main", env["GIT_BRANCH"])
	assert.Equal(t, "dev@example.com", env["GIT_EMAIL"])

	var nilInfo *GitInfo
	assert.Nil(t, nilInfo.Env())
}

func TestEqualAndDefaults(t *testing.T) {
	a, b := validPipeline(), validPipeline()
	assert.True(t, a.Equal(b))
	b.Stages[0].Steps[0].Command = "make all"
	assert.False(t, a.Equal(b))

	p := validPipeline()
	p.Parameters = []Parameter{{Name: "env", Type: ParameterChoice, Default: "dev", Choices: []string{"dev", "prod"}}}
	resolved := p.DefaultParameters(map[string]string{"extra": "1"})
	assert.Equal(t, "dev", resolved["env"])
	assert.Equal(t, "1", resolved["extra"])
}
