// Package pipeline defines the declarative pipeline model every other
// subsystem consumes. Values are immutable after loading and validation;
// they travel over the wire in dispatch envelopes, so every type carries
// JSON tags.
package pipeline

import "reflect"

// StepTypeShell is the default step type when a definition omits one.
const StepTypeShell = "shell"

// Pipeline is the root of the declarative model.
type Pipeline struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Source      *Source           `json:"source,omitempty"`
	Parameters  []Parameter       `json:"parameters,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Stages      []Stage           `json:"stages"`
	Post        *PostHooks        `json:"post,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	Notify      []NotifierConfig  `json:"notify,omitempty"`
}

// Stage is an ordered container of steps, optionally parallel and conditional.
type Stage struct {
	Name      string            `json:"name"`
	Parallel  bool              `json:"parallel,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Steps     []Step            `json:"steps"`
	Condition *Condition        `json:"condition,omitempty"`
}

// Step is a single named action. For shell steps Command holds the command
// line; plugin-defined types carry their configuration in Payload.
type Step struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Command   string            `json:"command,omitempty"`
	Dir       string            `json:"dir,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	Condition *Condition        `json:"condition,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
}

// ConditionType enumerates the supported condition variants.
type ConditionType string

const (
	ConditionBranch ConditionType = "branch"
	ConditionParam  ConditionType = "param"
	ConditionAlways ConditionType = "always"
)

// Condition gates a stage or step against the running build's context.
type Condition struct {
	Type  ConditionType `json:"type"`
	Param string        `json:"param,omitempty"`
	Value string        `json:"value,omitempty"`
}

// SourceGit is the only built-in source type; others are extension points.
const SourceGit = "git"

// Source describes where the build's workspace content comes from.
type Source struct {
	Type        string       `json:"type"`
	URL         string       `json:"url"`
	Branch      string       `json:"branch,omitempty"`
	Depth       int          `json:"depth,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// Credentials holds either an SSH private key or a token, never both.
type Credentials struct {
	SSHKey string `json:"ssh_key,omitempty"`
	Token  string `json:"token,omitempty"`
}

// ParameterType enumerates supported parameter kinds.
type ParameterType string

const (
	ParameterString ParameterType = "string"
	ParameterChoice ParameterType = "choice"
)

// Parameter is a typed, defaulted build input.
type Parameter struct {
	Name    string        `json:"name"`
	Type    ParameterType `json:"type"`
	Default string        `json:"default,omitempty"`
	Choices []string      `json:"choices,omitempty"`
}

// PostHooks run after the main stages. Always runs regardless of outcome;
// OnSuccess and OnFailure run for the matching terminal status.
type PostHooks struct {
	Always    []Step `json:"always,omitempty"`
	OnSuccess []Step `json:"on_success,omitempty"`
	OnFailure []Step `json:"on_failure,omitempty"`
}

// NotifierConfig selects a registered notifier by tag with free-form options.
type NotifierConfig struct {
	Type    string            `json:"type"`
	Options map[string]string `json:"options,omitempty"`
}

// GitInfo is the result of a checkout, published to steps as GIT_* variables.
type GitInfo struct {
	Commit      string `json:"commit"`
	CommitShort string `json:"commit_short"`
	Branch      string `json:"branch"`
	Author      string `json:"author"`
	AuthorEmail string `json:"author_email"`
	Message     string `json:"message"`
}

// Env renders the GIT_* environment block consumed by every step.
func (g *GitInfo) Env() map[string]string {
	if g == nil {
		return nil
	}
	return map[string]string{
		"GIT_COMMIT":       g.Commit,
		"GIT_COMMIT_SHORT": g.CommitShort,
		"GIT_BRANCH":       g.Branch,
		"GIT_AUTHOR":       g.Author,
		"GIT_EMAIL":        g.AuthorEmail,
		"GIT_MESSAGE":      g.Message,
	}
}

// Equal reports whether two pipelines are structurally identical. Used by the
// job registry to make re-registration of an unchanged pipeline a no-op.
func (p *Pipeline) Equal(other *Pipeline) bool {
	if p == nil || other == nil {
		return p == other
	}
	return reflect.DeepEqual(p, other)
}

// Stage returns the named stage, or nil.
func (p *Pipeline) Stage(name string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// DefaultParameters resolves the declared defaults, then overlays the
// supplied overrides. Unknown override keys are kept verbatim; validation of
// choice membership happens at trigger time.
func (p *Pipeline) DefaultParameters(overrides map[string]string) map[string]string {
	resolved := make(map[string]string, len(p.Parameters)+len(overrides))
	for _, param := range p.Parameters {
		resolved[param.Name] = param.Default
	}
	for k, v := range overrides {
		resolved[k] = v
	}
	return resolved
}
