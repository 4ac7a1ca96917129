package pipeline

import (
	"fmt"
	"slices"
	"strings"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
)

// Validate checks the pipeline against the model invariants and returns a
// single validation error enumerating every violation, or nil.
func Validate(p *Pipeline) error {
	violations := collectViolations(p)
	if len(violations) == 0 {
		return nil
	}
	return derrors.ValidationError("invalid pipeline: " + strings.Join(violations, "; ")).
		WithContext("pipeline", p.Name).
		WithContext("violations", violations).
		Build()
}

func collectViolations(p *Pipeline) []string {
	var violations []string
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(p.Name) == "" {
		add("pipeline name must not be blank")
	}
	if len(p.Stages) == 0 {
		add("pipeline must declare at least one stage")
	}

	stageNames := make(map[string]bool, len(p.Stages))
	for _, stage := range p.Stages {
		if strings.TrimSpace(stage.Name) == "" {
			add("stage name must not be blank")
		}
		if stageNames[stage.Name] {
			add("duplicate stage name %q", stage.Name)
		}
		stageNames[stage.Name] = true

		if len(stage.Steps) == 0 {
			add("stage %q has no steps", stage.Name)
		}
		stepNames := make(map[string]bool, len(stage.Steps))
		for _, step := range stage.Steps {
			if stepNames[step.Name] {
				add("duplicate step name %q in stage %q", step.Name, stage.Name)
			}
			stepNames[step.Name] = true
			violations = append(violations, stepViolations(stage.Name, step)...)
		}
		violations = append(violations, conditionViolations(fmt.Sprintf("stage %q", stage.Name), stage.Condition)...)
	}

	for _, param := range p.Parameters {
		if strings.TrimSpace(param.Name) == "" {
			add("parameter name must not be blank")
		}
		switch param.Type {
		case ParameterString:
		case ParameterChoice:
			if len(param.Choices) == 0 {
				add("choice parameter %q has no choices", param.Name)
			} else if !slices.Contains(param.Choices, param.Default) {
				add("choice parameter %q default %q is not in the choice set", param.Name, param.Default)
			}
		default:
			add("parameter %q has unknown type %q", param.Name, param.Type)
		}
	}

	if p.Source != nil {
		if p.Source.Type != SourceGit {
			add("unsupported source type %q", p.Source.Type)
		}
		if strings.TrimSpace(p.Source.URL) == "" {
			add("git source requires a url")
		}
		if p.Source.Depth < 0 {
			add("git source depth must be positive, got %d", p.Source.Depth)
		}
		if c := p.Source.Credentials; c != nil && c.SSHKey != "" && c.Token != "" {
			add("git credentials must carry an ssh key or a token, not both")
		}
	}

	if p.Post != nil {
		for _, hooks := range [][]Step{p.Post.Always, p.Post.OnSuccess, p.Post.OnFailure} {
			for _, step := range hooks {
				violations = append(violations, stepViolations("post", step)...)
			}
		}
	}

	return violations
}

func stepViolations(stageName string, step Step) []string {
	var violations []string
	if strings.TrimSpace(step.Name) == "" {
		violations = append(violations, fmt.Sprintf("step in stage %q has a blank name", stageName))
	}
	if step.Type == "" || step.Type == StepTypeShell {
		if strings.TrimSpace(step.Command) == "" {
			violations = append(violations, fmt.Sprintf("shell step %q in stage %q has a blank command", step.Name, stageName))
		}
	}
	// zero means unset; the engine default applies
	if step.TimeoutMS < 0 {
		violations = append(violations, fmt.Sprintf("step %q in stage %q has a negative timeout %d", step.Name, stageName, step.TimeoutMS))
	}
	violations = append(violations, conditionViolations(fmt.Sprintf("step %q", step.Name), step.Condition)...)
	return violations
}

func conditionViolations(subject string, c *Condition) []string {
	if c == nil {
		return nil
	}
	switch c.Type {
	case ConditionAlways:
		return nil
	case ConditionBranch:
		if c.Value == "" {
			return []string{fmt.Sprintf("%s branch condition requires a value", subject)}
		}
	case ConditionParam:
		if c.Param == "" {
			return []string{fmt.Sprintf("%s param condition requires a key", subject)}
		}
	default:
		return []string{fmt.Sprintf("%s has unknown condition type %q", subject, c.Type)}
	}
	return nil
}

// Normalize fills in defaults the surface syntaxes may omit: blank step types
// become shell, unnamed steps get positional names. Called by both loaders
// before validation.
func Normalize(p *Pipeline) {
	for si := range p.Stages {
		normalizeSteps(p.Stages[si].Steps)
	}
	if p.Post != nil {
		normalizeSteps(p.Post.Always)
		normalizeSteps(p.Post.OnSuccess)
		normalizeSteps(p.Post.OnFailure)
	}
	for pi := range p.Parameters {
		if p.Parameters[pi].Type == "" {
			p.Parameters[pi].Type = ParameterString
		}
	}
	if p.Source != nil && p.Source.Type == "" {
		p.Source.Type = SourceGit
	}
}

func normalizeSteps(steps []Step) {
	for i := range steps {
		if steps[i].Type == "" {
			steps[i].Type = StepTypeShell
		}
		if steps[i].Name == "" {
			steps[i].Name = fmt.Sprintf("step-%d", i+1)
		}
	}
}
