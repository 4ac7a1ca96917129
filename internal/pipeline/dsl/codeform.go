package dsl

import (
	"fmt"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/pipeline"
)

// ParseCodeForm evaluates a defpipeline program into a validated Pipeline.
// Evaluation is deliberately macro-free: every form contributes a fragment,
// and defpipeline composes them.
func ParseCodeForm(src string) (*pipeline.Pipeline, error) {
	node, err := ReadOne(src)
	if err != nil {
		return nil, err
	}
	form, ok := node.(List)
	if !ok || len(form) < 2 {
		return nil, codeErr("program must be a (defpipeline \"name\" ...) form")
	}
	if head, ok := form[0].(Symbol); !ok || head != "defpipeline" {
		return nil, codeErr("program must start with defpipeline, got %v", form[0])
	}
	name, ok := form[1].(string)
	if !ok {
		return nil, codeErr("defpipeline requires a string name")
	}

	p := &pipeline.Pipeline{Name: name}
	for _, child := range form[2:] {
		if err := evalTopForm(p, child, nil); err != nil {
			return nil, err
		}
	}
	pipeline.Normalize(p)
	if err := pipeline.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// evalTopForm handles a direct child of defpipeline. cond, when non-nil, is
// applied to stages produced by the form (for when-branch/when-param wrappers).
func evalTopForm(p *pipeline.Pipeline, node Node, cond *pipeline.Condition) error {
	form, head, err := asForm(node)
	if err != nil {
		return err
	}
	switch head {
	case "description":
		s, err := oneStringArg(form, "description")
		if err != nil {
			return err
		}
		p.Description = s
	case "parameters":
		for _, item := range form[1:] {
			param, err := evalParamForm(item)
			if err != nil {
				return err
			}
			p.Parameters = append(p.Parameters, param)
		}
	case "source":
		src, err := evalSourceForm(form)
		if err != nil {
			return err
		}
		p.Source = src
	case "stage":
		stage, err := evalStageForm(form)
		if err != nil {
			return err
		}
		if stage.Condition == nil {
			stage.Condition = cond
		}
		p.Stages = append(p.Stages, stage)
	case "when-branch", "when-param":
		wrapped, body, err := evalWhenHead(form, head)
		if err != nil {
			return err
		}
		for _, inner := range body {
			if err := evalTopForm(p, inner, wrapped); err != nil {
				return err
			}
		}
	case "post":
		post, err := evalPostForm(form)
		if err != nil {
			return err
		}
		p.Post = post
	case "artifacts":
		for _, item := range form[1:] {
			glob, ok := item.(string)
			if !ok {
				return codeErr("artifacts entries must be strings")
			}
			p.Artifacts = append(p.Artifacts, glob)
		}
	case "notify":
		cfg, err := evalNotifyForm(form)
		if err != nil {
			return err
		}
		p.Notify = append(p.Notify, cfg)
	case "env":
		env, err := evalEnvArgs(form[1:], "env")
		if err != nil {
			return err
		}
		p.Env = env
	default:
		return codeErr("unknown top-level form %s", head)
	}
	return nil
}

func evalStageForm(form List) (pipeline.Stage, error) {
	var stage pipeline.Stage
	if len(form) < 2 {
		return stage, codeErr("stage requires a name")
	}
	name, ok := form[1].(string)
	if !ok {
		return stage, codeErr("stage name must be a string")
	}
	stage.Name = name

	for _, item := range form[2:] {
		switch v := item.(type) {
		case Keyword:
			if v != "parallel" {
				return stage, codeErr("unknown stage flag :%s", v)
			}
			stage.Parallel = true
		case List:
			steps, err := evalStepForms(v)
			if err != nil {
				return stage, err
			}
			stage.Steps = append(stage.Steps, steps...)
		default:
			return stage, codeErr("unexpected item %v in stage %q", item, name)
		}
	}
	return stage, nil
}

// evalStepForms evaluates a single step-producing form, which may be a
// when-branch/when-param wrapper around several steps.
func evalStepForms(form List) ([]pipeline.Step, error) {
	_, head, err := asForm(form)
	if err != nil {
		return nil, err
	}
	switch head {
	case "sh":
		step, err := evalShForm(form)
		if err != nil {
			return nil, err
		}
		return []pipeline.Step{step}, nil
	case "step":
		step, err := evalStepForm(form)
		if err != nil {
			return nil, err
		}
		return []pipeline.Step{step}, nil
	case "when-branch", "when-param":
		cond, body, err := evalWhenHead(form, head)
		if err != nil {
			return nil, err
		}
		var steps []pipeline.Step
		for _, inner := range body {
			innerForm, ok := inner.(List)
			if !ok {
				return nil, codeErr("%s body must contain step forms", head)
			}
			inners, err := evalStepForms(innerForm)
			if err != nil {
				return nil, err
			}
			steps = append(steps, inners...)
		}
		for i := range steps {
			if steps[i].Condition == nil {
				steps[i].Condition = cond
			}
		}
		return steps, nil
	default:
		return nil, codeErr("unknown step form %s", head)
	}
}

func evalShForm(form List) (pipeline.Step, error) {
	step := pipeline.Step{Type: pipeline.StepTypeShell}
	if len(form) < 2 {
		return step, codeErr("sh requires a command string")
	}
	cmd, ok := form[1].(string)
	if !ok {
		return step, codeErr("sh command must be a string")
	}
	step.Command = cmd
	return step, applyStepKwargs(&step, form[2:])
}

func evalStepForm(form List) (pipeline.Step, error) {
	var step pipeline.Step
	if len(form) < 2 {
		return step, codeErr("step requires a name")
	}
	name, ok := form[1].(string)
	if !ok {
		return step, codeErr("step name must be a string")
	}
	step.Name = name
	return step, applyStepKwargs(&step, form[2:])
}

func applyStepKwargs(step *pipeline.Step, args []Node) error {
	kwargs, err := pairKwargs(args)
	if err != nil {
		return err
	}
	for _, kv := range kwargs {
		switch kv.key {
		case "name":
			s, ok := kv.value.(string)
			if !ok {
				return codeErr(":name must be a string")
			}
			step.Name = s
		case "type":
			s, ok := kv.value.(string)
			if !ok {
				return codeErr(":type must be a string")
			}
			step.Type = s
		case "run":
			s, ok := kv.value.(string)
			if !ok {
				return codeErr(":run must be a string")
			}
			step.Command = s
		case "dir":
			s, ok := kv.value.(string)
			if !ok {
				return codeErr(":dir must be a string")
			}
			step.Dir = s
		case "timeout":
			n, ok := kv.value.(int64)
			if !ok {
				return codeErr(":timeout must be an integer of milliseconds")
			}
			step.TimeoutMS = n
		case "env":
			m, ok := kv.value.(Map)
			if !ok {
				return codeErr(":env must be a keyed record")
			}
			env, err := parseStringMap(m, "step :env")
			if err != nil {
				return err
			}
			step.Env = env
		default:
			if step.Payload == nil {
				step.Payload = map[string]any{}
			}
			step.Payload[string(kv.key)] = kv.value
		}
	}
	return nil
}

func evalWhenHead(form List, head Symbol) (*pipeline.Condition, []Node, error) {
	switch head {
	case "when-branch":
		if len(form) < 3 {
			return nil, nil, codeErr("when-branch requires a branch and a body")
		}
		branch, ok := form[1].(string)
		if !ok {
			return nil, nil, codeErr("when-branch branch must be a string")
		}
		return &pipeline.Condition{Type: pipeline.ConditionBranch, Value: branch}, form[2:], nil
	case "when-param":
		if len(form) < 4 {
			return nil, nil, codeErr("when-param requires a key, a value, and a body")
		}
		key, kok := form[1].(string)
		value, vok := form[2].(string)
		if !kok || !vok {
			return nil, nil, codeErr("when-param key and value must be strings")
		}
		return &pipeline.Condition{Type: pipeline.ConditionParam, Param: key, Value: value}, form[3:], nil
	}
	return nil, nil, codeErr("unknown condition form %s", head)
}

func evalParamForm(node Node) (pipeline.Parameter, error) {
	var param pipeline.Parameter
	form, head, err := asForm(node)
	if err != nil {
		return param, err
	}
	if head != "param" {
		return param, codeErr("parameters body must contain param forms, got %s", head)
	}
	if len(form) < 2 {
		return param, codeErr("param requires a name")
	}
	name, ok := form[1].(string)
	if !ok {
		return param, codeErr("param name must be a string")
	}
	param.Name = name
	param.Type = pipeline.ParameterString

	rest := form[2:]
	for i := 0; i < len(rest); i++ {
		kw, ok := rest[i].(Keyword)
		if !ok {
			return param, codeErr("unexpected %v in param %q", rest[i], name)
		}
		switch kw {
		case "string":
			param.Type = pipeline.ParameterString
		case "choice":
			param.Type = pipeline.ParameterChoice
			if i+1 < len(rest) {
				if vec, ok := rest[i+1].(Vector); ok {
					choices, err := parseStringVector(vec, "param choices")
					if err != nil {
						return param, err
					}
					param.Choices = choices
					i++
				}
			}
		case "default":
			if i+1 >= len(rest) {
				return param, codeErr(":default requires a value")
			}
			s, ok := rest[i+1].(string)
			if !ok {
				return param, codeErr(":default must be a string")
			}
			param.Default = s
			i++
		default:
			return param, codeErr("unknown param option :%s", kw)
		}
	}
	return param, nil
}

func evalSourceForm(form List) (*pipeline.Source, error) {
	if len(form) < 2 {
		return nil, codeErr("source requires a url")
	}
	url, ok := form[1].(string)
	if !ok {
		return nil, codeErr("source url must be a string")
	}
	src := &pipeline.Source{Type: pipeline.SourceGit, URL: url}
	kwargs, err := pairKwargs(form[2:])
	if err != nil {
		return nil, err
	}
	for _, kv := range kwargs {
		switch kv.key {
		case "branch":
			s, ok := kv.value.(string)
			if !ok {
				return nil, codeErr(":branch must be a string")
			}
			src.Branch = s
		case "depth":
			n, ok := kv.value.(int64)
			if !ok {
				return nil, codeErr(":depth must be an integer")
			}
			src.Depth = int(n)
		case "token":
			s, ok := kv.value.(string)
			if !ok {
				return nil, codeErr(":token must be a string")
			}
			if src.Credentials == nil {
				src.Credentials = &pipeline.Credentials{}
			}
			src.Credentials.Token = s
		case "ssh-key":
			s, ok := kv.value.(string)
			if !ok {
				return nil, codeErr(":ssh-key must be a string")
			}
			if src.Credentials == nil {
				src.Credentials = &pipeline.Credentials{}
			}
			src.Credentials.SSHKey = s
		default:
			return nil, codeErr("unknown source option :%s", kv.key)
		}
	}
	return src, nil
}

func evalPostForm(form List) (*pipeline.PostHooks, error) {
	post := &pipeline.PostHooks{}
	for _, item := range form[1:] {
		hookForm, head, err := asForm(item)
		if err != nil {
			return nil, err
		}
		var steps []pipeline.Step
		for _, inner := range hookForm[1:] {
			innerForm, ok := inner.(List)
			if !ok {
				return nil, codeErr("%s body must contain step forms", head)
			}
			evaled, err := evalStepForms(innerForm)
			if err != nil {
				return nil, err
			}
			steps = append(steps, evaled...)
		}
		switch head {
		case "always":
			post.Always = steps
		case "on-success":
			post.OnSuccess = steps
		case "on-failure":
			post.OnFailure = steps
		default:
			return nil, codeErr("unknown post hook %s", head)
		}
	}
	return post, nil
}

func evalNotifyForm(form List) (pipeline.NotifierConfig, error) {
	var cfg pipeline.NotifierConfig
	if len(form) < 2 {
		return cfg, codeErr("notify requires a notifier tag")
	}
	switch v := form[1].(type) {
	case Keyword:
		cfg.Type = string(v)
	case string:
		cfg.Type = v
	default:
		return cfg, codeErr("notify tag must be a keyword or string")
	}
	kwargs, err := pairKwargs(form[2:])
	if err != nil {
		return cfg, err
	}
	for _, kv := range kwargs {
		s, ok := kv.value.(string)
		if !ok {
			return cfg, codeErr("notify option :%s must be a string", kv.key)
		}
		if cfg.Options == nil {
			cfg.Options = map[string]string{}
		}
		cfg.Options[string(kv.key)] = s
	}
	return cfg, nil
}

func evalEnvArgs(args []Node, what string) (map[string]string, error) {
	if len(args) == 1 {
		if m, ok := args[0].(Map); ok {
			return parseStringMap(m, what)
		}
	}
	return nil, codeErr("%s requires a keyed record", what)
}

type kwarg struct {
	key   Keyword
	value Node
}

// pairKwargs turns a flat keyword/value tail into pairs, rejecting stragglers.
func pairKwargs(args []Node) ([]kwarg, error) {
	var out []kwarg
	for i := 0; i < len(args); i += 2 {
		kw, ok := args[i].(Keyword)
		if !ok {
			return nil, codeErr("expected a keyword, got %v", args[i])
		}
		if i+1 >= len(args) {
			return nil, codeErr("keyword :%s has no value", kw)
		}
		out = append(out, kwarg{key: kw, value: args[i+1]})
	}
	return out, nil
}

// oneStringArg asserts that form carries exactly one string argument and
// returns it.
func oneStringArg(form List, what string) (string, error) {
	if len(form) != 2 {
		return "", codeErr("%s requires exactly one string argument", what)
	}
	s, ok := form[1].(string)
	if !ok {
		return "", codeErr("%s argument must be a string", what)
	}
	return s, nil
}

func asForm(node Node) (List, Symbol, error) {
	form, ok := node.(List)
	if !ok || len(form) == 0 {
		return nil, "", codeErr("expected a form, got %v", node)
	}
	head, ok := form[0].(Symbol)
	if !ok {
		return nil, "", codeErr("form head must be a symbol, got %v", form[0])
	}
	return form, head, nil
}

func codeErr(format string, args ...any) error {
	return derrors.ValidationError(fmt.Sprintf(format, args...)).Build()
}
