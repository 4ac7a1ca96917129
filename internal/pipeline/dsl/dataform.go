package dsl

import (
	"fmt"

	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/pipeline"
)

// ParseDataForm parses a Chengisfile-style keyed record into a validated
// Pipeline. The data form carries no name of its own; the caller supplies it
// (the file name on registration, the registered job name on override).
func ParseDataForm(name, src string) (*pipeline.Pipeline, error) {
	node, err := ReadOne(src)
	if err != nil {
		return nil, err
	}
	record, ok := node.(Map)
	if !ok {
		return nil, dataErr("top-level form must be a keyed record, got %T", node)
	}

	p := &pipeline.Pipeline{Name: name}
	if err := fillPipeline(p, record); err != nil {
		return nil, err
	}
	pipeline.Normalize(p)
	if err := pipeline.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func fillPipeline(p *pipeline.Pipeline, record Map) error {
	for _, entry := range record {
		key, ok := entry.Key.(Keyword)
		if !ok {
			return dataErr("record keys must be keywords, got %v", entry.Key)
		}
		var err error
		switch key {
		case "description":
			p.Description, err = wantString(entry.Value, "description")
		case "source":
			p.Source, err = parseSource(entry.Value)
		case "parameters":
			p.Parameters, err = parseParameters(entry.Value)
		case "env":
			p.Env, err = parseStringMap(entry.Value, "env")
		case "stages":
			p.Stages, err = parseStages(entry.Value)
		case "post":
			p.Post, err = parsePost(entry.Value)
		case "artifacts":
			p.Artifacts, err = parseStringVector(entry.Value, "artifacts")
		case "notify":
			p.Notify, err = parseNotify(entry.Value)
		default:
			err = dataErr("unknown pipeline key :%s", key)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseStages(node Node) ([]pipeline.Stage, error) {
	vec, ok := node.(Vector)
	if !ok {
		return nil, dataErr(":stages must be a vector")
	}
	stages := make([]pipeline.Stage, 0, len(vec))
	for _, item := range vec {
		record, ok := item.(Map)
		if !ok {
			return nil, dataErr("each stage must be a keyed record")
		}
		stage, err := parseStage(record)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func parseStage(record Map) (pipeline.Stage, error) {
	var stage pipeline.Stage
	for _, entry := range record {
		key, ok := entry.Key.(Keyword)
		if !ok {
			return stage, dataErr("stage keys must be keywords")
		}
		var err error
		switch key {
		case "name":
			stage.Name, err = wantString(entry.Value, "stage :name")
		case "parallel":
			stage.Parallel, err = wantBool(entry.Value, "stage :parallel")
		case "env":
			stage.Env, err = parseStringMap(entry.Value, "stage :env")
		case "steps":
			stage.Steps, err = parseSteps(entry.Value)
		case "condition":
			stage.Condition, err = parseCondition(entry.Value)
		default:
			err = dataErr("unknown stage key :%s", key)
		}
		if err != nil {
			return stage, err
		}
	}
	return stage, nil
}

func parseSteps(node Node) ([]pipeline.Step, error) {
	vec, ok := node.(Vector)
	if !ok {
		return nil, dataErr(":steps must be a vector")
	}
	steps := make([]pipeline.Step, 0, len(vec))
	for _, item := range vec {
		record, ok := item.(Map)
		if !ok {
			return nil, dataErr("each step must be a keyed record")
		}
		step, err := parseStep(record)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func parseStep(record Map) (pipeline.Step, error) {
	var step pipeline.Step
	for _, entry := range record {
		key, ok := entry.Key.(Keyword)
		if !ok {
			return step, dataErr("step keys must be keywords")
		}
		var err error
		switch key {
		case "name":
			step.Name, err = wantString(entry.Value, "step :name")
		case "type":
			step.Type, err = wantString(entry.Value, "step :type")
		case "run":
			step.Command, err = wantString(entry.Value, "step :run")
		case "dir":
			step.Dir, err = wantString(entry.Value, "step :dir")
		case "timeout":
			step.TimeoutMS, err = wantInt(entry.Value, "step :timeout")
		case "env":
			step.Env, err = parseStringMap(entry.Value, "step :env")
		case "condition":
			step.Condition, err = parseCondition(entry.Value)
		case "condition-type", "condition-value":
			// Rejected legacy spelling; :condition {:type ... :value ...} is canonical.
			err = dataErr("step key :%s is not supported, use :condition {:type ... :value ...}", key)
		default:
			if step.Payload == nil {
				step.Payload = map[string]any{}
			}
			step.Payload[string(key)] = entry.Value
		}
		if err != nil {
			return step, err
		}
	}
	return step, nil
}

func parseCondition(node Node) (*pipeline.Condition, error) {
	if kw, ok := node.(Keyword); ok && kw == "always" {
		return &pipeline.Condition{Type: pipeline.ConditionAlways}, nil
	}
	record, ok := node.(Map)
	if !ok {
		return nil, dataErr(":condition must be a keyed record or :always")
	}
	cond := &pipeline.Condition{}
	for _, entry := range record {
		key, ok := entry.Key.(Keyword)
		if !ok {
			return nil, dataErr("condition keys must be keywords")
		}
		var err error
		switch key {
		case "type":
			var s string
			s, err = wantString(entry.Value, "condition :type")
			cond.Type = pipeline.ConditionType(s)
		case "param":
			cond.Param, err = wantString(entry.Value, "condition :param")
		case "value":
			cond.Value, err = wantString(entry.Value, "condition :value")
		default:
			err = dataErr("unknown condition key :%s", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return cond, nil
}

func parseSource(node Node) (*pipeline.Source, error) {
	record, ok := node.(Map)
	if !ok {
		return nil, dataErr(":source must be a keyed record")
	}
	src := &pipeline.Source{Type: pipeline.SourceGit}
	for _, entry := range record {
		key, ok := entry.Key.(Keyword)
		if !ok {
			return nil, dataErr("source keys must be keywords")
		}
		var err error
		switch key {
		case "type":
			src.Type, err = wantString(entry.Value, "source :type")
		case "url":
			src.URL, err = wantString(entry.Value, "source :url")
		case "branch":
			src.Branch, err = wantString(entry.Value, "source :branch")
		case "depth":
			var depth int64
			depth, err = wantInt(entry.Value, "source :depth")
			src.Depth = int(depth)
		case "credentials":
			src.Credentials, err = parseCredentials(entry.Value)
		default:
			err = dataErr("unknown source key :%s", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return src, nil
}

func parseCredentials(node Node) (*pipeline.Credentials, error) {
	record, ok := node.(Map)
	if !ok {
		return nil, dataErr(":credentials must be a keyed record")
	}
	creds := &pipeline.Credentials{}
	for _, entry := range record {
		key, ok := entry.Key.(Keyword)
		if !ok {
			return nil, dataErr("credential keys must be keywords")
		}
		var err error
		switch key {
		case "ssh-key":
			creds.SSHKey, err = wantString(entry.Value, "credentials :ssh-key")
		case "token":
			creds.Token, err = wantString(entry.Value, "credentials :token")
		default:
			err = dataErr("unknown credentials key :%s", key)
		}
		if err != nil {
			return nil, err
		}
	}
	return creds, nil
}

func parseParameters(node Node) ([]pipeline.Parameter, error) {
	vec, ok := node.(Vector)
	if !ok {
		return nil, dataErr(":parameters must be a vector")
	}
	params := make([]pipeline.Parameter, 0, len(vec))
	for _, item := range vec {
		record, ok := item.(Map)
		if !ok {
			return nil, dataErr("each parameter must be a keyed record")
		}
		var param pipeline.Parameter
		for _, entry := range record {
			key, ok := entry.Key.(Keyword)
			if !ok {
				return nil, dataErr("parameter keys must be keywords")
			}
			var err error
			switch key {
			case "name":
				param.Name, err = wantString(entry.Value, "parameter :name")
			case "type":
				var s string
				s, err = wantString(entry.Value, "parameter :type")
				param.Type = pipeline.ParameterType(s)
			case "default":
				param.Default, err = wantString(entry.Value, "parameter :default")
			case "choices":
				param.Choices, err = parseStringVector(entry.Value, "parameter :choices")
			default:
				err = dataErr("unknown parameter key :%s", key)
			}
			if err != nil {
				return nil, err
			}
		}
		params = append(params, param)
	}
	return params, nil
}

func parsePost(node Node) (*pipeline.PostHooks, error) {
	record, ok := node.(Map)
	if !ok {
		return nil, dataErr(":post must be a keyed record")
	}
	post := &pipeline.PostHooks{}
	for _, entry := range record {
		key, ok := entry.Key.(Keyword)
		if !ok {
			return nil, dataErr("post keys must be keywords")
		}
		steps, err := parseSteps(entry.Value)
		if err != nil {
			return nil, err
		}
		switch key {
		case "always":
			post.Always = steps
		case "on-success":
			post.OnSuccess = steps
		case "on-failure":
			post.OnFailure = steps
		default:
			return nil, dataErr("unknown post key :%s", key)
		}
	}
	return post, nil
}

func parseNotify(node Node) ([]pipeline.NotifierConfig, error) {
	vec, ok := node.(Vector)
	if !ok {
		return nil, dataErr(":notify must be a vector")
	}
	configs := make([]pipeline.NotifierConfig, 0, len(vec))
	for _, item := range vec {
		switch v := item.(type) {
		case Keyword:
			configs = append(configs, pipeline.NotifierConfig{Type: string(v)})
		case Map:
			cfg := pipeline.NotifierConfig{Options: map[string]string{}}
			for _, entry := range v {
				key, ok := entry.Key.(Keyword)
				if !ok {
					return nil, dataErr("notifier keys must be keywords")
				}
				val, err := wantString(entry.Value, "notifier :"+string(key))
				if err != nil {
					return nil, err
				}
				if key == "type" {
					cfg.Type = val
				} else {
					cfg.Options[string(key)] = val
				}
			}
			if len(cfg.Options) == 0 {
				cfg.Options = nil
			}
			configs = append(configs, cfg)
		default:
			return nil, dataErr("notify entries must be keywords or keyed records")
		}
	}
	return configs, nil
}

func parseStringMap(node Node, what string) (map[string]string, error) {
	record, ok := node.(Map)
	if !ok {
		return nil, dataErr("%s must be a keyed record", what)
	}
	out := make(map[string]string, len(record))
	for _, entry := range record {
		var key string
		switch k := entry.Key.(type) {
		case Keyword:
			key = string(k)
		case string:
			key = k
		default:
			return nil, dataErr("%s keys must be keywords or strings", what)
		}
		val, err := wantString(entry.Value, what+" value")
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func parseStringVector(node Node, what string) ([]string, error) {
	vec, ok := node.(Vector)
	if !ok {
		return nil, dataErr("%s must be a vector", what)
	}
	out := make([]string, 0, len(vec))
	for _, item := range vec {
		s, err := wantString(item, what+" entry")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func wantString(node Node, what string) (string, error) {
	s, ok := node.(string)
	if !ok {
		return "", dataErr("%s must be a string, got %T", what, node)
	}
	return s, nil
}

func wantBool(node Node, what string) (bool, error) {
	b, ok := node.(bool)
	if !ok {
		return false, dataErr("%s must be a boolean, got %T", what, node)
	}
	return b, nil
}

func wantInt(node Node, what string) (int64, error) {
	n, ok := node.(int64)
	if !ok {
		return 0, dataErr("%s must be an integer, got %T", what, node)
	}
	return n, nil
}

func dataErr(format string, args ...any) error {
	return derrors.ValidationError(fmt.Sprintf(format, args...)).Build()
}
