package pipeline

// EvalContext carries the build-side facts a condition is evaluated against.
type EvalContext struct {
	Branch     string
	Parameters map[string]string
}

// Evaluate resolves the condition against the build context. A nil condition
// is treated as always-true. Branch matches are exact and case-sensitive.
func (c *Condition) Evaluate(ctx EvalContext) bool {
	if c == nil {
		return true
	}
	switch c.Type {
	case ConditionAlways:
		return true
	case ConditionBranch:
		return ctx.Branch == c.Value
	case ConditionParam:
		return ctx.Parameters[c.Param] == c.Value
	default:
		return false
	}
}
