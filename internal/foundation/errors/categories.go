package errors

// ErrorCategory represents the broad category of an error for classification and routing.
type ErrorCategory string

const (
	// CategoryValidation covers user-facing input errors: invalid pipeline
	// definitions, bad CLI arguments, malformed Chengisfiles.
	CategoryValidation ErrorCategory = "validation"
	CategoryConfig     ErrorCategory = "config"
	CategoryNotFound   ErrorCategory = "not_found"

	// CategoryGit covers checkout failures during workspace preparation.
	CategoryGit     ErrorCategory = "git"
	CategoryNetwork ErrorCategory = "network"

	// CategoryStep covers step execution failures: non-zero exits, timeouts,
	// unknown step types.
	CategoryStep     ErrorCategory = "step"
	CategoryPlugin   ErrorCategory = "plugin"
	CategoryDispatch ErrorCategory = "dispatch"
	CategoryAgent    ErrorCategory = "agent"
	CategoryNotify   ErrorCategory = "notify"

	// CategoryState covers illegal build state transitions. These indicate
	// programmer errors, not user mistakes.
	CategoryState      ErrorCategory = "state"
	CategoryEventStore ErrorCategory = "eventstore"
	CategoryFileSystem ErrorCategory = "filesystem"
	CategoryRuntime    ErrorCategory = "runtime"
	CategoryInternal   ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// RetryStrategy indicates how an error should be handled in retry scenarios.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never"     // Permanent failure, don't retry
	RetryImmediate  RetryStrategy = "immediate" // Retry immediately
	RetryBackoff    RetryStrategy = "backoff"   // Retry with exponential backoff
	RetryUserAction RetryStrategy = "user"      // Requires user intervention
)

// ErrorContext provides structured context for errors.
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	return v, ok
}

// Merge combines another context into this one, the argument winning on conflict.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	for k, v := range other {
		c[k] = v
	}
	return c
}
