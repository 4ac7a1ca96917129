package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID    = "build-id"
	KeyJobID      = "job-id"
	KeyOrgID      = "org-id"
	KeyStage      = "stage-name"
	KeyStep       = "step-name"
	KeyAgentID    = "agent-id"
	KeyTraceID    = "trace-id"
	KeySpanID     = "span-id"
	KeyTrigger    = "trigger"
	KeyStatus     = "status"
	KeyMode       = "mode"
	KeyDurationMS = "duration_ms"
	KeyExitCode   = "exit_code"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr   { return slog.String(KeyBuildID, id) }
func JobID(id string) slog.Attr     { return slog.String(KeyJobID, id) }
func OrgID(id string) slog.Attr     { return slog.String(KeyOrgID, id) }
func Stage(name string) slog.Attr   { return slog.String(KeyStage, name) }
func Step(name string) slog.Attr    { return slog.String(KeyStep, name) }
func AgentID(id string) slog.Attr   { return slog.String(KeyAgentID, id) }
func TraceID(id string) slog.Attr   { return slog.String(KeyTraceID, id) }
func SpanID(id string) slog.Attr    { return slog.String(KeySpanID, id) }
func Trigger(t string) slog.Attr    { return slog.String(KeyTrigger, t) }
func Status(s string) slog.Attr     { return slog.String(KeyStatus, s) }
func Mode(m string) slog.Attr       { return slog.String(KeyMode, m) }
func DurationMS(ms int64) slog.Attr { return slog.Int64(KeyDurationMS, ms) }
func ExitCode(code int) slog.Attr   { return slog.Int(KeyExitCode, code) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
