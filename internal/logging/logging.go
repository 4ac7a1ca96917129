// Package logging configures the process-wide slog logger from the
// CHENGIS_LOG_FORMAT and CHENGIS_LOG_LEVEL environment variables.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Extended levels beyond the slog built-ins. Trace sits below debug,
// fatal above error, matching the documented level set.
const (
	LevelTrace = slog.LevelDebug - 4
	LevelFatal = slog.LevelError + 4
)

const (
	EnvLogFormat = "CHENGIS_LOG_FORMAT"
	EnvLogLevel  = "CHENGIS_LOG_LEVEL"
)

// Setup builds a logger from the environment and installs it as slog default.
// Format "json" emits single-line JSON records; anything else is text
// (TS LEVEL msg key=val ...). Returns the logger for direct injection.
func Setup(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := ParseLevel(os.Getenv(EnvLogLevel))
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv(EnvLogFormat), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps the documented level names onto slog levels.
// Unknown or empty values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

// replaceAttr renders timestamps as ISO-8601 UTC with millisecond precision
// and names the custom levels.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
		}
	case slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			switch {
			case lvl <= LevelTrace:
				a.Value = slog.StringValue("TRACE")
			case lvl >= LevelFatal:
				a.Value = slog.StringValue("FATAL")
			}
		}
	}
	return a
}
