package errors

import (
	"fmt"
	"log/slog"
)

// CLI exit codes. User mistakes exit 1, everything environmental or internal
// exits 2, matching the documented contract.
const (
	ExitOK     = 0
	ExitUser   = 1
	ExitSystem = 2
)

// CLIErrorAdapter handles error presentation and exit code determination for
// the chengis CLI.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor determines the appropriate exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if classified, ok := AsClassified(err); ok {
		switch classified.Category() {
		case CategoryValidation, CategoryConfig, CategoryNotFound:
			return ExitUser
		default:
			return ExitSystem
		}
	}
	return ExitSystem
}

// FormatError formats an error for user-facing display on stderr.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	classified, ok := AsClassified(err)
	if !ok {
		return fmt.Sprintf("error: %v", err)
	}
	if a.verbose {
		return classified.Error()
	}
	return fmt.Sprintf("%s error: %s", classified.Category(), classified.Message())
}

// LogError writes the error to the structured log with severity-appropriate level.
func (a *CLIErrorAdapter) LogError(err error) {
	if err == nil {
		return
	}
	classified, ok := AsClassified(err)
	if !ok {
		a.logger.Error("command failed", "error", err.Error())
		return
	}
	attrs := []any{
		"category", string(classified.Category()),
		"error", classified.Error(),
	}
	for k, v := range classified.Context() {
		attrs = append(attrs, k, v)
	}
	if classified.IsFatal() {
		a.logger.Error("fatal error", attrs...)
	} else {
		a.logger.Error("command failed", attrs...)
	}
}
