// Package notify holds the built-in notifiers: console (always registered)
// and NATS.
package notify

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chengis/chengis/internal/build"
	"github.com/chengis/chengis/internal/pipeline"
)

// ConsoleNotifier prints a one-line build summary. It is registered under
// the "console" tag on every server.
type ConsoleNotifier struct {
	Out io.Writer
}

// NewConsoleNotifier writes to stdout.
func NewConsoleNotifier() *ConsoleNotifier {
	return &ConsoleNotifier{Out: os.Stdout}
}

// Send prints the summary line. The "verbose" option adds per-stage detail.
func (n *ConsoleNotifier) Send(_ context.Context, result *build.Result, cfg pipeline.NotifierConfig) error {
	out := n.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "[chengis] build %s #%d %s (%s, %dms)\n",
		result.JobID, result.Number, result.Status, result.BuildID, result.DurationMS)
	if err != nil {
		return err
	}
	if cfg.Options["verbose"] == "true" {
		for _, stage := range result.Stages {
			if _, err := fmt.Fprintf(out, "  stage %-20s %s (%dms)\n", stage.Name, stage.Status, stage.DurationMS); err != nil {
				return err
			}
		}
	}
	return nil
}
