// Package observability provides lightweight in-process tracing. Spans log
// their duration on End; span ids travel to agents in the dispatch envelope
// so remote build logs correlate with the coordinator's.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chengis/chengis/internal/logfields"
)

// Span is one timed operation within a trace.
type Span struct {
	name    string
	traceID string
	spanID  string
	start   time.Time
	logger  *slog.Logger
	err     error
}

// TraceID returns the trace this span belongs to.
func (s *Span) TraceID() string { return s.traceID }

// SpanID returns this span's id.
func (s *Span) SpanID() string { return s.spanID }

// RecordError marks the span failed; the error is included in the end log.
func (s *Span) RecordError(err error) {
	if err != nil {
		s.err = err
	}
}

// End logs the span with its duration. Failed spans log at warn level.
func (s *Span) End() {
	attrs := []any{
		slog.String("span", s.name),
		logfields.TraceID(s.traceID),
		logfields.SpanID(s.spanID),
		logfields.DurationMS(time.Since(s.start).Milliseconds()),
	}
	if s.err != nil {
		attrs = append(attrs, logfields.Error(s.err))
		s.logger.Warn("span failed", attrs...)
		return
	}
	s.logger.Debug("span ended", attrs...)
}

type spanKeyType struct{}

var spanKey spanKeyType

// StartSpan opens a span under the context's current trace, starting a new
// trace when there is none.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	traceID := ""
	if parent, ok := FromContext(ctx); ok {
		traceID = parent.traceID
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	span := &Span{
		name:    name,
		traceID: traceID,
		spanID:  uuid.NewString(),
		start:   time.Now(),
		logger:  slog.Default(),
	}
	return context.WithValue(ctx, spanKey, span), span
}

// ContinueTrace opens a span joining a trace started elsewhere, typically
// from a dispatch envelope's parent span.
func ContinueTrace(ctx context.Context, traceID, name string) (context.Context, *Span) {
	if traceID == "" {
		return StartSpan(ctx, name)
	}
	span := &Span{
		name:    name,
		traceID: traceID,
		spanID:  uuid.NewString(),
		start:   time.Now(),
		logger:  slog.Default(),
	}
	return context.WithValue(ctx, spanKey, span), span
}

// FromContext returns the context's current span.
func FromContext(ctx context.Context) (*Span, bool) {
	span, ok := ctx.Value(spanKey).(*Span)
	return span, ok
}

// TraceIDFrom returns the current trace id, or "".
func TraceIDFrom(ctx context.Context) string {
	if span, ok := FromContext(ctx); ok {
		return span.traceID
	}
	return ""
}
