package notify

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/chengis/chengis/internal/build"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/logfields"
	"github.com/chengis/chengis/internal/pipeline"
)

// DefaultSubject receives build results when a notifier config names none.
const DefaultSubject = "chengis.builds"

// NATSNotifier publishes the final build result as JSON to a NATS subject.
// The per-pipeline notifier config may override the subject with the
// "subject" option.
type NATSNotifier struct {
	conn *nats.Conn
}

// NewNATSNotifier connects to the given NATS URL.
func NewNATSNotifier(url string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, derrors.NotifyError("NATS connection failed").
			WithContext("url", url).
			WithCause(err).
			Build()
	}
	slog.Info("NATS notifier connected", slog.String("url", url))
	return &NATSNotifier{conn: conn}, nil
}

// Send publishes the serialized result and flushes within the context
// deadline.
func (n *NATSNotifier) Send(ctx context.Context, result *build.Result, cfg pipeline.NotifierConfig) error {
	subject := cfg.Options["subject"]
	if subject == "" {
		subject = DefaultSubject
	}
	payload, err := result.Marshal()
	if err != nil {
		return derrors.NotifyError("result serialization failed").WithCause(err).Build()
	}
	if err := n.conn.Publish(subject, payload); err != nil {
		return derrors.NotifyError("NATS publish failed").
			WithContext("subject", subject).
			WithCause(err).
			Build()
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return derrors.NotifyError("NATS flush failed").
			WithContext("subject", subject).
			WithCause(err).
			Build()
	}
	slog.Debug("build result published",
		logfields.BuildID(result.BuildID),
		slog.String("subject", subject),
	)
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
