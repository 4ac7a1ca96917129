// Package httpserver runs the coordinator's HTTP listener.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/agent"
	"github.com/chengis/chengis/internal/config"
	derrors "github.com/chengis/chengis/internal/foundation/errors"
	"github.com/chengis/chengis/internal/server/handlers"
	smw "github.com/chengis/chengis/internal/server/middleware"
	"github.com/chengis/chengis/internal/server/service"
)

// Options carries optional wiring for the server.
type Options struct {
	// MetricsHandler is mounted at cfg.Metrics.Path when metrics are enabled.
	MetricsHandler http.Handler
}

// Server wires the API handlers, middleware, and listener together.
type Server struct {
	cfg    *config.Config
	api    *handlers.API
	opts   Options
	logger *slog.Logger
	srv    *http.Server
}

// New constructs the HTTP server.
func New(cfg *config.Config, svc *service.BuildService, agents *agent.Registry, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		api:    handlers.NewAPI(svc, agents, cfg.Server.OrgID),
		opts:   opts,
		logger: logger,
	}
}

// Handler builds the full route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.api.Register(mux)
	if s.cfg.Metrics.Enabled && s.opts.MetricsHandler != nil {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.opts.MetricsHandler)
	}
	chain := smw.Chain(s.logger, derrors.NewHTTPErrorAdapter(s.logger))
	return chain(mux)
}

// Start binds the listener and serves until the context is cancelled or the
// server fails. Binding up front surfaces address conflicts before anything
// else is started.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.ListenAddr)
	if err != nil {
		return derrors.ConfigError("listen address not bindable").
			WithContext("listen-addr", s.cfg.Server.ListenAddr).
			WithCause(err).
			Build()
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", slog.String("listen-addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errCh:
		if !ok || err == nil {
			return nil
		}
		return derrors.InternalError("http server failed").WithCause(err).Build()
	}
}

// Stop drains in-flight requests within the configured shutdown timeout.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}
	timeout := s.cfg.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}
