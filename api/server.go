// Package api exposes the query engine over HTTP.
//
// Endpoints:
//
//	GET  /health            liveness probe
//	GET  /ready             readiness probe (store connectivity)
//	POST /api/query         aggregate query (JSON in, JSON out)
//	POST /api/query/stream  streaming query (SSE)
//
// File structure:
//   - server.go: server setup and lifecycle
//   - middleware.go: recovery, logging, API key auth
//   - health.go: probes
//   - query.go: query endpoints
//   - response.go: JSON helpers
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/citolabs/cito/internal/engine"
	"github.com/citolabs/cito/internal/log"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout guards against Slowloris clients.
	ReadHeaderTimeout = 10 * time.Second

	ReadTimeout = 30 * time.Second
	IdleTimeout = 120 * time.Second

	// WriteTimeout must cover a full streamed synthesis.
	WriteTimeout = 120 * time.Second
)

// Server is the HTTP front end.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger
}

// NewServer wires all routes. apiKey, when non-empty, protects the
// /api/ endpoints; probes stay open. pinger may be nil when the store
// has no connection to check.
func NewServer(eng *engine.Engine, pinger Pinger, apiKey string, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()

	NewHealthHandler(pinger, logger).RegisterRoutes(mux)

	query := NewQueryHandler(eng, logger)
	auth := apiKeyMiddleware(apiKey, logger)
	mux.Handle("POST /api/query", auth(http.HandlerFunc(query.handleQuery)))
	mux.Handle("POST /api/query/stream", auth(http.HandlerFunc(query.handleStream)))

	return &Server{mux: mux, logger: logger}
}

// Handler returns the handler with middleware applied, recovery
// outermost.
func (s *Server) Handler() http.Handler {
	return chain(s.mux,
		recoveryMiddleware(s.logger),
		loggingMiddleware(s.logger),
	)
}

// Run starts the server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
