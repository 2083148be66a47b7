// Package server exposes the read-only operational HTTP API: health, run
// state, trade results, and the audit log. Nothing here mutates execution
// state; every write path goes through the queue and the run store.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bracketquant/execcore/internal/crypto"
	"github.com/bracketquant/execcore/internal/server/handler"
	"github.com/bracketquant/execcore/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string           // if empty, static-key auth is disabled
	HMACAuth    *crypto.HMACAuth // if non-nil, signed requests are accepted
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Runs   *handler.RunHandler
	Audit  *handler.AuditHandler
}

// Server is the headless operational HTTP API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux
// and wires up the middleware chain (logging, CORS, auth).
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required by convention; the auth middleware
	// still covers it when configured).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Process status.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Run state endpoints.
	if handlers.Runs != nil {
		mux.HandleFunc("GET /api/runs/{id}", handlers.Runs.GetRun)
		mux.HandleFunc("GET /api/runs/{id}/trades", handlers.Runs.ListRunTrades)
	}

	// Audit log.
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if neither key nor HMAC is configured).
	h = middleware.Auth(cfg.APIKey, cfg.HMACAuth)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
