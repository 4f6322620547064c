// Package server exposes the gateway over HTTP. It terminates the
// three client protocol surfaces, runs the middleware chain, and
// streams responses back as SSE.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/itsharex/proxycast/pkg/auth"
	"github.com/itsharex/proxycast/pkg/config"
	"github.com/itsharex/proxycast/pkg/credential/pool"
	"github.com/itsharex/proxycast/pkg/idempotency"
	"github.com/itsharex/proxycast/pkg/pipeline"
	"github.com/itsharex/proxycast/pkg/ratelimit"
)

// Options wires the server to the rest of the gateway.
type Options struct {
	Config *config.Config
	Engine *pipeline.Engine
	Auth   *auth.Validator
	Pool   *pool.Pool

	// Limiter is nil when rate limiting is disabled.
	Limiter *ratelimit.Limiter

	// Idempotency is nil when replay caching is disabled.
	Idempotency *idempotency.Store

	// Metrics is the scrape handler, nil when disabled.
	Metrics http.Handler

	// StreamEvents counts delivered stream frames, nil when metrics are
	// disabled.
	StreamEvents StreamEventRecorder

	// Degraded reports whether a background task has exhausted its
	// restart budget. Nil means no supervisor is attached.
	Degraded func() bool
}

// StreamEventRecorder counts stream frames delivered to clients.
// Implemented by the metrics collector.
type StreamEventRecorder interface {
	RecordStreamEvent()
}

// Server is the gateway HTTP server.
type Server struct {
	opts       Options
	httpServer *http.Server
	logger     *slog.Logger

	shutdownOnce sync.Once
}

// New creates a Server. Start must be called to begin serving.
func New(opts Options) *Server {
	return &Server{
		opts:   opts,
		logger: slog.Default().With("component", "server"),
	}
}

// Start serves until ctx is done or the listener fails, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.opts.Config.Server

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", cfg.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		timeout := s.opts.Config.Server.ShutdownTimeout
		s.logger.Info("shutting down", "timeout", timeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(shutdownCtx)
		}
	})
	return err
}

// routes builds the handler tree with the middleware chain applied.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/chat/completions", s.protected(s.handleOpenAI))
	mux.Handle("POST /v1/messages", s.protected(s.handleAnthropic))
	mux.Handle("POST /v1beta/models/{modelAction}", s.protected(s.handleGemini))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	if s.opts.Metrics != nil {
		mux.Handle("GET "+s.opts.Config.Telemetry.Metrics.Path, s.opts.Metrics)
	}

	var handler http.Handler = mux
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(handler)
	return handler
}

// protected wraps a protocol handler with the request-scoped chain:
// body limit, timeout, client auth, rate limit.
func (s *Server) protected(h http.HandlerFunc) http.Handler {
	var handler http.Handler = h
	if s.opts.Limiter != nil {
		handler = rateLimitMiddleware(s.opts.Limiter)(handler)
	}
	handler = authMiddleware(s.opts.Auth)(handler)
	handler = limitsMiddleware(s.opts.Config.Security)(handler)
	return handler
}
