package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/itsharex/proxycast/pkg/auth"
	"github.com/itsharex/proxycast/pkg/config"
	"github.com/itsharex/proxycast/pkg/pipeline"
	"github.com/itsharex/proxycast/pkg/ratelimit"
)

type contextKey string

const (
	// requestIDKey stores the unique request id.
	requestIDKey contextKey = "request_id"

	// clientKeyNameKey stores the authenticated key's label.
	clientKeyNameKey contextKey = "client_key_name"
)

// RequestIDHeader carries the request id to and from clients.
const RequestIDHeader = "X-Request-ID"

// RequestID returns the request id from ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func clientKeyName(ctx context.Context) string {
	name, _ := ctx.Value(clientKeyNameKey).(string)
	return name
}

// requestIDMiddleware assigns each request a uuid unless the client
// brought its own.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter captures the status code for the request log.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

// Flush forwards to the wrapped writer so SSE streaming works through
// the middleware chain.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		slog.InfoContext(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", RequestID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware turns handler panics into 500 responses. It is
// the outermost layer so nothing above it can crash the process.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.ErrorContext(r.Context(), "panic in handler",
					"error", rec,
					"request_id", RequestID(r.Context()),
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeError(w, r, pipeline.Errf(pipeline.KindInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// limitsMiddleware caps the request body and bounds the whole request
// lifetime, streaming included.
func limitsMiddleware(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)

			ctx, cancel := context.WithTimeout(r.Context(), cfg.RequestTimeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authMiddleware validates the client API key and stores its label for
// rate limiting and logs.
func authMiddleware(validator *auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := validator.Validate(auth.FromRequest(r))
			if err != nil {
				writeError(w, r, pipeline.Wrap(pipeline.KindAuth, err, "authentication failed"))
				return
			}
			ctx := context.WithValue(r.Context(), clientKeyNameKey, info.Name)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// rateLimitMiddleware admits requests per authenticated key. It runs
// after auth so anonymous and named keys get separate budgets.
func rateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKeyName(r.Context())
			if key == "" {
				key = r.RemoteAddr
			}

			decision := limiter.Check(key)
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
			if !decision.Allowed {
				perr := pipeline.Errf(pipeline.KindRateLimited, "rate limit exceeded")
				perr.RetryAfter = decision.RetryAfter
				writeError(w, r, perr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
