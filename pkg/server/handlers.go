package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/itsharex/proxycast/pkg/idempotency"
	"github.com/itsharex/proxycast/pkg/pipeline"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/protocol/anthropic"
	"github.com/itsharex/proxycast/pkg/protocol/gemini"
	"github.com/itsharex/proxycast/pkg/protocol/openai"
)

// streamEncoder renders neutral events into one client protocol's SSE
// frames.
type streamEncoder interface {
	Encode(ev protocol.StreamEvent) ([]byte, error)
}

// handleOpenAI serves POST /v1/chat/completions.
func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	body, perr := readBody(r)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	req, err := openai.ParseRequest(body)
	if err != nil {
		writeError(w, r, pipeline.Wrap(pipeline.KindBadRequest, err, err.Error()))
		return
	}
	logDroppedFields(r, req)

	if req.Stream {
		s.stream(w, r, req, openai.NewStreamEncoder())
		return
	}
	s.unary(w, r, body, req, openai.BuildResponse)
}

// handleAnthropic serves POST /v1/messages.
func (s *Server) handleAnthropic(w http.ResponseWriter, r *http.Request) {
	body, perr := readBody(r)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	req, err := anthropic.ParseRequest(body)
	if err != nil {
		writeError(w, r, pipeline.Wrap(pipeline.KindBadRequest, err, err.Error()))
		return
	}
	logDroppedFields(r, req)

	if req.Stream {
		s.stream(w, r, req, anthropic.NewStreamEncoder())
		return
	}
	s.unary(w, r, body, req, anthropic.BuildResponse)
}

// handleGemini serves POST /v1beta/models/{model}:{action}. The model
// and the unary/stream decision both ride in the path.
func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	model, action, ok := strings.Cut(r.PathValue("modelAction"), ":")
	if !ok || model == "" {
		writeError(w, r, pipeline.Errf(pipeline.KindBadRequest, "malformed model path"))
		return
	}

	var streaming bool
	switch action {
	case "generateContent":
	case "streamGenerateContent":
		streaming = true
	default:
		writeError(w, r, pipeline.Errf(pipeline.KindBadRequest, "unknown action %q", action))
		return
	}

	body, perr := readBody(r)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	req, err := gemini.ParseRequest(model, body)
	if err != nil {
		writeError(w, r, pipeline.Wrap(pipeline.KindBadRequest, err, err.Error()))
		return
	}
	logDroppedFields(r, req)

	if streaming {
		s.stream(w, r, req, gemini.NewStreamEncoder())
		return
	}
	s.unary(w, r, body, req, gemini.BuildResponse)
}

// unary runs a non-streaming request, honoring Idempotency-Key replay.
// The raw body binds to the key so a reused key with a different
// payload is rejected instead of served someone else's response.
func (s *Server) unary(w http.ResponseWriter, r *http.Request, body []byte, req *protocol.Request, build func(*protocol.Response) ([]byte, error)) {
	idemKey := r.Header.Get("Idempotency-Key")
	if s.opts.Idempotency != nil && idemKey != "" {
		state, cached := s.opts.Idempotency.Begin(idemKey, body)
		switch state {
		case idempotency.StateInProgress:
			writeConflict(w, r)
			return
		case idempotency.StateMismatch:
			writeError(w, r, pipeline.Errf(pipeline.KindBadRequest,
				"idempotency key was already used with a different request body"))
			return
		case idempotency.StateCompleted:
			w.Header().Set("Content-Type", cached.ContentType)
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}
		// StateNew: this request owns the key now.
		defer func() {
			if rec := recover(); rec != nil {
				s.opts.Idempotency.Fail(idemKey)
				panic(rec)
			}
		}()
	}

	resp, perr := s.opts.Engine.Execute(r.Context(), req)
	if perr != nil {
		if s.opts.Idempotency != nil && idemKey != "" {
			s.opts.Idempotency.Fail(idemKey)
		}
		writeError(w, r, perr)
		return
	}

	payload, err := build(resp)
	if err != nil {
		if s.opts.Idempotency != nil && idemKey != "" {
			s.opts.Idempotency.Fail(idemKey)
		}
		writeError(w, r, pipeline.Wrap(pipeline.KindInternal, err, "response encoding failed"))
		return
	}

	if s.opts.Idempotency != nil && idemKey != "" {
		s.opts.Idempotency.Complete(idemKey, idempotency.CachedResponse{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        payload,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// stream runs a streaming request, forwarding events as SSE frames.
// Failures before the first byte render as plain HTTP errors; failures
// mid-stream arrive in-band as protocol error frames.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, req *protocol.Request, enc streamEncoder) {
	events, perr := s.opts.Engine.ExecuteStream(r.Context(), req)
	if perr != nil {
		writeError(w, r, perr)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range events {
		frame, err := enc.Encode(ev)
		if err != nil {
			slog.ErrorContext(r.Context(), "stream encode failed",
				"error", err,
				"request_id", RequestID(r.Context()),
			)
			return
		}
		if len(frame) == 0 {
			continue
		}
		if _, err := w.Write(frame); err != nil {
			// Client went away; the engine sees the context cancel.
			return
		}
		if s.opts.StreamEvents != nil {
			s.opts.StreamEvents.RecordStreamEvent()
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// readBody consumes the request body under the MaxBytesReader cap.
func readBody(r *http.Request) ([]byte, *pipeline.Error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, pipeline.Errf(pipeline.KindSecurity, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, pipeline.Wrap(pipeline.KindBadRequest, err, "reading request body failed")
	}
	return body, nil
}

// logDroppedFields notes request fields that have no neutral
// representation and were silently dropped in translation.
func logDroppedFields(r *http.Request, req *protocol.Request) {
	if len(req.DroppedFields) == 0 {
		return
	}
	slog.DebugContext(r.Context(), "request fields dropped in translation",
		"fields", req.DroppedFields,
		"model", req.Model,
		"request_id", RequestID(r.Context()),
	)
}

// writeError renders a classified failure in the envelope of the
// protocol surface the client called.
func writeError(w http.ResponseWriter, r *http.Request, perr *pipeline.Error) {
	status := perr.HTTPStatus()
	if perr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(perr.RetryAfter.Seconds())))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(errorPayload(r.URL.Path, status, perr))

	if perr.Cause != nil {
		slog.ErrorContext(r.Context(), "request failed",
			"kind", string(perr.Kind),
			"status", status,
			"error", perr.Cause,
			"request_id", RequestID(r.Context()),
		)
	}
}

// writeConflict rejects a duplicate in-flight idempotency key.
func writeConflict(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	w.Write(errorPayload(r.URL.Path, http.StatusConflict,
		pipeline.Errf(pipeline.KindBadRequest, "a request with this idempotency key is in progress")))
}

func errorPayload(path string, status int, perr *pipeline.Error) []byte {
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		return anthropic.MarshalError(anthropicErrorType(perr.Kind), perr.Message)
	case strings.HasPrefix(path, "/v1beta/"):
		return gemini.MarshalError(status, geminiStatus(status), perr.Message)
	default:
		return openai.MarshalError(openaiErrorType(perr.Kind), perr.Message)
	}
}

func anthropicErrorType(kind pipeline.Kind) string {
	switch kind {
	case pipeline.KindAuth, pipeline.KindUpstreamAuthExpired:
		return "authentication_error"
	case pipeline.KindRateLimited, pipeline.KindUpstreamRateLimited:
		return "rate_limit_error"
	case pipeline.KindBadRequest, pipeline.KindSecurity:
		return "invalid_request_error"
	case pipeline.KindNoCredential:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func openaiErrorType(kind pipeline.Kind) string {
	switch kind {
	case pipeline.KindAuth, pipeline.KindUpstreamAuthExpired:
		return "authentication_error"
	case pipeline.KindRateLimited, pipeline.KindUpstreamRateLimited:
		return "rate_limit_exceeded"
	case pipeline.KindBadRequest, pipeline.KindSecurity:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func geminiStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusConflict:
		return "ABORTED"
	case http.StatusRequestEntityTooLarge:
		return "OUT_OF_RANGE"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
