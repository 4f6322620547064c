package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/credential/pool"
	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/protocol/anthropic"
	"github.com/itsharex/proxycast/pkg/protocol/gemini"
	"github.com/itsharex/proxycast/pkg/protocol/openai"
	"github.com/itsharex/proxycast/pkg/routing"
	"github.com/itsharex/proxycast/pkg/upstream"
)

// TokenRefresher renews OAuth credentials. Implemented by the refresh
// package; narrowed here so tests can stub it.
type TokenRefresher interface {
	EnsureFresh(ctx context.Context, credentialID string) error
	ForceRefresh(ctx context.Context, credentialID string) error
}

// Recorder receives per-request telemetry. Implementations must be
// cheap and non-blocking.
type Recorder interface {
	RecordRequest(providerID, credentialID, model string, outcome string, d time.Duration)
	RecordUsage(providerID, credentialID, model string, usage protocol.Usage)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(string, string, string, string, time.Duration) {}
func (nopRecorder) RecordUsage(string, string, string, protocol.Usage)          {}

// Config configures an Engine.
type Config struct {
	Router    *routing.Table
	Pool      *pool.Pool
	Refresher TokenRefresher
	Invokers  *upstream.Registry

	// Recorder is optional; nil disables telemetry.
	Recorder Recorder

	// Tracer emits spans for the request stages. Nil falls back to a
	// noop tracer.
	Tracer trace.Tracer

	// MaxTransientRetries bounds same-credential retries of transient
	// failures. Default: 2.
	MaxTransientRetries int

	// RetryBaseDelay seeds the exponential backoff between transient
	// retries. Default: 200ms.
	RetryBaseDelay time.Duration

	// FailoverAttempts bounds how many times a request may move to a
	// different credential after an auth or rate limit failure.
	// Default: 1.
	FailoverAttempts int
}

// Engine drives one request through routing, credential acquisition,
// upstream invocation, retries, and release.
type Engine struct {
	router    *routing.Table
	pool      *pool.Pool
	refresher TokenRefresher
	invokers  *upstream.Registry
	recorder  Recorder
	tracer    trace.Tracer

	maxTransient int
	baseDelay    time.Duration
	failovers    int

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an Engine.
func New(cfg Config) *Engine {
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	maxTransient := cfg.MaxTransientRetries
	if maxTransient <= 0 {
		maxTransient = 2
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	failovers := cfg.FailoverAttempts
	if failovers <= 0 {
		failovers = 1
	}
	return &Engine{
		router:       cfg.Router,
		pool:         cfg.Pool,
		refresher:    cfg.Refresher,
		invokers:     cfg.Invokers,
		recorder:     recorder,
		tracer:       tracer,
		maxTransient: maxTransient,
		baseDelay:    baseDelay,
		failovers:    failovers,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Execute runs one unary request to completion.
func (e *Engine) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, *Error) {
	started := time.Now()
	req.Stream = false

	ctx, span := e.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	route, perr := e.resolve(req.Model)
	if perr != nil {
		spanError(span, perr)
		return nil, perr
	}
	span.SetAttributes(attribute.String("provider", route.ProviderID))

	var resp *protocol.Response
	var credID string
	perr = e.withCredential(ctx, route, req, func(lease *pool.Lease, result *upstream.Result) *Error {
		credID = lease.CredentialID
		var inner *Error
		resp, inner = e.readUnary(ctx, route.Family, req.Model, result)
		return inner
	})

	e.record(route, credID, req.Model, started, perr)
	if perr != nil {
		spanError(span, perr)
		return nil, perr
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		e.recorder.RecordUsage(route.ProviderID, credID, req.Model, resp.Usage)
	}
	return resp, nil
}

// ExecuteStream runs one streaming request. Acquisition and the
// upstream connection happen synchronously so failures surface as plain
// errors; afterwards events flow on the returned channel until a
// terminal event. The channel is always closed.
func (e *Engine) ExecuteStream(ctx context.Context, req *protocol.Request) (<-chan protocol.StreamEvent, *Error) {
	started := time.Now()
	req.Stream = true

	ctx, span := e.tracer.Start(ctx, "pipeline.execute_stream",
		trace.WithAttributes(attribute.String("model", req.Model)))

	route, perr := e.resolve(req.Model)
	if perr != nil {
		spanError(span, perr)
		span.End()
		return nil, perr
	}
	span.SetAttributes(attribute.String("provider", route.ProviderID))

	lease, result, perr := e.connect(ctx, route, req)
	if perr != nil {
		spanError(span, perr)
		span.End()
		e.record(route, "", req.Model, started, perr)
		return nil, perr
	}
	span.SetAttributes(attribute.String("credential_id", lease.CredentialID))

	out := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(out)
		defer result.Body.Close()
		defer span.End()

		var usage protocol.Usage
		terminal := false
		sink := func(ev protocol.StreamEvent) bool {
			if ev.Type == protocol.EventUsage && ev.Usage != nil {
				if ev.Usage.InputTokens > 0 {
					usage.InputTokens = ev.Usage.InputTokens
				}
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
				}
			}
			if ev.Terminal() {
				terminal = true
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		derr := decodeBody(ctx, route.Family, req.Model, result.Header.Get("Content-Type"), result.Body, sink)
		switch {
		case derr != nil:
			spanError(span, derr)
			e.pool.Release(lease, pool.Outcome{Class: failureClass(derr.Kind), Err: derr})
			// Clients hear about mid-stream failures in-band.
			select {
			case out <- protocol.StreamEvent{
				Type:       protocol.EventError,
				ErrKind:    string(derr.Kind),
				ErrMessage: derr.Message,
			}:
			case <-ctx.Done():
			}
			e.record(route, lease.CredentialID, req.Model, started, derr)
		case !terminal:
			trunc := Errf(KindMalformedUpstream, "stream ended without a terminal event")
			spanError(span, trunc)
			e.pool.Release(lease, pool.Outcome{Class: pool.FailureMalformed, Err: trunc})
			select {
			case out <- protocol.StreamEvent{
				Type:       protocol.EventError,
				ErrKind:    string(trunc.Kind),
				ErrMessage: trunc.Message,
			}:
			case <-ctx.Done():
			}
			e.record(route, lease.CredentialID, req.Model, started, trunc)
		default:
			e.pool.Release(lease, pool.Success)
			if usage.InputTokens > 0 || usage.OutputTokens > 0 {
				e.recorder.RecordUsage(route.ProviderID, lease.CredentialID, req.Model, usage)
			}
			e.record(route, lease.CredentialID, req.Model, started, nil)
		}
	}()
	return out, nil
}

func (e *Engine) resolve(model string) (routing.Route, *Error) {
	route, err := e.router.Resolve(model)
	if err != nil {
		var unknown *routing.UnknownModelError
		if errors.As(err, &unknown) {
			return routing.Route{}, Wrap(KindBadRequest, err, "unknown model")
		}
		return routing.Route{}, Wrap(KindInternal, err, "routing failed")
	}
	return route, nil
}

// withCredential runs connect and hands the open result to fn, then
// releases the lease according to fn's outcome.
func (e *Engine) withCredential(ctx context.Context, route routing.Route, req *protocol.Request, fn func(*pool.Lease, *upstream.Result) *Error) *Error {
	lease, result, perr := e.connect(ctx, route, req)
	if perr != nil {
		return perr
	}
	defer result.Body.Close()

	if inner := fn(lease, result); inner != nil {
		class := failureClass(inner.Kind)
		if class == pool.FailureNone {
			e.pool.Release(lease, pool.Success)
		} else {
			e.pool.Release(lease, pool.Outcome{Class: class, Err: inner})
		}
		return inner
	}
	e.pool.Release(lease, pool.Success)
	return nil
}

// connect acquires a credential and opens the upstream exchange,
// applying the retry ladder: transient failures retry on the same
// credential with backoff, an auth rejection gets one forced refresh
// and one retry, and auth or rate limit failures may fail over to a
// different credential within the failover budget.
func (e *Engine) connect(ctx context.Context, route routing.Route, req *protocol.Request) (*pool.Lease, *upstream.Result, *Error) {
	invoker, err := e.invokers.For(route.Family)
	if err != nil {
		return nil, nil, Wrap(KindInternal, err, "no invoker for provider family")
	}

	failoversLeft := e.failovers
	for {
		lease, aerr := e.pool.Acquire(route.ProviderID, req.Model)
		if aerr != nil {
			return nil, nil, Wrap(KindNoCredential, aerr, "no healthy credential for model")
		}

		if lease.Auth.Kind == credential.AuthOAuth && e.refresher != nil {
			if rerr := e.refresher.EnsureFresh(ctx, lease.CredentialID); rerr != nil {
				perr := Wrap(KindUpstreamAuthExpired, rerr, "token refresh failed")
				// The refresher already flagged the credential; the
				// release only needs to return the in-flight slot.
				e.pool.Release(lease, pool.Outcome{Class: pool.FailureMalformed, Err: rerr})
				if failoversLeft > 0 {
					failoversLeft--
					continue
				}
				return nil, nil, perr
			}
			e.refreshLeaseAuth(lease)
		}

		result, perr := e.invokeWithRetry(ctx, invoker, lease, req)
		if perr == nil {
			return lease, result, nil
		}

		switch perr.Kind {
		case KindUpstreamAuthExpired:
			e.pool.Release(lease, pool.Outcome{Class: pool.FailureAuthExpired, Err: perr})
		case KindUpstreamRateLimited:
			e.pool.Release(lease, pool.Outcome{Class: pool.FailureRateLimited, Err: perr, CooldownFor: perr.RetryAfter})
		default:
			class := failureClass(perr.Kind)
			if class == pool.FailureNone {
				e.pool.Release(lease, pool.Success)
			} else {
				e.pool.Release(lease, pool.Outcome{Class: class, Err: perr})
			}
			return nil, nil, perr
		}

		if failoversLeft > 0 {
			failoversLeft--
			slog.Debug("failing over to another credential",
				"provider", route.ProviderID,
				"model", req.Model,
				"reason", perr.Kind,
			)
			continue
		}
		return nil, nil, perr
	}
}

// invokeWithRetry sends the request on one lease, retrying transient
// failures and recovering once from a token rejection.
func (e *Engine) invokeWithRetry(ctx context.Context, invoker upstream.Invoker, lease *pool.Lease, req *protocol.Request) (*upstream.Result, *Error) {
	refreshed := false
	var lastErr *Error

	for attempt := 0; attempt <= e.maxTransient; attempt++ {
		if attempt > 0 {
			if werr := e.sleep(ctx, attempt); werr != nil {
				return nil, werr
			}
		}

		invokeCtx, span := e.tracer.Start(ctx, "upstream.invoke", trace.WithAttributes(
			attribute.String("credential_id", lease.CredentialID),
			attribute.Int("attempt", attempt),
		))
		result, err := invoker.Invoke(invokeCtx, lease.Auth, req)
		if err == nil {
			span.End()
			return result, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		perr := classifyInvokeError(err)
		switch perr.Kind {
		case KindTransientUpstream:
			lastErr = perr
			continue

		case KindUpstreamAuthExpired:
			if refreshed || e.refresher == nil || lease.Auth.Kind != credential.AuthOAuth {
				return nil, perr
			}
			refreshed = true
			if rerr := e.refresher.ForceRefresh(ctx, lease.CredentialID); rerr != nil {
				return nil, Wrap(KindUpstreamAuthExpired, rerr, "token refresh failed")
			}
			e.refreshLeaseAuth(lease)
			// The refresh attempt does not consume a transient slot.
			attempt--
			lastErr = perr
			continue

		default:
			return nil, perr
		}
	}
	return nil, lastErr
}

// refreshLeaseAuth re-snapshots the credential's auth material after a
// refresh so the retry carries the new token.
func (e *Engine) refreshLeaseAuth(lease *pool.Lease) {
	cred, err := e.pool.Get(lease.CredentialID)
	if err != nil {
		return
	}
	lease.Auth = cred.Auth
}

// sleep applies exponential backoff with jitter between attempts.
func (e *Engine) sleep(ctx context.Context, attempt int) *Error {
	delay := e.baseDelay << (attempt - 1)
	e.mu.Lock()
	jitter := time.Duration(e.rng.Int63n(int64(delay)/2 + 1))
	e.mu.Unlock()

	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return Wrap(KindCanceled, ctx.Err(), "request canceled")
	}
}

// readUnary converts one upstream result into a neutral response.
// Kiro backends stream regardless of mode, so their events aggregate.
func (e *Engine) readUnary(ctx context.Context, family protocol.Family, model string, result *upstream.Result) (*protocol.Response, *Error) {
	if family == protocol.FamilyKiro {
		agg := newAggregator()
		sink := func(ev protocol.StreamEvent) bool {
			agg.add(ev)
			return true
		}
		if derr := decodeBody(ctx, family, model, result.Header.Get("Content-Type"), result.Body, sink); derr != nil {
			return nil, derr
		}
		return agg.response()
	}

	body, err := io.ReadAll(io.LimitReader(result.Body, 64<<20))
	if err != nil {
		return nil, Wrap(KindTransientUpstream, err, "reading upstream response failed")
	}

	var resp *protocol.Response
	switch family {
	case protocol.FamilyClaude:
		resp, err = anthropic.ParseResponse(body)
	case protocol.FamilyOpenAI:
		resp, err = openai.ParseResponse(body)
	case protocol.FamilyGemini:
		resp, err = gemini.ParseResponse(model, body)
	default:
		return nil, Errf(KindInternal, "no response parser for family %q", family)
	}
	if err != nil {
		return nil, Wrap(KindMalformedUpstream, err, "undecodable upstream response")
	}
	return resp, nil
}

// record emits the request telemetry row.
func (e *Engine) record(route routing.Route, credentialID, model string, started time.Time, perr *Error) {
	outcome := "success"
	if perr != nil {
		outcome = string(perr.Kind)
	}
	e.recorder.RecordRequest(route.ProviderID, credentialID, model, outcome, time.Since(started))
}

// spanError marks a span failed with the classified kind.
func spanError(span trace.Span, perr *Error) {
	span.SetStatus(codes.Error, perr.Message)
	span.SetAttributes(attribute.String("error.kind", string(perr.Kind)))
	if perr.Cause != nil {
		span.RecordError(perr.Cause)
	}
}
