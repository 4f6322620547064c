// Package pipeline runs translated requests through credential
// acquisition, upstream invocation, retry handling, and release. It
// owns the gateway's error taxonomy: every failure a request can hit
// maps to exactly one kind, and each kind has one recovery rule.
package pipeline

import (
	"fmt"
	"time"
)

// Kind classifies a request failure.
type Kind string

const (
	// KindAuth is a client authentication failure.
	KindAuth Kind = "auth_error"

	// KindSecurity is a request that violates a safety limit, such as
	// an oversized body.
	KindSecurity Kind = "security_violation"

	// KindRateLimited is a client over its request budget.
	KindRateLimited Kind = "rate_limited"

	// KindNoCredential means no healthy credential can serve the model
	// right now.
	KindNoCredential Kind = "no_credential_available"

	// KindTransientUpstream is a retryable upstream failure: network
	// errors and 5xx responses.
	KindTransientUpstream Kind = "transient_upstream"

	// KindUpstreamAuthExpired is an upstream token rejection. Recovery
	// is one refresh then one retry.
	KindUpstreamAuthExpired Kind = "upstream_auth_expired"

	// KindUpstreamRateLimited is an upstream throttle. The credential
	// cools down and the request fails over once.
	KindUpstreamRateLimited Kind = "upstream_rate_limited"

	// KindMalformedUpstream is an undecodable upstream response. It is
	// terminal and does not blame the credential's health.
	KindMalformedUpstream Kind = "malformed_upstream_response"

	// KindBadRequest is a client request the gateway or the upstream
	// rejected as invalid.
	KindBadRequest Kind = "bad_request"

	// KindCanceled is a request abandoned by its client.
	KindCanceled Kind = "canceled"

	// KindInternal is everything that should not happen.
	KindInternal Kind = "internal_error"
)

// Error is a classified request failure.
type Error struct {
	// Kind selects the recovery rule and the client-facing status
	Kind Kind

	// Message is safe to return to the client
	Message string

	// RetryAfter is a client backoff hint for rate limit kinds
	RetryAfter time.Duration

	// Cause is the underlying error, for logs only
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the kind to the status the client sees.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return 401
	case KindSecurity:
		return 413
	case KindRateLimited, KindUpstreamRateLimited:
		return 429
	case KindNoCredential:
		return 503
	case KindBadRequest:
		return 400
	case KindCanceled:
		return 499
	case KindTransientUpstream, KindUpstreamAuthExpired, KindMalformedUpstream:
		return 502
	default:
		return 500
	}
}

// Errf builds a classified error with a formatted message.
func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
