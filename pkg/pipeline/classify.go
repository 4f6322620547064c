package pipeline

import (
	"context"
	"errors"

	"github.com/itsharex/proxycast/pkg/credential/pool"
	"github.com/itsharex/proxycast/pkg/upstream"
)

// classifyInvokeError maps an upstream failure onto the taxonomy.
func classifyInvokeError(err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindCanceled, err, "request canceled")
	}

	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 401 || statusErr.StatusCode == 403:
			return Wrap(KindUpstreamAuthExpired, err, "upstream rejected credentials")
		case statusErr.StatusCode == 429:
			return Wrap(KindUpstreamRateLimited, err, "upstream rate limited")
		case statusErr.StatusCode == 400 || statusErr.StatusCode == 404 || statusErr.StatusCode == 422:
			return Wrap(KindBadRequest, err, "upstream rejected request")
		case statusErr.StatusCode >= 500:
			return Wrap(KindTransientUpstream, err, "upstream server error")
		default:
			return Wrap(KindTransientUpstream, err, "unexpected upstream status")
		}
	}

	// Network-level failures are worth another attempt.
	return Wrap(KindTransientUpstream, err, "upstream request failed")
}

// failureClass maps a taxonomy kind onto the pool's release classes.
func failureClass(kind Kind) pool.FailureClass {
	switch kind {
	case KindUpstreamAuthExpired:
		return pool.FailureAuthExpired
	case KindUpstreamRateLimited:
		return pool.FailureRateLimited
	case KindMalformedUpstream:
		return pool.FailureMalformed
	case KindCanceled, KindBadRequest:
		// Neither blames the credential.
		return pool.FailureNone
	default:
		return pool.FailureTransient
	}
}
