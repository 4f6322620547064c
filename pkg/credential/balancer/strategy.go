// Package balancer implements credential selection strategies used by the
// pool when more than one credential is eligible for a request.
package balancer

import (
	"errors"

	"github.com/itsharex/proxycast/pkg/credential"
)

// ErrNoCandidates is returned when the candidate set is empty.
var ErrNoCandidates = errors.New("no candidate credentials")

// Strategy picks one credential from a non-empty candidate set. The pool
// has already filtered the set to eligible credentials; strategies only
// decide distribution.
//
// Implementations must be safe for concurrent use.
type Strategy interface {
	// Pick selects one credential from candidates for the given
	// provider. Candidates is never mutated.
	Pick(providerID string, candidates []*credential.Credential) (*credential.Credential, error)

	// Name returns the strategy name for logs and config.
	Name() string
}

// New returns the strategy registered under name. Known names are
// "round-robin", "least-used", and "random". Unknown names return an
// error so misconfiguration surfaces at startup.
func New(name string) (Strategy, error) {
	switch name {
	case "", "round-robin":
		return NewRoundRobin(), nil
	case "least-used":
		return NewLeastUsed(), nil
	case "random":
		return NewRandom(), nil
	}
	return nil, errors.New("unknown balancer strategy: " + name)
}

// tieBreak orders two equally ranked candidates: lower error count wins,
// then the lexicographically smaller id for determinism.
func tieBreak(a, b *credential.Credential) *credential.Credential {
	if a.ErrorCount != b.ErrorCount {
		if a.ErrorCount < b.ErrorCount {
			return a
		}
		return b
	}
	if a.ID <= b.ID {
		return a
	}
	return b
}
