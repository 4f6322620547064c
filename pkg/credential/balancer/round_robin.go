package balancer

import (
	"sync"

	"github.com/itsharex/proxycast/pkg/credential"
)

// RoundRobin distributes requests evenly across candidates. A cursor is
// kept per provider so that interleaved traffic for different providers
// does not skew each other's rotation.
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobin creates a round-robin strategy with empty cursors.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		cursors: make(map[string]int),
	}
}

// Pick selects the next candidate in rotation for the provider.
func (s *RoundRobin) Pick(providerID string, candidates []*credential.Credential) (*credential.Credential, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cursor := s.cursors[providerID]
	picked := candidates[cursor%len(candidates)]
	s.cursors[providerID] = (cursor + 1) % (1 << 30) // keep the cursor bounded

	return picked, nil
}

// Name returns the strategy name.
func (s *RoundRobin) Name() string {
	return "round-robin"
}

// Reset clears all cursors. Primarily used by tests.
func (s *RoundRobin) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors = make(map[string]int)
}
