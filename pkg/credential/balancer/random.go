package balancer

import (
	"math/rand"
	"sync"

	"github.com/itsharex/proxycast/pkg/credential"
)

// Random draws uniformly from the candidate set. Useful when request
// cost varies so much that rotation order carries no fairness benefit.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a random strategy with its own seeded source.
func NewRandom() *Random {
	return &Random{
		rng: rand.New(rand.NewSource(rand.Int63())),
	}
}

// Pick selects a uniformly random candidate.
func (s *Random) Pick(providerID string, candidates []*credential.Credential) (*credential.Credential, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	s.mu.Lock()
	idx := s.rng.Intn(len(candidates))
	s.mu.Unlock()

	return candidates[idx], nil
}

// Name returns the strategy name.
func (s *Random) Name() string {
	return "random"
}
