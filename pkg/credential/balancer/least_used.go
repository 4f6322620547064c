package balancer

import (
	"github.com/itsharex/proxycast/pkg/credential"
)

// LeastUsed selects the candidate with the smallest usage count, so new
// or lightly used credentials absorb traffic first. Ties break on lowest
// error count, then credential id.
type LeastUsed struct{}

// NewLeastUsed creates a least-used strategy.
func NewLeastUsed() *LeastUsed {
	return &LeastUsed{}
}

// Pick selects the candidate with the lowest usage count.
func (s *LeastUsed) Pick(providerID string, candidates []*credential.Credential) (*credential.Credential, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.UsageCount < best.UsageCount:
			best = c
		case c.UsageCount == best.UsageCount:
			best = tieBreak(best, c)
		}
	}
	return best, nil
}

// Name returns the strategy name.
func (s *LeastUsed) Name() string {
	return "least-used"
}
