// Package health tracks per-credential failure streaks and runs the
// active probe loop that restores unhealthy credentials.
package health

import (
	"sync"
)

// DefaultFailureThreshold is the number of consecutive failures after
// which a credential is declared unhealthy.
const DefaultFailureThreshold = 3

// Tracker counts consecutive failures per credential. It holds no
// credential records itself; the pool feeds it release outcomes and
// applies the transitions it reports.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	streaks   map[string]int
}

// NewTracker creates a tracker with the given consecutive-failure
// threshold. A non-positive threshold falls back to the default.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{
		threshold: threshold,
		streaks:   make(map[string]int),
	}
}

// RecordSuccess clears the failure streak. It returns true when the
// credential had a non-empty streak, meaning a passive probe succeeded
// and the credential may be restored.
func (t *Tracker) RecordSuccess(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	recovered := t.streaks[id] > 0
	delete(t.streaks, id)
	return recovered
}

// RecordFailure increments the failure streak. It returns true exactly
// when the streak reaches the threshold, at which point the caller must
// transition the credential to unhealthy.
func (t *Tracker) RecordFailure(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.streaks[id]++
	return t.streaks[id] == t.threshold
}

// Streak returns the current consecutive failure count.
func (t *Tracker) Streak(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streaks[id]
}

// Forget drops all state for a credential, used when it is removed from
// the pool.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streaks, id)
}

// Threshold returns the configured consecutive-failure threshold.
func (t *Tracker) Threshold() int {
	return t.threshold
}
