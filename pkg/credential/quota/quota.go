// Package quota enforces per-credential request ceilings over rolling
// intervals, independent of credential health.
package quota

import (
	"sync"
	"time"
)

// Manager tracks a rolling request counter per credential against a
// configured ceiling. A credential at its ceiling is ineligible for
// acquisition until the interval rolls over; health status is untouched.
//
// Timestamps are kept per credential and evicted lazily, the same shape
// as the client rate-limit window.
type Manager struct {
	limit    int
	interval time.Duration

	mu      sync.Mutex
	windows map[string][]time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewManager creates a quota manager. A non-positive limit disables
// quota enforcement entirely.
func NewManager(limit int, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Manager{
		limit:    limit,
		interval: interval,
		windows:  make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether the credential is under its ceiling. It does not
// consume quota; the pool calls Record for the credential it selects.
func (m *Manager) Allow(id string) bool {
	if m.limit <= 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pruneLocked(id)) < m.limit
}

// Record consumes one unit of quota for the credential.
func (m *Manager) Record(id string) {
	if m.limit <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.windows[id] = append(m.pruneLocked(id), m.now())
}

// Remaining returns how many requests the credential may still make in
// the current interval. Unlimited quota reports -1.
func (m *Manager) Remaining(id string) int {
	if m.limit <= 0 {
		return -1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.limit - len(m.pruneLocked(id))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Cleanup drops empty windows. Called periodically by the maintenance
// scheduler so idle credentials do not pin memory.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.windows {
		if len(m.pruneLocked(id)) == 0 {
			delete(m.windows, id)
		}
	}
}

// pruneLocked evicts timestamps older than the interval and returns the
// surviving slice. Caller must hold the lock.
func (m *Manager) pruneLocked(id string) []time.Time {
	cutoff := m.now().Add(-m.interval)
	window := m.windows[id]

	i := 0
	for ; i < len(window); i++ {
		if window[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		window = append(window[:0], window[i:]...)
		m.windows[id] = window
	}
	return window
}
