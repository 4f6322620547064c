// Package idempotency gives repeated requests carrying the same
// Idempotency-Key header at-most-once upstream execution. The first
// request claims the key; duplicates arriving while it runs are
// rejected with a conflict, and duplicates arriving after completion
// get the recorded response without touching the upstream. A key is
// bound to the hash of the body that claimed it, so reusing a key with
// a different payload is rejected instead of replaying the wrong
// response.
package idempotency

import (
	"crypto/sha256"
	"hash/fnv"
	"sync"
	"time"
)

// DefaultTTL is how long completed entries are replayable.
const DefaultTTL = 24 * time.Hour

// shardCount is the number of independently locked key partitions.
const shardCount = 64

// State describes what a Begin call found for a key.
type State int

const (
	// StateNew means the key was unclaimed; the caller now owns it and
	// must finish with Complete or Fail.
	StateNew State = iota

	// StateInProgress means another request holds the key.
	StateInProgress

	// StateCompleted means the key finished earlier; the cached
	// response replays.
	StateCompleted

	// StateMismatch means the key is already bound to a different
	// request body. The caller must reject the request rather than
	// execute or replay it.
	StateMismatch
)

// CachedResponse is the replayable result of a completed request.
type CachedResponse struct {
	// StatusCode is the HTTP status returned to the original caller
	StatusCode int

	// ContentType is the response content type
	ContentType string

	// Body is the full response body
	Body []byte
}

type entry struct {
	inProgress bool
	bodyHash   [sha256.Size]byte
	response   CachedResponse
	expiresAt  time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store tracks idempotency keys in memory with a TTL. Keys shard by
// hash so unrelated requests do not serialize on one lock.
type Store struct {
	ttl time.Duration

	shards [shardCount]shard

	now func() time.Time
}

// New creates a Store. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl: ttl,
		now: time.Now,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Begin claims the key or reports what holds it. The body binds to the
// key on the first claim; later calls with a different body report
// StateMismatch. When the state is StateCompleted the cached response
// is returned as well.
func (s *Store) Begin(key string, body []byte) (State, *CachedResponse) {
	hash := sha256.Sum256(body)

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if e, ok := sh.entries[key]; ok {
		if e.inProgress {
			if e.bodyHash != hash {
				return StateMismatch, nil
			}
			return StateInProgress, nil
		}
		if now.Before(e.expiresAt) {
			if e.bodyHash != hash {
				return StateMismatch, nil
			}
			resp := e.response
			return StateCompleted, &resp
		}
		// Expired entry, reclaim.
	}

	sh.entries[key] = &entry{
		inProgress: true,
		bodyHash:   hash,
		expiresAt:  now.Add(s.ttl),
	}
	return StateNew, nil
}

// Complete records the response for a claimed key. Replays serve this
// response until the TTL elapses.
func (s *Store) Complete(key string, resp CachedResponse) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{}
		sh.entries[key] = e
	}
	e.inProgress = false
	e.response = resp
	e.expiresAt = s.now().Add(s.ttl)
}

// Fail releases a claimed key without recording a response, so the
// client may retry the same key.
func (s *Store) Fail(key string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok && e.inProgress {
		delete(sh.entries, key)
	}
}

// Cleanup drops expired entries and returns how many were removed.
// In-progress entries are kept regardless of age; their owners release
// them through Complete or Fail.
func (s *Store) Cleanup() int {
	now := s.now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !e.inProgress && !now.Before(e.expiresAt) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len reports the number of tracked keys.
func (s *Store) Len() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
