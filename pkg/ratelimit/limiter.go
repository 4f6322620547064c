// Package ratelimit enforces a per-client sliding window request limit.
//
// Each client key keeps the timestamps of its admitted requests within
// the window. A request is admitted when fewer than limit timestamps
// remain after pruning; rejected requests are not recorded, so a client
// hammering the limit does not push its own recovery further out.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Defaults applied when a field is unset.
const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// shardCount is the number of independently locked key partitions.
// Keys hash onto shards so concurrent clients rarely contend on the
// same mutex.
const shardCount = 64

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed
	Allowed bool

	// Remaining is the number of requests left in the window
	Remaining int

	// RetryAfter is how long until a slot frees, set when !Allowed.
	// It derives from the oldest timestamp in the window.
	RetryAfter time.Duration
}

type shard struct {
	mu      sync.Mutex
	clients map[string][]time.Time
}

// Limiter is a per-key sliding window rate limiter. State is sharded
// by key hash so checks for different clients do not serialize on one
// lock.
type Limiter struct {
	limit  int
	window time.Duration

	shards [shardCount]shard

	now func() time.Time
}

// New creates a Limiter admitting limit requests per window for each
// key. Non-positive arguments fall back to the defaults.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for i := range l.shards {
		l.shards[i].clients = make(map[string][]time.Time)
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// Check admits or rejects one request for the key, recording it when
// admitted.
func (l *Limiter) Check(key string) Decision {
	sh := l.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	stamps := sh.clients[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.limit {
		sh.clients[key] = kept
		retry := kept[0].Add(l.window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}

	sh.clients[key] = append(kept, now)
	return Decision{Allowed: true, Remaining: l.limit - len(kept) - 1}
}

// Cleanup drops keys with no timestamps left in the window. The
// maintenance scheduler calls it so idle clients do not accumulate.
func (l *Limiter) Cleanup() int {
	cutoff := l.now().Add(-l.window)
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, stamps := range sh.clients {
			live := false
			for _, ts := range stamps {
				if ts.After(cutoff) {
					live = true
					break
				}
			}
			if !live {
				delete(sh.clients, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Keys reports how many client keys are currently tracked.
func (l *Limiter) Keys() int {
	total := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		total += len(sh.clients)
		sh.mu.Unlock()
	}
	return total
}
