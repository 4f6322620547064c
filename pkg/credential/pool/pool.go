// Package pool implements the concurrency-safe credential registry.
// It owns every credential record for the process lifetime, enforces
// per-credential in-flight caps, and is the only component that mutates
// credential status and usage counters.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/credential/balancer"
	"github.com/itsharex/proxycast/pkg/credential/health"
	"github.com/itsharex/proxycast/pkg/credential/quota"
)

// Lease is a short-lived handle over one acquired credential. Callers
// hold the lease, never the credential record; auth material needed for
// the upstream call is snapshotted into the lease at acquire time.
type Lease struct {
	// ID uniquely identifies this acquisition
	ID string

	// CredentialID is the acquired credential
	CredentialID string

	// ProviderID is the credential's provider
	ProviderID string

	// Auth is a point-in-time copy of the credential material
	Auth credential.Auth

	// Extra is a copy of the credential's extension fields
	Extra map[string]string

	// AcquiredAt is when the lease was granted
	AcquiredAt time.Time

	released bool
}

// FailureClass categorizes a failed release so the pool can apply the
// right state transition.
type FailureClass int

const (
	// FailureNone marks a successful outcome.
	FailureNone FailureClass = iota

	// FailureTransient covers network errors and 5xx-class responses.
	FailureTransient

	// FailureAuthExpired means the provider rejected the token.
	FailureAuthExpired

	// FailureRateLimited means the provider throttled the credential;
	// it enters cooldown rather than counting toward unhealthiness.
	FailureRateLimited

	// FailureMalformed means the upstream response could not be parsed.
	// Recorded, but the credential stays healthy: the fault may be
	// transient framing corruption.
	FailureMalformed
)

// Outcome describes how a leased request ended.
type Outcome struct {
	// Class is FailureNone for success
	Class FailureClass

	// Err is the request error, nil on success
	Err error

	// CooldownFor overrides the default cooldown duration when Class is
	// FailureRateLimited (for example from a Retry-After header)
	CooldownFor time.Duration
}

// Success is the zero-failure outcome.
var Success = Outcome{Class: FailureNone}

// Saver persists credential mutations. The pool calls it outside its
// own lock; a nil Saver disables persistence.
type Saver interface {
	SaveCredential(cred *credential.Credential) error
}

// Config configures a Pool.
type Config struct {
	// Strategy selects among eligible candidates. Defaults to
	// round-robin.
	Strategy balancer.Strategy

	// FailureThreshold is the consecutive-failure count that marks a
	// credential unhealthy. Default: 3.
	FailureThreshold int

	// DefaultCooldown applies when a rate-limited release carries no
	// Retry-After hint. Default: 60s.
	DefaultCooldown time.Duration

	// QuotaLimit and QuotaInterval bound requests per credential per
	// interval. A zero limit disables quota.
	QuotaLimit    int
	QuotaInterval time.Duration

	// Saver receives mutated credentials for persistence. Optional.
	Saver Saver
}

type entry struct {
	cred     *credential.Credential
	inFlight int
}

// Pool is the in-memory credential registry. All mutation goes through
// Acquire, Release, the admin update methods, and the health prober.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry   // credential id -> entry
	byProv  map[string][]string // provider id -> credential ids, sorted

	strategy        balancer.Strategy
	tracker         *health.Tracker
	quota           *quota.Manager
	defaultCooldown time.Duration
	saver           Saver
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = balancer.NewRoundRobin()
	}
	cooldown := cfg.DefaultCooldown
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Pool{
		entries:         make(map[string]*entry),
		byProv:          make(map[string][]string),
		strategy:        strategy,
		tracker:         health.NewTracker(cfg.FailureThreshold),
		quota:           quota.NewManager(cfg.QuotaLimit, cfg.QuotaInterval),
		defaultCooldown: cooldown,
		saver:           cfg.Saver,
	}
}

// Acquire selects one eligible credential for the provider and model and
// returns a lease on it. Eligibility requires healthy status (cooldowns
// expire lazily here), quota headroom, model support, and in-flight
// capacity. ErrNoCredentialAvailable is returned when the filtered set
// is empty; the caller must not retry the pool within the same request.
func (p *Pool) Acquire(providerID, model string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var candidates []*credential.Credential

	for _, id := range p.byProv[providerID] {
		e := p.entries[id]

		// Cooldowns expire by time, independent of probes.
		if e.cred.Status == credential.StatusCooldown && now.After(e.cred.CooldownUntil) {
			e.cred.Status = credential.StatusHealthy
			e.cred.CooldownUntil = time.Time{}
		}

		if e.cred.Status != credential.StatusHealthy {
			continue
		}
		if !e.cred.SupportsModel(model) {
			continue
		}
		if !p.quota.Allow(id) {
			continue
		}
		if limit := e.cred.EffectiveCap(); limit > 0 && e.inFlight >= limit {
			// At capacity: temporarily ineligible, not unhealthy.
			continue
		}
		candidates = append(candidates, e.cred)
	}

	if len(candidates) == 0 {
		return nil, credential.ErrNoCredentialAvailable
	}

	picked, err := p.strategy.Pick(providerID, candidates)
	if err != nil {
		return nil, credential.ErrNoCredentialAvailable
	}

	e := p.entries[picked.ID]
	e.inFlight++
	p.quota.Record(picked.ID)

	lease := &Lease{
		ID:           uuid.NewString(),
		CredentialID: picked.ID,
		ProviderID:   providerID,
		Auth:         picked.Clone().Auth,
		Extra:        picked.Clone().Extra,
		AcquiredAt:   now,
	}
	return lease, nil
}

// Release returns a lease and applies the outcome: in-flight decrement,
// usage or error accounting, and the health transition the outcome
// implies. Release is idempotent per lease.
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	if lease.released {
		p.mu.Unlock()
		return
	}
	lease.released = true

	e, ok := p.entries[lease.CredentialID]
	if !ok {
		// Credential removed while in flight; nothing left to account.
		p.mu.Unlock()
		return
	}

	if e.inFlight > 0 {
		e.inFlight--
	}

	var snapshot *credential.Credential
	now := time.Now()

	if outcome.Class == FailureNone {
		e.cred.UsageCount++
		e.cred.LastUsed = now
		e.cred.LastError = ""
		if p.tracker.RecordSuccess(e.cred.ID) && e.cred.Status == credential.StatusUnhealthy {
			// Passive probe success restores the credential.
			e.cred.Status = credential.StatusHealthy
			slog.Info("credential restored by passive use",
				"credential_id", e.cred.ID,
				"provider", e.cred.ProviderID,
			)
		}
		snapshot = e.cred.Clone()
		p.mu.Unlock()
		p.persist(snapshot)
		return
	}

	e.cred.ErrorCount++
	if outcome.Err != nil {
		e.cred.LastError = outcome.Err.Error()
	}

	switch outcome.Class {
	case FailureRateLimited:
		cooldown := outcome.CooldownFor
		if cooldown <= 0 {
			cooldown = p.defaultCooldown
		}
		e.cred.Status = credential.StatusCooldown
		e.cred.CooldownUntil = now.Add(cooldown)
		slog.Warn("credential entered cooldown",
			"credential_id", e.cred.ID,
			"provider", e.cred.ProviderID,
			"until", e.cred.CooldownUntil,
		)

	case FailureMalformed:
		// Recorded above; status untouched and the streak is not fed,
		// since a framing fault says nothing about the credential.

	default:
		if p.tracker.RecordFailure(e.cred.ID) {
			e.cred.Status = credential.StatusUnhealthy
			slog.Warn("credential marked unhealthy",
				"credential_id", e.cred.ID,
				"provider", e.cred.ProviderID,
				"consecutive_failures", p.tracker.Threshold(),
			)
		}
	}

	snapshot = e.cred.Clone()
	p.mu.Unlock()
	p.persist(snapshot)
}

// persist hands a mutated credential snapshot to the saver, if any.
func (p *Pool) persist(cred *credential.Credential) {
	if p.saver == nil || cred == nil {
		return
	}
	if err := p.saver.SaveCredential(cred); err != nil {
		slog.Error("failed to persist credential",
			"credential_id", cred.ID,
			"error", err,
		)
	}
}
