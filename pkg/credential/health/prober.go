package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/itsharex/proxycast/pkg/credential"
)

// ProbeFunc performs an active health check against the provider using
// the given credential. A nil error restores the credential.
type ProbeFunc func(ctx context.Context, cred *credential.Credential) error

// ProbeTarget is the slice of the pool the prober needs: listing
// unhealthy credentials and restoring them.
type ProbeTarget interface {
	// CredentialsByStatus returns clones of credentials in the given
	// status.
	CredentialsByStatus(status credential.Status) []*credential.Credential

	// MarkHealthy transitions a credential back to healthy. It returns
	// false if the credential no longer exists.
	MarkHealthy(id string) bool
}

// Prober actively probes unhealthy credentials on a fixed interval.
// Each credential gets a bounded number of probe attempts; once the
// bound is reached the credential stays unhealthy and is only surfaced
// through telemetry, never auto-disabled.
type Prober struct {
	target      ProbeTarget
	probe       ProbeFunc
	interval    time.Duration
	maxAttempts int

	mu       sync.Mutex
	attempts map[string]int
}

// ProberConfig configures the active prober.
type ProberConfig struct {
	// Interval between probe sweeps. Default: 30s.
	Interval time.Duration

	// MaxAttempts bounds probes per unhealthy credential. Default: 10.
	MaxAttempts int
}

// NewProber creates a prober over the given pool slice and probe
// function.
func NewProber(target ProbeTarget, probe ProbeFunc, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Prober{
		target:      target,
		probe:       probe,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		attempts:    make(map[string]int),
	}
}

// Run executes probe sweeps until the context is cancelled. It is shaped
// as a supervisor task: it only returns on context cancellation.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// sweep probes every unhealthy credential that still has attempts left.
func (p *Prober) sweep(ctx context.Context) {
	for _, cred := range p.target.CredentialsByStatus(credential.StatusUnhealthy) {
		if !p.consumeAttempt(cred.ID) {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.probe(probeCtx, cred)
		cancel()

		if err != nil {
			slog.Debug("credential probe failed",
				"credential_id", cred.ID,
				"provider", cred.ProviderID,
				"error", err,
			)
			continue
		}

		if p.target.MarkHealthy(cred.ID) {
			p.resetAttempts(cred.ID)
			slog.Info("credential restored by probe",
				"credential_id", cred.ID,
				"provider", cred.ProviderID,
			)
		}
	}
}

// consumeAttempt returns false once a credential has exhausted its probe
// budget.
func (p *Prober) consumeAttempt(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts[id] >= p.maxAttempts {
		if p.attempts[id] == p.maxAttempts {
			p.attempts[id]++ // log the exhaustion once
			slog.Warn("credential probe budget exhausted, leaving unhealthy",
				"credential_id", id,
				"max_attempts", p.maxAttempts,
			)
		}
		return false
	}
	p.attempts[id]++
	return true
}

// resetAttempts clears the probe budget after a successful recovery.
func (p *Prober) resetAttempts(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempts, id)
}
