package pool

import (
	"log/slog"
	"sort"
	"time"

	"github.com/itsharex/proxycast/pkg/credential"
)

// ReplaceAll atomically swaps the credential table for a new set, used
// when the external admin layer pushes a credential-set-changed event.
// In-flight counts survive for credentials that remain; removed
// credentials simply stop accepting new leases (outstanding leases drain
// through Release, which tolerates missing entries).
func (p *Pool) ReplaceAll(creds []*credential.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*entry, len(creds))
	byProv := make(map[string][]string)

	for _, c := range creds {
		dup := c.Clone()
		if dup.Status == "" {
			dup.Status = credential.StatusHealthy
		}
		e := &entry{cred: dup}
		if prev, ok := p.entries[dup.ID]; ok {
			e.inFlight = prev.inFlight
		}
		next[dup.ID] = e
		byProv[dup.ProviderID] = append(byProv[dup.ProviderID], dup.ID)
	}

	for provider := range byProv {
		sort.Strings(byProv[provider])
	}

	for id := range p.entries {
		if _, kept := next[id]; !kept {
			p.tracker.Forget(id)
		}
	}

	p.entries = next
	p.byProv = byProv

	slog.Info("credential table replaced", "credentials", len(next))
}

// Upsert adds or updates a single credential. Counters and status of an
// existing record are preserved unless the incoming record disables it.
func (p *Pool) Upsert(c *credential.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dup := c.Clone()
	if dup.Status == "" {
		dup.Status = credential.StatusHealthy
	}

	if prev, ok := p.entries[dup.ID]; ok {
		if dup.Status != credential.StatusDisabled {
			dup.Status = prev.cred.Status
			dup.CooldownUntil = prev.cred.CooldownUntil
		}
		dup.UsageCount = prev.cred.UsageCount
		dup.ErrorCount = prev.cred.ErrorCount
		dup.LastUsed = prev.cred.LastUsed
		dup.LastError = prev.cred.LastError
		prev.cred = dup
		return
	}

	p.entries[dup.ID] = &entry{cred: dup}
	p.byProv[dup.ProviderID] = insertSorted(p.byProv[dup.ProviderID], dup.ID)
}

// Remove deletes a credential. Outstanding leases drain harmlessly.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	delete(p.entries, id)
	p.byProv[e.cred.ProviderID] = removeString(p.byProv[e.cred.ProviderID], id)
	p.tracker.Forget(id)
}

// Get returns a clone of the credential record, or ErrNotFound.
func (p *Pool) Get(id string) (*credential.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return nil, credential.ErrNotFound
	}
	return e.cred.Clone(), nil
}

// UpdateToken writes a refreshed OAuth token set back into the record.
// Called by the token refresher after a successful refresh.
func (p *Pool) UpdateToken(id string, token credential.OAuthToken) error {
	p.mu.Lock()

	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return credential.ErrNotFound
	}
	if e.cred.Auth.Kind != credential.AuthOAuth {
		p.mu.Unlock()
		return credential.ErrNotFound
	}

	tok := token
	if tok.RefreshToken == "" {
		// Providers may omit the refresh token on rotation; keep ours.
		tok.RefreshToken = e.cred.Auth.OAuth.RefreshToken
	}
	e.cred.Auth.OAuth = &tok
	snapshot := e.cred.Clone()
	p.mu.Unlock()

	p.persist(snapshot)
	return nil
}

// MarkHealthy restores a credential after a successful active probe.
func (p *Pool) MarkHealthy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return false
	}
	e.cred.Status = credential.StatusHealthy
	e.cred.CooldownUntil = time.Time{}
	p.tracker.RecordSuccess(id)
	return true
}

// MarkUnhealthy forces a credential unhealthy, used when a token refresh
// fails outside the release path.
func (p *Pool) MarkUnhealthy(id string, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return
	}
	e.cred.Status = credential.StatusUnhealthy
	e.cred.LastError = reason
}

// CredentialsByStatus returns clones of all credentials currently in the
// given status.
func (p *Pool) CredentialsByStatus(status credential.Status) []*credential.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*credential.Credential
	for _, e := range p.entries {
		if e.cred.Status == status {
			out = append(out, e.cred.Clone())
		}
	}
	return out
}

// All returns clones of every credential, sorted by id.
func (p *Pool) All() []*credential.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*credential.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.cred.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InFlight returns the current in-flight count for a credential,
// primarily for metrics and tests.
func (p *Pool) InFlight(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[id]; ok {
		return e.inFlight
	}
	return 0
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func removeString(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}
