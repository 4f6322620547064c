package pool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/credential/balancer"
)

// recordingSaver captures every snapshot the pool persists.
type recordingSaver struct {
	mu    sync.Mutex
	saved []*credential.Credential
}

func (s *recordingSaver) SaveCredential(cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, cred)
	return nil
}

func (s *recordingSaver) last() *credential.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

func apiKeyCred(id, provider string) *credential.Credential {
	return &credential.Credential{
		ID:         id,
		ProviderID: provider,
		Status:     credential.StatusHealthy,
		Auth: credential.Auth{
			Kind:   credential.AuthAPIKey,
			APIKey: &credential.APIKey{Key: "sk-" + id},
		},
	}
}

func oauthCred(id, provider string) *credential.Credential {
	return &credential.Credential{
		ID:         id,
		ProviderID: provider,
		Status:     credential.StatusHealthy,
		Auth: credential.Auth{
			Kind: credential.AuthOAuth,
			OAuth: &credential.OAuthToken{
				AccessToken:  "at-" + id,
				RefreshToken: "rt-" + id,
				ExpiresAt:    time.Now().Add(time.Hour),
			},
		},
	}
}

// ============================================================
// Acquire
// ============================================================

func TestAcquireEmptyPool(t *testing.T) {
	p := New(Config{})

	_, err := p.Acquire("kiro", "claude-sonnet-4")
	if !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("expected ErrNoCredentialAvailable, got %v", err)
	}
}

func TestAcquireFiltersByModelPattern(t *testing.T) {
	p := New(Config{})
	narrow := apiKeyCred("narrow", "kiro")
	narrow.Models = []string{"claude-haiku-*"}
	p.Upsert(narrow)

	if _, err := p.Acquire("kiro", "claude-sonnet-4"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("expected no credential for unmatched model, got %v", err)
	}

	lease, err := p.Acquire("kiro", "claude-haiku-3")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.CredentialID != "narrow" {
		t.Fatalf("expected credential narrow, got %q", lease.CredentialID)
	}
}

func TestAcquireSnapshotsAuth(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, err := p.Acquire("kiro", "claude-sonnet-4")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.ID == "" {
		t.Fatal("lease id should be set")
	}
	if lease.ProviderID != "kiro" {
		t.Fatalf("lease provider = %q", lease.ProviderID)
	}
	if lease.Auth.APIKey == nil || lease.Auth.APIKey.Key != "sk-a" {
		t.Fatalf("lease auth not snapshotted: %+v", lease.Auth)
	}

	// Mutating the lease copy must not reach the pool record.
	lease.Auth.APIKey.Key = "tampered"
	got, err := p.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Auth.APIKey.Key != "sk-a" {
		t.Fatalf("pool record aliased by lease: %q", got.Auth.APIKey.Key)
	}
}

func TestAcquireRespectsInFlightCap(t *testing.T) {
	p := New(Config{})
	c := apiKeyCred("capped", "kiro")
	c.MaxInFlight = 2
	p.Upsert(c)

	first, err := p.Acquire("kiro", "m")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := p.Acquire("kiro", "m"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := p.Acquire("kiro", "m"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("expected cap to block third acquire, got %v", err)
	}

	p.Release(first, Success)
	if _, err := p.Acquire("kiro", "m"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestInFlightCapHoldsUnderConcurrency(t *testing.T) {
	p := New(Config{})
	c := apiKeyCred("capped", "kiro")
	c.MaxInFlight = 3
	p.Upsert(c)

	// Holders increment after Acquire and decrement before Release, so
	// the observed peak never exceeds the true number of concurrent
	// leases. A peak above the cap is a real violation.
	const workers = 24
	var wg sync.WaitGroup
	var mu sync.Mutex
	holding, peak := 0, 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				lease, err := p.Acquire("kiro", "m")
				if err != nil {
					continue
				}
				mu.Lock()
				holding++
				if holding > peak {
					peak = holding
				}
				mu.Unlock()

				mu.Lock()
				holding--
				mu.Unlock()
				p.Release(lease, Success)
			}
		}()
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("observed %d concurrent leases, cap is 3", peak)
	}
	if got := p.InFlight("capped"); got != 0 {
		t.Errorf("in flight after all releases = %d, want 0", got)
	}
	cred, err := p.Get("capped")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cred.Status != credential.StatusHealthy {
		t.Errorf("status after churn = %v, want healthy", cred.Status)
	}
}

func TestOAuthDefaultsToSingleFlight(t *testing.T) {
	p := New(Config{})
	p.Upsert(oauthCred("oa", "gemini"))

	if _, err := p.Acquire("gemini", "gemini-pro"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := p.Acquire("gemini", "gemini-pro"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("oauth credential should cap at one in-flight use, got %v", err)
	}
}

func TestAcquireEnforcesQuota(t *testing.T) {
	p := New(Config{QuotaLimit: 2, QuotaInterval: time.Hour})
	p.Upsert(apiKeyCred("q", "kiro"))

	for i := 0; i < 2; i++ {
		lease, err := p.Acquire("kiro", "m")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		p.Release(lease, Success)
	}

	if _, err := p.Acquire("kiro", "m"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("expected quota exhaustion, got %v", err)
	}
}

func TestAcquireSpillsToSecondCredential(t *testing.T) {
	p := New(Config{})
	a := oauthCred("a", "gemini")
	b := oauthCred("b", "gemini")
	p.Upsert(a)
	p.Upsert(b)

	first, err := p.Acquire("gemini", "m")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := p.Acquire("gemini", "m")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first.CredentialID == second.CredentialID {
		t.Fatalf("both leases landed on %q despite cap 1", first.CredentialID)
	}

	// Both credentials saturated; the third acquire finds nothing.
	if _, err := p.Acquire("gemini", "m"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("expected exhaustion on third acquire, got %v", err)
	}
}

// ============================================================
// Release outcomes
// ============================================================

func TestReleaseSuccessAccounting(t *testing.T) {
	saver := &recordingSaver{}
	p := New(Config{Saver: saver})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, err := p.Acquire("kiro", "m")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(lease, Success)

	got, err := p.Get("a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", got.UsageCount)
	}
	if got.LastUsed.IsZero() {
		t.Fatal("last used not set")
	}
	if p.InFlight("a") != 0 {
		t.Fatalf("in-flight = %d after release", p.InFlight("a"))
	}
	snap := saver.last()
	if snap == nil || snap.UsageCount != 1 {
		t.Fatalf("saver did not receive the mutated snapshot: %+v", snap)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, err := p.Acquire("kiro", "m")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(lease, Success)
	p.Release(lease, Outcome{Class: FailureTransient, Err: errors.New("late")})

	got, _ := p.Get("a")
	if got.UsageCount != 1 || got.ErrorCount != 0 {
		t.Fatalf("second release mutated counters: usage=%d errors=%d",
			got.UsageCount, got.ErrorCount)
	}
}

func TestConsecutiveFailuresMarkUnhealthy(t *testing.T) {
	p := New(Config{FailureThreshold: 3})
	c := apiKeyCred("a", "kiro")
	c.MaxInFlight = 10
	p.Upsert(c)

	for i := 0; i < 3; i++ {
		lease, err := p.Acquire("kiro", "m")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		p.Release(lease, Outcome{Class: FailureTransient, Err: errors.New("boom")})

		got, _ := p.Get("a")
		if i < 2 && got.Status != credential.StatusHealthy {
			t.Fatalf("credential unhealthy after %d failures", i+1)
		}
		if i == 2 && got.Status != credential.StatusUnhealthy {
			t.Fatalf("credential still %q after threshold", got.Status)
		}
	}

	if _, err := p.Acquire("kiro", "m"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("unhealthy credential still acquirable: %v", err)
	}
	got, _ := p.Get("a")
	if got.ErrorCount != 3 || got.LastError != "boom" {
		t.Fatalf("error accounting wrong: count=%d last=%q", got.ErrorCount, got.LastError)
	}
}

func TestSuccessRestoresUnhealthyCredential(t *testing.T) {
	p := New(Config{FailureThreshold: 3})
	c := apiKeyCred("a", "kiro")
	c.MaxInFlight = 10
	p.Upsert(c)

	// Four leases taken while healthy; three failures cross the
	// threshold while the fourth is still in flight.
	var leases []*Lease
	for i := 0; i < 4; i++ {
		lease, err := p.Acquire("kiro", "m")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		leases = append(leases, lease)
	}
	for i := 0; i < 3; i++ {
		p.Release(leases[i], Outcome{Class: FailureTransient, Err: errors.New("boom")})
	}
	if got, _ := p.Get("a"); got.Status != credential.StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy", got.Status)
	}

	p.Release(leases[3], Success)

	got, _ := p.Get("a")
	if got.Status != credential.StatusHealthy {
		t.Fatalf("passive success did not restore credential, status = %q", got.Status)
	}
	if got.LastError != "" {
		t.Fatalf("last error not cleared: %q", got.LastError)
	}
}

func TestRateLimitedEntersCooldown(t *testing.T) {
	p := New(Config{DefaultCooldown: time.Hour})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, err := p.Acquire("kiro", "m")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(lease, Outcome{Class: FailureRateLimited, Err: errors.New("429")})

	got, _ := p.Get("a")
	if got.Status != credential.StatusCooldown {
		t.Fatalf("status = %q, want cooldown", got.Status)
	}
	if until := time.Until(got.CooldownUntil); until < 59*time.Minute {
		t.Fatalf("cooldown deadline too near: %v", until)
	}
	if _, err := p.Acquire("kiro", "m"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("cooldown credential still acquirable: %v", err)
	}
}

func TestCooldownHonorsRetryAfterHint(t *testing.T) {
	p := New(Config{DefaultCooldown: time.Hour})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, _ := p.Acquire("kiro", "m")
	p.Release(lease, Outcome{
		Class:       FailureRateLimited,
		Err:         errors.New("429"),
		CooldownFor: 5 * time.Millisecond,
	})

	if _, err := p.Acquire("kiro", "m"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("expected cooldown to block, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	// Expiry is lazy: the next acquire clears it.
	lease, err := p.Acquire("kiro", "m")
	if err != nil {
		t.Fatalf("acquire after cooldown expiry: %v", err)
	}
	if lease.CredentialID != "a" {
		t.Fatalf("unexpected credential %q", lease.CredentialID)
	}
	got, _ := p.Get("a")
	if got.Status != credential.StatusHealthy || !got.CooldownUntil.IsZero() {
		t.Fatalf("cooldown not cleared: status=%q until=%v", got.Status, got.CooldownUntil)
	}
}

func TestMalformedResponseKeepsCredentialHealthy(t *testing.T) {
	p := New(Config{FailureThreshold: 1})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, _ := p.Acquire("kiro", "m")
	p.Release(lease, Outcome{Class: FailureMalformed, Err: errors.New("bad frame")})

	got, _ := p.Get("a")
	if got.Status != credential.StatusHealthy {
		t.Fatalf("malformed outcome changed status to %q", got.Status)
	}
	if got.ErrorCount != 1 || got.LastError != "bad frame" {
		t.Fatalf("error accounting wrong: count=%d last=%q", got.ErrorCount, got.LastError)
	}

	// Even with threshold 1 the streak is untouched, so a subsequent
	// transient failure is the first counted one.
	lease, _ = p.Acquire("kiro", "m")
	p.Release(lease, Outcome{Class: FailureTransient, Err: errors.New("boom")})
	got, _ = p.Get("a")
	if got.Status != credential.StatusUnhealthy {
		t.Fatalf("transient failure at threshold 1 should mark unhealthy, got %q", got.Status)
	}
}

func TestReleaseAfterRemovalIsHarmless(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, _ := p.Acquire("kiro", "m")
	p.Remove("a")
	p.Release(lease, Success)

	if p.Size() != 0 {
		t.Fatalf("pool size = %d after removal", p.Size())
	}
}

// ============================================================
// Admin operations
// ============================================================

func TestUpsertPreservesRuntimeState(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, _ := p.Acquire("kiro", "m")
	p.Release(lease, Success)

	// Re-upserting the same credential (a config reload) must not reset
	// counters or status.
	update := apiKeyCred("a", "kiro")
	update.Auth.APIKey.Key = "sk-rotated"
	p.Upsert(update)

	got, _ := p.Get("a")
	if got.UsageCount != 1 {
		t.Fatalf("upsert reset usage count to %d", got.UsageCount)
	}
	if got.Auth.APIKey.Key != "sk-rotated" {
		t.Fatalf("upsert did not apply new key: %q", got.Auth.APIKey.Key)
	}
}

func TestUpsertDisableWins(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))

	update := apiKeyCred("a", "kiro")
	update.Status = credential.StatusDisabled
	p.Upsert(update)

	got, _ := p.Get("a")
	if got.Status != credential.StatusDisabled {
		t.Fatalf("status = %q, want disabled", got.Status)
	}
	if _, err := p.Acquire("kiro", "m"); !errors.Is(err, credential.ErrNoCredentialAvailable) {
		t.Fatalf("disabled credential still acquirable: %v", err)
	}
}

func TestReplaceAllKeepsInFlightCounts(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))
	p.Upsert(apiKeyCred("b", "kiro"))

	lease, _ := p.Acquire("kiro", "m")

	p.ReplaceAll([]*credential.Credential{
		apiKeyCred("a", "kiro"),
		apiKeyCred("c", "kiro"),
	})

	if p.Size() != 2 {
		t.Fatalf("size = %d, want 2", p.Size())
	}
	if _, err := p.Get("b"); !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected b to be gone, got %v", err)
	}
	if lease.CredentialID == "a" && p.InFlight("a") != 1 {
		t.Fatalf("in-flight count lost across replace: %d", p.InFlight("a"))
	}

	// The drained lease still releases cleanly whether its credential
	// survived the swap or not.
	p.Release(lease, Success)
}

func TestUpdateTokenKeepsRefreshTokenWhenOmitted(t *testing.T) {
	saver := &recordingSaver{}
	p := New(Config{Saver: saver})
	p.Upsert(oauthCred("oa", "gemini"))

	err := p.UpdateToken("oa", credential.OAuthToken{
		AccessToken: "at-new",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("update token: %v", err)
	}

	got, _ := p.Get("oa")
	if got.Auth.OAuth.AccessToken != "at-new" {
		t.Fatalf("access token not updated: %q", got.Auth.OAuth.AccessToken)
	}
	if got.Auth.OAuth.RefreshToken != "rt-oa" {
		t.Fatalf("refresh token lost on rotation: %q", got.Auth.OAuth.RefreshToken)
	}
	if saver.last() == nil {
		t.Fatal("token update not persisted")
	}
}

func TestUpdateTokenRejectsNonOAuth(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))

	err := p.UpdateToken("a", credential.OAuthToken{AccessToken: "x"})
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for api-key credential, got %v", err)
	}
}

func TestMarkHealthyClearsCooldown(t *testing.T) {
	p := New(Config{DefaultCooldown: time.Hour})
	p.Upsert(apiKeyCred("a", "kiro"))

	lease, _ := p.Acquire("kiro", "m")
	p.Release(lease, Outcome{Class: FailureRateLimited, Err: errors.New("429")})

	if !p.MarkHealthy("a") {
		t.Fatal("mark healthy returned false for existing credential")
	}
	got, _ := p.Get("a")
	if got.Status != credential.StatusHealthy || !got.CooldownUntil.IsZero() {
		t.Fatalf("not restored: status=%q until=%v", got.Status, got.CooldownUntil)
	}
	if p.MarkHealthy("ghost") {
		t.Fatal("mark healthy returned true for unknown credential")
	}
}

func TestCredentialsByStatus(t *testing.T) {
	p := New(Config{})
	p.Upsert(apiKeyCred("a", "kiro"))
	p.Upsert(apiKeyCred("b", "kiro"))
	p.MarkUnhealthy("b", "refresh failed")

	healthy := p.CredentialsByStatus(credential.StatusHealthy)
	unhealthy := p.CredentialsByStatus(credential.StatusUnhealthy)
	if len(healthy) != 1 || healthy[0].ID != "a" {
		t.Fatalf("healthy = %+v", healthy)
	}
	if len(unhealthy) != 1 || unhealthy[0].ID != "b" {
		t.Fatalf("unhealthy = %+v", unhealthy)
	}
	if unhealthy[0].LastError != "refresh failed" {
		t.Fatalf("last error = %q", unhealthy[0].LastError)
	}
}

// ============================================================
// Strategy wiring
// ============================================================

func TestPoolUsesConfiguredStrategy(t *testing.T) {
	p := New(Config{Strategy: balancer.NewLeastUsed()})
	p.Upsert(apiKeyCred("a", "kiro"))
	p.Upsert(apiKeyCred("b", "kiro"))

	// Load credential a, then expect least-used to route to b.
	for i := 0; i < 3; i++ {
		lease, err := p.Acquire("kiro", "m")
		if err != nil {
			t.Fatalf("warmup acquire: %v", err)
		}
		if i == 0 && lease.CredentialID != "a" {
			// Equal usage ties break on id, so the first pick is a.
			t.Fatalf("first pick = %q, want a", lease.CredentialID)
		}
		p.Release(lease, Success)
	}

	counts := map[string]int64{}
	for _, c := range p.All() {
		counts[c.ID] = c.UsageCount
	}
	if counts["a"] == 0 || counts["b"] == 0 {
		t.Fatalf("least-used did not spread load: %v", counts)
	}
}
