package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itsharex/proxycast/pkg/credential"
	"github.com/itsharex/proxycast/pkg/credential/pool"
)

func oauthCred(id string, expiresIn time.Duration) *credential.Credential {
	return &credential.Credential{
		ID:         id,
		ProviderID: "gemini",
		Status:     credential.StatusHealthy,
		Auth: credential.Auth{
			Kind: credential.AuthOAuth,
			OAuth: &credential.OAuthToken{
				AccessToken:  "at-old",
				RefreshToken: "rt-" + id,
				ExpiresAt:    time.Now().Add(expiresIn),
			},
		},
	}
}

// tokenServer is a scripted OAuth token endpoint.
func tokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRefresher(t *testing.T, tokenURL string, creds ...*credential.Credential) (*Refresher, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Config{})
	for _, c := range creds {
		p.Upsert(c)
	}
	r := New(p, Config{
		Endpoints: map[string]Endpoint{
			"gemini": {TokenURL: tokenURL, ClientID: "client-1"},
		},
	})
	return r, p
}

// ============================================================
// EnsureFresh
// ============================================================

func TestEnsureFreshSkipsDistantExpiry(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	r, _ := newTestRefresher(t, srv.URL, oauthCred("c", time.Hour))

	if err := r.EnsureFresh(context.Background(), "c"); err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("token endpoint hit %d times for a fresh token", hits.Load())
	}
}

func TestEnsureFreshSkipsAPIKeyCredentials(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint should never be called")
	})
	r, p := newTestRefresher(t, srv.URL)
	p.Upsert(&credential.Credential{
		ID:         "key",
		ProviderID: "gemini",
		Auth: credential.Auth{
			Kind:   credential.AuthAPIKey,
			APIKey: &credential.APIKey{Key: "sk-1"},
		},
	})

	if err := r.EnsureFresh(context.Background(), "key"); err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "rt-c" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.FormValue("client_id"); got != "client-1" {
			t.Errorf("client_id = %q", got)
		}
		fmt.Fprint(w, `{"access_token":"at-new","refresh_token":"rt-new","expires_in":3600}`)
	})
	r, p := newTestRefresher(t, srv.URL, oauthCred("c", 10*time.Second))

	if err := r.EnsureFresh(context.Background(), "c"); err != nil {
		t.Fatalf("ensure fresh: %v", err)
	}

	got, err := p.Get("c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Auth.OAuth.AccessToken != "at-new" {
		t.Fatalf("access token = %q", got.Auth.OAuth.AccessToken)
	}
	if got.Auth.OAuth.RefreshToken != "rt-new" {
		t.Fatalf("refresh token = %q", got.Auth.OAuth.RefreshToken)
	}
	if until := time.Until(got.Auth.OAuth.ExpiresAt); until < 59*time.Minute {
		t.Fatalf("expiry too near: %v", until)
	}
}

func TestRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"at-new","expires_in":3600}`)
	})
	r, p := newTestRefresher(t, srv.URL, oauthCred("c", time.Hour))

	if err := r.ForceRefresh(context.Background(), "c"); err != nil {
		t.Fatalf("force refresh: %v", err)
	}

	got, _ := p.Get("c")
	if got.Auth.OAuth.RefreshToken != "rt-c" {
		t.Fatalf("refresh token = %q, want the original kept", got.Auth.OAuth.RefreshToken)
	}
}

// ============================================================
// Failure handling
// ============================================================

func TestRefreshFailureMarksUnhealthy(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})
	r, p := newTestRefresher(t, srv.URL, oauthCred("c", time.Second))

	err := r.EnsureFresh(context.Background(), "c")
	var refreshErr *credential.RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshError, got %v", err)
	}
	if refreshErr.CredentialID != "c" || refreshErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("refresh error = %+v", refreshErr)
	}

	got, _ := p.Get("c")
	if got.Status != credential.StatusUnhealthy {
		t.Fatalf("status = %q, want unhealthy after failed refresh", got.Status)
	}
	if got.LastError == "" {
		t.Fatal("last error not recorded")
	}
}

func TestRefreshMissingEndpoint(t *testing.T) {
	p := pool.New(pool.Config{})
	p.Upsert(oauthCred("c", time.Second))
	r := New(p, Config{})

	err := r.ForceRefresh(context.Background(), "c")
	var refreshErr *credential.RefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("expected RefreshError, got %v", err)
	}

	got, _ := p.Get("c")
	if got.Status != credential.StatusUnhealthy {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestRefreshRejectsEmptyAccessToken(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expires_in":3600}`)
	})
	r, p := newTestRefresher(t, srv.URL, oauthCred("c", time.Hour))

	if err := r.ForceRefresh(context.Background(), "c"); err == nil {
		t.Fatal("expected error for response without access token")
	}

	// The stale token must survive the rejected response.
	got, _ := p.Get("c")
	if got.Auth.OAuth.AccessToken != "at-old" {
		t.Fatalf("access token = %q", got.Auth.OAuth.AccessToken)
	}
}

// ============================================================
// Single-flight
// ============================================================

func TestConcurrentRefreshesShareOneCall(t *testing.T) {
	var hits atomic.Int64
	release := make(chan struct{})
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, `{"access_token":"at-new","expires_in":3600}`)
	})
	r, _ := newTestRefresher(t, srv.URL, oauthCred("c", time.Second))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.EnsureFresh(context.Background(), "c")
		}(i)
	}

	// Let the callers pile up behind the in-flight request.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", hits.Load())
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
}

// ============================================================
// Background sweep
// ============================================================

func TestSweepRefreshesExpiringCredentialsOnly(t *testing.T) {
	var hits atomic.Int64
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"access_token":"at-new","expires_in":3600}`)
	})
	r, p := newTestRefresher(t, srv.URL,
		oauthCred("near", 10*time.Second),
		oauthCred("far", time.Hour),
	)

	r.Sweep(context.Background())

	if hits.Load() != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", hits.Load())
	}
	got, _ := p.Get("near")
	if got.Auth.OAuth.AccessToken != "at-new" {
		t.Fatalf("near-expiry token not refreshed: %q", got.Auth.OAuth.AccessToken)
	}
	far, _ := p.Get("far")
	if far.Auth.OAuth.AccessToken != "at-old" {
		t.Fatalf("distant token refreshed needlessly: %q", far.Auth.OAuth.AccessToken)
	}
}
