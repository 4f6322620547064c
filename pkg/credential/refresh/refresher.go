// Package refresh performs OAuth token refresh with per-credential
// single-flight de-duplication, plus a background sweep that renews
// soon-to-expire tokens before requests hit them.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/itsharex/proxycast/pkg/credential"
)

// DefaultMargin is how close to expiry a token may get before it is
// refreshed.
const DefaultMargin = 60 * time.Second

// TokenPool is the slice of the pool the refresher needs.
type TokenPool interface {
	// Get returns a clone of the credential record.
	Get(id string) (*credential.Credential, error)

	// UpdateToken writes a refreshed token set back into the record.
	UpdateToken(id string, token credential.OAuthToken) error

	// MarkUnhealthy flags a credential whose refresh failed.
	MarkUnhealthy(id string, reason string)

	// CredentialsByStatus lists credentials in a status; the sweep scans
	// healthy OAuth credentials for upcoming expiry.
	CredentialsByStatus(status credential.Status) []*credential.Credential
}

// Endpoint describes one provider's OAuth token endpoint.
type Endpoint struct {
	// TokenURL is the refresh grant endpoint
	TokenURL string

	// ClientID and ClientSecret authenticate the refresh request
	ClientID     string
	ClientSecret string
}

// Refresher refreshes OAuth credentials. Concurrent EnsureFresh calls
// for the same credential share one upstream refresh (single-flight).
type Refresher struct {
	pool      TokenPool
	endpoints map[string]Endpoint // provider id -> endpoint
	client    *http.Client
	margin    time.Duration

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done chan struct{}
	err  error
}

// Config configures a Refresher.
type Config struct {
	// Endpoints maps provider ids to their token endpoints.
	Endpoints map[string]Endpoint

	// Margin is the refresh-ahead window. Default: 60s.
	Margin time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// New creates a Refresher bound to the pool.
func New(pool TokenPool, cfg Config) *Refresher {
	margin := cfg.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		pool:      pool,
		endpoints: cfg.Endpoints,
		client:    client,
		margin:    margin,
		inflight:  make(map[string]*call),
	}
}

// EnsureFresh refreshes the credential's token if it expires within the
// margin. Concurrent callers for the same credential await the same
// refresh; all observe the same result. On failure the credential is
// marked unhealthy and the error is returned so the caller can fail over.
func (r *Refresher) EnsureFresh(ctx context.Context, id string) error {
	cred, err := r.pool.Get(id)
	if err != nil {
		return err
	}
	if cred.Auth.Kind != credential.AuthOAuth {
		return nil
	}
	if time.Until(cred.Auth.OAuth.ExpiresAt) > r.margin {
		return nil
	}
	return r.refresh(ctx, id)
}

// ForceRefresh refreshes regardless of expiry, used after a provider
// rejects a token that still looked valid.
func (r *Refresher) ForceRefresh(ctx context.Context, id string) error {
	return r.refresh(ctx, id)
}

// refresh runs the single-flighted refresh for a credential id.
func (r *Refresher) refresh(ctx context.Context, id string) error {
	r.mu.Lock()
	if c, ok := r.inflight[id]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c := &call{done: make(chan struct{})}
	r.inflight[id] = c
	r.mu.Unlock()

	c.err = r.doRefresh(ctx, id)
	close(c.done)

	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()

	return c.err
}

// doRefresh performs one network refresh and writes the result back.
func (r *Refresher) doRefresh(ctx context.Context, id string) error {
	cred, err := r.pool.Get(id)
	if err != nil {
		return err
	}
	if cred.Auth.Kind != credential.AuthOAuth {
		return fmt.Errorf("credential %q is not an oauth credential", id)
	}

	endpoint, ok := r.endpoints[cred.ProviderID]
	if !ok || endpoint.TokenURL == "" {
		err := fmt.Errorf("no token endpoint configured for provider %q", cred.ProviderID)
		r.pool.MarkUnhealthy(id, err.Error())
		return &credential.RefreshError{CredentialID: id, Cause: err}
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.Auth.OAuth.RefreshToken},
	}
	if endpoint.ClientID != "" {
		form.Set("client_id", endpoint.ClientID)
	}
	if endpoint.ClientSecret != "" {
		form.Set("client_secret", endpoint.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return &credential.RefreshError{CredentialID: id, Cause: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		r.pool.MarkUnhealthy(id, err.Error())
		return &credential.RefreshError{CredentialID: id, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r.pool.MarkUnhealthy(id, err.Error())
		return &credential.RefreshError{CredentialID: id, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		refreshErr := &credential.RefreshError{
			CredentialID: id,
			StatusCode:   resp.StatusCode,
			Cause:        fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body),
		}
		r.pool.MarkUnhealthy(id, refreshErr.Error())
		return refreshErr
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		refreshErr := &credential.RefreshError{CredentialID: id, Cause: err}
		r.pool.MarkUnhealthy(id, refreshErr.Error())
		return refreshErr
	}
	if payload.AccessToken == "" {
		refreshErr := &credential.RefreshError{
			CredentialID: id,
			Cause:        fmt.Errorf("token endpoint response has no access token"),
		}
		r.pool.MarkUnhealthy(id, refreshErr.Error())
		return refreshErr
	}

	token := credential.OAuthToken{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	if err := r.pool.UpdateToken(id, token); err != nil {
		return err
	}

	slog.Info("credential token refreshed",
		"credential_id", id,
		"provider", cred.ProviderID,
		"expires_at", token.ExpiresAt,
	)
	return nil
}

// Sweep refreshes every healthy OAuth credential whose token expires
// within the margin. It is scheduled by the supervisor's maintenance
// loop; individual failures are logged and do not stop the sweep.
func (r *Refresher) Sweep(ctx context.Context) {
	for _, cred := range r.pool.CredentialsByStatus(credential.StatusHealthy) {
		if cred.Auth.Kind != credential.AuthOAuth {
			continue
		}
		if time.Until(cred.Auth.OAuth.ExpiresAt) > r.margin {
			continue
		}
		if err := r.EnsureFresh(ctx, cred.ID); err != nil {
			slog.Warn("background token refresh failed",
				"credential_id", cred.ID,
				"provider", cred.ProviderID,
				"error", err,
			)
		}
	}
}

// Run executes the sweep on a fixed interval until the context is
// cancelled, shaped as a supervisor task.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.margin / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
