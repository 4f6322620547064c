// Package credential defines the credential record shared by the pool,
// health, quota, and refresh subsystems, together with its status machine.
package credential

import (
	"fmt"
	"path"
	"time"
)

// Status is the lifecycle state of a credential. Transitions happen only
// through the pool's release feedback, the health tracker, and the quota
// manager; request code never sets it directly.
type Status string

const (
	// StatusHealthy means the credential is eligible for selection.
	StatusHealthy Status = "healthy"

	// StatusCooldown means the credential was throttled by its provider
	// and is ineligible until the cooldown deadline passes.
	StatusCooldown Status = "cooldown"

	// StatusUnhealthy means the credential crossed the consecutive
	// failure threshold and is waiting for a successful probe.
	StatusUnhealthy Status = "unhealthy"

	// StatusDisabled means an operator turned the credential off.
	StatusDisabled Status = "disabled"
)

// AuthKind discriminates the auth payload union.
type AuthKind string

const (
	// AuthOAuth credentials carry a refreshable OAuth token set.
	AuthOAuth AuthKind = "oauth"

	// AuthAPIKey credentials carry a static API key.
	AuthAPIKey AuthKind = "api_key"
)

// OAuthToken is the OAuth variant of the auth payload.
type OAuthToken struct {
	// AccessToken is the bearer token presented to the provider
	AccessToken string `json:"access_token" yaml:"access_token"`

	// RefreshToken is used to obtain a new access token
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`

	// ExpiresAt is when the access token stops being valid
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

// APIKey is the static-key variant of the auth payload.
type APIKey struct {
	// Key is the provider API key
	Key string `json:"key" yaml:"key"`

	// BaseURL optionally overrides the provider endpoint
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// Auth is the tagged union over the closed set of auth payload shapes.
// Exactly one of OAuth or APIKey is non-nil, matching Kind.
type Auth struct {
	// Kind selects the active variant
	Kind AuthKind `json:"kind" yaml:"kind"`

	// OAuth is set when Kind is AuthOAuth
	OAuth *OAuthToken `json:"oauth,omitempty" yaml:"oauth,omitempty"`

	// APIKey is set when Kind is AuthAPIKey
	APIKey *APIKey `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// Validate checks that exactly one variant matches the declared kind.
func (a Auth) Validate() error {
	switch a.Kind {
	case AuthOAuth:
		if a.OAuth == nil {
			return fmt.Errorf("auth kind %q requires an oauth payload", a.Kind)
		}
		if a.OAuth.RefreshToken == "" {
			return fmt.Errorf("oauth payload requires a refresh token")
		}
	case AuthAPIKey:
		if a.APIKey == nil {
			return fmt.Errorf("auth kind %q requires an api_key payload", a.Kind)
		}
		if a.APIKey.Key == "" {
			return fmt.Errorf("api_key payload requires a key")
		}
	default:
		return fmt.Errorf("unknown auth kind %q", a.Kind)
	}
	return nil
}

// Credential is one upstream credential plus its health and usage
// bookkeeping. The pool owns all instances for the process lifetime and
// is the sole mutator of the status and counter fields.
type Credential struct {
	// ID is an opaque unique identifier
	ID string `json:"id" yaml:"id"`

	// ProviderID names the upstream provider this credential belongs to
	ProviderID string `json:"provider_id" yaml:"provider_id"`

	// Auth is the credential material
	Auth Auth `json:"auth" yaml:"auth"`

	// Status is the current lifecycle state
	Status Status `json:"status" yaml:"status"`

	// CooldownUntil is the cooldown deadline when Status is
	// StatusCooldown
	CooldownUntil time.Time `json:"cooldown_until,omitempty" yaml:"cooldown_until,omitempty"`

	// MaxInFlight caps concurrent uses. Zero means unbounded; OAuth
	// credentials default to 1 because their token state cannot be
	// shared across parallel refreshes safely.
	MaxInFlight int `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`

	// Models lists supported model name patterns (path.Match globs).
	// Empty means all models of the provider.
	Models []string `json:"models,omitempty" yaml:"models,omitempty"`

	// UsageCount is the monotonic count of successful uses
	UsageCount int64 `json:"usage_count" yaml:"usage_count"`

	// ErrorCount is the monotonic count of failed uses
	ErrorCount int64 `json:"error_count" yaml:"error_count"`

	// LastUsed is the time of the most recent successful release
	LastUsed time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`

	// LastError is the most recent error message, empty if none
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// Extra carries provider-specific extension fields (for example a
	// Gemini Code Assist project id) without widening the union.
	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Validate checks the credential for structural problems.
func (c *Credential) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("credential id cannot be empty")
	}
	if c.ProviderID == "" {
		return fmt.Errorf("credential %q: provider_id cannot be empty", c.ID)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("credential %q: %w", c.ID, err)
	}
	for _, pattern := range c.Models {
		if _, err := path.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("credential %q: bad model pattern %q: %w", c.ID, pattern, err)
		}
	}
	return nil
}

// SupportsModel reports whether this credential may serve the given
// model name.
func (c *Credential) SupportsModel(model string) bool {
	if len(c.Models) == 0 {
		return true
	}
	for _, pattern := range c.Models {
		if ok, err := path.Match(pattern, model); err == nil && ok {
			return true
		}
	}
	return false
}

// EffectiveCap returns the in-flight cap, applying the OAuth default of 1.
func (c *Credential) EffectiveCap() int {
	if c.MaxInFlight > 0 {
		return c.MaxInFlight
	}
	if c.Auth.Kind == AuthOAuth {
		return 1
	}
	return 0 // unbounded
}

// Clone returns a deep copy, used when handing records across the
// store/pool boundary so callers never alias pool-owned state.
func (c *Credential) Clone() *Credential {
	dup := *c
	if c.Auth.OAuth != nil {
		oauth := *c.Auth.OAuth
		dup.Auth.OAuth = &oauth
	}
	if c.Auth.APIKey != nil {
		key := *c.Auth.APIKey
		dup.Auth.APIKey = &key
	}
	if c.Models != nil {
		dup.Models = append([]string(nil), c.Models...)
	}
	if c.Extra != nil {
		dup.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			dup.Extra[k] = v
		}
	}
	return &dup
}
