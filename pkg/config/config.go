// Package config defines the gateway configuration, loads it from YAML
// with environment overrides, applies defaults, and validates it. It
// also loads the credential file and watches it for hot reload.
package config

import (
	"time"

	"github.com/itsharex/proxycast/pkg/protocol"
	"github.com/itsharex/proxycast/pkg/routing"
)

// Config is the root configuration for the gateway process.
type Config struct {
	// Server contains the HTTP listener settings.
	Server ServerConfig `yaml:"server"`

	// Auth lists the client-facing API keys. An empty list disables
	// authentication for local single-user use.
	Auth AuthConfig `yaml:"auth"`

	// RateLimit bounds requests per client key per window.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Idempotency controls replay caching keyed by Idempotency-Key.
	Idempotency IdempotencyConfig `yaml:"idempotency"`

	// Security contains request body and timeout limits.
	Security SecurityConfig `yaml:"security"`

	// Providers lists the upstream providers in resolution order.
	Providers []ProviderConfig `yaml:"providers"`

	// Credentials locates the credential material and its store.
	Credentials CredentialsConfig `yaml:"credentials"`

	// Refresh configures OAuth token refresh.
	Refresh RefreshConfig `yaml:"refresh"`

	// Pool tunes credential selection and health tracking.
	Pool PoolConfig `yaml:"pool"`

	// Pipeline tunes retry and failover behavior.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Telemetry configures logging, metrics, tracing, and the usage
	// ledger.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	// ListenAddress is the host:port the gateway listens on.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout bounds reading the request headers. The body read is
	// governed by Security.RequestTimeout instead, since streaming
	// requests hold the connection open.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// IdleTimeout bounds keep-alive waits between requests.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes caps request header size.
	// Default: 1 MiB
	MaxHeaderBytes int `yaml:"max_header_bytes"`
}

// AuthConfig lists client API keys.
type AuthConfig struct {
	// Keys are the accepted client keys.
	Keys []KeyConfig `yaml:"keys"`
}

// KeyConfig is one client API key.
type KeyConfig struct {
	// Key is the secret value presented by clients.
	Key string `yaml:"key"`

	// Name labels the key in logs without exposing the secret.
	Name string `yaml:"name"`

	// Enabled gates the key without deleting it.
	// Default: true
	Enabled *bool `yaml:"enabled"`
}

// RateLimitConfig bounds request admission per client key.
type RateLimitConfig struct {
	// Enabled turns the limiter on.
	Enabled bool `yaml:"enabled"`

	// Limit is the number of requests admitted per window.
	// Default: 60
	Limit int `yaml:"limit"`

	// Window is the sliding window length.
	// Default: 1m
	Window time.Duration `yaml:"window"`
}

// IdempotencyConfig controls replay caching.
type IdempotencyConfig struct {
	// Enabled turns idempotency handling on.
	Enabled bool `yaml:"enabled"`

	// TTL is how long completed responses stay replayable.
	// Default: 24h
	TTL time.Duration `yaml:"ttl"`
}

// SecurityConfig contains request limits.
type SecurityConfig struct {
	// MaxBodyBytes caps the request body size.
	// Default: 10 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// RequestTimeout bounds a whole request including streaming.
	// Default: 300s
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	// ID is the provider identifier referenced by credentials.
	ID string `yaml:"id"`

	// Family is the upstream protocol family: claude, openai, gemini,
	// kiro, or mixed.
	Family string `yaml:"family"`

	// Models lists the model-name globs this provider serves.
	Models []string `yaml:"models"`

	// FamilyPatterns maps model globs to families. Required when
	// Family is mixed; every Models entry must match one pattern.
	FamilyPatterns []FamilyPatternConfig `yaml:"family_patterns"`

	// BaseURL overrides the family's default endpoint. Required for
	// the kiro family, which has no public default.
	BaseURL string `yaml:"base_url"`

	// Project is the cloud project id some OAuth backends require.
	Project string `yaml:"project"`
}

// FamilyPatternConfig binds one model glob to a protocol family.
type FamilyPatternConfig struct {
	Pattern string `yaml:"pattern"`
	Family  string `yaml:"family"`
}

// CredentialsConfig locates the credential material.
type CredentialsConfig struct {
	// File is a YAML file holding the credential list.
	File string `yaml:"file"`

	// StorePath is a SQLite database for persisted credential state.
	// Empty keeps state in memory only.
	StorePath string `yaml:"store_path"`

	// Watch reloads the credential file on change.
	Watch bool `yaml:"watch"`
}

// RefreshConfig configures OAuth token refresh.
type RefreshConfig struct {
	// Margin is the refresh-ahead window before token expiry.
	// Default: 60s
	Margin time.Duration `yaml:"margin"`

	// Endpoints maps provider ids to their token endpoints.
	Endpoints map[string]RefreshEndpointConfig `yaml:"endpoints"`
}

// RefreshEndpointConfig is one provider's OAuth token endpoint.
type RefreshEndpointConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// PoolConfig tunes credential selection and health.
type PoolConfig struct {
	// Strategy selects among eligible credentials: round-robin,
	// least-used, or random.
	// Default: round-robin
	Strategy string `yaml:"strategy"`

	// FailureThreshold is the consecutive-failure count that marks a
	// credential unhealthy.
	// Default: 3
	FailureThreshold int `yaml:"failure_threshold"`

	// DefaultCooldown applies to rate-limited credentials when the
	// provider sends no Retry-After hint.
	// Default: 60s
	DefaultCooldown time.Duration `yaml:"default_cooldown"`

	// QuotaLimit bounds requests per credential per QuotaInterval.
	// Zero disables quota.
	QuotaLimit int `yaml:"quota_limit"`

	// QuotaInterval is the quota window.
	// Default: 1m
	QuotaInterval time.Duration `yaml:"quota_interval"`

	// ProbeInterval is how often unhealthy credentials are probed.
	// Default: 5m
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// PipelineConfig tunes retries and failover.
type PipelineConfig struct {
	// MaxTransientRetries bounds same-credential retries of transient
	// failures.
	// Default: 2
	MaxTransientRetries int `yaml:"max_transient_retries"`

	// RetryBaseDelay seeds the exponential backoff between retries.
	// Default: 200ms
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// FailoverAttempts bounds moves to a different credential after an
	// auth or rate limit failure.
	// Default: 1
	FailoverAttempts int `yaml:"failover_attempts"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Usage   UsageConfig   `yaml:"usage"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format selects json or text output.
	// Default: json
	Format string `yaml:"format"`

	// AddSource includes file:line in every record.
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled exposes the scrape endpoint.
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Path is the scrape path.
	// Default: /metrics
	Path string `yaml:"path"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	// Enabled turns tracing on.
	Enabled bool `yaml:"enabled"`

	// ServiceName labels exported spans.
	// Default: proxycast
	ServiceName string `yaml:"service_name"`

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS toward the collector.
	Insecure bool `yaml:"insecure"`

	// SampleRatio samples that fraction of traces. Values outside
	// (0, 1) mean always sample.
	SampleRatio float64 `yaml:"sample_ratio"`

	// Timeout bounds each export batch.
	Timeout time.Duration `yaml:"timeout"`
}

// UsageConfig controls the request ledger.
type UsageConfig struct {
	// Enabled records per-request usage rows.
	Enabled bool `yaml:"enabled"`

	// Path is the ledger database file.
	// Default: data/usage.db
	Path string `yaml:"path"`

	// Retention is how long rows are kept before cleanup.
	// Default: 720h
	Retention time.Duration `yaml:"retention"`
}

// ProviderSpecs converts the provider section into routing specs.
func (c *Config) ProviderSpecs() []routing.ProviderSpec {
	specs := make([]routing.ProviderSpec, 0, len(c.Providers))
	for _, p := range c.Providers {
		spec := routing.ProviderSpec{
			ID:     p.ID,
			Family: protocol.Family(p.Family),
			Models: p.Models,
		}
		for _, fp := range p.FamilyPatterns {
			spec.FamilyPatterns = append(spec.FamilyPatterns, routing.FamilyPattern{
				Pattern: fp.Pattern,
				Family:  protocol.Family(fp.Family),
			})
		}
		specs = append(specs, spec)
	}
	return specs
}
