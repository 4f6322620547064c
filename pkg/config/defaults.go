package config

import "time"

// Default values applied by ApplyDefaults.
const (
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1 << 20

	DefaultRateLimit       = 60
	DefaultRateLimitWindow = time.Minute

	DefaultIdempotencyTTL = 24 * time.Hour

	DefaultMaxBodyBytes   = 10 << 20
	DefaultRequestTimeout = 300 * time.Second

	DefaultRefreshMargin = 60 * time.Second

	DefaultStrategy         = "round-robin"
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
	DefaultQuotaInterval    = time.Minute
	DefaultProbeInterval    = 5 * time.Minute

	DefaultMaxTransientRetries = 2
	DefaultRetryBaseDelay      = 200 * time.Millisecond
	DefaultFailoverAttempts    = 1

	DefaultLogLevel    = "info"
	DefaultLogFormat   = "json"
	DefaultMetricsPath = "/metrics"
	DefaultServiceName = "proxycast"

	DefaultUsagePath      = "data/usage.db"
	DefaultUsageRetention = 720 * time.Hour
)

// ApplyDefaults fills zero-valued fields in place. Loading applies it
// before validation, so a minimal file with only providers and
// credentials is a complete configuration.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}

	for i := range cfg.Auth.Keys {
		if cfg.Auth.Keys[i].Enabled == nil {
			enabled := true
			cfg.Auth.Keys[i].Enabled = &enabled
		}
	}

	if cfg.RateLimit.Limit == 0 {
		cfg.RateLimit.Limit = DefaultRateLimit
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = DefaultRateLimitWindow
	}

	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = DefaultIdempotencyTTL
	}

	if cfg.Security.MaxBodyBytes == 0 {
		cfg.Security.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Security.RequestTimeout == 0 {
		cfg.Security.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.Refresh.Margin == 0 {
		cfg.Refresh.Margin = DefaultRefreshMargin
	}

	if cfg.Pool.Strategy == "" {
		cfg.Pool.Strategy = DefaultStrategy
	}
	if cfg.Pool.FailureThreshold == 0 {
		cfg.Pool.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Pool.DefaultCooldown == 0 {
		cfg.Pool.DefaultCooldown = DefaultCooldown
	}
	if cfg.Pool.QuotaInterval == 0 {
		cfg.Pool.QuotaInterval = DefaultQuotaInterval
	}
	if cfg.Pool.ProbeInterval == 0 {
		cfg.Pool.ProbeInterval = DefaultProbeInterval
	}

	if cfg.Pipeline.MaxTransientRetries == 0 {
		cfg.Pipeline.MaxTransientRetries = DefaultMaxTransientRetries
	}
	if cfg.Pipeline.RetryBaseDelay == 0 {
		cfg.Pipeline.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Pipeline.FailoverAttempts == 0 {
		cfg.Pipeline.FailoverAttempts = DefaultFailoverAttempts
	}

	if cfg.Telemetry.Logging.Level == "" {
		cfg.Telemetry.Logging.Level = DefaultLogLevel
	}
	if cfg.Telemetry.Logging.Format == "" {
		cfg.Telemetry.Logging.Format = DefaultLogFormat
	}
	if cfg.Telemetry.Metrics.Enabled == nil {
		enabled := true
		cfg.Telemetry.Metrics.Enabled = &enabled
	}
	if cfg.Telemetry.Metrics.Path == "" {
		cfg.Telemetry.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Telemetry.Tracing.ServiceName == "" {
		cfg.Telemetry.Tracing.ServiceName = DefaultServiceName
	}
	if cfg.Telemetry.Usage.Path == "" {
		cfg.Telemetry.Usage.Path = DefaultUsagePath
	}
	if cfg.Telemetry.Usage.Retention == 0 {
		cfg.Telemetry.Usage.Retention = DefaultUsageRetention
	}
}
