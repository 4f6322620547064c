package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies defaults and the
// PROXYCAST_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies PROXYCAST_SECTION_FIELD environment
// variables over the file values. Unparseable values are ignored
// rather than failing startup.
func applyEnvOverrides(cfg *Config) {
	setString("PROXYCAST_SERVER_LISTEN_ADDRESS", &cfg.Server.ListenAddress)
	setDuration("PROXYCAST_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setDuration("PROXYCAST_SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	setBool("PROXYCAST_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	setInt("PROXYCAST_RATE_LIMIT_LIMIT", &cfg.RateLimit.Limit)
	setDuration("PROXYCAST_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)

	setInt64("PROXYCAST_SECURITY_MAX_BODY_BYTES", &cfg.Security.MaxBodyBytes)
	setDuration("PROXYCAST_SECURITY_REQUEST_TIMEOUT", &cfg.Security.RequestTimeout)

	setString("PROXYCAST_CREDENTIALS_FILE", &cfg.Credentials.File)
	setString("PROXYCAST_CREDENTIALS_STORE_PATH", &cfg.Credentials.StorePath)

	setString("PROXYCAST_POOL_STRATEGY", &cfg.Pool.Strategy)
	setInt("PROXYCAST_POOL_QUOTA_LIMIT", &cfg.Pool.QuotaLimit)

	setString("PROXYCAST_LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	setString("PROXYCAST_LOG_FORMAT", &cfg.Telemetry.Logging.Format)
	setBool("PROXYCAST_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	setString("PROXYCAST_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
}

func setString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func setInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setInt64(name string, dst *int64) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func setDuration(name string, dst *time.Duration) {
	if val := os.Getenv(name); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}
