package config

import (
	"fmt"
	"strings"

	"github.com/itsharex/proxycast/pkg/credential/balancer"
	"github.com/itsharex/proxycast/pkg/routing"
)

// FieldError reports one invalid configuration field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError aggregates every invalid field so operators fix the
// file in one pass.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.Error()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Validate checks the configuration after defaults are applied.
func Validate(cfg *Config) error {
	var errs []FieldError

	if cfg.Server.ListenAddress == "" {
		errs = append(errs, FieldError{"server.listen_address", "must not be empty"})
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, FieldError{"server.shutdown_timeout", "must not be negative"})
	}

	for i, key := range cfg.Auth.Keys {
		if key.Key == "" {
			errs = append(errs, FieldError{fmt.Sprintf("auth.keys[%d].key", i), "must not be empty"})
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Limit <= 0 {
			errs = append(errs, FieldError{"rate_limit.limit", "must be positive"})
		}
		if cfg.RateLimit.Window <= 0 {
			errs = append(errs, FieldError{"rate_limit.window", "must be positive"})
		}
	}

	if cfg.Idempotency.Enabled && cfg.Idempotency.TTL <= 0 {
		errs = append(errs, FieldError{"idempotency.ttl", "must be positive"})
	}

	if cfg.Security.MaxBodyBytes <= 0 {
		errs = append(errs, FieldError{"security.max_body_bytes", "must be positive"})
	}
	if cfg.Security.RequestTimeout <= 0 {
		errs = append(errs, FieldError{"security.request_timeout", "must be positive"})
	}

	if len(cfg.Providers) == 0 {
		errs = append(errs, FieldError{"providers", "at least one provider is required"})
	} else if _, err := routing.NewTable(cfg.ProviderSpecs()); err != nil {
		// The routing table enforces provider ids, family names, glob
		// syntax, and mixed-family pattern coverage.
		errs = append(errs, FieldError{"providers", err.Error()})
	}

	if cfg.Credentials.File == "" && cfg.Credentials.StorePath == "" {
		errs = append(errs, FieldError{"credentials", "either file or store_path is required"})
	}

	for id, ep := range cfg.Refresh.Endpoints {
		if ep.TokenURL == "" {
			errs = append(errs, FieldError{fmt.Sprintf("refresh.endpoints.%s.token_url", id), "must not be empty"})
		}
	}

	if _, err := balancer.New(cfg.Pool.Strategy); err != nil {
		errs = append(errs, FieldError{"pool.strategy", err.Error()})
	}
	if cfg.Pool.FailureThreshold <= 0 {
		errs = append(errs, FieldError{"pool.failure_threshold", "must be positive"})
	}
	if cfg.Pool.QuotaLimit < 0 {
		errs = append(errs, FieldError{"pool.quota_limit", "must not be negative"})
	}

	switch cfg.Telemetry.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{"telemetry.logging.level", fmt.Sprintf("unknown level %q", cfg.Telemetry.Logging.Level)})
	}
	switch cfg.Telemetry.Logging.Format {
	case "json", "text", "console":
	default:
		errs = append(errs, FieldError{"telemetry.logging.format", fmt.Sprintf("unknown format %q", cfg.Telemetry.Logging.Format)})
	}

	if cfg.Telemetry.Tracing.Enabled && cfg.Telemetry.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{"telemetry.tracing.endpoint", "required when tracing is enabled"})
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
