// Package logging configures the process-wide structured logger. All
// components log through log/slog; this package decides the handler,
// level, and secret redaction once at startup.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum level: debug, info, warn, error
	Level string

	// Format selects the handler: json or text
	Format string

	// AddSource includes file:line in every record
	AddSource bool
}

// redactedKeys are attribute names whose values never reach the log
// output.
var redactedKeys = map[string]bool{
	"api_key":       true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
	"key":           true,
}

// Setup builds the logger and installs it as the slog default. The
// returned logger writes to w; pass os.Stderr outside tests.
func Setup(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactSecrets,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactSecrets masks attribute values whose keys look like secrets.
func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}
