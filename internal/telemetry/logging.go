// Package telemetry owns structured logging for the daemon. Logs are
// JSON lines appended to <homeDir>/logs/system.jsonl; a non-quiet
// logger mirrors them to stdout.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// sensitiveKeys marks attribute keys whose values are never logged.
var sensitiveKeys = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

// secretShape matches common API key prefixes followed by a long base62
// run, so a key embedded in a free-form message still gets scrubbed.
var secretShape = regexp.MustCompile(`(sk-|ghp_|xox[bap]-|AIza)[A-Za-z0-9_\-]{16,}`)

// NewLogger opens the log file and returns a JSON slog logger plus the
// closer for the underlying file. Attribute values that look like
// credentials are replaced with [REDACTED] before they reach any sink.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	sink := io.Writer(file)
	if !quiet {
		sink = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: scrubAttr,
	})
	return slog.New(handler).With("component", "helmsman"), file, nil
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	lower := strings.ToLower(strings.TrimSpace(a.Key))
	for _, k := range sensitiveKeys {
		if lower != "" && strings.Contains(lower, k) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	if a.Value.Kind() == slog.KindString {
		if scrubbed, hit := scrubValue(a.Value.String()); hit {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	switch {
	case strings.Contains(lower, "bearer "),
		strings.Contains(lower, "api_key"),
		strings.Contains(lower, "authorization:"):
		return "[REDACTED]", true
	}
	if scrubbed := secretShape.ReplaceAllString(v, "[REDACTED]"); scrubbed != v {
		return scrubbed, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
