// Package logging builds the structured logger shared by the voice client.
//
// Records are written with log/slog's text handler. Attribute values are
// passed through Redact, so API keys and personal details spoken by the user
// never reach log output verbatim.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps LOG_LEVEL style names to slog levels. Unknown names fall
// back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New returns a text logger at level writing to w (stderr when nil).
func New(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	})
	return slog.New(handler)
}

// FromEnv builds a logger from LOG_LEVEL and installs it as slog's default.
func FromEnv() *slog.Logger {
	logger := New(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)
	return logger
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		if isSecretKey(a.Key) && a.Value.String() != "" {
			return slog.String(a.Key, "[REDACTED]")
		}
		if out, changed := Redact(a.Value.String()); changed {
			return slog.String(a.Key, out)
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			if out, changed := Redact(err.Error()); changed {
				return slog.String(a.Key, out)
			}
		}
	}
	return a
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"api_key", "apikey", "token", "secret", "password"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
