package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = map[string]struct{}{
	"password": {},
	"api_key":  {},
	"token":    {},
	"secret":   {},
}

const redacted = "[redacted]"

// SetupWriter installs the process logger writing to w in format "json" or
// "text". An unknown level falls back to INFO. Only the first call takes
// effect.
func SetupWriter(w io.Writer, level, format string) {
	once.Do(func() {
		logger = slog.New(newHandler(w, ParseLevel(level), format))
		slog.SetDefault(logger)
	})
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the process logger, installing a JSON INFO logger on stdout
// when SetupWriter has not run.
func Get() *slog.Logger {
	if logger == nil {
		SetupWriter(os.Stdout, "INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}
