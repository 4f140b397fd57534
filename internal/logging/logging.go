// Package logging builds the structured slog logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Config selects the handler format and minimum level.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var secretKeys = []string{"key", "token", "secret", "password", "authorization", "bearer"}

// New returns a logger writing to w. Format is "json" or "text" (default);
// attributes whose keys look like secrets are redacted.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: maskSecrets}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// ParseLevel maps debug, info, warn and error to slog levels. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

func maskSecrets(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	k := strings.ToLower(a.Key)
	for _, p := range secretKeys {
		if strings.Contains(k, p) {
			return slog.String(a.Key, redact(a.Value.String()))
		}
	}
	s := a.Value.String()
	if strings.HasPrefix(strings.ToLower(s), "bearer ") {
		return slog.String(a.Key, "Bearer "+redact(s[len("bearer "):]))
	}
	if strings.HasPrefix(s, "sk-") {
		return slog.String(a.Key, redact(s))
	}
	return a
}

func redact(s string) string {
	n := len(s)
	if n <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s***%s", s[:4], s[n-4:])
}
