// Package logging configures the relay's structured logger and carries a
// message's flow IDs through every log line written about it. Grounded on
// elemta's internal/logging/logging.go: the sensitive-field redaction and
// sanitizeMessage control-character stripping are adapted directly from
// there, simplified to the one backend (JSON to stdout) this module
// actually needs, dropping the teacher's pluggable console/file/elastic
// Factory and multi-logger Manager registry.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"unicode"

	"github.com/elemta/relay/internal/flow"
)

// Config controls the process-wide logger.
type Config struct {
	Level string // debug, info, warn, error
}

// Init installs a JSON slog logger on slog.Default, returning it for
// convenience. Call once at process startup.
func Init(cfg Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithFlows returns a logger tagged with the given flow set, so every
// line logged through it can be correlated back to the envelope and
// message IDs that produced it, per the flow-ID design in internal/flow.
func WithFlows(logger *slog.Logger, flows flow.Set) *slog.Logger {
	if flows.Len() == 0 {
		return logger
	}
	return logger.With("flow_ids", flows.Slice())
}

var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"pass":          {},
	"token":         {},
	"secret":        {},
	"authorization": {},
	"auth_header":   {},
}

// Redact returns a copy of attrs with sensitive values replaced and string
// values normalized to a single line, matching the teacher's
// sanitizeFields/sanitizeMessage behavior. Intended for call sites that
// build attrs from untrusted input, e.g. recording an SMTP reply line.
func Redact(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			out[k] = "[REDACTED]"
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = sanitizeMessage(s)
			continue
		}
		out[k] = v
	}
	return out
}

func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
