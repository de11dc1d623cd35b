// Package privacylog wraps slog handlers so credential material never reaches
// log output and caller identities are logged only as boot-salted fingerprints.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const redactedValue = "[REDACTED]"

var (
	bootSalt = randomSalt()

	// Keys whose value is replaced outright. Matched as substrings of the
	// lower-cased attribute key.
	secretKeyParts = []string{
		"token",
		"secret",
		"password",
		"authorization",
		"private_key",
		"privatekey",
		"master_key",
		"digest",
		"envelope",
		"api_key",
		"raw_key",
	}

	// Keys whose value identifies a caller. Logged as "<key>_fp".
	identityKeys = map[string]struct{}{
		"owner":          {},
		"actor":          {},
		"key_id":         {},
		"agent_id":       {},
		"source_ip":      {},
		"caller_ip":      {},
		"wallet_address": {},
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

// WrapHandler returns next wrapped in a SanitizingHandler, or nil for nil.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	if h, ok := next.(*SanitizingHandler); ok {
		return h
	}
	return &SanitizingHandler{next: next}
}

// NewJSONLogger builds the daemon's JSON logger with sanitizing applied.
func NewJSONLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(WrapHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the redaction rules to a single attribute.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	switch {
	case isSecretKey(lower):
		return slog.String(key, redactedValue)
	case isIdentityKey(lower):
		return slog.String(fingerprintKeyName(key), Fingerprint(valueToString(attr.Value.Resolve())))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Any(key, sanitizeGroupValue(attr.Value.Group()))
	}
	return attr
}

// SanitizeArgs applies the redaction rules to alternating key/value args.
func SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		lower := strings.ToLower(strings.TrimSpace(key))
		switch {
		case isSecretKey(lower):
			out = append(out, key, redactedValue)
		case isIdentityKey(lower):
			out = append(out, fingerprintKeyName(key), Fingerprint(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

// Fingerprint maps an identifier to a stable, process-local pseudonym.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(bootSalt + "|" + strings.ToLower(trimmed)))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// SanitizeMetadata applies the same rules to an audit metadata map.
func SanitizeMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		lower := strings.ToLower(strings.TrimSpace(k))
		switch {
		case isSecretKey(lower):
			out[k] = redactedValue
		case isIdentityKey(lower):
			out[fingerprintKeyName(k)] = Fingerprint(fmt.Sprint(v))
		default:
			out[k] = v
		}
	}
	return out
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func sanitizeGroupValue(attrs []slog.Attr) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, attr := range sanitizeAttrs(attrs) {
		v := attr.Value.Resolve()
		switch v.Kind() {
		case slog.KindString:
			out[attr.Key] = v.String()
		case slog.KindInt64:
			out[attr.Key] = v.Int64()
		case slog.KindUint64:
			out[attr.Key] = v.Uint64()
		case slog.KindFloat64:
			out[attr.Key] = v.Float64()
		case slog.KindBool:
			out[attr.Key] = v.Bool()
		case slog.KindDuration:
			out[attr.Key] = v.Duration().String()
		case slog.KindTime:
			out[attr.Key] = v.Time().UTC().Format(time.RFC3339Nano)
		case slog.KindGroup:
			out[attr.Key] = sanitizeGroupValue(v.Group())
		default:
			out[attr.Key] = v.Any()
		}
	}
	return out
}

func isIdentityKey(key string) bool {
	_, ok := identityKeys[key]
	return ok
}

func isSecretKey(key string) bool {
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(key)), "_fp") {
		return key
	}
	return key + "_fp"
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v.String()
	}
}

func randomSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_salt"
	}
	return hex.EncodeToString(buf)
}
