// Package logging provides an slog.Handler wrapper that scrubs secrets from
// log output. The API bearer token and any credentials embedded in endpoint
// URLs are replaced with a placeholder before records reach the real handler.
package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// RedactedValue replaces every piece of sensitive data in log output.
const RedactedValue = "[REDACTED]"

// urlUserinfo matches the user:password@ part of an absolute URL
var urlUserinfo = regexp.MustCompile(`(://)[^/\s@]+@`)

var sensitiveKeys = []string{
	"password", "passwd",
	"token", "secret",
	"api_key", "apikey",
	"authorization", "credential",
	"cookie",
}

// secretSet is shared by a handler and every handler derived from it
type secretSet struct {
	mu     sync.RWMutex
	values []string
}

func (s *secretSet) replace(values []string) {
	kept := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			kept = append(kept, v)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = kept
}

func (s *secretSet) redact(str string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, secret := range s.values {
		if strings.Contains(str, secret) {
			str = strings.ReplaceAll(str, secret, RedactedValue)
		}
	}
	return str
}

// RedactorHandler wraps an slog.Handler and redacts sensitive keys, explicit
// secret strings and URL credentials from messages and attributes.
type RedactorHandler struct {
	handler slog.Handler
	secrets *secretSet
}

// NewRedactorHandler creates a handler that redacts the given secrets in
// addition to values under sensitive keys. Empty secrets are ignored.
func NewRedactorHandler(handler slog.Handler, secrets ...string) *RedactorHandler {
	h := &RedactorHandler{handler: handler, secrets: &secretSet{}}
	h.secrets.replace(secrets)
	return h
}

// NewSecureLogger creates a logger whose output never contains the given secrets
func NewSecureLogger(handler slog.Handler, secrets ...string) *slog.Logger {
	return slog.New(NewRedactorHandler(handler, secrets...))
}

// UpdateSecrets replaces the explicit secrets. Loggers already derived with
// With or WithGroup pick up the change.
func (h *RedactorHandler) UpdateSecrets(secrets []string) {
	h.secrets.replace(secrets)
}

// Enabled reports whether the wrapped handler handles records at level
func (h *RedactorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle redacts the message and attributes before passing the record on
func (h *RedactorHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		redacted.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.handler.Handle(ctx, redacted)
}

// WithAttrs returns a handler with the redacted attributes added
func (h *RedactorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = h.redactAttr(attr)
	}
	return &RedactorHandler{handler: h.handler.WithAttrs(redacted), secrets: h.secrets}
}

// WithGroup returns a handler that redacts within the named group
func (h *RedactorHandler) WithGroup(name string) slog.Handler {
	return &RedactorHandler{handler: h.handler.WithGroup(name), secrets: h.secrets}
}

func isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

func (h *RedactorHandler) redactAttr(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()

	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, a := range group {
			redacted[i] = h.redactAttr(a)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(redacted...)}
	}

	if isSensitiveKey(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}

	switch attr.Value.Kind() {
	case slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindBool, slog.KindDuration, slog.KindTime:
		return attr
	default:
		return slog.String(attr.Key, h.redactString(attr.Value.String()))
	}
}

func (h *RedactorHandler) redactString(s string) string {
	s = urlUserinfo.ReplaceAllString(s, "${1}"+RedactedValue+"@")
	return h.secrets.redact(s)
}
