package logging

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		hidden  string
		keepAll bool
	}{
		{"bearer", "authorization: Bearer eyJhbGciOi.short", "eyJhbGciOi", false},
		{"long token", "refresh failed for 3q2-7wEjHk9aLpXz0mN4bV8cR1tY6uI5oPq", "3q2-7wEjHk9aLpXz0mN4bV8cR1tY6uI5oPq", false},
		{"plain", "session not found", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)
			if tt.keepAll {
				if got != tt.in {
					t.Errorf("Redact(%q) = %q, want unchanged", tt.in, got)
				}
				return
			}
			if strings.Contains(got, tt.hidden) {
				t.Errorf("Redact(%q) = %q still contains secret", tt.in, got)
			}
			if !strings.Contains(got, "[REDACTED]") {
				t.Errorf("Redact(%q) = %q, want marker", tt.in, got)
			}
		})
	}
}

func TestErrField(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)
	secret := strings.Repeat("a", 43)

	logger.Info("refresh", Err(errors.New("token "+secret+" consumed")))
	logger.Info("nil", Err(nil))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	msg, _ := entries[0].ContextMap()["error"].(string)
	if strings.Contains(msg, secret) {
		t.Errorf("logged error contains secret: %q", msg)
	}
	if _, ok := entries[1].ContextMap()["error"]; ok {
		t.Error("nil error should not add a field")
	}
}

func TestNew(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		logger, err := New(env, "debug", "opaque-idp")
		if err != nil {
			t.Fatalf("New(%s): %v", env, err)
		}
		if logger == nil {
			t.Fatalf("New(%s) returned nil", env)
		}
	}
	logger, _ := New("production", "bogus", "svc")
	if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("invalid level should fall back to info")
	}
}
