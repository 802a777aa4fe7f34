// Package events carries security events (logins, lockouts, refresh-token reuse, rate-limit
// blocks) out of the auth core to OTel logs and Kafka.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"opaque-idp/internal/logging"
)

// Type names a security event.
type Type string

const (
	LoginSucceeded        Type = "login_succeeded"
	LoginFailed           Type = "login_failed"
	Registered            Type = "registered"
	DuplicateRegistration Type = "duplicate_registration"
	OTPEnabled            Type = "otp_enabled"
	OTPDisabled           Type = "otp_disabled"
	OTPFailed             Type = "otp_failed"
	OTPLocked             Type = "otp_locked"
	BackupCodeUsed        Type = "backup_code_used"
	RefreshReuse          Type = "refresh_token_reuse"
	RateLimitBlocked      Type = "rate_limit_blocked"
	Logout                Type = "logout"
)

// Event is one security event. It never carries tokens, keys or codes.
type Event struct {
	Type      Type              `json:"type"`
	Cohort    string            `json:"cohort,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	At        time.Time         `json:"at"`
}

// Emitter emits security events. Best-effort; callers log and ignore errors.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// Multi fans an event out to every emitter and returns the first error.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, e Event) error {
	var first error
	for _, em := range m {
		if em == nil {
			continue
		}
		if err := em.Emit(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait before shutting down OTel providers and the
// Kafka writer so in-flight async emits can complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// A zero At is set to now. The goroutine does not inherit request cancellation.
func EmitAsync(emitter Emitter, logger *zap.Logger, e Event) {
	if emitter == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := emitter.Emit(ctx, e); err != nil && logger != nil {
			logger.Warn("security event emit failed", zap.String("type", string(e.Type)), logging.Err(err))
		}
	}()
}
