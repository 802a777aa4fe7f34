// Package domain holds the second-factor state of a subject.
package domain

import (
	"time"

	identity "opaque-idp/internal/identity/domain"
)

// State is the OTP enrollment state of a subject.
type State string

const (
	StateUninitialized State = "uninitialized"
	StatePending       State = "pending"
	StateEnabled       State = "enabled"
)

// Config is the OTP row of one (cohort, subject). SecretCiphertext is the KEK-wrapped base32 secret.
type Config struct {
	Cohort           identity.Cohort
	SubjectID        string
	SecretCiphertext []byte
	Verified         bool
	LastUsedStep     *int64
	FailureCount     int
	LockedUntil      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// State returns the enrollment state of c. A nil config is uninitialized.
func (c *Config) State() State {
	switch {
	case c == nil:
		return StateUninitialized
	case c.Verified:
		return StateEnabled
	default:
		return StatePending
	}
}

// Locked reports whether c is locked out at now.
func (c *Config) Locked(now time.Time) bool {
	return c != nil && c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// BackupCode is one stored single-use recovery code. Only the hash is kept.
type BackupCode struct {
	ID        string
	Cohort    identity.Cohort
	SubjectID string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Status summarizes the OTP state of a subject for display.
type Status struct {
	State                State      `json:"state"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	LockedUntil          *time.Time `json:"locked_until,omitempty"`
}
