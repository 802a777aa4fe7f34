package repository

import (
	"context"
	"time"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/otp/domain"
)

// Repository persists OTP configs and backup codes. Every method that decides acceptance of
// a code is a conditional update so concurrent callers cannot both succeed.
type Repository interface {
	// Get returns the config of the subject, or nil if none exists.
	Get(ctx context.Context, cohort identity.Cohort, subjectID string) (*domain.Config, error)
	// CreatePending stores an unverified config. It never overwrites a verified one and
	// returns false in that case.
	CreatePending(ctx context.Context, c *domain.Config) (bool, error)
	// Enable marks a pending config verified at step, resets failures and replaces the
	// backup codes in one transaction. Returns false if the config is gone, already
	// verified, or step was already used.
	Enable(ctx context.Context, cohort identity.Cohort, subjectID string, step int64, codes []domain.BackupCode) (bool, error)
	// AcceptStep records step as used if it is newer than the last accepted step and resets
	// failures. Returns false on replay.
	AcceptStep(ctx context.Context, cohort identity.Cohort, subjectID string, step int64) (bool, error)
	// ConsumeBackupCode marks the unused code with codeHash as used. Returns false if no
	// unused code matches.
	ConsumeBackupCode(ctx context.Context, cohort identity.Cohort, subjectID, codeHash string, now time.Time) (bool, error)
	// RecordFailure increments the failure count. Reaching maxFailures sets locked_until to
	// lockUntil and resets the count. Returns the resulting locked_until.
	RecordFailure(ctx context.Context, cohort identity.Cohort, subjectID string, maxFailures int, lockUntil time.Time) (*time.Time, error)
	ResetFailures(ctx context.Context, cohort identity.Cohort, subjectID string) error
	ReplaceBackupCodes(ctx context.Context, cohort identity.Cohort, subjectID string, codes []domain.BackupCode) error
	CountUnusedBackupCodes(ctx context.Context, cohort identity.Cohort, subjectID string) (int, error)
	// Delete removes the config and all backup codes of the subject.
	Delete(ctx context.Context, cohort identity.Cohort, subjectID string) error
}
