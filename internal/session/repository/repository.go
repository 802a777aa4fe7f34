package repository

import (
	"context"
	"time"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/session/domain"
)

// Repository defines persistence for sessions. Every state change is a single
// conditional statement or transaction so concurrent callers cannot both win.
type Repository interface {
	// Get returns the session for id, or nil if not found.
	Get(ctx context.Context, id string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	// Replace deletes oldID and inserts next in one transaction. It returns false,
	// inserting nothing, when oldID no longer exists.
	Replace(ctx context.Context, oldID string, next *domain.Session) (bool, error)
	// ConsumeRefresh marks the unconsumed, unexpired session holding refreshHash as consumed,
	// ends it, and inserts the successor built from it, all in one transaction. It returns
	// nil when no row matched.
	ConsumeRefresh(ctx context.Context, refreshHash string, now time.Time, successor func(old *domain.Session) (*domain.Session, error)) (*domain.Session, error)
	// FindByRefreshHash returns the session holding refreshHash whatever its state, or nil.
	FindByRefreshHash(ctx context.Context, refreshHash string) (*domain.Session, error)
	UpdateData(ctx context.Context, id string, data domain.SessionData) error
	// Touch moves the expiry of a live session.
	Touch(ctx context.Context, id string, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
	DeleteAllForSubject(ctx context.Context, cohort identity.Cohort, subjectID string) (int64, error)
	// DeleteExpired removes sessions whose refresh token expired before now, and consumed
	// sessions whose refresh token was used before consumedBefore.
	DeleteExpired(ctx context.Context, now, consumedBefore time.Time) (int64, error)
}
