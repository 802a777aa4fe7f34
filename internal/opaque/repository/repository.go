package repository

import (
	"context"
	"time"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/opaque/domain"
)

// RecordRepository persists OPAQUE registration records.
type RecordRepository interface {
	// Get returns Found(record) or NotFound; errors are reserved for store failures.
	Get(ctx context.Context, cohort identity.Cohort, subjectID string) (domain.Lookup, error)
	// Put inserts or fully replaces the record for (cohort, subject).
	Put(ctx context.Context, r *domain.Record) error
	Delete(ctx context.Context, cohort identity.Cohort, subjectID string) error
}

// LoginSessionStore holds in-flight login handshakes.
type LoginSessionStore interface {
	Create(ctx context.Context, s *domain.LoginSession) error
	// Consume atomically removes and returns the session. It returns nil when the id
	// is unknown; expiry is checked by the caller.
	Consume(ctx context.Context, id string) (*domain.LoginSession, error)
	// DeleteExpired removes sessions that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
