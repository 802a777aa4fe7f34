package repository

import (
	"context"
	"time"

	"opaque-idp/internal/signing/domain"
)

// Repository defines persistence for signing keys.
type Repository interface {
	// Insert stores k and marks every other unrotated key as rotated at k.CreatedAt, atomically.
	Insert(ctx context.Context, k *domain.Key) error
	// Latest returns the most recently created key, or nil if none exist.
	Latest(ctx context.Context) (*domain.Key, error)
	// List returns all keys, newest first.
	List(ctx context.Context) ([]*domain.Key, error)
	// DeleteRotatedBefore removes keys rotated before t and returns how many were removed.
	DeleteRotatedBefore(ctx context.Context, t time.Time) (int64, error)
}
