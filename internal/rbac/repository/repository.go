package repository

import (
	"context"

	"opaque-idp/internal/rbac/domain"
)

// Repository reads the RBAC graph. All key lists are de-duplicated and sorted.
type Repository interface {
	GetMembership(ctx context.Context, userID, orgID string) (*domain.Membership, error)
	ListMemberships(ctx context.Context, userID string) ([]*domain.Membership, error)
	// MemberRoleKeys returns the keys of roles attached to a membership.
	MemberRoleKeys(ctx context.Context, memberID string) ([]string, error)
	// MemberPermissions returns the permissions of all roles attached to a membership.
	MemberPermissions(ctx context.Context, memberID string) ([]string, error)
	// ActivePermissions returns role permissions across every active membership of userID.
	ActivePermissions(ctx context.Context, userID string) ([]string, error)
	DirectPermissions(ctx context.Context, userID string) ([]string, error)
	GroupKeys(ctx context.Context, userID string) ([]string, error)
}
