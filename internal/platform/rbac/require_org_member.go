// Package rbac holds handler-side authorization checks over the request principal.
package rbac

import (
	"context"
	"slices"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/rbac/domain"
	"opaque-idp/internal/server/interceptors"
)

// ErrUserContextRequired is returned when the request carries no user principal.
var ErrUserContextRequired = errs.Unauthorized("user session required")

// AccessResolver resolves organization context and access. Implemented by rbac.Resolver.
type AccessResolver interface {
	ResolveOrganizationContext(ctx context.Context, userID, explicitOrgID string) (string, error)
	GetUserOrgAccess(ctx context.Context, userID, orgID string) (*domain.OrgAccess, error)
}

// RequireOrgMember ensures the caller is a user with an active membership in the requested
// organization, or in its only organization when none was requested.
func RequireOrgMember(ctx context.Context, r AccessResolver) (*domain.OrgAccess, string, error) {
	userID, ok := interceptors.GetUserID(ctx)
	if !ok {
		return nil, "", ErrUserContextRequired
	}
	explicit, _ := interceptors.GetOrgID(ctx)
	orgID, err := r.ResolveOrganizationContext(ctx, userID, explicit)
	if err != nil {
		return nil, "", err
	}
	access, err := r.GetUserOrgAccess(ctx, userID, orgID)
	if err != nil {
		return nil, "", err
	}
	return access, userID, nil
}

// RequireOrgPermission is RequireOrgMember plus a permission check in that organization.
func RequireOrgPermission(ctx context.Context, r AccessResolver, permission string) (*domain.OrgAccess, string, error) {
	access, userID, err := RequireOrgMember(ctx, r)
	if err != nil {
		return nil, "", err
	}
	if !access.Can(permission) {
		return nil, "", errs.Forbidden("missing permission " + permission)
	}
	return access, userID, nil
}

// RequireAdminRole ensures the caller is an admin holding one of roles. No roles means any admin.
func RequireAdminRole(ctx context.Context, roles ...string) (string, error) {
	p, ok := interceptors.GetPrincipal(ctx)
	if !ok || p.Cohort != identity.CohortAdmin {
		return "", errs.Unauthorized("admin session required")
	}
	if len(roles) > 0 && !slices.Contains(roles, p.AdminRole) {
		return "", errs.Forbidden("insufficient admin role")
	}
	return p.SubjectID, nil
}
