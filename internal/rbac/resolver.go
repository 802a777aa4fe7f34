// Package rbac resolves roles and permissions through organization memberships.
package rbac

import (
	"context"
	"slices"

	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/rbac/domain"
	"opaque-idp/internal/rbac/repository"
)

var (
	ErrNotMember = errs.Forbidden("not an active member of this organization")
	// ErrNoOrganization is returned when the subject has no active membership at all.
	ErrNoOrganization = errs.Forbidden("no organization membership")
	// ErrOrgContextRequired is returned when the subject belongs to several organizations
	// and none was chosen.
	ErrOrgContextRequired = errs.Forbidden("organization context required")
)

// Resolver computes effective access for a user.
type Resolver struct {
	repo repository.Repository
}

func NewResolver(repo repository.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// GetUserOrgAccess returns the roles and permissions userID holds in orgID. The membership
// must be active.
func (r *Resolver) GetUserOrgAccess(ctx context.Context, userID, orgID string) (*domain.OrgAccess, error) {
	m, err := r.repo.GetMembership(ctx, userID, orgID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !m.Active() {
		return nil, ErrNotMember
	}
	roles, err := r.repo.MemberRoleKeys(ctx, m.ID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	perms, err := r.repo.MemberPermissions(ctx, m.ID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return &domain.OrgAccess{OrgID: orgID, RoleKeys: dedupe(roles), Permissions: dedupe(perms)}, nil
}

// ResolveOrganizationContext returns the organization a request acts in. An explicit
// organization must be an active membership. Without one, a single active membership is
// inferred; several are never silently resolved.
func (r *Resolver) ResolveOrganizationContext(ctx context.Context, userID, explicitOrgID string) (string, error) {
	if explicitOrgID != "" {
		m, err := r.repo.GetMembership(ctx, userID, explicitOrgID)
		if err != nil {
			return "", errs.Internal(err)
		}
		if !m.Active() {
			return "", ErrNotMember
		}
		return explicitOrgID, nil
	}
	ms, err := r.repo.ListMemberships(ctx, userID)
	if err != nil {
		return "", errs.Internal(err)
	}
	var active []string
	for _, m := range ms {
		if m.Active() {
			active = append(active, m.OrgID)
		}
	}
	switch len(active) {
	case 0:
		return "", ErrNoOrganization
	case 1:
		return active[0], nil
	default:
		return "", ErrOrgContextRequired
	}
}

// EffectivePermissions is the union of role permissions over all active memberships and
// the permissions granted to userID directly.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	viaRoles, err := r.repo.ActivePermissions(ctx, userID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	direct, err := r.repo.DirectPermissions(ctx, userID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return dedupe(append(viaRoles, direct...)), nil
}

// Groups returns the global group keys of userID.
func (r *Resolver) Groups(ctx context.Context, userID string) ([]string, error) {
	g, err := r.repo.GroupKeys(ctx, userID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	return dedupe(g), nil
}

// HasPermission reports whether userID holds permission in orgID, counting direct grants.
// An empty orgID checks the effective permissions across all organizations.
func (r *Resolver) HasPermission(ctx context.Context, userID, orgID, permission string) (bool, error) {
	if orgID == "" {
		perms, err := r.EffectivePermissions(ctx, userID)
		if err != nil {
			return false, err
		}
		return slices.Contains(perms, permission), nil
	}
	access, err := r.GetUserOrgAccess(ctx, userID, orgID)
	if err != nil {
		return false, err
	}
	if access.Can(permission) {
		return true, nil
	}
	direct, err := r.repo.DirectPermissions(ctx, userID)
	if err != nil {
		return false, errs.Internal(err)
	}
	return slices.Contains(direct, permission), nil
}

// RequirePermission fails with Forbidden naming the missing permission.
func (r *Resolver) RequirePermission(ctx context.Context, userID, orgID, permission string) error {
	ok, err := r.HasPermission(ctx, userID, orgID, permission)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Forbidden("missing permission " + permission)
	}
	return nil
}

func dedupe(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	out = slices.Compact(out)
	if out == nil {
		out = []string{}
	}
	return out
}
