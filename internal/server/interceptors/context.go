package interceptors

import (
	"context"

	identity "opaque-idp/internal/identity/domain"
)

type contextKey struct{ name string }

var principalKey = contextKey{"principal"}

// Principal is the authenticated caller of a request, set by the HTTP session middleware
// or the gRPC bearer interceptor.
type Principal struct {
	Cohort    identity.Cohort
	SubjectID string
	SessionID string
	// OrgID is the organization the caller asked to act in, if any.
	OrgID string
	// AdminRole is set for admin principals.
	AdminRole string
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the principal from context and true if set.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.SubjectID != ""
}

// GetUserID returns the subject id of a user principal.
func GetUserID(ctx context.Context) (string, bool) {
	p, ok := GetPrincipal(ctx)
	if !ok || p.Cohort != identity.CohortUser {
		return "", false
	}
	return p.SubjectID, true
}

// GetOrgID returns the requested organization from context and true if set.
func GetOrgID(ctx context.Context) (string, bool) {
	p, ok := GetPrincipal(ctx)
	return p.OrgID, ok && p.OrgID != ""
}

// GetSessionID returns the session id from context and true if set.
func GetSessionID(ctx context.Context) (string, bool) {
	p, ok := GetPrincipal(ctx)
	return p.SessionID, ok && p.SessionID != ""
}
