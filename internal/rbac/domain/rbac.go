package domain

import "time"

// MembershipStatus is the lifecycle state of an organization membership. Only active
// memberships grant anything.
type MembershipStatus string

const (
	StatusActive    MembershipStatus = "active"
	StatusInvited   MembershipStatus = "invited"
	StatusSuspended MembershipStatus = "suspended"
)

// Membership links a user to an organization.
type Membership struct {
	ID        string
	OrgID     string
	UserID    string
	Status    MembershipStatus
	CreatedAt time.Time
}

// Active reports whether m grants roles.
func (m *Membership) Active() bool { return m != nil && m.Status == StatusActive }

// OrgAccess is what a user may do inside one organization.
type OrgAccess struct {
	OrgID       string   `json:"org_id"`
	RoleKeys    []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Can reports whether access includes permission.
func (a *OrgAccess) Can(permission string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}
