package domain

import (
	"errors"
	"time"

	identity "opaque-idp/internal/identity/domain"
)

// User is an end user.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Admin is an administrator. Role gates admin-only operations.
type Admin struct {
	ID        string
	Email     string
	Name      string
	Role      string
	CreatedAt time.Time
}

const (
	AdminRoleOwner = "owner"
	AdminRoleAdmin = "admin"
)

// Subject is the directory view of either cohort.
type Subject struct {
	Cohort identity.Cohort
	ID     string
	Email  string
	Name   string
	// Role is empty for users.
	Role string
}

// Identity returns the login identity of s.
func (s *Subject) Identity() identity.Identity {
	return identity.Identity{Cohort: s.Cohort, SubjectID: s.ID, Email: s.Email}
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.Email == "" {
		return errors.New("email is required")
	}
	return nil
}
