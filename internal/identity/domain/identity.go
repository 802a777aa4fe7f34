package domain

import (
	"strings"
)

// Cohort separates end users from administrators. Sessions, OTP state and OPAQUE
// records are keyed by cohort so credentials never cross between them.
type Cohort string

const (
	CohortUser  Cohort = "user"
	CohortAdmin Cohort = "admin"
)

// Valid reports whether c is a known cohort.
func (c Cohort) Valid() bool {
	return c == CohortUser || c == CohortAdmin
}

// Identity is the login identity of a subject within a cohort.
type Identity struct {
	Cohort    Cohort
	SubjectID string
	Email     string
}

// NormalizeEmail lowercases and trims an email so lookups and credential ids are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
