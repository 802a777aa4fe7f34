package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	identity "opaque-idp/internal/identity/domain"
)

// UserSession is the payload of an end-user session.
type UserSession struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	OTPRequired bool   `json:"otp_required"`
	OTPVerified bool   `json:"otp_verified"`
}

// AdminSession is the payload of an administrator session.
type AdminSession struct {
	AdminID     string `json:"admin_id"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role"`
	OTPRequired bool   `json:"otp_required"`
	OTPVerified bool   `json:"otp_verified"`
}

// SessionData holds exactly one of User or Admin. The JSON form carries a "cohort"
// discriminator next to the variant's fields.
type SessionData struct {
	User  *UserSession
	Admin *AdminSession
}

// ErrInvalidData is returned for payloads with no variant, both variants, or no subject.
var ErrInvalidData = errors.New("session: invalid session data")

// ForUser wraps u.
func ForUser(u UserSession) SessionData { return SessionData{User: &u} }

// ForAdmin wraps a.
func ForAdmin(a AdminSession) SessionData { return SessionData{Admin: &a} }

// Validate checks that exactly one variant is set and that it names a subject.
func (d SessionData) Validate() error {
	switch {
	case d.User != nil && d.Admin == nil:
		if d.User.UserID == "" {
			return ErrInvalidData
		}
	case d.Admin != nil && d.User == nil:
		if d.Admin.AdminID == "" {
			return ErrInvalidData
		}
	default:
		return ErrInvalidData
	}
	return nil
}

// Cohort returns the variant's cohort, or "" for invalid data.
func (d SessionData) Cohort() identity.Cohort {
	switch {
	case d.User != nil:
		return identity.CohortUser
	case d.Admin != nil:
		return identity.CohortAdmin
	}
	return ""
}

// SubjectID returns the user or admin id.
func (d SessionData) SubjectID() string {
	switch {
	case d.User != nil:
		return d.User.UserID
	case d.Admin != nil:
		return d.Admin.AdminID
	}
	return ""
}

// Email returns the subject's email.
func (d SessionData) Email() string {
	switch {
	case d.User != nil:
		return d.User.Email
	case d.Admin != nil:
		return d.Admin.Email
	}
	return ""
}

// OTPPending reports whether the session is gated on OTP verification.
func (d SessionData) OTPPending() bool {
	switch {
	case d.User != nil:
		return d.User.OTPRequired && !d.User.OTPVerified
	case d.Admin != nil:
		return d.Admin.OTPRequired && !d.Admin.OTPVerified
	}
	return false
}

// WithOTP returns a copy with the OTP flags replaced.
func (d SessionData) WithOTP(required, verified bool) SessionData {
	switch {
	case d.User != nil:
		u := *d.User
		u.OTPRequired, u.OTPVerified = required, verified
		return ForUser(u)
	case d.Admin != nil:
		a := *d.Admin
		a.OTPRequired, a.OTPVerified = required, verified
		return ForAdmin(a)
	}
	return d
}

func (d SessionData) MarshalJSON() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.User != nil {
		return json.Marshal(struct {
			Cohort identity.Cohort `json:"cohort"`
			*UserSession
		}{identity.CohortUser, d.User})
	}
	return json.Marshal(struct {
		Cohort identity.Cohort `json:"cohort"`
		*AdminSession
	}{identity.CohortAdmin, d.Admin})
}

func (d *SessionData) UnmarshalJSON(b []byte) error {
	var head struct {
		Cohort identity.Cohort `json:"cohort"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	switch head.Cohort {
	case identity.CohortUser:
		var u UserSession
		if err := json.Unmarshal(b, &u); err != nil {
			return err
		}
		*d = ForUser(u)
	case identity.CohortAdmin:
		var a AdminSession
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		*d = ForAdmin(a)
	default:
		return fmt.Errorf("session: unknown cohort %q", head.Cohort)
	}
	return d.Validate()
}

// Session is one authentication session row. The refresh token itself is never stored,
// only its hash.
type Session struct {
	ID                string
	Cohort            identity.Cohort
	SubjectID         string
	Data              SessionData
	CreatedAt         time.Time
	ExpiresAt         time.Time
	RefreshTokenHash  string
	RefreshExpiresAt  time.Time
	RefreshConsumedAt *time.Time // nil until the refresh token is used
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
