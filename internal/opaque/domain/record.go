package domain

import (
	"time"

	identity "opaque-idp/internal/identity/domain"
)

// Record is the durable OPAQUE registration record of one subject. It is replaced
// wholesale on password change and never updated in place.
type Record struct {
	Cohort          identity.Cohort
	SubjectID       string
	CredentialID    []byte
	Envelope        []byte // serialized registration record uploaded by the client
	ServerPublicKey []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Lookup is the result of a record lookup: either Found with a record or NotFound.
// Login start branches on it once, running the dummy handshake for NotFound.
type Lookup struct {
	record *Record
}

// Found wraps an existing record.
func Found(r *Record) Lookup { return Lookup{record: r} }

// NotFound is the lookup result for an unknown subject.
func NotFound() Lookup { return Lookup{} }

// Record returns the record and true for Found, nil and false for NotFound.
func (l Lookup) Record() (*Record, bool) {
	return l.record, l.record != nil
}

// LoginSession is the server half of an open login handshake. Identity is the encoded
// (normally KEK-encrypted) subject the handshake was started for.
type LoginSession struct {
	ID          string
	Cohort      identity.Cohort
	Identity    string
	ServerState []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired reports whether s is past its expiry at now.
func (s *LoginSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
