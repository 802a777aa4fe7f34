// Package protocol isolates the OPAQUE implementation behind a small interface. The
// server only ever handles blinded OPRF elements, envelopes and AKE messages, never passwords.
package protocol

import "errors"

// ErrMalformed is returned when a client message cannot be decoded.
var ErrMalformed = errors.New("opaque: malformed message")

// ErrAuthentication is returned when the client's KE3 does not authenticate.
var ErrAuthentication = errors.New("opaque: authentication failed")

// Credential is the per-subject input to LoginInit.
type Credential struct {
	CredentialID   []byte
	ClientIdentity []byte
	// Envelope is the serialized registration record. Nil selects a fake record
	// derived from CredentialID, for subjects that do not exist.
	Envelope []byte
}

// Protocol is the server side of OPAQUE.
type Protocol interface {
	// RegistrationResponse answers a client's registration request.
	RegistrationResponse(request, credentialID []byte) (response, serverPublicKey []byte, err error)
	// ValidateRecord checks that a client's registration upload decodes.
	ValidateRecord(record []byte) error
	// LoginInit answers KE1 and returns KE2 plus serialized server AKE state.
	LoginInit(ke1 []byte, cred Credential) (ke2, state []byte, err error)
	// LoginFinish verifies KE3 against state and returns the session key.
	LoginFinish(state, ke3 []byte) (sessionKey []byte, err error)
}
