// Package service runs the OPAQUE registration and login handshakes.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/kek"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/opaque/domain"
	"opaque-idp/internal/opaque/protocol"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/security"
)

var (
	// ErrAuthFailed is the single rejection for every login failure, so unknown
	// accounts and wrong passwords look the same.
	ErrAuthFailed = errs.Unauthorized("authentication failed")
	// ErrMalformedMessage is returned for undecodable client messages.
	ErrMalformedMessage = errs.Validation("malformed OPAQUE message", "message", "cannot be decoded")
	// ErrIdentityProtection is returned when a handshake identity can be neither
	// encrypted nor, by configuration, stored in plaintext.
	ErrIdentityProtection = errors.New("opaque: KEK unavailable and plaintext identity not allowed")
)

// RecordStore is the record persistence the engine needs.
type RecordStore interface {
	Put(ctx context.Context, r *domain.Record) error
}

// LoginSessionStore is the handshake persistence the engine needs.
type LoginSessionStore interface {
	Create(ctx context.Context, s *domain.LoginSession) error
	Consume(ctx context.Context, id string) (*domain.LoginSession, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds engine policy.
type Config struct {
	// LoginTTL bounds how long a handshake may stay open. Zero uses 5 minutes.
	LoginTTL time.Duration
	// AllowPlaintextIdentity permits storing and reading handshake identities without
	// the KEK. Never enable in production.
	AllowPlaintextIdentity bool
}

// Engine is the credential exchange engine.
type Engine struct {
	proto    protocol.Protocol
	records  RecordStore
	sessions LoginSessionStore
	kek      kek.Service
	cfg      Config
	logger   *zap.Logger
	nowF     func() time.Time
}

// NewEngine returns an engine. logger may be nil.
func NewEngine(p protocol.Protocol, records RecordStore, sessions LoginSessionStore, k kek.Service, cfg Config, logger *zap.Logger) *Engine {
	if cfg.LoginTTL <= 0 {
		cfg.LoginTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{proto: p, records: records, sessions: sessions, kek: k, cfg: cfg, logger: logger, nowF: time.Now}
}

// CredentialID derives the OPRF credential identifier from cohort and normalized email.
// Real and fake records use the same derivation, so a dummy login answers exactly as the
// real account would if it existed.
func CredentialID(cohort identity.Cohort, email string) []byte {
	sum := sha256.Sum256([]byte(string(cohort) + ":" + identity.NormalizeEmail(email)))
	return sum[:]
}

// StartRegistration answers a registration request for email within cohort.
func (e *Engine) StartRegistration(ctx context.Context, cohort identity.Cohort, email string, request []byte) (message, serverPublicKey []byte, err error) {
	msg, pk, err := e.proto.RegistrationResponse(request, CredentialID(cohort, email))
	if errors.Is(err, protocol.ErrMalformed) {
		return nil, nil, ErrMalformedMessage
	}
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	return msg, pk, nil
}

// FinishRegistration validates the client's upload and stores it as the subject's record,
// replacing any previous one.
func (e *Engine) FinishRegistration(ctx context.Context, subject identity.Identity, record []byte) (*domain.Record, error) {
	if err := e.proto.ValidateRecord(record); err != nil {
		return nil, ErrMalformedMessage
	}
	now := e.nowF().UTC()
	rec := &domain.Record{
		Cohort:       subject.Cohort,
		SubjectID:    subject.SubjectID,
		CredentialID: CredentialID(subject.Cohort, subject.Email),
		Envelope:     record,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if km, ok := e.proto.(interface{ PublicKey() []byte }); ok {
		rec.ServerPublicKey = km.PublicKey()
	}
	if err := e.records.Put(ctx, rec); err != nil {
		return nil, errs.Internal(fmt.Errorf("store opaque record: %w", err))
	}
	return rec, nil
}

// BeginLogin branches once on the lookup result: a real handshake for Found, the dummy
// handshake for NotFound. Both return the same response shape.
func (e *Engine) BeginLogin(ctx context.Context, cohort identity.Cohort, email string, lookup domain.Lookup, subjectID string, ke1 []byte) (message []byte, sessionID string, err error) {
	if rec, ok := lookup.Record(); ok {
		return e.StartLogin(ctx, identity.Identity{Cohort: cohort, SubjectID: subjectID, Email: email}, rec, ke1)
	}
	return e.StartLoginWithDummy(ctx, cohort, email, ke1)
}

// StartLogin answers KE1 for an existing record and opens a login session bound to subject.
func (e *Engine) StartLogin(ctx context.Context, subject identity.Identity, rec *domain.Record, ke1 []byte) ([]byte, string, error) {
	cred := protocol.Credential{
		CredentialID:   rec.CredentialID,
		ClientIdentity: []byte(identity.NormalizeEmail(subject.Email)),
		Envelope:       rec.Envelope,
	}
	return e.startLogin(ctx, subject, cred, ke1)
}

// StartLoginWithDummy runs the handshake against a fake record for an unknown account.
// The resulting session can never finish successfully.
func (e *Engine) StartLoginWithDummy(ctx context.Context, cohort identity.Cohort, email string, ke1 []byte) ([]byte, string, error) {
	cred := protocol.Credential{
		CredentialID:   CredentialID(cohort, email),
		ClientIdentity: []byte(identity.NormalizeEmail(email)),
	}
	return e.startLogin(ctx, identity.Identity{Cohort: cohort, Email: email}, cred, ke1)
}

func (e *Engine) startLogin(ctx context.Context, subject identity.Identity, cred protocol.Credential, ke1 []byte) ([]byte, string, error) {
	ke2, state, err := e.proto.LoginInit(ke1, cred)
	if errors.Is(err, protocol.ErrMalformed) {
		return nil, "", ErrMalformedMessage
	}
	if err != nil {
		return nil, "", errs.Internal(err)
	}

	encoded, err := e.encodeIdentity(subject)
	if err != nil {
		return nil, "", errs.Internal(err)
	}
	id, err := security.RandomToken(security.TokenBytes)
	if err != nil {
		return nil, "", errs.Internal(err)
	}
	now := e.nowF().UTC()
	ls := &domain.LoginSession{
		ID:          id,
		Cohort:      subject.Cohort,
		Identity:    encoded,
		ServerState: state,
		ExpiresAt:   now.Add(e.cfg.LoginTTL),
		CreatedAt:   now,
	}
	if err := e.sessions.Create(ctx, ls); err != nil {
		return nil, "", errs.Internal(fmt.Errorf("store login session: %w", err))
	}
	return ke2, id, nil
}

// LoginResult is the outcome of a successful handshake. Identity comes from the
// server-side login session, never from the finish request.
type LoginResult struct {
	Identity   identity.Identity
	SessionKey []byte
}

// FinishLogin consumes the login session (single use even on failure) and verifies KE3.
func (e *Engine) FinishLogin(ctx context.Context, cohort identity.Cohort, sessionID string, ke3 []byte) (*LoginResult, error) {
	if sessionID == "" {
		return nil, ErrAuthFailed
	}
	ls, err := e.sessions.Consume(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("consume login session: %w", err))
	}
	if ls == nil || ls.Expired(e.nowF()) || ls.Cohort != cohort {
		return nil, ErrAuthFailed
	}

	subject, err := e.decodeIdentity(ls.Identity)
	if err != nil {
		e.logger.Error("login session identity undecodable", zap.String("cohort", string(cohort)), logging.Err(err))
		return nil, ErrAuthFailed
	}

	key, err := e.proto.LoginFinish(ls.ServerState, ke3)
	if err != nil {
		if !errors.Is(err, protocol.ErrAuthentication) && !errors.Is(err, protocol.ErrMalformed) {
			e.logger.Warn("login finish", logging.Err(err))
		}
		return nil, ErrAuthFailed
	}
	// A dummy handshake cannot authenticate, but never hand out an identity without a subject.
	if subject.SubjectID == "" {
		return nil, ErrAuthFailed
	}
	subject.Cohort = ls.Cohort
	return &LoginResult{Identity: subject, SessionKey: key}, nil
}

// DeleteExpiredLoginSessions sweeps abandoned handshakes.
func (e *Engine) DeleteExpiredLoginSessions(ctx context.Context) (int64, error) {
	return e.sessions.DeleteExpired(ctx, e.nowF())
}

type storedIdentity struct {
	SubjectID string `json:"s"`
	Email     string `json:"e"`
}

// encodeIdentity encrypts the identity with the KEK, or stores it base64 plaintext
// only when explicitly allowed.
func (e *Engine) encodeIdentity(id identity.Identity) (string, error) {
	raw, err := json.Marshal(storedIdentity{SubjectID: id.SubjectID, Email: identity.NormalizeEmail(id.Email)})
	if err != nil {
		return "", err
	}
	if e.kek.IsAvailable() {
		ct, err := e.kek.Encrypt(raw)
		if err == nil {
			return base64.StdEncoding.EncodeToString(ct), nil
		}
		if !e.cfg.AllowPlaintextIdentity {
			return "", err
		}
		e.logger.Warn("kek encrypt failed, storing plaintext handshake identity", logging.Err(err))
	}
	if !e.cfg.AllowPlaintextIdentity {
		return "", ErrIdentityProtection
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// decodeIdentity tries KEK decryption first and falls back to a plaintext decode only
// when plaintext identities are allowed. Otherwise it fails closed.
func (e *Engine) decodeIdentity(s string) (identity.Identity, error) {
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return identity.Identity{}, err
	}
	var raw []byte
	if e.kek.IsAvailable() {
		if pt, derr := e.kek.Decrypt(blob); derr == nil {
			raw = pt
		} else if !e.cfg.AllowPlaintextIdentity {
			return identity.Identity{}, derr
		}
	}
	if raw == nil {
		if !e.cfg.AllowPlaintextIdentity {
			return identity.Identity{}, ErrIdentityProtection
		}
		raw = blob
	}
	var si storedIdentity
	if err := json.Unmarshal(raw, &si); err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{SubjectID: si.SubjectID, Email: si.Email}, nil
}
