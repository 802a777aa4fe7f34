package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/kek"
	"opaque-idp/internal/opaque/domain"
	"opaque-idp/internal/opaque/protocol"
)

// fakeProtocol models OPAQUE closely enough for the engine: a login finishes only when
// KE3 proves knowledge of the stored envelope, and fake records never finish.
type fakeProtocol struct{}

func (fakeProtocol) RegistrationResponse(req, credID []byte) ([]byte, []byte, error) {
	if len(req) == 0 {
		return nil, nil, protocol.ErrMalformed
	}
	return append([]byte("resp:"), credID...), []byte("spk"), nil
}

func (fakeProtocol) ValidateRecord(rec []byte) error {
	if !bytes.HasPrefix(rec, []byte("rec:")) {
		return protocol.ErrMalformed
	}
	return nil
}

func (fakeProtocol) LoginInit(ke1 []byte, cred protocol.Credential) ([]byte, []byte, error) {
	if len(ke1) == 0 {
		return nil, nil, protocol.ErrMalformed
	}
	if cred.Envelope == nil {
		return []byte("ke2"), []byte("fake"), nil
	}
	return []byte("ke2"), append([]byte("real|"), cred.Envelope...), nil
}

func (fakeProtocol) LoginFinish(state, ke3 []byte) ([]byte, error) {
	env, ok := bytes.CutPrefix(state, []byte("real|"))
	if !ok || !bytes.Equal(ke3, append([]byte("proof|"), env...)) {
		return nil, protocol.ErrAuthentication
	}
	return []byte("session-key"), nil
}

func (fakeProtocol) PublicKey() []byte { return []byte("spk") }

type memRecords struct {
	mu   sync.Mutex
	recs map[string]*domain.Record
}

func (m *memRecords) Put(_ context.Context, r *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = map[string]*domain.Record{}
	}
	m.recs[string(r.Cohort)+"/"+r.SubjectID] = r
	return nil
}

type memLoginSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.LoginSession
}

func (m *memLoginSessions) Create(_ context.Context, s *domain.LoginSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = map[string]*domain.LoginSession{}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memLoginSessions) Consume(_ context.Context, id string) (*domain.LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	delete(m.sessions, id)
	return s, nil
}

func (m *memLoginSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func newTestEngine(t *testing.T, k kek.Service, cfg Config) (*Engine, *memRecords, *memLoginSessions) {
	t.Helper()
	recs := &memRecords{}
	sessions := &memLoginSessions{}
	return NewEngine(fakeProtocol{}, recs, sessions, k, cfg, nil), recs, sessions
}

func testKEK(t *testing.T) kek.Service {
	t.Helper()
	k, err := kek.New("test-kek-secret")
	if err != nil {
		t.Fatalf("kek.New: %v", err)
	}
	return k
}

var alice = identity.Identity{Cohort: identity.CohortUser, SubjectID: "user-1", Email: "Alice@Example.com"}

func register(t *testing.T, e *Engine, who identity.Identity, envelope string) *domain.Record {
	t.Helper()
	ctx := context.Background()
	resp, pk, err := e.StartRegistration(ctx, who.Cohort, who.Email, []byte("blinded"))
	if err != nil {
		t.Fatalf("StartRegistration: %v", err)
	}
	if len(resp) == 0 || string(pk) != "spk" {
		t.Fatalf("StartRegistration = %q, %q", resp, pk)
	}
	rec, err := e.FinishRegistration(ctx, who, []byte("rec:"+envelope))
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	return rec
}

func TestEngine_RegisterAndLogin(t *testing.T) {
	e, recs, _ := newTestEngine(t, testKEK(t), Config{})
	ctx := context.Background()

	rec := register(t, e, alice, "pw")
	if len(recs.recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs.recs))
	}
	if string(rec.ServerPublicKey) != "spk" {
		t.Errorf("ServerPublicKey = %q", rec.ServerPublicKey)
	}

	ke2, sid, err := e.BeginLogin(ctx, alice.Cohort, alice.Email, domain.Found(rec), alice.SubjectID, []byte("ke1"))
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	if string(ke2) != "ke2" || sid == "" {
		t.Fatalf("BeginLogin = %q, %q", ke2, sid)
	}

	res, err := e.FinishLogin(ctx, alice.Cohort, sid, []byte("proof|rec:pw"))
	if err != nil {
		t.Fatalf("FinishLogin: %v", err)
	}
	if res.Identity.SubjectID != "user-1" || res.Identity.Email != "alice@example.com" || res.Identity.Cohort != identity.CohortUser {
		t.Errorf("Identity = %+v", res.Identity)
	}
	if string(res.SessionKey) != "session-key" {
		t.Errorf("SessionKey = %q", res.SessionKey)
	}
}

func TestEngine_CredentialIDIsNormalizedAndCohortScoped(t *testing.T) {
	a := CredentialID(identity.CohortUser, " Alice@Example.com ")
	b := CredentialID(identity.CohortUser, "alice@example.com")
	c := CredentialID(identity.CohortAdmin, "alice@example.com")
	if !bytes.Equal(a, b) {
		t.Error("credential id should ignore case and surrounding space")
	}
	if bytes.Equal(b, c) {
		t.Error("credential id should differ across cohorts")
	}
}

func TestEngine_WrongPasswordAndUnknownUserFailIdentically(t *testing.T) {
	e, _, _ := newTestEngine(t, testKEK(t), Config{})
	ctx := context.Background()
	rec := register(t, e, alice, "pw")

	_, sid, err := e.BeginLogin(ctx, alice.Cohort, alice.Email, domain.Found(rec), alice.SubjectID, []byte("ke1"))
	if err != nil {
		t.Fatalf("BeginLogin: %v", err)
	}
	_, errWrong := e.FinishLogin(ctx, alice.Cohort, sid, []byte("proof|rec:guess"))

	ke2, dummySID, err := e.BeginLogin(ctx, alice.Cohort, "nobody@example.com", domain.NotFound(), "", []byte("ke1"))
	if err != nil {
		t.Fatalf("BeginLogin (dummy): %v", err)
	}
	if string(ke2) != "ke2" || dummySID == "" {
		t.Fatalf("dummy BeginLogin = %q, %q", ke2, dummySID)
	}
	_, errUnknown := e.FinishLogin(ctx, alice.Cohort, dummySID, []byte("proof|rec:pw"))

	if !errors.Is(errWrong, ErrAuthFailed) || !errors.Is(errUnknown, ErrAuthFailed) {
		t.Fatalf("errors = %v, %v; want ErrAuthFailed", errWrong, errUnknown)
	}
	if errWrong.Error() != errUnknown.Error() {
		t.Errorf("error text differs: %q vs %q", errWrong, errUnknown)
	}
}

func TestEngine_LoginSessionIsSingleUse(t *testing.T) {
	e, _, sessions := newTestEngine(t, testKEK(t), Config{})
	ctx := context.Background()
	rec := register(t, e, alice, "pw")

	_, sid, err := e.StartLogin(ctx, alice, rec, []byte("ke1"))
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if _, err := e.FinishLogin(ctx, alice.Cohort, sid, []byte("wrong")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("first FinishLogin err = %v", err)
	}
	if len(sessions.sessions) != 0 {
		t.Fatal("failed finish should still consume the login session")
	}
	if _, err := e.FinishLogin(ctx, alice.Cohort, sid, []byte("proof|rec:pw")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("replayed FinishLogin err = %v", err)
	}
}

func TestEngine_FinishLoginRejectsExpiredUnknownAndCrossCohort(t *testing.T) {
	e, _, _ := newTestEngine(t, testKEK(t), Config{LoginTTL: time.Minute})
	ctx := context.Background()
	rec := register(t, e, alice, "pw")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.nowF = func() time.Time { return now }

	if _, err := e.FinishLogin(ctx, alice.Cohort, "", nil); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("empty session id err = %v", err)
	}
	if _, err := e.FinishLogin(ctx, alice.Cohort, "missing", []byte("proof|rec:pw")); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("unknown session err = %v", err)
	}

	_, sid, err := e.StartLogin(ctx, alice, rec, []byte("ke1"))
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	if _, err := e.FinishLogin(ctx, identity.CohortAdmin, sid, []byte("proof|rec:pw")); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("cross-cohort finish err = %v", err)
	}

	_, sid, err = e.StartLogin(ctx, alice, rec, []byte("ke1"))
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := e.FinishLogin(ctx, alice.Cohort, sid, []byte("proof|rec:pw")); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("expired finish err = %v", err)
	}
}

func TestEngine_MalformedMessages(t *testing.T) {
	e, _, _ := newTestEngine(t, testKEK(t), Config{})
	ctx := context.Background()

	if _, _, err := e.StartRegistration(ctx, alice.Cohort, alice.Email, nil); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("StartRegistration err = %v", err)
	}
	if _, err := e.FinishRegistration(ctx, alice, []byte("garbage")); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("FinishRegistration err = %v", err)
	}
	if _, _, err := e.StartLoginWithDummy(ctx, alice.Cohort, alice.Email, nil); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("StartLoginWithDummy err = %v", err)
	}
}

func TestEngine_IdentityIsEncryptedAtRest(t *testing.T) {
	e, _, sessions := newTestEngine(t, testKEK(t), Config{})
	rec := register(t, e, alice, "pw")
	_, sid, err := e.StartLogin(context.Background(), alice, rec, []byte("ke1"))
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}
	stored := sessions.sessions[sid].Identity
	if strings.Contains(stored, "user-1") || strings.Contains(stored, "alice") {
		t.Errorf("stored identity leaks plaintext: %q", stored)
	}
	if _, err := e.decodeIdentity(stored); err != nil {
		t.Errorf("decodeIdentity: %v", err)
	}
}

func TestEngine_PlaintextIdentityRequiresFlag(t *testing.T) {
	ctx := context.Background()

	strict, _, _ := newTestEngine(t, kek.Unavailable{}, Config{})
	rec := register(t, strict, alice, "pw")
	if _, _, err := strict.StartLogin(ctx, alice, rec, []byte("ke1")); err == nil {
		t.Fatal("StartLogin without KEK should fail when plaintext identities are not allowed")
	}

	lax, _, _ := newTestEngine(t, kek.Unavailable{}, Config{AllowPlaintextIdentity: true})
	rec = register(t, lax, alice, "pw")
	_, sid, err := lax.StartLogin(ctx, alice, rec, []byte("ke1"))
	if err != nil {
		t.Fatalf("StartLogin (plaintext allowed): %v", err)
	}
	res, err := lax.FinishLogin(ctx, alice.Cohort, sid, []byte("proof|rec:pw"))
	if err != nil {
		t.Fatalf("FinishLogin: %v", err)
	}
	if res.Identity.SubjectID != alice.SubjectID {
		t.Errorf("SubjectID = %q", res.Identity.SubjectID)
	}
}

func TestEngine_PlaintextSessionRejectedOnceFlagIsOff(t *testing.T) {
	ctx := context.Background()
	lax, recs, sessions := newTestEngine(t, kek.Unavailable{}, Config{AllowPlaintextIdentity: true})
	rec := register(t, lax, alice, "pw")
	_, sid, err := lax.StartLogin(ctx, alice, rec, []byte("ke1"))
	if err != nil {
		t.Fatalf("StartLogin: %v", err)
	}

	strict := NewEngine(fakeProtocol{}, recs, sessions, testKEK(t), Config{}, nil)
	if _, err := strict.FinishLogin(ctx, alice.Cohort, sid, []byte("proof|rec:pw")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("FinishLogin err = %v, want ErrAuthFailed", err)
	}
}

func TestEngine_DeleteExpiredLoginSessions(t *testing.T) {
	e, _, sessions := newTestEngine(t, testKEK(t), Config{LoginTTL: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.nowF = func() time.Time { return now }
	ctx := context.Background()

	if _, _, err := e.StartLoginWithDummy(ctx, alice.Cohort, alice.Email, []byte("ke1")); err != nil {
		t.Fatalf("StartLoginWithDummy: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, _, err := e.StartLoginWithDummy(ctx, alice.Cohort, alice.Email, []byte("ke1")); err != nil {
		t.Fatalf("StartLoginWithDummy: %v", err)
	}
	now = now.Add(45 * time.Second)

	n, err := e.DeleteExpiredLoginSessions(ctx)
	if err != nil {
		t.Fatalf("DeleteExpiredLoginSessions: %v", err)
	}
	if n != 1 || len(sessions.sessions) != 1 {
		t.Errorf("deleted %d, remaining %d; want 1, 1", n, len(sessions.sessions))
	}
}
