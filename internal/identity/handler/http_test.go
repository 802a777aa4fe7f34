package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/identity/service"
	otpdomain "opaque-idp/internal/otp/domain"
	otpservice "opaque-idp/internal/otp/service"
	"opaque-idp/internal/ratelimit"
	"opaque-idp/internal/server/interceptors"
	"opaque-idp/internal/session"
	sessiondomain "opaque-idp/internal/session/domain"
	sessionservice "opaque-idp/internal/session/service"
	"opaque-idp/internal/settings"
)

// fakeAuth records the arguments the handler passes and returns canned results.
type fakeAuth struct {
	mu             sync.Mutex
	loginFinishIDs []string
	lastOrg        string
	lastReauth     string
	principal      interceptors.Principal
	verifyErr      error
}

func issuedFor(id string, pending bool) *sessionservice.Issued {
	exp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	return &sessionservice.Issued{
		SessionID: id, RefreshToken: "rt-" + id, ExpiresAt: exp, RefreshExpiresAt: exp.Add(time.Hour),
		Data: sessiondomain.ForUser(sessiondomain.UserSession{UserID: "u1", Email: "alice@example.com", OTPRequired: pending}),
	}
}

func (f *fakeAuth) RegisterStart(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, email string, request []byte) (*service.RegistrationChallenge, error) {
	return &service.RegistrationChallenge{Message: []byte("resp"), ServerPublicKey: []byte("pk")}, nil
}

func (f *fakeAuth) RegisterFinish(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, email, name string, record []byte, meta service.Meta) error {
	return nil
}

func (f *fakeAuth) LoginStart(ctx context.Context, cohort identity.Cohort, email string, ke1 []byte) (*service.LoginChallenge, error) {
	return &service.LoginChallenge{Message: []byte("ke2"), LoginSessionID: "ls-1"}, nil
}

func (f *fakeAuth) LoginFinish(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, loginSessionID string, ke3 []byte, meta service.Meta) (*sessionservice.Issued, error) {
	f.mu.Lock()
	f.loginFinishIDs = append(f.loginFinishIDs, loginSessionID)
	f.mu.Unlock()
	return issuedFor("sess-new", true), nil
}

func (f *fakeAuth) OTPSetupInit(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session) (*otpservice.Enrollment, error) {
	return &otpservice.Enrollment{Secret: "S", URL: "otpauth://totp/x"}, nil
}

func (f *fakeAuth) OTPSetupVerify(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (*sessionservice.Issued, []string, error) {
	return issuedFor("sess-rot", false), []string{"AAAA-BBBB-CCCC"}, nil
}

func (f *fakeAuth) OTPVerify(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (*sessionservice.Issued, otpservice.Method, error) {
	if f.verifyErr != nil {
		return nil, "", f.verifyErr
	}
	return issuedFor("sess-rot", false), otpservice.MethodTOTP, nil
}

func (f *fakeAuth) OTPReauth(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (string, time.Time, error) {
	return "reauth", time.Now(), nil
}

func (f *fakeAuth) OTPDisable(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, reauthToken string) (*sessionservice.Issued, error) {
	f.mu.Lock()
	f.lastReauth = reauthToken
	f.mu.Unlock()
	if reauthToken != "reauth" {
		return nil, sessionservice.ErrInvalidReauthToken
	}
	return issuedFor("sess-fresh", false), nil
}

func (f *fakeAuth) OTPStatus(ctx context.Context, sess *sessiondomain.Session) (*otpdomain.Status, error) {
	return &otpdomain.Status{State: otpdomain.StateEnabled, BackupCodesRemaining: 8}, nil
}

func (f *fakeAuth) RegenerateBackupCodes(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, reauthToken string) ([]string, error) {
	return []string{"X"}, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, refreshToken string) (*sessionservice.Issued, error) {
	if refreshToken != "rt-live" {
		return nil, sessionservice.ErrInvalidRefreshToken
	}
	return issuedFor("sess-refreshed", false), nil
}

func (f *fakeAuth) AccessToken(ctx context.Context, sess *sessiondomain.Session) (string, time.Time, error) {
	return "jwt-" + sess.SubjectID, time.Now().Add(5 * time.Minute), nil
}

func (f *fakeAuth) Logout(ctx context.Context, sess *sessiondomain.Session, meta service.Meta) error {
	return nil
}

func (f *fakeAuth) Me(ctx context.Context, sess *sessiondomain.Session, explicitOrgID string) (*service.Profile, error) {
	f.mu.Lock()
	f.lastOrg = explicitOrgID
	f.principal, _ = interceptors.GetPrincipal(ctx)
	f.mu.Unlock()
	return &service.Profile{Cohort: sess.Cohort, SubjectID: sess.SubjectID}, nil
}

// fakeResolver knows a single session id per cohort.
type fakeResolver struct {
	sessions map[string]*sessiondomain.Session
}

func (r *fakeResolver) RequireSession(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, sessionID, path string) (*sessiondomain.Session, error) {
	s, ok := r.sessions[sessionID]
	if !ok || s.Cohort != cohort {
		return nil, sessionservice.ErrSessionRequired
	}
	return s, nil
}

func newTestHandler(t *testing.T, cohort identity.Cohort, values settings.Static) (*http.ServeMux, *fakeAuth) {
	t.Helper()
	auth := &fakeAuth{}
	resolver := &fakeResolver{sessions: map[string]*sessiondomain.Session{
		"sid-user": {ID: "sid-user", Cohort: identity.CohortUser, SubjectID: "u1",
			Data: sessiondomain.ForUser(sessiondomain.UserSession{UserID: "u1", Email: "alice@example.com"})},
		"sid-admin": {ID: "sid-admin", Cohort: identity.CohortAdmin, SubjectID: "a1",
			Data: sessiondomain.ForAdmin(sessiondomain.AdminSession{AdminID: "a1", Email: "root@example.com", Role: "owner"})},
	}}
	if values == nil {
		values = settings.Static{}
	}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), values, nil, nil)
	h := New(cohort, auth, resolver, limiter, values, Config{SecureCookies: true}, nil)
	mux := http.NewServeMux()
	prefix := ""
	if cohort == identity.CohortAdmin {
		prefix = "/admin"
	}
	h.Routes(mux, prefix, nil)
	return mux, auth
}

func jsonRequest(method, path, body string) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "198.51.100.7:5000"
	return r
}

// withSession attaches the cohort's session and matching CSRF cookie and header.
func withSession(r *http.Request, cohort identity.Cohort, sid string) *http.Request {
	names := session.NamesFor(cohort)
	r.AddCookie(&http.Cookie{Name: names.Session, Value: sid})
	r.AddCookie(&http.Cookie{Name: names.CSRF, Value: "csrf-tok"})
	r.Header.Set(session.CSRFHeader, "csrf-tok")
	return r
}

func cookiesByName(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestLoginStart(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, jsonRequest(http.MethodPost, "/opaque/login/start", `{"email":"alice@example.com","ke1":"a2Ux"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var resp loginStartResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LoginSessionID != "ls-1" || string(resp.KE2) != "ke2" {
		t.Errorf("resp = %+v", resp)
	}
	for _, h := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("missing %s header", h)
		}
	}
}

func TestLoginFinish_SetsCookiesAndIgnoresClientIdentity(t *testing.T) {
	mux, auth := newTestHandler(t, identity.CohortUser, nil)
	rec := httptest.NewRecorder()
	body := `{"login_session_id":"ls-1","ke3":"Z29vZA==","email":"mallory@example.com","user_id":"u-evil"}`
	mux.ServeHTTP(rec, jsonRequest(http.MethodPost, "/opaque/login/finish", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if len(auth.loginFinishIDs) != 1 || auth.loginFinishIDs[0] != "ls-1" {
		t.Errorf("LoginFinish calls = %v", auth.loginFinishIDs)
	}
	cookies := cookiesByName(rec)
	if c := cookies["session"]; c == nil || c.Value != "sess-new" || !c.HttpOnly {
		t.Errorf("session cookie = %+v", c)
	}
	if c := cookies["refresh_token"]; c == nil || c.Value != "rt-sess-new" {
		t.Errorf("refresh cookie = %+v", c)
	}
	if c := cookies["csrf_token"]; c == nil || c.Value == "" || c.HttpOnly {
		t.Errorf("csrf cookie = %+v", c)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["otp_required"] != true {
		t.Errorf("otp_required = %v", resp["otp_required"])
	}
	if strings.Contains(rec.Body.String(), "rt-sess-new") {
		t.Error("refresh token must only travel in the cookie")
	}
}

func TestLoginStart_RateLimited(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, settings.Static{"rate_limit.auth.max_requests": "3"})
	var last *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		last = httptest.NewRecorder()
		mux.ServeHTTP(last, jsonRequest(http.MethodPost, "/opaque/login/start", `{"email":"alice@example.com","ke1":"a2Ux"}`))
		if i < 3 && last.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("4th status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" || last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("headers = %v", last.Header())
	}
}

func TestMalformedBody(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, jsonRequest(http.MethodPost, "/opaque/register/start", `{"email":`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthed_RequiresSessionAndCSRF(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, jsonRequest(http.MethodPost, "/otp/verify", `{"code":"123456"}`))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no CSRF status = %d, want 403", rec.Code)
	}

	r := jsonRequest(http.MethodPost, "/otp/verify", `{"code":"123456"}`)
	r.AddCookie(&http.Cookie{Name: "csrf_token", Value: "t"})
	r.Header.Set(session.CSRFHeader, "t")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no session status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(jsonRequest(http.MethodPost, "/otp/verify", `{"code":"123456"}`), identity.CohortUser, "sid-user"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if c := cookiesByName(rec)["session"]; c == nil || c.Value != "sess-rot" {
		t.Errorf("rotated session cookie = %+v", c)
	}
}

func TestAuthed_CohortCookiesDoNotCross(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortAdmin, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, "/admin/me", nil), identity.CohortUser, "sid-admin"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("user cookie on admin route status = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, "/admin/me", nil), identity.CohortAdmin, "sid-admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("admin me status = %d", rec.Code)
	}
}

func TestMe_PassesOrgAndPrincipal(t *testing.T) {
	mux, auth := newTestHandler(t, identity.CohortAdmin, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodGet, "/admin/me?org_id=org-2", nil), identity.CohortAdmin, "sid-admin"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if auth.lastOrg != "org-2" {
		t.Errorf("org = %q", auth.lastOrg)
	}
	if auth.principal.SubjectID != "a1" || auth.principal.AdminRole != "owner" || auth.principal.SessionID != "sid-admin" {
		t.Errorf("principal = %+v", auth.principal)
	}
}

func TestOTPDisable_ReauthHeader(t *testing.T) {
	mux, auth := newTestHandler(t, identity.CohortUser, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodDelete, "/otp", nil), identity.CohortUser, "sid-user"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without reauth status = %d", rec.Code)
	}

	r := withSession(httptest.NewRequest(http.MethodDelete, "/otp", nil), identity.CohortUser, "sid-user")
	r.Header.Set(ReauthHeader, "reauth")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || auth.lastReauth != "reauth" {
		t.Fatalf("status = %d reauth = %q", rec.Code, auth.lastReauth)
	}
	if c := cookiesByName(rec)["session"]; c == nil || c.Value != "sess-fresh" {
		t.Errorf("fresh session cookie = %+v", c)
	}
}

func TestOTPLocked_RetryAfter(t *testing.T) {
	mux, auth := newTestHandler(t, identity.CohortUser, nil)
	auth.verifyErr = otpservice.ErrLocked.WithRetryAfter(15 * time.Minute)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(jsonRequest(http.MethodPost, "/otp/verify", `{"code":"000000"}`), identity.CohortUser, "sid-user"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "900" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestRefresh(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, nil)

	r := httptest.NewRequest(http.MethodPost, "/refresh-token", nil)
	r.AddCookie(&http.Cookie{Name: "refresh_token", Value: "rt-live"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("refresh without CSRF status = %d", rec.Code)
	}

	r = withSession(httptest.NewRequest(http.MethodPost, "/refresh-token", nil), identity.CohortUser, "")
	r.AddCookie(&http.Cookie{Name: "refresh_token", Value: "rt-live"})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if c := cookiesByName(rec)["refresh_token"]; c == nil || c.Value != "rt-sess-refreshed" {
		t.Errorf("refresh cookie = %+v", c)
	}

	r = withSession(httptest.NewRequest(http.MethodPost, "/refresh-token", nil), identity.CohortUser, "")
	r.AddCookie(&http.Cookie{Name: "refresh_token", Value: "rt-stale"})
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale refresh status = %d", rec.Code)
	}
	if c := cookiesByName(rec)["refresh_token"]; c == nil || c.MaxAge >= 0 {
		t.Errorf("stale refresh should clear cookies, got %+v", c)
	}
}

func TestLogout_ClearsCookies(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodPost, "/logout", bytes.NewReader(nil)), identity.CohortUser, "sid-user"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 3 {
		t.Errorf("cleared %d cookies, want 3", len(rec.Result().Cookies()))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/opaque/login/start", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestToken(t *testing.T) {
	mux, _ := newTestHandler(t, identity.CohortUser, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, withSession(httptest.NewRequest(http.MethodPost, "/token", nil), identity.CohortUser, "sid-user"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.AccessToken != "jwt-u1" || resp.TokenType != "Bearer" {
		t.Fatalf("resp = %+v, %v", resp, err)
	}
}
