// Package handler serves the account endpoints of one cohort over HTTP: OPAQUE
// registration and login, OTP enrollment and step-up, refresh, logout and /me.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/identity/service"
	"opaque-idp/internal/logging"
	otpdomain "opaque-idp/internal/otp/domain"
	otpservice "opaque-idp/internal/otp/service"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/ratelimit"
	"opaque-idp/internal/security"
	"opaque-idp/internal/server/interceptors"
	"opaque-idp/internal/session"
	sessiondomain "opaque-idp/internal/session/domain"
	sessionservice "opaque-idp/internal/session/service"
	"opaque-idp/internal/settings"
)

// ReauthHeader carries the reauthentication token on sensitive OTP operations.
const ReauthHeader = "X-Reauth-Token"

const maxBodyBytes = 64 << 10

// Auth is the account flow service. Implemented by service.AuthService.
type Auth interface {
	RegisterStart(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, email string, request []byte) (*service.RegistrationChallenge, error)
	RegisterFinish(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, email, name string, record []byte, meta service.Meta) error
	LoginStart(ctx context.Context, cohort identity.Cohort, email string, ke1 []byte) (*service.LoginChallenge, error)
	LoginFinish(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, loginSessionID string, ke3 []byte, meta service.Meta) (*sessionservice.Issued, error)
	OTPSetupInit(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session) (*otpservice.Enrollment, error)
	OTPSetupVerify(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (*sessionservice.Issued, []string, error)
	OTPVerify(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (*sessionservice.Issued, otpservice.Method, error)
	OTPReauth(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (string, time.Time, error)
	OTPDisable(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, reauthToken string) (*sessionservice.Issued, error)
	OTPStatus(ctx context.Context, sess *sessiondomain.Session) (*otpdomain.Status, error)
	RegenerateBackupCodes(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, reauthToken string) ([]string, error)
	Refresh(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, refreshToken string) (*sessionservice.Issued, error)
	AccessToken(ctx context.Context, sess *sessiondomain.Session) (string, time.Time, error)
	Logout(ctx context.Context, sess *sessiondomain.Session, meta service.Meta) error
	Me(ctx context.Context, sess *sessiondomain.Session, explicitOrgID string) (*service.Profile, error)
}

// SessionResolver resolves the session cookie. Implemented by session/service.Service.
type SessionResolver interface {
	RequireSession(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, sessionID, path string) (*sessiondomain.Session, error)
}

// Limiter checks rate limits against an already resolved snapshot. Implemented by ratelimit.Limiter.
type Limiter interface {
	CheckWith(ctx context.Context, snap settings.Snapshot, class ratelimit.Class, ip, identifier string) (ratelimit.Result, error)
}

// Config holds transport options.
type Config struct {
	// SecureCookies should only be false for local plain-HTTP development.
	SecureCookies bool
	// TrustProxy honours X-Forwarded-For for the client address.
	TrustProxy bool
}

// Handler serves one cohort.
type Handler struct {
	cohort     identity.Cohort
	auth       Auth
	sessions   SessionResolver
	limiter    Limiter
	settings   settings.Source
	cookies    session.Cookies
	trustProxy bool
	logger     *zap.Logger
}

// New returns a Handler for cohort.
func New(cohort identity.Cohort, auth Auth, sessions SessionResolver, limiter Limiter, source settings.Source, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cohort:     cohort,
		auth:       auth,
		sessions:   sessions,
		limiter:    limiter,
		settings:   source,
		cookies:    session.NewCookies(cohort, cfg.SecureCookies),
		trustProxy: cfg.TrustProxy,
		logger:     logger.With(zap.String("cohort", string(cohort))),
	}
}

// Routes registers the cohort's endpoints on mux under prefix ("" for users, "/admin"
// for admins). wrap decorates each route, e.g. with metrics; it may be nil.
func (h *Handler) Routes(mux *http.ServeMux, prefix string, wrap func(route string, next http.Handler) http.Handler) {
	route := func(method, path string, fn http.HandlerFunc) {
		pattern := prefix + path
		var next http.Handler = fn
		if wrap != nil {
			next = wrap(pattern, next)
		}
		mux.Handle(method+" "+pattern, next)
	}
	route(http.MethodPost, "/opaque/register/start", h.registerStart)
	route(http.MethodPost, "/opaque/register/finish", h.registerFinish)
	route(http.MethodPost, "/opaque/login/start", h.loginStart)
	route(http.MethodPost, "/opaque/login/finish", h.loginFinish)
	route(http.MethodPost, "/otp/setup/init", h.authed(ratelimit.ClassOTP, h.otpSetupInit))
	route(http.MethodPost, "/otp/setup/verify", h.authed(ratelimit.ClassOTP, h.otpSetupVerify))
	route(http.MethodPost, "/otp/verify", h.authed(ratelimit.ClassOTP, h.otpVerify))
	route(http.MethodPost, "/otp/reauth", h.authed(ratelimit.ClassOTP, h.otpReauth))
	route(http.MethodDelete, "/otp", h.authed(ratelimit.ClassOTP, h.otpDisable))
	route(http.MethodGet, "/otp/status", h.authed(ratelimit.ClassAPI, h.otpStatus))
	route(http.MethodPost, "/otp/backup-codes", h.authed(ratelimit.ClassOTP, h.backupCodes))
	route(http.MethodPost, "/refresh-token", h.refresh)
	route(http.MethodPost, "/token", h.authed(ratelimit.ClassAPI, h.token))
	route(http.MethodPost, "/logout", h.authed(ratelimit.ClassAPI, h.logout))
	route(http.MethodGet, "/me", h.authed(ratelimit.ClassAPI, h.me))
}

type registerStartRequest struct {
	Email               string `json:"email"`
	RegistrationRequest []byte `json:"registration_request"`
}

type registerStartResponse struct {
	RegistrationResponse []byte `json:"registration_response"`
	ServerPublicKey      []byte `json:"server_public_key"`
}

func (h *Handler) registerStart(w http.ResponseWriter, r *http.Request) {
	var req registerStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, ok := h.snapshot(w, r)
	if !ok || !h.limit(w, r, snap, ratelimit.ClassRegister, identity.NormalizeEmail(req.Email)) {
		return
	}
	ch, err := h.auth.RegisterStart(r.Context(), snap, h.cohort, req.Email, req.RegistrationRequest)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerStartResponse{RegistrationResponse: ch.Message, ServerPublicKey: ch.ServerPublicKey})
}

type registerFinishRequest struct {
	Email              string `json:"email"`
	Name               string `json:"name"`
	RegistrationRecord []byte `json:"registration_record"`
}

func (h *Handler) registerFinish(w http.ResponseWriter, r *http.Request) {
	var req registerFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, ok := h.snapshot(w, r)
	if !ok || !h.limit(w, r, snap, ratelimit.ClassRegister, identity.NormalizeEmail(req.Email)) {
		return
	}
	if err := h.auth.RegisterFinish(r.Context(), snap, h.cohort, req.Email, req.Name, req.RegistrationRecord, h.meta(r)); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type loginStartRequest struct {
	Email string `json:"email"`
	KE1   []byte `json:"ke1"`
}

type loginStartResponse struct {
	LoginSessionID string `json:"login_session_id"`
	KE2            []byte `json:"ke2"`
}

func (h *Handler) loginStart(w http.ResponseWriter, r *http.Request) {
	var req loginStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, ok := h.snapshot(w, r)
	if !ok || !h.limit(w, r, snap, ratelimit.ClassAuth, identity.NormalizeEmail(req.Email)) {
		return
	}
	ch, err := h.auth.LoginStart(r.Context(), h.cohort, req.Email, req.KE1)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginStartResponse{LoginSessionID: ch.LoginSessionID, KE2: ch.Message})
}

// loginFinishRequest deliberately has no identity fields: the subject comes from the
// server-side handshake state only.
type loginFinishRequest struct {
	LoginSessionID string `json:"login_session_id"`
	KE3            []byte `json:"ke3"`
}

type sessionResponse struct {
	OTPRequired      bool      `json:"otp_required"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func (h *Handler) loginFinish(w http.ResponseWriter, r *http.Request) {
	var req loginFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, ok := h.snapshot(w, r)
	if !ok || !h.limit(w, r, snap, ratelimit.ClassAuth, "") {
		return
	}
	issued, err := h.auth.LoginFinish(r.Context(), snap, h.cohort, req.LoginSessionID, req.KE3, h.meta(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w, http.StatusOK, issued, nil)
}

type codeRequest struct {
	Code string `json:"code"`
}

type enrollmentResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

func (h *Handler) otpSetupInit(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, sess *sessiondomain.Session) {
	enr, err := h.auth.OTPSetupInit(r.Context(), snap, sess)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, enrollmentResponse{Secret: enr.Secret, OTPAuthURL: enr.URL})
}

func (h *Handler) otpSetupVerify(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, sess *sessiondomain.Session) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	issued, codes, err := h.auth.OTPSetupVerify(r.Context(), snap, sess, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeSession(w, http.StatusOK, issued, map[string]any{"backup_codes": codes})
}

func (h *Handler) otpVerify(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, sess *sessiondomain.Session) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	issued, method, err := h.auth.OTPVerify(r.Context(), snap, sess, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w, http.StatusOK, issued, map[string]any{"method": method})
}

func (h *Handler) otpReauth(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, sess *sessiondomain.Session) {
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	token, exp, err := h.auth.OTPReauth(r.Context(), snap, sess, req.Code)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{"reauth_token": token, "expires_at": exp})
}

func (h *Handler) otpDisable(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, sess *sessiondomain.Session) {
	issued, err := h.auth.OTPDisable(r.Context(), snap, sess, r.Header.Get(ReauthHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSession(w, http.StatusOK, issued, nil)
}

func (h *Handler) otpStatus(w http.ResponseWriter, r *http.Request, _ settings.Snapshot, sess *sessiondomain.Session) {
	st, err := h.auth.OTPStatus(r.Context(), sess)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) backupCodes(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, sess *sessiondomain.Session) {
	codes, err := h.auth.RegenerateBackupCodes(r.Context(), snap, sess, r.Header.Get(ReauthHeader))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok || !h.limit(w, r, snap, ratelimit.ClassRefresh, "") {
		return
	}
	if !h.cookies.CheckCSRF(r) {
		h.writeError(w, errCSRF)
		return
	}
	issued, err := h.auth.Refresh(r.Context(), snap, h.cohort, h.cookies.RefreshToken(r))
	if err != nil {
		if errs.KindOf(err) == errs.KindUnauthorized {
			h.cookies.Clear(w)
		}
		h.writeError(w, err)
		return
	}
	h.writeSession(w, http.StatusOK, issued, nil)
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *Handler) token(w http.ResponseWriter, r *http.Request, _ settings.Snapshot, sess *sessiondomain.Session) {
	tok, exp, err := h.auth.AccessToken(r.Context(), sess)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: tok, TokenType: "Bearer", ExpiresAt: exp})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ settings.Snapshot, sess *sessiondomain.Session) {
	if err := h.auth.Logout(r.Context(), sess, h.meta(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request, _ settings.Snapshot, sess *sessiondomain.Session) {
	p, err := h.auth.Me(r.Context(), sess, r.URL.Query().Get("org_id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

var errCSRF = errs.Forbidden("CSRF token missing or invalid")

type sessionHandler func(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, sess *sessiondomain.Session)

// authed resolves the cohort session (with OTP gating for the path), checks CSRF on
// state-changing methods, applies the rate limit of class and puts the principal on the
// request context.
func (h *Handler) authed(class ratelimit.Class, next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := h.snapshot(w, r)
		if !ok {
			return
		}
		if !h.cookies.CheckCSRF(r) {
			h.writeError(w, errCSRF)
			return
		}
		sess, err := h.sessions.RequireSession(r.Context(), snap, h.cohort, h.cookies.SessionID(r), r.URL.Path)
		if err != nil {
			h.writeError(w, err)
			return
		}
		identifier := ""
		if class.ScopesIdentifier() {
			identifier = sess.SubjectID
		}
		if !h.limit(w, r, snap, class, identifier) {
			return
		}
		p := interceptors.Principal{Cohort: sess.Cohort, SubjectID: sess.SubjectID, SessionID: sess.ID}
		if a := sess.Data.Admin; a != nil {
			p.AdminRole = a.Role
		}
		next(w, r.WithContext(interceptors.WithPrincipal(r.Context(), p)), snap, sess)
	}
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) (settings.Snapshot, bool) {
	snap, err := h.settings.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, errs.Internal(err))
		return settings.Snapshot{}, false
	}
	return snap, true
}

// limit applies class to the client IP and, for identifier-scoped classes, to
// identifier. It writes the rate-limit headers and reports whether to continue.
func (h *Handler) limit(w http.ResponseWriter, r *http.Request, snap settings.Snapshot, class ratelimit.Class, identifier string) bool {
	if identifier != "" {
		identifier = string(h.cohort) + ":" + identifier
	}
	res, err := h.limiter.CheckWith(r.Context(), snap, class, ratelimit.ClientIP(r, h.trustProxy), identifier)
	if err != nil {
		h.writeError(w, errs.Internal(err))
		return false
	}
	if !res.Allowed {
		ratelimit.WriteTooManyRequests(w, res)
		return false
	}
	ratelimit.WriteHeaders(w, res)
	return true
}

func (h *Handler) meta(r *http.Request) service.Meta {
	return service.Meta{IP: ratelimit.ClientIP(r, h.trustProxy)}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			h.writeError(w, errs.Validation("request body too large"))
		case errors.Is(err, io.EOF):
			h.writeError(w, errs.Validation("request body is required"))
		default:
			h.writeError(w, errs.Validation("malformed JSON body"))
		}
		return false
	}
	return true
}

// writeSession sets the session cookies of issued, with a fresh CSRF token, and writes
// the session summary merged with extra.
func (h *Handler) writeSession(w http.ResponseWriter, status int, issued *sessionservice.Issued, extra map[string]any) {
	csrf, err := security.RandomToken(security.TokenBytes)
	if err != nil {
		h.writeError(w, errs.Internal(err))
		return
	}
	h.cookies.Set(w, issued.SessionID, issued.RefreshToken, csrf, issued.ExpiresAt, issued.RefreshExpiresAt)
	body := map[string]any{
		"otp_required":       issued.Data.OTPPending(),
		"expires_at":         issued.ExpiresAt,
		"refresh_expires_at": issued.RefreshExpiresAt,
	}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, body)
}

type errorResponse struct {
	Error             string            `json:"error"`
	Fields            map[string]string `json:"fields,omitempty"`
	RetryAfterSeconds int               `json:"retry_after_seconds,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	resp := errorResponse{Error: errs.PublicMessage(err)}
	if e, ok := errs.As(err); ok {
		resp.Fields = e.Fields
		if e.RetryAfter > 0 {
			secs := int(e.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			resp.RetryAfterSeconds = secs
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", logging.Err(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
