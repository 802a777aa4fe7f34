// Package service manages authentication sessions: issuance, trust-change rotation,
// single-use refresh, request validation with OTP gating, and reauthentication tokens.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"opaque-idp/internal/events"
	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/obs"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/security"
	"opaque-idp/internal/session/domain"
	"opaque-idp/internal/session/repository"
	"opaque-idp/internal/settings"
)

var (
	// ErrSessionRequired covers missing, expired and cross-cohort sessions alike.
	ErrSessionRequired = errs.Unauthorized("session required")
	// ErrOTPRequired is returned for OTP-gated sessions outside the allowed paths.
	ErrOTPRequired = errs.Unauthorized("OTP verification required")
	// ErrInvalidRefreshToken is returned for unknown, expired, consumed or cross-cohort refresh tokens.
	ErrInvalidRefreshToken = errs.Unauthorized("invalid refresh token")
	// ErrInvalidReauthToken is returned when a reauthentication token does not match the session.
	ErrInvalidReauthToken = errs.Unauthorized("reauthentication required")
	// ErrInvalidPayload is returned for session data without exactly one cohort variant.
	ErrInvalidPayload = errs.Validation("invalid session payload")
)

// ReauthAudience is the aud claim of reauthentication tokens, so they are never accepted
// as access tokens.
const ReauthAudience = "opaque-idp/reauth"

// AccessAudience is the aud claim of bearer access tokens handed to relying parties.
const AccessAudience = "opaque-idp/access"

// TokenSigner mints and checks JWTs. Implemented by the signing key service.
type TokenSigner interface {
	SignJWT(ctx context.Context, payload map[string]any, ttl time.Duration) (string, error)
	VerifyJWT(ctx context.Context, token, audience string) (jwt.MapClaims, error)
}

// Config holds session policy that is not a runtime setting.
type Config struct {
	// ReauthTTL is the lifetime of reauthentication tokens. Zero uses 5 minutes.
	ReauthTTL time.Duration
	// AccessTTL is the lifetime of bearer access tokens. Zero uses 5 minutes.
	AccessTTL time.Duration
	// ReuseRetention keeps consumed sessions around so refresh-token reuse can be told
	// apart from an unknown token. Zero uses 24h.
	ReuseRetention time.Duration
	// OTPPendingPaths are the path suffixes an OTP-gated session may still reach.
	// Nil uses DefaultOTPPendingPaths.
	OTPPendingPaths []string
}

// DefaultOTPPendingPaths lets a gated session finish enrolment, verify, or log out.
var DefaultOTPPendingPaths = []string{"/otp/setup/init", "/otp/setup/verify", "/otp/verify", "/logout"}

// Service is the session and token lifecycle manager.
type Service struct {
	repo   repository.Repository
	hasher security.RefreshHasher
	signer TokenSigner
	events events.Emitter
	cfg    Config
	logger *zap.Logger
	nowF   func() time.Time
}

// NewService returns a session service. signer, emitter and logger may be nil; without a
// signer reauthentication tokens are unavailable.
func NewService(repo repository.Repository, hasher security.RefreshHasher, signer TokenSigner, emitter events.Emitter, cfg Config, logger *zap.Logger) *Service {
	if cfg.ReauthTTL <= 0 {
		cfg.ReauthTTL = 5 * time.Minute
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 5 * time.Minute
	}
	if cfg.ReuseRetention <= 0 {
		cfg.ReuseRetention = 24 * time.Hour
	}
	if cfg.OTPPendingPaths == nil {
		cfg.OTPPendingPaths = DefaultOTPPendingPaths
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, hasher: hasher, signer: signer, events: emitter, cfg: cfg, logger: logger, nowF: time.Now}
}

// Issued is a freshly minted session id and refresh token pair. Neither is stored in clear.
type Issued struct {
	SessionID        string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
	Data             domain.SessionData
}

func (s *Service) mint(snap settings.Snapshot, data domain.SessionData) (*domain.Session, *Issued, error) {
	if err := data.Validate(); err != nil {
		return nil, nil, ErrInvalidPayload
	}
	id, err := security.RandomToken(security.TokenBytes)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	refresh, err := security.RandomToken(security.TokenBytes)
	if err != nil {
		return nil, nil, errs.Internal(err)
	}
	life := snap.SessionLifetime(data.Cohort())
	now := s.nowF().UTC()
	sess := &domain.Session{
		ID:               id,
		Cohort:           data.Cohort(),
		SubjectID:        data.SubjectID(),
		Data:             data,
		CreatedAt:        now,
		ExpiresAt:        now.Add(life.Session),
		RefreshTokenHash: s.hasher.Hash(refresh),
		RefreshExpiresAt: now.Add(life.Refresh),
	}
	return sess, &Issued{
		SessionID:        id,
		RefreshToken:     refresh,
		ExpiresAt:        sess.ExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
		Data:             data,
	}, nil
}

// CreateSession persists a new session for data's cohort and subject.
func (s *Service) CreateSession(ctx context.Context, snap settings.Snapshot, data domain.SessionData) (*Issued, error) {
	sess, issued, err := s.mint(snap, data)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, errs.Internal(fmt.Errorf("create session: %w", err))
	}
	return issued, nil
}

// RotateSession replaces oldID with a new session carrying data, for trust-level changes.
// It returns nil, nil when oldID no longer exists; callers must handle that.
func (s *Service) RotateSession(ctx context.Context, snap settings.Snapshot, oldID string, data domain.SessionData) (*Issued, error) {
	sess, issued, err := s.mint(snap, data)
	if err != nil {
		return nil, err
	}
	ok, err := s.repo.Replace(ctx, oldID, sess)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("rotate session: %w", err))
	}
	if !ok {
		return nil, nil
	}
	return issued, nil
}

var errCohortMismatch = errors.New("session: refresh token cohort mismatch")

// RefreshSessionWithToken consumes refreshToken and mints a successor session with the same
// payload. Consumption is a compare-and-set, so of two concurrent calls with one token exactly
// one succeeds. A consumed token presented again is reported as reuse; every failure returns
// ErrInvalidRefreshToken.
func (s *Service) RefreshSessionWithToken(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, refreshToken string) (*Issued, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	hash := s.hasher.Hash(refreshToken)
	var issued *Issued
	_, err := s.repo.ConsumeRefresh(ctx, hash, s.nowF().UTC(), func(old *domain.Session) (*domain.Session, error) {
		if old.Cohort != cohort || old.Data.Cohort() != cohort {
			return nil, errCohortMismatch
		}
		next, iss, err := s.mint(snap, old.Data)
		if err != nil {
			return nil, err
		}
		issued = iss
		return next, nil
	})
	switch {
	case errors.Is(err, errCohortMismatch):
		obs.Refresh("invalid")
		return nil, ErrInvalidRefreshToken
	case err != nil:
		return nil, errs.Internal(fmt.Errorf("refresh session: %w", err))
	case issued != nil:
		obs.Refresh("rotated")
		return issued, nil
	}

	s.reportReuse(ctx, hash)
	return nil, ErrInvalidRefreshToken
}

// reportReuse classifies a failed refresh: a token that matches a consumed session is reuse.
func (s *Service) reportReuse(ctx context.Context, hash string) {
	old, err := s.repo.FindByRefreshHash(ctx, hash)
	if err != nil {
		s.logger.Warn("refresh reuse lookup failed", logging.Err(err))
		obs.Refresh("invalid")
		return
	}
	if old == nil || old.RefreshConsumedAt == nil {
		obs.Refresh("invalid")
		return
	}
	obs.Refresh("reuse")
	s.logger.Warn("refresh token reuse", zap.String("cohort", string(old.Cohort)), zap.String("subject_id", old.SubjectID))
	events.EmitAsync(s.events, s.logger, events.Event{
		Type:      events.RefreshReuse,
		Cohort:    string(old.Cohort),
		SubjectID: old.SubjectID,
	})
}

// RequireSession resolves sessionID for cohort and enforces expiry, cohort binding and OTP
// gating for path. A live session past half its lifetime is extended.
func (s *Service) RequireSession(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, sessionID, path string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("load session: %w", err))
	}
	now := s.nowF()
	if sess == nil || sess.Expired(now) || sess.RefreshConsumedAt != nil {
		return nil, ErrSessionRequired
	}
	if sess.Cohort != cohort || sess.Data.Cohort() != cohort || sess.Data.SubjectID() == "" {
		return nil, ErrSessionRequired
	}
	if sess.Data.OTPPending() && !s.otpPendingAllowed(path) {
		return nil, ErrOTPRequired
	}
	s.touch(ctx, snap, sess, now)
	return sess, nil
}

func (s *Service) otpPendingAllowed(path string) bool {
	path = strings.TrimSuffix(path, "/")
	for _, p := range s.cfg.OTPPendingPaths {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// touch slides the expiry forward once less than half the session lifetime remains.
// Best-effort; failures are logged.
func (s *Service) touch(ctx context.Context, snap settings.Snapshot, sess *domain.Session, now time.Time) {
	life := snap.SessionLifetime(sess.Cohort).Session
	if sess.ExpiresAt.Sub(now) > life/2 {
		return
	}
	next := now.Add(life)
	if next.After(sess.RefreshExpiresAt) {
		next = sess.RefreshExpiresAt
	}
	if !next.After(sess.ExpiresAt) {
		return
	}
	if err := s.repo.Touch(ctx, sess.ID, next); err != nil {
		s.logger.Warn("session touch failed", logging.Err(err))
		return
	}
	sess.ExpiresAt = next
}

// Logout deletes the session. Unknown ids are not an error.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := s.repo.Delete(ctx, sessionID); err != nil {
		return errs.Internal(fmt.Errorf("delete session: %w", err))
	}
	return nil
}

// UpdatePayload replaces the payload of a session in place. The cohort cannot change.
func (s *Service) UpdatePayload(ctx context.Context, sess *domain.Session, data domain.SessionData) error {
	if err := data.Validate(); err != nil || data.Cohort() != sess.Cohort || data.SubjectID() != sess.SubjectID {
		return ErrInvalidPayload
	}
	if err := s.repo.UpdateData(ctx, sess.ID, data); err != nil {
		return errs.Internal(fmt.Errorf("update session: %w", err))
	}
	sess.Data = data
	return nil
}

// DeleteAllForSubject ends every session of a subject.
func (s *Service) DeleteAllForSubject(ctx context.Context, cohort identity.Cohort, subjectID string) (int64, error) {
	return s.repo.DeleteAllForSubject(ctx, cohort, subjectID)
}

// DeleteExpired sweeps sessions whose refresh token expired and consumed sessions past
// the reuse retention.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.nowF().UTC()
	return s.repo.DeleteExpired(ctx, now, now.Add(-s.cfg.ReuseRetention))
}

// IssueReauthToken mints a short-lived token proving sess recently re-verified a factor.
func (s *Service) IssueReauthToken(ctx context.Context, sess *domain.Session) (string, time.Time, error) {
	if s.signer == nil {
		return "", time.Time{}, errs.Internal(errors.New("session: no token signer"))
	}
	tok, err := s.signer.SignJWT(ctx, map[string]any{
		"sub":     sess.SubjectID,
		"cohort":  string(sess.Cohort),
		"sid":     s.hasher.Hash(sess.ID),
		"purpose": "reauth",
		"aud":     ReauthAudience,
	}, s.cfg.ReauthTTL)
	if err != nil {
		return "", time.Time{}, errs.Internal(fmt.Errorf("sign reauth token: %w", err))
	}
	return tok, s.nowF().Add(s.cfg.ReauthTTL), nil
}

// VerifyReauthToken checks that token is a valid reauthentication token for sess.
// The token carries only a hash of the session id.
func (s *Service) VerifyReauthToken(ctx context.Context, sess *domain.Session, token string) error {
	if s.signer == nil || token == "" {
		return ErrInvalidReauthToken
	}
	claims, err := s.signer.VerifyJWT(ctx, token, ReauthAudience)
	if err != nil {
		return ErrInvalidReauthToken
	}
	sub, _ := claims["sub"].(string)
	cohort, _ := claims["cohort"].(string)
	sid, _ := claims["sid"].(string)
	purpose, _ := claims["purpose"].(string)
	if purpose != "reauth" || sub != sess.SubjectID || cohort != string(sess.Cohort) || !s.hasher.Equal(sess.ID, sid) {
		return ErrInvalidReauthToken
	}
	return nil
}

// IssueAccessToken mints a bearer token for relying parties describing the subject of a
// fully verified session. OTP-pending sessions get none.
func (s *Service) IssueAccessToken(ctx context.Context, sess *domain.Session) (string, time.Time, error) {
	if sess.Data.OTPPending() {
		return "", time.Time{}, ErrOTPRequired
	}
	if s.signer == nil {
		return "", time.Time{}, errs.Internal(errors.New("session: no token signer"))
	}
	claims := map[string]any{
		"sub":    sess.SubjectID,
		"cohort": string(sess.Cohort),
		"sid":    s.hasher.Hash(sess.ID),
		"email":  sess.Data.Email(),
		"aud":    AccessAudience,
	}
	if a := sess.Data.Admin; a != nil {
		claims["role"] = a.Role
	}
	tok, err := s.signer.SignJWT(ctx, claims, s.cfg.AccessTTL)
	if err != nil {
		return "", time.Time{}, errs.Internal(fmt.Errorf("sign access token: %w", err))
	}
	return tok, s.nowF().Add(s.cfg.AccessTTL), nil
}
