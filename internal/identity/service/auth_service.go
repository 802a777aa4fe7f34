package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"opaque-idp/internal/events"
	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/notify"
	"opaque-idp/internal/obs"
	opaquedomain "opaque-idp/internal/opaque/domain"
	opaqueservice "opaque-idp/internal/opaque/service"
	otpdomain "opaque-idp/internal/otp/domain"
	otpservice "opaque-idp/internal/otp/service"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/rbac"
	rbacdomain "opaque-idp/internal/rbac/domain"
	sessiondomain "opaque-idp/internal/session/domain"
	sessionservice "opaque-idp/internal/session/service"
	"opaque-idp/internal/settings"
	userdomain "opaque-idp/internal/user/domain"
	userrepo "opaque-idp/internal/user/repository"
)

// Sentinel errors for the auth service; handlers map them through errs.
var (
	ErrEmailAlreadyRegistered  = errs.Conflict("email already registered")
	ErrAdminRegistrationClosed = errs.Forbidden("admin registration is disabled")
	ErrUnsupportedCohort       = errs.Validation("unknown cohort", "cohort", "must be user or admin")
	ErrUnknownAdmin            = errs.Forbidden("admin account not provisioned")
)

// Directory is the subject directory needed by the auth service.
type Directory interface {
	GetByEmail(ctx context.Context, cohort identity.Cohort, email string) (*userdomain.Subject, error)
	GetByID(ctx context.Context, cohort identity.Cohort, id string) (*userdomain.Subject, error)
	CreateUser(ctx context.Context, u *userdomain.User) error
}

// Records looks up OPAQUE registration records.
type Records interface {
	Get(ctx context.Context, cohort identity.Cohort, subjectID string) (opaquedomain.Lookup, error)
}

// PAKE is the OPAQUE engine. Implemented by opaque/service.Engine.
type PAKE interface {
	StartRegistration(ctx context.Context, cohort identity.Cohort, email string, request []byte) ([]byte, []byte, error)
	FinishRegistration(ctx context.Context, subject identity.Identity, record []byte) (*opaquedomain.Record, error)
	BeginLogin(ctx context.Context, cohort identity.Cohort, email string, lookup opaquedomain.Lookup, subjectID string, ke1 []byte) ([]byte, string, error)
	FinishLogin(ctx context.Context, cohort identity.Cohort, sessionID string, ke3 []byte) (*opaqueservice.LoginResult, error)
}

// Sessions is the session manager. Implemented by session/service.Service.
type Sessions interface {
	CreateSession(ctx context.Context, snap settings.Snapshot, data sessiondomain.SessionData) (*sessionservice.Issued, error)
	RotateSession(ctx context.Context, snap settings.Snapshot, oldID string, data sessiondomain.SessionData) (*sessionservice.Issued, error)
	RefreshSessionWithToken(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, refreshToken string) (*sessionservice.Issued, error)
	Logout(ctx context.Context, sessionID string) error
	DeleteAllForSubject(ctx context.Context, cohort identity.Cohort, subjectID string) (int64, error)
	IssueReauthToken(ctx context.Context, sess *sessiondomain.Session) (string, time.Time, error)
	VerifyReauthToken(ctx context.Context, sess *sessiondomain.Session, token string) error
	IssueAccessToken(ctx context.Context, sess *sessiondomain.Session) (string, time.Time, error)
}

// SecondFactor is the OTP service. Implemented by otp/service.Service.
type SecondFactor interface {
	InitOtp(ctx context.Context, snap settings.Snapshot, subject identity.Identity) (*otpservice.Enrollment, error)
	VerifyOtpSetup(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID, code string) ([]string, error)
	VerifyOtpCode(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID, code string) (otpservice.Method, error)
	DisableOtp(ctx context.Context, cohort identity.Cohort, subjectID string) error
	RegenerateBackupCodes(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID string) ([]string, error)
	Status(ctx context.Context, cohort identity.Cohort, subjectID string) (*otpdomain.Status, error)
	Required(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID string) (bool, error)
}

// Access resolves organization access of end users. Implemented by rbac.Resolver.
type Access interface {
	ResolveOrganizationContext(ctx context.Context, userID, explicitOrgID string) (string, error)
	GetUserOrgAccess(ctx context.Context, userID, orgID string) (*rbacdomain.OrgAccess, error)
	EffectivePermissions(ctx context.Context, userID string) ([]string, error)
	Groups(ctx context.Context, userID string) ([]string, error)
}

// Meta is request metadata carried into security events.
type Meta struct {
	IP string
}

// RegistrationChallenge is the server's reply to a registration request.
type RegistrationChallenge struct {
	Message         []byte
	ServerPublicKey []byte
}

// LoginChallenge is the server's KE2 and the handle of the open handshake.
type LoginChallenge struct {
	Message        []byte
	LoginSessionID string
}

// Profile is the authenticated view of the current subject.
type Profile struct {
	Cohort      identity.Cohort       `json:"cohort"`
	SubjectID   string                `json:"subject_id"`
	Email       string                `json:"email"`
	Name        string                `json:"name,omitempty"`
	Role        string                `json:"role,omitempty"`
	OTPRequired bool                  `json:"otp_required"`
	OTPVerified bool                  `json:"otp_verified"`
	Org         *rbacdomain.OrgAccess `json:"org,omitempty"`
	Permissions []string              `json:"permissions,omitempty"`
	Groups      []string              `json:"groups,omitempty"`
}

// AuthService runs the account flows: OPAQUE registration and login, session issue
// with OTP gating, OTP enrollment and step-up, refresh and logout.
type AuthService struct {
	directory Directory
	records   Records
	pake      PAKE
	sessions  Sessions
	otp       SecondFactor
	access    Access
	notifier  notify.Notifier
	emitter   events.Emitter
	logger    *zap.Logger
	nowF      func() time.Time
}

// NewAuthService returns an AuthService with the given dependencies. access may be nil
// when no organization data is served; notifier and emitter default to no-ops.
func NewAuthService(
	directory Directory,
	records Records,
	pake PAKE,
	sessions Sessions,
	otp SecondFactor,
	access Access,
	notifier notify.Notifier,
	emitter events.Emitter,
	logger *zap.Logger,
) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if notifier == nil {
		notifier = notify.NewEventNotifier(emitter, logger)
	}
	return &AuthService{
		directory: directory,
		records:   records,
		pake:      pake,
		sessions:  sessions,
		otp:       otp,
		access:    access,
		notifier:  notifier,
		emitter:   emitter,
		logger:    logger,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterStart answers the client's registration request. The reply does not depend on
// whether the email is already registered.
func (s *AuthService) RegisterStart(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, email string, request []byte) (*RegistrationChallenge, error) {
	if err := s.checkRegistration(snap, cohort); err != nil {
		return nil, err
	}
	email = identity.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	msg, pk, err := s.pake.StartRegistration(ctx, cohort, email, request)
	if err != nil {
		return nil, err
	}
	return &RegistrationChallenge{Message: msg, ServerPublicKey: pk}, nil
}

// RegisterFinish stores the client's registration record. A duplicate user registration
// either reports Conflict or, with anti-enumeration on, succeeds silently and notifies the
// account owner. Admins must already exist in the directory. No session is created.
func (s *AuthService) RegisterFinish(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, email, name string, record []byte, meta Meta) error {
	if err := s.checkRegistration(snap, cohort); err != nil {
		return err
	}
	email = identity.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return err
	}
	if len(record) == 0 {
		return errs.Validation("registration record is required", "record", "required")
	}

	subject, err := s.directory.GetByEmail(ctx, cohort, email)
	if err != nil {
		return errs.Internal(fmt.Errorf("lookup subject: %w", err))
	}
	if subject != nil {
		lookup, err := s.records.Get(ctx, cohort, subject.ID)
		if err != nil {
			return errs.Internal(fmt.Errorf("lookup record: %w", err))
		}
		if _, ok := lookup.Record(); ok {
			return s.duplicate(ctx, snap, cohort, email, meta)
		}
	}
	if subject == nil {
		if cohort == identity.CohortAdmin {
			// Admins are provisioned out of band; an unknown email must not reveal that.
			if snap.AntiEnumeration() {
				s.logger.Info("registration for unknown admin", zap.String("ip", meta.IP))
				return nil
			}
			return ErrUnknownAdmin
		}
		u := &userdomain.User{
			ID:        uuid.New().String(),
			Email:     email,
			Name:      sanitizeName(name),
			CreatedAt: s.nowF(),
		}
		if err := u.Validate(); err != nil {
			return errs.Validation(err.Error())
		}
		if err := s.directory.CreateUser(ctx, u); err != nil {
			if errors.Is(err, userrepo.ErrEmailTaken) {
				return s.duplicate(ctx, snap, cohort, email, meta)
			}
			return errs.Internal(fmt.Errorf("create user: %w", err))
		}
		subject = &userdomain.Subject{Cohort: cohort, ID: u.ID, Email: u.Email, Name: u.Name}
	}

	if _, err := s.pake.FinishRegistration(ctx, subject.Identity(), record); err != nil {
		return err
	}
	events.EmitAsync(s.emitter, s.logger, events.Event{
		Type: events.Registered, Cohort: string(cohort), SubjectID: subject.ID, Email: email, IP: meta.IP,
	})
	return nil
}

func (s *AuthService) checkRegistration(snap settings.Snapshot, cohort identity.Cohort) error {
	if !cohort.Valid() {
		return ErrUnsupportedCohort
	}
	if cohort == identity.CohortAdmin && !snap.AdminRegistration() {
		return ErrAdminRegistrationClosed
	}
	return nil
}

func (s *AuthService) duplicate(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, email string, meta Meta) error {
	if !snap.AntiEnumeration() {
		return ErrEmailAlreadyRegistered
	}
	if err := s.notifier.DuplicateRegistration(ctx, cohort, email); err != nil {
		s.logger.Warn("duplicate registration notice failed", zap.String("cohort", string(cohort)), logging.Err(err))
	}
	s.logger.Info("duplicate registration", zap.String("cohort", string(cohort)), zap.String("ip", meta.IP))
	return nil
}

// LoginStart opens a login handshake. Unknown emails and subjects without a record run
// the dummy handshake, so the reply is indistinguishable from a real one.
func (s *AuthService) LoginStart(ctx context.Context, cohort identity.Cohort, email string, ke1 []byte) (*LoginChallenge, error) {
	if !cohort.Valid() {
		return nil, ErrUnsupportedCohort
	}
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, errs.Validation("email is required", "email", "required")
	}

	subject, err := s.directory.GetByEmail(ctx, cohort, email)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("lookup subject: %w", err))
	}
	// Unknown emails still pay for a record lookup, against an id that is never assigned.
	subjectID, lookupID := "", uuid.Nil.String()
	if subject != nil {
		subjectID, lookupID = subject.ID, subject.ID
	}
	lookup, err := s.records.Get(ctx, cohort, lookupID)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("lookup record: %w", err))
	}
	if subject == nil {
		lookup = opaquedomain.NotFound()
	}
	msg, id, err := s.pake.BeginLogin(ctx, cohort, email, lookup, subjectID, ke1)
	if err != nil {
		return nil, err
	}
	return &LoginChallenge{Message: msg, LoginSessionID: id}, nil
}

// LoginFinish completes the handshake and issues a session. The session is OTP-gated
// when the subject must present a second factor.
func (s *AuthService) LoginFinish(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, loginSessionID string, ke3 []byte, meta Meta) (*sessionservice.Issued, error) {
	if !cohort.Valid() {
		return nil, ErrUnsupportedCohort
	}
	res, err := s.pake.FinishLogin(ctx, cohort, loginSessionID, ke3)
	if err != nil {
		if errors.Is(err, opaqueservice.ErrAuthFailed) {
			s.loginFailed(cohort, "", meta, "handshake")
		}
		return nil, err
	}
	subject, err := s.directory.GetByID(ctx, cohort, res.Identity.SubjectID)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("load subject: %w", err))
	}
	if subject == nil {
		s.loginFailed(cohort, res.Identity.SubjectID, meta, "subject_missing")
		return nil, opaqueservice.ErrAuthFailed
	}
	required, err := s.otp.Required(ctx, snap, cohort, subject.ID)
	if err != nil {
		return nil, err
	}

	issued, err := s.sessions.CreateSession(ctx, snap, sessionData(subject, required, false))
	if err != nil {
		return nil, err
	}
	outcome := "success"
	if required {
		outcome = "otp_pending"
	}
	obs.Login(string(cohort), outcome)
	events.EmitAsync(s.emitter, s.logger, events.Event{
		Type: events.LoginSucceeded, Cohort: string(cohort), SubjectID: subject.ID, Email: subject.Email, IP: meta.IP,
		Attrs: map[string]string{"otp_required": fmt.Sprint(required)},
	})
	return issued, nil
}

func (s *AuthService) loginFailed(cohort identity.Cohort, subjectID string, meta Meta, reason string) {
	obs.Login(string(cohort), "failure")
	events.EmitAsync(s.emitter, s.logger, events.Event{
		Type: events.LoginFailed, Cohort: string(cohort), SubjectID: subjectID, IP: meta.IP, Reason: reason,
	})
}

// OTPSetupInit starts (or resumes) OTP enrollment for the session's subject.
func (s *AuthService) OTPSetupInit(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session) (*otpservice.Enrollment, error) {
	return s.otp.InitOtp(ctx, snap, identity.Identity{Cohort: sess.Cohort, SubjectID: sess.SubjectID, Email: sess.Data.Email()})
}

// OTPSetupVerify confirms enrollment with a first code. The session is rotated since its
// trust level changed; the backup codes are returned once.
func (s *AuthService) OTPSetupVerify(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (*sessionservice.Issued, []string, error) {
	codes, err := s.otp.VerifyOtpSetup(ctx, snap, sess.Cohort, sess.SubjectID, code)
	if err != nil {
		return nil, nil, err
	}
	issued, err := s.rotate(ctx, snap, sess, sess.Data.WithOTP(true, true))
	if err != nil {
		return nil, nil, err
	}
	return issued, codes, nil
}

// OTPVerify checks a TOTP or backup code and rotates the session into the verified state.
func (s *AuthService) OTPVerify(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (*sessionservice.Issued, otpservice.Method, error) {
	method, err := s.otp.VerifyOtpCode(ctx, snap, sess.Cohort, sess.SubjectID, code)
	if err != nil {
		return nil, "", err
	}
	issued, err := s.rotate(ctx, snap, sess, sess.Data.WithOTP(true, true))
	if err != nil {
		return nil, "", err
	}
	return issued, method, nil
}

// OTPReauth checks a fresh code and issues a short-lived reauthentication token bound to
// the session, required by sensitive OTP operations.
func (s *AuthService) OTPReauth(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, code string) (string, time.Time, error) {
	if _, err := s.otp.VerifyOtpCode(ctx, snap, sess.Cohort, sess.SubjectID, code); err != nil {
		return "", time.Time{}, err
	}
	return s.sessions.IssueReauthToken(ctx, sess)
}

// OTPDisable removes the second factor. All sessions of the subject are revoked and a
// fresh one is issued to the caller.
func (s *AuthService) OTPDisable(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, reauthToken string) (*sessionservice.Issued, error) {
	if err := s.sessions.VerifyReauthToken(ctx, sess, reauthToken); err != nil {
		return nil, err
	}
	if err := s.otp.DisableOtp(ctx, sess.Cohort, sess.SubjectID); err != nil {
		return nil, err
	}
	n, err := s.sessions.DeleteAllForSubject(ctx, sess.Cohort, sess.SubjectID)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("revoke sessions: %w", err))
	}
	s.logger.Info("otp disabled, sessions revoked", zap.String("cohort", string(sess.Cohort)), zap.Int64("sessions", n))

	required, err := s.otp.Required(ctx, snap, sess.Cohort, sess.SubjectID)
	if err != nil {
		return nil, err
	}
	return s.sessions.CreateSession(ctx, snap, sess.Data.WithOTP(required, false))
}

// OTPStatus returns the enrollment state of the session's subject.
func (s *AuthService) OTPStatus(ctx context.Context, sess *sessiondomain.Session) (*otpdomain.Status, error) {
	return s.otp.Status(ctx, sess.Cohort, sess.SubjectID)
}

// RegenerateBackupCodes replaces the backup codes after reauthentication.
func (s *AuthService) RegenerateBackupCodes(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, reauthToken string) ([]string, error) {
	if err := s.sessions.VerifyReauthToken(ctx, sess, reauthToken); err != nil {
		return nil, err
	}
	return s.otp.RegenerateBackupCodes(ctx, snap, sess.Cohort, sess.SubjectID)
}

// Refresh rotates the session behind refreshToken.
func (s *AuthService) Refresh(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, refreshToken string) (*sessionservice.Issued, error) {
	if refreshToken == "" {
		obs.Refresh("invalid")
		return nil, sessionservice.ErrInvalidRefreshToken
	}
	issued, err := s.sessions.RefreshSessionWithToken(ctx, snap, cohort, refreshToken)
	if err != nil {
		obs.Refresh("invalid")
		return nil, err
	}
	obs.Refresh("success")
	return issued, nil
}

// AccessToken issues a short-lived bearer token for relying parties.
func (s *AuthService) AccessToken(ctx context.Context, sess *sessiondomain.Session) (string, time.Time, error) {
	return s.sessions.IssueAccessToken(ctx, sess)
}

// Logout deletes the session.
func (s *AuthService) Logout(ctx context.Context, sess *sessiondomain.Session, meta Meta) error {
	if err := s.sessions.Logout(ctx, sess.ID); err != nil {
		return err
	}
	events.EmitAsync(s.emitter, s.logger, events.Event{
		Type: events.Logout, Cohort: string(sess.Cohort), SubjectID: sess.SubjectID, IP: meta.IP,
	})
	return nil
}

// Me returns the session subject. For users with organization access it also carries the
// resolved organization (explicitOrgID or the only membership), the effective permissions
// and the groups. A user in several organizations gets no org unless one is named.
func (s *AuthService) Me(ctx context.Context, sess *sessiondomain.Session, explicitOrgID string) (*Profile, error) {
	p := profileOf(sess.Data)
	if sess.Cohort != identity.CohortUser || s.access == nil {
		return p, nil
	}

	orgID, err := s.access.ResolveOrganizationContext(ctx, sess.SubjectID, explicitOrgID)
	switch {
	case err == nil:
		access, err := s.access.GetUserOrgAccess(ctx, sess.SubjectID, orgID)
		if err != nil {
			return nil, err
		}
		p.Org = access
	case explicitOrgID == "" && (errors.Is(err, rbac.ErrNoOrganization) || errors.Is(err, rbac.ErrOrgContextRequired)):
	default:
		return nil, err
	}

	if p.Permissions, err = s.access.EffectivePermissions(ctx, sess.SubjectID); err != nil {
		return nil, err
	}
	if p.Groups, err = s.access.Groups(ctx, sess.SubjectID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *AuthService) rotate(ctx context.Context, snap settings.Snapshot, sess *sessiondomain.Session, data sessiondomain.SessionData) (*sessionservice.Issued, error) {
	issued, err := s.sessions.RotateSession(ctx, snap, sess.ID, data)
	if err != nil {
		return nil, err
	}
	if issued == nil {
		return nil, sessionservice.ErrSessionRequired
	}
	return issued, nil
}

func sessionData(subject *userdomain.Subject, otpRequired, otpVerified bool) sessiondomain.SessionData {
	if subject.Cohort == identity.CohortAdmin {
		return sessiondomain.ForAdmin(sessiondomain.AdminSession{
			AdminID: subject.ID, Email: subject.Email, Name: subject.Name, Role: subject.Role,
			OTPRequired: otpRequired, OTPVerified: otpVerified,
		})
	}
	return sessiondomain.ForUser(sessiondomain.UserSession{
		UserID: subject.ID, Email: subject.Email, Name: subject.Name,
		OTPRequired: otpRequired, OTPVerified: otpVerified,
	})
}

func profileOf(d sessiondomain.SessionData) *Profile {
	if a := d.Admin; a != nil {
		return &Profile{
			Cohort: identity.CohortAdmin, SubjectID: a.AdminID, Email: a.Email, Name: a.Name, Role: a.Role,
			OTPRequired: a.OTPRequired, OTPVerified: a.OTPVerified,
		}
	}
	u := d.User
	return &Profile{
		Cohort: identity.CohortUser, SubjectID: u.UserID, Email: u.Email, Name: u.Name,
		OTPRequired: u.OTPRequired, OTPVerified: u.OTPVerified,
	}
}

const maxNameLen = 200

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) error {
	if email == "" {
		return errs.Validation("email is required", "email", "required")
	}
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return errs.Validation("invalid email format", "email", "invalid format")
	}
	return nil
}
