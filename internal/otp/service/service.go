// Package service implements the TOTP second factor: enrolment, verification with a replay
// guard, single-use backup codes and failure lockout.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"opaque-idp/internal/events"
	identity "opaque-idp/internal/identity/domain"
	"opaque-idp/internal/kek"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/obs"
	"opaque-idp/internal/otp/domain"
	"opaque-idp/internal/otp/repository"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/policy/engine"
	"opaque-idp/internal/settings"
)

var (
	ErrInvalidCode     = errs.Unauthorized("invalid OTP code")
	ErrLocked          = errs.Forbidden("OTP locked, try again later")
	ErrNotEnabled      = errs.Conflict("OTP is not enabled")
	ErrAlreadyEnabled  = errs.Conflict("OTP is already enabled")
	ErrSetupNotStarted = errs.Conflict("OTP setup has not been started")
)

// Method is how a verification succeeded.
type Method string

const (
	MethodTOTP       Method = "totp"
	MethodBackupCode Method = "backup_code"
)

// Enrollment is returned by InitOtp for display as a QR code.
type Enrollment struct {
	Secret string
	URL    string
}

// Service is the OTP subsystem.
type Service struct {
	repo   repository.Repository
	kek    kek.Service
	gate   engine.Evaluator
	events events.Emitter
	logger *zap.Logger
	nowF   func() time.Time
}

// NewService returns an OTP service. gate, emitter and logger may be nil; without a gate
// the builtin gating rule applies.
func NewService(repo repository.Repository, k kek.Service, gate engine.Evaluator, emitter events.Emitter, logger *zap.Logger) *Service {
	if k == nil {
		k = kek.Unavailable{}
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, kek: k, gate: gate, events: emitter, logger: logger, nowF: time.Now}
}

// InitOtp starts enrolment. An existing unverified secret is reused so a QR code the user
// already scanned stays valid.
func (s *Service) InitOtp(ctx context.Context, snap settings.Snapshot, subject identity.Identity) (*Enrollment, error) {
	o := snap.OTP()
	cfg, err := s.repo.Get(ctx, subject.Cohort, subject.SubjectID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if cfg.State() == domain.StateEnabled {
		return nil, ErrAlreadyEnabled
	}

	var raw []byte
	if cfg != nil {
		secret, err := s.openSecret(cfg)
		if err != nil {
			return nil, err
		}
		if raw, err = b32NoPadding.DecodeString(secret); err != nil {
			return nil, errs.Internal(err)
		}
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      o.Issuer,
		AccountName: accountName(subject),
		Period:      o.Period,
		Digits:      otp.Digits(o.Digits),
		Algorithm:   otp.AlgorithmSHA1,
		Secret:      raw,
	})
	if err != nil {
		return nil, errs.Internal(err)
	}
	if cfg != nil {
		return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
	}

	if !s.kek.IsAvailable() {
		return nil, errs.Internal(kek.ErrUnavailable)
	}
	ct, err := s.kek.Encrypt([]byte(key.Secret()))
	if err != nil {
		return nil, errs.Internal(err)
	}
	created, err := s.repo.CreatePending(ctx, &domain.Config{
		Cohort:           subject.Cohort,
		SubjectID:        subject.SubjectID,
		SecretCiphertext: ct,
		CreatedAt:        s.nowF().UTC(),
	})
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !created {
		// Verified by a concurrent request between Get and insert.
		return nil, ErrAlreadyEnabled
	}
	return &Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// VerifyOtpSetup completes enrolment with a current code. On success the config is
// verified and a fresh batch of backup codes is returned in clear, once.
func (s *Service) VerifyOtpSetup(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID, code string) ([]string, error) {
	o := snap.OTP()
	cfg, err := s.repo.Get(ctx, cohort, subjectID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	switch cfg.State() {
	case domain.StateUninitialized:
		return nil, ErrSetupNotStarted
	case domain.StateEnabled:
		return nil, ErrAlreadyEnabled
	}
	now := s.nowF()
	if cfg.Locked(now) {
		return nil, lockedErr(*cfg.LockedUntil, now)
	}

	secret, err := s.openSecret(cfg)
	if err != nil {
		return nil, err
	}
	step, ok := matchStep(secret, normalizeCode(code), now, o)
	if !ok {
		return nil, s.fail(ctx, o, cohort, subjectID, "setup_code_mismatch")
	}
	plain, stored, err := newBackupCodes(o.BackupCodeCount, cohort, subjectID, now)
	if err != nil {
		return nil, errs.Internal(err)
	}
	enabled, err := s.repo.Enable(ctx, cohort, subjectID, step, stored)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if !enabled {
		return nil, s.fail(ctx, o, cohort, subjectID, "setup_replay")
	}
	events.EmitAsync(s.events, s.logger, events.Event{Type: events.OTPEnabled, Cohort: string(cohort), SubjectID: subjectID})
	return plain, nil
}

// VerifyOtpCode checks a time-based code or a formatted backup code. A locked subject is
// rejected before the code is looked at.
func (s *Service) VerifyOtpCode(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID, code string) (Method, error) {
	o := snap.OTP()
	cfg, err := s.repo.Get(ctx, cohort, subjectID)
	if err != nil {
		return "", errs.Internal(err)
	}
	if cfg.State() != domain.StateEnabled {
		return "", ErrNotEnabled
	}
	now := s.nowF()
	if cfg.Locked(now) {
		return "", lockedErr(*cfg.LockedUntil, now)
	}

	code = normalizeCode(code)
	if isBackupCode(code) {
		used, err := s.repo.ConsumeBackupCode(ctx, cohort, subjectID, HashBackupCode(code), now.UTC())
		if err != nil {
			return "", errs.Internal(err)
		}
		if !used {
			return "", s.fail(ctx, o, cohort, subjectID, "backup_code_mismatch")
		}
		if err := s.repo.ResetFailures(ctx, cohort, subjectID); err != nil {
			s.logger.Warn("otp reset failures", logging.Err(err))
		}
		events.EmitAsync(s.events, s.logger, events.Event{Type: events.BackupCodeUsed, Cohort: string(cohort), SubjectID: subjectID})
		return MethodBackupCode, nil
	}

	secret, err := s.openSecret(cfg)
	if err != nil {
		return "", err
	}
	step, ok := matchStep(secret, code, now, o)
	if !ok {
		return "", s.fail(ctx, o, cohort, subjectID, "code_mismatch")
	}
	accepted, err := s.repo.AcceptStep(ctx, cohort, subjectID, step)
	if err != nil {
		return "", errs.Internal(err)
	}
	if !accepted {
		return "", s.fail(ctx, o, cohort, subjectID, "code_replay")
	}
	return MethodTOTP, nil
}

// DisableOtp deletes the secret and all backup codes, returning the subject to uninitialized.
func (s *Service) DisableOtp(ctx context.Context, cohort identity.Cohort, subjectID string) error {
	if err := s.repo.Delete(ctx, cohort, subjectID); err != nil {
		return errs.Internal(err)
	}
	events.EmitAsync(s.events, s.logger, events.Event{Type: events.OTPDisabled, Cohort: string(cohort), SubjectID: subjectID})
	return nil
}

// RegenerateBackupCodes replaces the backup codes of an enabled subject.
func (s *Service) RegenerateBackupCodes(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID string) ([]string, error) {
	cfg, err := s.repo.Get(ctx, cohort, subjectID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	if cfg.State() != domain.StateEnabled {
		return nil, ErrNotEnabled
	}
	plain, stored, err := newBackupCodes(snap.OTP().BackupCodeCount, cohort, subjectID, s.nowF())
	if err != nil {
		return nil, errs.Internal(err)
	}
	if err := s.repo.ReplaceBackupCodes(ctx, cohort, subjectID, stored); err != nil {
		return nil, errs.Internal(err)
	}
	return plain, nil
}

// Status returns the enrolment state, remaining backup codes and any active lockout.
func (s *Service) Status(ctx context.Context, cohort identity.Cohort, subjectID string) (*domain.Status, error) {
	cfg, err := s.repo.Get(ctx, cohort, subjectID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	st := &domain.Status{State: cfg.State()}
	if cfg == nil {
		return st, nil
	}
	if cfg.Locked(s.nowF()) {
		st.LockedUntil = cfg.LockedUntil
	}
	if cfg.Verified {
		if st.BackupCodesRemaining, err = s.repo.CountUnusedBackupCodes(ctx, cohort, subjectID); err != nil {
			return nil, errs.Internal(err)
		}
	}
	return st, nil
}

// Required reports whether a new session of the subject must pass OTP verification.
func (s *Service) Required(ctx context.Context, snap settings.Snapshot, cohort identity.Cohort, subjectID string) (bool, error) {
	cfg, err := s.repo.Get(ctx, cohort, subjectID)
	if err != nil {
		return false, errs.Internal(err)
	}
	in := engine.OTPInput{Cohort: cohort, State: cfg.State(), Settings: snap.OTP()}
	if s.gate == nil {
		return engine.BuiltinOTPRequired(in), nil
	}
	return s.gate.OTPRequired(ctx, snap, in)
}

func (s *Service) fail(ctx context.Context, o settings.OTP, cohort identity.Cohort, subjectID, reason string) error {
	now := s.nowF()
	obs.OTPFailure(string(cohort))
	until, err := s.repo.RecordFailure(ctx, cohort, subjectID, o.MaxFailures, now.Add(o.Lockout).UTC())
	if err != nil {
		return errs.Internal(err)
	}
	if until != nil && now.Before(*until) {
		obs.OTPLockout(string(cohort))
		s.logger.Warn("otp subject locked", zap.String("cohort", string(cohort)), zap.String("subject_id", subjectID))
		events.EmitAsync(s.events, s.logger, events.Event{Type: events.OTPLocked, Cohort: string(cohort), SubjectID: subjectID, Reason: reason})
		return lockedErr(*until, now)
	}
	events.EmitAsync(s.events, s.logger, events.Event{Type: events.OTPFailed, Cohort: string(cohort), SubjectID: subjectID, Reason: reason})
	return ErrInvalidCode
}

func (s *Service) openSecret(cfg *domain.Config) (string, error) {
	pt, err := s.kek.Decrypt(cfg.SecretCiphertext)
	if err != nil {
		return "", errs.Internal(err)
	}
	return string(pt), nil
}

func lockedErr(until, now time.Time) error {
	return ErrLocked.WithRetryAfter(until.Sub(now).Round(time.Second))
}

func accountName(id identity.Identity) string {
	if id.Email != "" {
		return id.Email
	}
	return id.SubjectID
}

var b32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

// matchStep returns the time step in [current-window, current+window] whose code equals
// code. Every step in the window is computed so timing does not reveal which matched.
func matchStep(secret, code string, now time.Time, o settings.OTP) (int64, bool) {
	if len(code) != o.Digits || strings.Trim(code, "0123456789") != "" {
		return 0, false
	}
	opts := totp.ValidateOpts{Period: o.Period, Digits: otp.Digits(o.Digits), Algorithm: otp.AlgorithmSHA1}
	period := int64(o.Period)
	current := now.Unix() / period
	var (
		matched int64
		found   bool
	)
	for i := -o.Window; i <= o.Window; i++ {
		step := current + int64(i)
		want, err := totp.GenerateCodeCustom(secret, time.Unix(step*period, 0).UTC(), opts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 && !found {
			matched, found = step, true
		}
	}
	return matched, found
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
}

// backupAlphabet is Crockford base32; 256 is a multiple of its size so byte&31 is unbiased.
const backupAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// BackupCodeLen is the formatted length XXXX-XXXX-XXXX.
const BackupCodeLen = 14

func isBackupCode(code string) bool {
	return len(code) == BackupCodeLen && code[4] == '-' && code[9] == '-'
}

// HashBackupCode returns the hex SHA-256 of a normalized backup code. Ambiguous Crockford
// letters are folded so a user typing O for 0 still matches.
func HashBackupCode(code string) string {
	code = strings.NewReplacer("O", "0", "I", "1", "L", "1").Replace(normalizeCode(code))
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}

func newBackupCode() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	out := make([]byte, 0, BackupCodeLen)
	for i, v := range b {
		if i == 4 || i == 8 {
			out = append(out, '-')
		}
		out = append(out, backupAlphabet[v&31])
	}
	return string(out), nil
}

func newBackupCodes(n int, cohort identity.Cohort, subjectID string, now time.Time) ([]string, []domain.BackupCode, error) {
	plain := make([]string, 0, n)
	stored := make([]domain.BackupCode, 0, n)
	for len(plain) < n {
		c, err := newBackupCode()
		if err != nil {
			return nil, nil, err
		}
		plain = append(plain, c)
		stored = append(stored, domain.BackupCode{
			ID:        uuid.NewString(),
			Cohort:    cohort,
			SubjectID: subjectID,
			CodeHash:  HashBackupCode(c),
			CreatedAt: now.UTC(),
		})
	}
	return plain, stored, nil
}
