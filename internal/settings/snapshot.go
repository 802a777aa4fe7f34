// Package settings resolves runtime business settings (rate limits, OTP parameters, session
// lifetimes) from the platform_settings key/value table. Callers resolve one Snapshot per
// operation and pass it down instead of re-reading settings ad hoc.
package settings

import (
	"strconv"
	"strings"
	"time"

	"opaque-idp/internal/identity/domain"
)

// Snapshot is an immutable view of platform settings. Missing or malformed keys read as defaults.
type Snapshot struct {
	values map[string]string
}

// NewSnapshot copies values into a Snapshot.
func NewSnapshot(values map[string]string) Snapshot {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return Snapshot{values: cp}
}

// String returns the value for key or def when absent.
func (s Snapshot) String(key, def string) string {
	if v, ok := s.values[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Int returns the integer value for key or def when absent or malformed.
func (s Snapshot) Int(key string, def int) int {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Bool returns the boolean value for key or def when absent or malformed.
func (s Snapshot) Bool(key string, def bool) bool {
	v, ok := s.values[key]
	if !ok {
		return def
	}
	b, err := parseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Seconds reads key as a positive number of seconds.
func (s Snapshot) Seconds(key string, def time.Duration) time.Duration {
	n := s.Int(key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off", "":
		return false, nil
	default:
		return false, strconv.ErrSyntax
	}
}

// MaxOTPWindow caps otp.window; each accepted step costs one HMAC per verification.
const MaxOTPWindow = 10

// OTP holds second-factor parameters.
type OTP struct {
	Window           int
	MaxFailures      int
	Lockout          time.Duration
	Period           uint
	Digits           int
	BackupCodeCount  int
	Issuer           string
	RequireForAdmins bool
}

// OTP returns the OTP parameters with documented defaults.
func (s Snapshot) OTP() OTP {
	o := OTP{
		Window:           s.Int("otp.window", 1),
		MaxFailures:      s.Int("otp.max_failures", 5),
		Lockout:          s.Seconds("otp.lockout_seconds", 15*time.Minute),
		Period:           uint(s.Int("otp.period", 30)),
		Digits:           s.Int("otp.digits", 6),
		BackupCodeCount:  s.Int("otp.backup_code_count", 8),
		Issuer:           s.String("otp.issuer", "opaque-idp"),
		RequireForAdmins: s.Bool("otp.require_for_admins", false),
	}
	if o.Window < 0 {
		o.Window = 1
	}
	if o.Window > MaxOTPWindow {
		o.Window = MaxOTPWindow
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
	if o.Period == 0 {
		o.Period = 30
	}
	if o.Digits != 6 && o.Digits != 8 {
		o.Digits = 6
	}
	if o.BackupCodeCount <= 0 {
		o.BackupCodeCount = 8
	}
	return o
}

// RateLimitClass holds the fixed-window parameters for one limit class.
type RateLimitClass struct {
	Enabled     bool
	MaxRequests int
	Window      time.Duration
}

type classDefault struct {
	max    int
	window time.Duration
}

var rateLimitDefaults = map[string]classDefault{
	"auth":     {max: 10, window: 5 * time.Minute},
	"register": {max: 5, window: time.Hour},
	"otp":      {max: 10, window: 5 * time.Minute},
	"refresh":  {max: 30, window: time.Minute},
	"api":      {max: 300, window: time.Minute},
}

// RateLimit returns the settings for class. Unknown classes get the api defaults.
func (s Snapshot) RateLimit(class string) RateLimitClass {
	d, ok := rateLimitDefaults[class]
	if !ok {
		d = rateLimitDefaults["api"]
	}
	prefix := "rate_limit." + class + "."
	c := RateLimitClass{
		Enabled:     s.Bool(prefix+"enabled", true),
		MaxRequests: s.Int(prefix+"max_requests", d.max),
		Window:      s.Seconds(prefix+"window_seconds", d.window),
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = d.max
	}
	return c
}

// Escalation holds the hard-block parameters shared by all classes.
type Escalation struct {
	BlockThreshold int
	BlockDuration  time.Duration
}

// Escalation returns the abuse escalation parameters.
func (s Snapshot) Escalation() Escalation {
	e := Escalation{
		BlockThreshold: s.Int("rate_limit.block_threshold", 5),
		BlockDuration:  s.Seconds("rate_limit.block_seconds", time.Hour),
	}
	if e.BlockThreshold <= 0 {
		e.BlockThreshold = 5
	}
	return e
}

// SessionLifetime holds session and refresh-token lifetimes for a cohort.
type SessionLifetime struct {
	Session time.Duration
	Refresh time.Duration
}

// SessionLifetime returns lifetimes for cohort. Admin sessions are shorter.
func (s Snapshot) SessionLifetime(c domain.Cohort) SessionLifetime {
	if c == domain.CohortAdmin {
		return SessionLifetime{
			Session: s.Seconds("session.admin.ttl_seconds", 30*time.Minute),
			Refresh: s.Seconds("session.admin.refresh_ttl_seconds", 12*time.Hour),
		}
	}
	return SessionLifetime{
		Session: s.Seconds("session.user.ttl_seconds", time.Hour),
		Refresh: s.Seconds("session.user.refresh_ttl_seconds", 30*24*time.Hour),
	}
}

// AntiEnumeration reports whether duplicate registrations are hidden behind a notice
// instead of a Conflict error.
func (s Snapshot) AntiEnumeration() bool {
	return s.Bool("auth.anti_enumeration", true)
}

// AdminRegistration reports whether admins may set their own OPAQUE credential through
// the admin registration endpoints. The admin row must already exist.
func (s Snapshot) AdminRegistration() bool {
	return s.Bool("auth.admin_registration_enabled", false)
}
