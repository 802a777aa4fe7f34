// Package engine decides OTP gating with OPA Rego policies.
package engine

import (
	"context"

	identity "opaque-idp/internal/identity/domain"
	otpdomain "opaque-idp/internal/otp/domain"
	"opaque-idp/internal/settings"
)

// OTPInput is the policy input for one gating decision.
type OTPInput struct {
	Cohort   identity.Cohort
	State    otpdomain.State
	Settings settings.OTP
}

// Evaluator decides whether a new session of a subject is gated behind OTP verification.
type Evaluator interface {
	OTPRequired(ctx context.Context, snap settings.Snapshot, in OTPInput) (bool, error)
}

// BuiltinOTPRequired is the Go form of the default policy. It is used when no evaluator
// is configured and when policy evaluation fails.
func BuiltinOTPRequired(in OTPInput) bool {
	if in.State == otpdomain.StateEnabled {
		return true
	}
	return in.Cohort == identity.CohortAdmin && in.Settings.RequireForAdmins
}
