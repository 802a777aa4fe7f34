package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"opaque-idp/internal/logging"
	"opaque-idp/internal/settings"
)

const otpQuery = "data.opaque_idp.otp.required"

// PolicySettingKey holds an optional Rego module replacing the default policy. A custom
// policy can add requirements but never lift the builtin ones.
const PolicySettingKey = "policy.otp_rego"

// Default Rego policy, equivalent to BuiltinOTPRequired.
const defaultRegoPolicy = `package opaque_idp.otp

default required := false

required if {
	input.otp.state == "enabled"
}

required if {
	input.cohort == "admin"
	input.settings.require_for_admins
}
`

// maxPrepared bounds the prepared-query cache; custom policies change rarely.
const maxPrepared = 8

// OPAEvaluator evaluates the OTP gating policy using OPA Rego.
type OPAEvaluator struct {
	logger *zap.Logger

	mu       sync.Mutex
	prepared map[string]rego.PreparedEvalQuery
}

// NewOPAEvaluator returns an OPA-based policy evaluator.
func NewOPAEvaluator(logger *zap.Logger) *OPAEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OPAEvaluator{logger: logger, prepared: make(map[string]rego.PreparedEvalQuery)}
}

// HealthCheck verifies that the in-process OPA engine can compile and evaluate the default policy.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.eval(ctx, defaultRegoPolicy, map[string]any{
		"cohort":   "user",
		"otp":      map[string]any{"state": "uninitialized"},
		"settings": map[string]any{"require_for_admins": false},
	})
	return err
}

// OTPRequired evaluates the policy from snap (or the default policy) for in. The result is
// ORed with BuiltinOTPRequired, so an enrolled subject or a mandated admin is always gated.
// An invalid custom policy or evaluation error falls back to the builtin rule and is logged.
func (e *OPAEvaluator) OTPRequired(ctx context.Context, snap settings.Snapshot, in OTPInput) (bool, error) {
	builtin := BuiltinOTPRequired(in)
	policy := snap.String(PolicySettingKey, defaultRegoPolicy)
	required, err := e.eval(ctx, policy, buildInput(in))
	if err != nil {
		e.logger.Warn("otp policy evaluation failed, using builtin rule", logging.Err(err))
		return builtin, nil
	}
	return required || builtin, nil
}

func buildInput(in OTPInput) map[string]any {
	return map[string]any{
		"cohort": string(in.Cohort),
		"otp": map[string]any{
			"state": string(in.State),
		},
		"settings": map[string]any{
			"require_for_admins": in.Settings.RequireForAdmins,
			"max_failures":       in.Settings.MaxFailures,
			"window":             in.Settings.Window,
		},
	}
}

func (e *OPAEvaluator) eval(ctx context.Context, policy string, input map[string]any) (bool, error) {
	pq, err := e.prepare(ctx, policy)
	if err != nil {
		return false, err
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, fmt.Errorf("policy query returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("policy result is %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}

func (e *OPAEvaluator) prepare(ctx context.Context, policy string) (rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pq, ok := e.prepared[policy]; ok {
		return pq, nil
	}
	compiler, err := ast.CompileModules(map[string]string{"otp.rego": policy})
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compile policy: %w", err)
	}
	pq, err := rego.New(rego.Query(otpQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("prepare policy: %w", err)
	}
	if len(e.prepared) >= maxPrepared {
		clear(e.prepared)
	}
	e.prepared[policy] = pq
	return pq, nil
}
