package events

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// LogEmitter is the subset of otellog.Logger used by the OTel emitter.
type LogEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewOTelEmitter returns an Emitter that sends events as OTel log records via provider.
// If provider is nil, returns Nop.
func NewOTelEmitter(provider *sdklog.LoggerProvider) Emitter {
	if provider == nil {
		return Nop{}
	}
	return &otelEmitter{logger: provider.Logger("opaque-idp.security")}
}

// NewOTelEmitterWithLogger builds the emitter over any LogEmitter.
func NewOTelEmitterWithLogger(l LogEmitter) Emitter {
	return &otelEmitter{logger: l}
}

type otelEmitter struct {
	logger LogEmitter
}

func (e *otelEmitter) Emit(ctx context.Context, ev Event) error {
	rec := otellog.Record{}
	rec.SetTimestamp(ev.At)
	if ev.At.IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	rec.SetEventName(string(ev.Type))
	rec.SetSeverity(severity(ev.Type))
	rec.AddAttributes(otellog.String("event_type", string(ev.Type)))
	if ev.Cohort != "" {
		rec.AddAttributes(otellog.String("cohort", ev.Cohort))
	}
	if ev.SubjectID != "" {
		rec.AddAttributes(otellog.String("subject_id", ev.SubjectID))
	}
	if ev.IP != "" {
		rec.AddAttributes(otellog.String("client_ip", ev.IP))
	}
	if ev.Reason != "" {
		rec.AddAttributes(otellog.String("reason", ev.Reason))
	}
	if len(ev.Attrs) > 0 {
		body, err := json.Marshal(ev.Attrs)
		if err != nil {
			return err
		}
		rec.SetBody(otellog.BytesValue(body))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

func severity(t Type) otellog.Severity {
	switch t {
	case RefreshReuse, OTPLocked, RateLimitBlocked:
		return otellog.SeverityWarn
	case LoginFailed, OTPFailed:
		return otellog.SeverityInfo2
	default:
		return otellog.SeverityInfo
	}
}
