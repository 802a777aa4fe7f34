// Package notify sends account notices without revealing them in API responses.
package notify

import (
	"context"

	"go.uber.org/zap"

	"opaque-idp/internal/events"
	identity "opaque-idp/internal/identity/domain"
)

// Notifier delivers account notices. Rendering and SMTP delivery happen downstream.
type Notifier interface {
	// DuplicateRegistration tells the owner of email that someone tried to register it,
	// with a pointer to password reset.
	DuplicateRegistration(ctx context.Context, cohort identity.Cohort, email string) error
}

// NoticePasswordReset is the notice attribute consumed by the mailer.
const NoticePasswordReset = "password_reset"

// EventNotifier publishes notices as security events (Kafka topic consumed by the mailer).
type EventNotifier struct {
	emitter events.Emitter
	logger  *zap.Logger
}

func NewEventNotifier(emitter events.Emitter, logger *zap.Logger) *EventNotifier {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventNotifier{emitter: emitter, logger: logger}
}

// DuplicateRegistration emits asynchronously so the response time does not depend on
// whether the account existed.
func (n *EventNotifier) DuplicateRegistration(_ context.Context, cohort identity.Cohort, email string) error {
	events.EmitAsync(n.emitter, n.logger, events.Event{
		Type:   events.DuplicateRegistration,
		Cohort: string(cohort),
		Email:  identity.NormalizeEmail(email),
		Attrs:  map[string]string{"notice": NoticePasswordReset},
	})
	return nil
}
