package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"opaque-idp/internal/events"
	identity "opaque-idp/internal/identity/domain"
)

type memEmitter struct {
	mu  sync.Mutex
	got []events.Event
}

func (m *memEmitter) Emit(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, e)
	return nil
}

func (m *memEmitter) snapshot() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Event(nil), m.got...)
}

func TestEventNotifier_DuplicateRegistration(t *testing.T) {
	em := &memEmitter{}
	n := NewEventNotifier(em, nil)
	if err := n.DuplicateRegistration(context.Background(), identity.CohortUser, " Alice@Example.com"); err != nil {
		t.Fatalf("DuplicateRegistration: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(em.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := em.snapshot()
	if len(got) != 1 {
		t.Fatalf("emitted %d events, want 1", len(got))
	}
	e := got[0]
	if e.Type != events.DuplicateRegistration || e.Email != "alice@example.com" || e.Attrs["notice"] != NoticePasswordReset {
		t.Errorf("event = %+v", e)
	}
}
