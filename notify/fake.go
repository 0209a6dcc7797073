package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakeNotifier is a test implementation of Notifier.
type FakeNotifier struct {
	mu sync.Mutex

	// Fail makes every delivery return ErrDeliveryFailed.
	Fail bool

	Sent []FakeNotification
}

type FakeNotification struct {
	Recipient uuid.UUID
	Event     string
	Payload   any
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (n *FakeNotifier) Notify(ctx context.Context, recipient uuid.UUID, event string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Fail {
		return ErrDeliveryFailed
	}
	n.Sent = append(n.Sent, FakeNotification{Recipient: recipient, Event: event, Payload: payload})
	return nil
}

// SentEvents returns the events delivered so far, in order.
func (n *FakeNotifier) SentEvents() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	events := make([]string, len(n.Sent))
	for i, s := range n.Sent {
		events[i] = s.Event
	}
	return events
}
