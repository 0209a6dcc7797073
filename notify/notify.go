// Package notify delivers best-effort event notifications. Delivery failure
// is never allowed to undo a state transition: callers log and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var ErrDeliveryFailed = errors.New("notification delivery failed")

const (
	EventBookingRequested = "booking.requested"
	EventBookingAccepted  = "booking.accepted"
	EventBookingRejected  = "booking.rejected"
	EventBookingCancelled = "booking.cancelled"
	EventPickupConfirmed  = "booking.picked_up"
)

type Notifier interface {
	Notify(ctx context.Context, recipient uuid.UUID, event string, payload any) error
}

// WebhookNotifier POSTs events to a delivery service.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookEvent struct {
	RecipientID uuid.UUID `json:"recipientId"`
	Event       string    `json:"event"`
	Payload     any       `json:"payload"`
	SentAt      time.Time `json:"sentAt"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, recipient uuid.UUID, event string, payload any) error {
	body, err := json.Marshal(webhookEvent{
		RecipientID: recipient,
		Event:       event,
		Payload:     payload,
		SentAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// Discard drops every notification. Used when no delivery endpoint is
// configured.
type Discard struct{}

func (Discard) Notify(context.Context, uuid.UUID, string, any) error {
	return nil
}
