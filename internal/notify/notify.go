// Package notify converts stored message events into push-notification
// payloads for disconnected receivers and hands them to an external
// delivery provider. Delivery is best-effort: provider failures are logged
// and swallowed, and never propagate to the message sender.
package notify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/identity"
	"github.com/courier/chat-backend/internal/metrics"
)

// DefaultTitle is the notification title for new-message pushes.
const DefaultTitle = "New Message"

// UserLookup resolves a receiver's user record (for the push token).
// identity.Store satisfies it.
type UserLookup interface {
	Get(ctx context.Context, id string) (*identity.User, error)
}

// Provider is the external push delivery transport. A single attempt per
// payload; retries are the provider's own policy.
type Provider interface {
	Push(ctx context.Context, token, title, body string) error
}

// PushEvent is the wire payload published on the notify subject by the
// fan-out hub and consumed by the notifier service.
type PushEvent struct {
	ReceiverID     string `json:"receiver_id"`
	SenderID       string `json:"sender_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Ts             int64  `json:"ts"`
}

// Dispatcher builds and delivers push payloads.
type Dispatcher struct {
	users    UserLookup
	provider Provider
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher delivering through the given provider.
func NewDispatcher(users UserLookup, provider Provider) *Dispatcher {
	return &Dispatcher{
		users:    users,
		provider: provider,
		timeout:  5 * time.Second,
	}
}

// Dispatch looks up the receiver's push token and delivers a notification
// for the message. A receiver with no registered token is a no-op, not an
// error. All failures are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, receiverID string, msg convlog.Message) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	u, err := d.users.Get(ctx, receiverID)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			log.Printf("notify: lookup receiver=%s: %v", receiverID, err)
		}
		metrics.PushRequests.WithLabelValues("failed").Inc()
		return
	}
	if u.PushToken == "" {
		metrics.PushRequests.WithLabelValues("no_token").Inc()
		return
	}

	if err := d.provider.Push(ctx, u.PushToken, DefaultTitle, msg.Text); err != nil {
		log.Printf("notify: push receiver=%s conv=%s: %v", receiverID, msg.ConversationID, err)
		metrics.PushRequests.WithLabelValues("failed").Inc()
		return
	}
	metrics.PushRequests.WithLabelValues("delivered").Inc()
}
