package notify

import (
	"encoding/json"
	"log"

	"github.com/courier/chat-backend/internal/convlog"
)

// NotifyBus is the publish side of the notify subject.
type NotifyBus interface {
	PublishNotify(data []byte) error
}

// BusNotifier satisfies the fan-out hub's notifier contract by publishing
// push events onto the bus, where the notifier service picks them up. The
// publish is fire-and-forget; a bus error is logged and the event lost,
// which is acceptable for best-effort notification delivery.
type BusNotifier struct {
	Bus NotifyBus
}

// Notify publishes a push event for the receiver.
func (n BusNotifier) Notify(receiverID string, msg convlog.Message) {
	data, err := json.Marshal(PushEvent{
		ReceiverID:     receiverID,
		SenderID:       msg.SenderID,
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		Ts:             msg.CreatedAt.Unix(),
	})
	if err != nil {
		log.Printf("notify: marshal push event receiver=%s: %v", receiverID, err)
		return
	}
	if err := n.Bus.PublishNotify(data); err != nil {
		log.Printf("notify: publish push event receiver=%s: %v", receiverID, err)
	}
}
