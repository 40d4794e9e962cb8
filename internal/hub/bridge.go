package hub

import (
	"encoding/json"
	"log"

	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/presence"
)

// Bus is the pub/sub transport the bridge relays events over. Conversation
// and presence interests are subject-per-key so an instance only receives
// traffic for keys it has local subscribers for.
type Bus interface {
	PublishConversation(conversationID string, data []byte) error
	SubscribeConversation(conversationID string, handler func(data []byte)) error
	UnsubscribeConversation(conversationID string) error

	PublishPresence(userID string, data []byte) error
	SubscribePresence(userID string, handler func(data []byte)) error
	UnsubscribePresence(userID string) error
}

// Bridge relays hub events between server instances. Each event carries
// the origin instance id; an instance drops its own events on the way back
// in, so local subscribers see exactly one copy.
type Bridge struct {
	hub    *Hub
	bus    Bus
	origin string
}

type wireMessage struct {
	Origin  string          `json:"origin"`
	Message convlog.Message `json:"message"`
}

type wirePresence struct {
	Origin string         `json:"origin"`
	Event  presence.Event `json:"event"`
}

// AttachBridge connects the hub to a bus under the given instance id.
// Must be called before the hub is in use.
func (h *Hub) AttachBridge(bus Bus, origin string) *Bridge {
	b := &Bridge{hub: h, bus: bus, origin: origin}
	h.bridge = b
	return b
}

func (b *Bridge) relayMessage(msg convlog.Message) {
	data, err := json.Marshal(wireMessage{Origin: b.origin, Message: msg})
	if err != nil {
		log.Printf("hub: bridge marshal message conv=%s: %v", msg.ConversationID, err)
		return
	}
	if err := b.bus.PublishConversation(msg.ConversationID, data); err != nil {
		log.Printf("hub: bridge publish conv=%s: %v", msg.ConversationID, err)
	}
}

func (b *Bridge) relayPresence(ev presence.Event) {
	data, err := json.Marshal(wirePresence{Origin: b.origin, Event: ev})
	if err != nil {
		log.Printf("hub: bridge marshal presence user=%s: %v", ev.UserID, err)
		return
	}
	if err := b.bus.PublishPresence(ev.UserID, data); err != nil {
		log.Printf("hub: bridge publish presence user=%s: %v", ev.UserID, err)
	}
}

// joinConversation starts receiving a conversation's remote events. Called
// when the first local subscriber appears.
func (b *Bridge) joinConversation(conversationID string) {
	err := b.bus.SubscribeConversation(conversationID, func(data []byte) {
		var w wireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			log.Printf("hub: bridge unmarshal conv=%s: %v", conversationID, err)
			return
		}
		if w.Origin == b.origin {
			return
		}
		receiver := receiverOf(w.Message)
		b.hub.deliverMessage(w.Message, receiver)
	})
	if err != nil {
		log.Printf("hub: bridge subscribe conv=%s: %v", conversationID, err)
	}
}

func (b *Bridge) leaveConversation(conversationID string) {
	if err := b.bus.UnsubscribeConversation(conversationID); err != nil {
		log.Printf("hub: bridge unsubscribe conv=%s: %v", conversationID, err)
	}
}

// joinPresence starts receiving a user's remote presence transitions.
func (b *Bridge) joinPresence(userID string) {
	err := b.bus.SubscribePresence(userID, func(data []byte) {
		var w wirePresence
		if err := json.Unmarshal(data, &w); err != nil {
			log.Printf("hub: bridge unmarshal presence user=%s: %v", userID, err)
			return
		}
		if w.Origin == b.origin {
			return
		}
		b.hub.deliverPresence(w.Event)
	})
	if err != nil {
		log.Printf("hub: bridge subscribe presence user=%s: %v", userID, err)
	}
}

func (b *Bridge) leavePresence(userID string) {
	if err := b.bus.UnsubscribePresence(userID); err != nil {
		log.Printf("hub: bridge unsubscribe presence user=%s: %v", userID, err)
	}
}
