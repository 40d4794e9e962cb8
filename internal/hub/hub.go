// Package hub fans newly committed messages and presence transitions out to
// live subscribers. Delivery is at-least-once and best-effort ordered per
// conversation; the conversation log remains the durable source of truth.
// A slow subscriber never delays publishers: each subscription has a
// bounded queue with drop-oldest overflow.
package hub

import (
	"log"
	"sync"

	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/metrics"
	"github.com/courier/chat-backend/internal/presence"
)

// Event kinds delivered to sinks.
const (
	EventMessage  = "message"
	EventPresence = "presence"
)

// Event is one delivery to a subscriber: either a committed message or a
// presence transition.
type Event struct {
	Type     string
	Message  *convlog.Message
	Presence *presence.Event
}

// Sink receives events for one subscription. Send is called from the
// subscription's pump goroutine; errors are logged and the event dropped.
type Sink interface {
	Send(ev Event) error
}

// Notifier is the fallback for receivers with no live subscription. It
// must be best-effort and non-blocking; the hub never retries it.
type Notifier interface {
	Notify(receiverID string, msg convlog.Message)
}

// Config holds hub tuning parameters.
type Config struct {
	QueueSize int // per-subscription queue capacity
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{QueueSize: 64}
}

// Hub routes events to the subscriptions registered on this instance and
// relays them across instances through an optional bridge.
type Hub struct {
	cfg      Config
	notifier Notifier          // nil disables the offline fallback
	isOnline func(string) bool // nil means only local subscribers count as live
	bridge   *Bridge

	mu       sync.RWMutex
	convSubs map[string]map[*Subscription]struct{} // conversation id -> subs
	presSubs map[string]map[*Subscription]struct{} // watched user id -> subs
}

// New creates a Hub. notifier handles messages for receivers with no live
// subscription; isOnline (optional) widens the liveness check to receivers
// connected elsewhere so they are not push-notified twice.
func New(cfg Config, notifier Notifier, isOnline func(userID string) bool) *Hub {
	return &Hub{
		cfg:      cfg,
		notifier: notifier,
		isOnline: isOnline,
		convSubs: make(map[string]map[*Subscription]struct{}),
		presSubs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a sink for a conversation's messages on behalf of
// userID. The subscription buffers events immediately but delivers only
// after Start, so callers can replay history first and dedupe by Seq.
func (h *Hub) Subscribe(conversationID, userID string, sink Sink) *Subscription {
	s := h.newSubscription(sink)
	s.convID = conversationID
	s.userID = userID

	h.mu.Lock()
	subs, ok := h.convSubs[conversationID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.convSubs[conversationID] = subs
	}
	first := len(subs) == 0
	subs[s] = struct{}{}
	h.mu.Unlock()

	if first && h.bridge != nil {
		h.bridge.joinConversation(conversationID)
	}
	return s
}

// SubscribePresence registers a sink for one user's presence transitions.
func (h *Hub) SubscribePresence(watchedID, userID string, sink Sink) *Subscription {
	s := h.newSubscription(sink)
	s.watchID = watchedID
	s.userID = userID

	h.mu.Lock()
	subs, ok := h.presSubs[watchedID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.presSubs[watchedID] = subs
	}
	first := len(subs) == 0
	subs[s] = struct{}{}
	h.mu.Unlock()

	if first && h.bridge != nil {
		h.bridge.joinPresence(watchedID)
	}
	return s
}

// PublishMessage delivers a committed message to the conversation's
// subscribers. It is invoked from the log's append path inside the
// per-conversation critical section, so calls for one conversation arrive
// in commit order. If the receiver has no live subscription anywhere, the
// notifier takes over instead — never both.
func (h *Hub) PublishMessage(msg convlog.Message) {
	receiver := receiverOf(msg)

	live := h.deliverMessage(msg, receiver)
	if h.bridge != nil {
		h.bridge.relayMessage(msg)
	}

	if live || receiver == "" {
		return
	}
	if h.isOnline != nil && h.isOnline(receiver) {
		return
	}
	if h.notifier != nil {
		metrics.PushRequests.WithLabelValues("requested").Inc()
		h.notifier.Notify(receiver, msg)
	}
}

// PublishPresence delivers a presence transition to the user's watchers.
func (h *Hub) PublishPresence(ev presence.Event) {
	h.deliverPresence(ev)
	if h.bridge != nil {
		h.bridge.relayPresence(ev)
	}
}

// deliverMessage enqueues the message for local conversation subscribers
// and reports whether any of them belongs to the receiver.
func (h *Hub) deliverMessage(msg convlog.Message, receiver string) bool {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.convSubs[msg.ConversationID]))
	receiverLive := false
	for s := range h.convSubs[msg.ConversationID] {
		targets = append(targets, s)
		if s.userID == receiver {
			receiverLive = true
		}
	}
	h.mu.RUnlock()

	m := msg
	for _, s := range targets {
		s.enqueue(Event{Type: EventMessage, Message: &m})
	}
	return receiverLive
}

func (h *Hub) deliverPresence(ev presence.Event) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.presSubs[ev.UserID]))
	for s := range h.presSubs[ev.UserID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	e := ev
	for _, s := range targets {
		s.enqueue(Event{Type: EventPresence, Presence: &e})
	}
}

// remove unregisters a subscription and tears down the bridge interest
// when it was the last one for its key.
func (h *Hub) remove(s *Subscription) {
	var lastConv, lastPres string

	h.mu.Lock()
	if s.convID != "" {
		if subs, ok := h.convSubs[s.convID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.convSubs, s.convID)
				lastConv = s.convID
			}
		}
	}
	if s.watchID != "" {
		if subs, ok := h.presSubs[s.watchID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.presSubs, s.watchID)
				lastPres = s.watchID
			}
		}
	}
	h.mu.Unlock()

	if h.bridge != nil {
		if lastConv != "" {
			h.bridge.leaveConversation(lastConv)
		}
		if lastPres != "" {
			h.bridge.leavePresence(lastPres)
		}
	}
}

// receiverOf derives the receiving participant from the canonical
// conversation id. Empty for malformed ids.
func receiverOf(msg convlog.Message) string {
	a, b, ok := convlog.Participants(msg.ConversationID)
	if !ok {
		return ""
	}
	if msg.SenderID == a {
		return b
	}
	return a
}

// Subscription is a live delivery registration. Events are buffered from
// creation; Start launches delivery to the sink; Close stops delivery
// immediately and is idempotent.
type Subscription struct {
	hub  *Hub
	sink Sink

	convID  string
	watchID string
	userID  string

	ch        chan Event
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func (h *Hub) newSubscription(sink Sink) *Subscription {
	return &Subscription{
		hub:  h,
		sink: sink,
		ch:   make(chan Event, h.cfg.QueueSize),
		done: make(chan struct{}),
	}
}

// Start launches the delivery pump. Safe to call once per subscription;
// repeat calls are no-ops.
func (s *Subscription) Start() {
	s.startOnce.Do(func() {
		go s.pump()
	})
}

// Close unregisters the subscription and stops delivery. Events still
// queued are discarded. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (s *Subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			// Re-check done so a close observed mid-select stops
			// delivery promptly.
			select {
			case <-s.done:
				return
			default:
			}
			if err := s.sink.Send(ev); err != nil {
				log.Printf("hub: sink send user=%s: %v", s.userID, err)
				continue
			}
			metrics.EventsDelivered.WithLabelValues(ev.Type).Inc()
		}
	}
}

// enqueue adds an event to the subscription's bounded queue, dropping the
// oldest queued event on overflow so publishers never block.
func (s *Subscription) enqueue(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.ch <- ev:
		return
	default:
	}

	select {
	case <-s.ch:
		metrics.EventsDropped.Inc()
	default:
	}
	select {
	case s.ch <- ev:
	default:
		metrics.EventsDropped.Inc()
	}
}
