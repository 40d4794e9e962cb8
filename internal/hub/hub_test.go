package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/presence"
)

// chanSink collects delivered events on a channel.
type chanSink struct {
	ch chan Event
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan Event, 128)}
}

func (s *chanSink) Send(ev Event) error {
	s.ch <- ev
	return nil
}

func (s *chanSink) wait(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (s *chanSink) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-s.ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// recordingNotifier captures fallback notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Notify(receiverID string, msg convlog.Message) {
	n.mu.Lock()
	n.calls = append(n.calls, receiverID)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func testMessage(sender, receiver string, seq int64) convlog.Message {
	return convlog.Message{
		ConversationID: convlog.ConversationID(sender, receiver),
		Seq:            seq,
		SenderID:       sender,
		Text:           "hello",
		CreatedAt:      time.Now(),
	}
}

// ---------------------------------------------------------------------------
// Test: A live subscriber receives each committed message exactly once
// ---------------------------------------------------------------------------

func TestHub_DeliversToLiveSubscriber(t *testing.T) {
	notifier := &recordingNotifier{}
	h := New(DefaultConfig(), notifier, nil)

	sink := newChanSink()
	sub := h.Subscribe(convlog.ConversationID("u1", "u2"), "u2", sink)
	sub.Start()
	defer sub.Close()

	h.PublishMessage(testMessage("u1", "u2", 1))

	ev := sink.wait(t)
	if ev.Type != EventMessage || ev.Message == nil || ev.Message.Seq != 1 {
		t.Fatalf("event = %+v, want message seq 1", ev)
	}
	sink.expectNone(t)

	if notifier.count() != 0 {
		t.Errorf("notifier fired %d times, want 0 (receiver is live)", notifier.count())
	}
}

// ---------------------------------------------------------------------------
// Test: No live subscription for the receiver falls back to the notifier
// ---------------------------------------------------------------------------

func TestHub_FallsBackToNotifier(t *testing.T) {
	notifier := &recordingNotifier{}
	h := New(DefaultConfig(), notifier, nil)

	h.PublishMessage(testMessage("u1", "u2", 1))

	if notifier.count() != 1 {
		t.Fatalf("notifier fired %d times, want 1", notifier.count())
	}
	notifier.mu.Lock()
	receiver := notifier.calls[0]
	notifier.mu.Unlock()
	if receiver != "u2" {
		t.Errorf("notified %q, want %q", receiver, "u2")
	}
}

// ---------------------------------------------------------------------------
// Test: A sender-only subscription still triggers the receiver's fallback
// ---------------------------------------------------------------------------

func TestHub_SenderSubscriptionDoesNotSuppressNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	h := New(DefaultConfig(), notifier, nil)

	sink := newChanSink()
	sub := h.Subscribe(convlog.ConversationID("u1", "u2"), "u1", sink)
	sub.Start()
	defer sub.Close()

	h.PublishMessage(testMessage("u1", "u2", 1))

	sink.wait(t) // sender's own echo
	if notifier.count() != 1 {
		t.Errorf("notifier fired %d times, want 1 (receiver has no subscription)", notifier.count())
	}
}

// ---------------------------------------------------------------------------
// Test: The wider liveness check suppresses the fallback
// ---------------------------------------------------------------------------

func TestHub_IsOnlineSuppressesNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	h := New(DefaultConfig(), notifier, func(userID string) bool { return userID == "u2" })

	h.PublishMessage(testMessage("u1", "u2", 1))

	if notifier.count() != 0 {
		t.Errorf("notifier fired %d times, want 0 (receiver online elsewhere)", notifier.count())
	}
}

// ---------------------------------------------------------------------------
// Test: A closed subscription receives nothing
// ---------------------------------------------------------------------------

func TestHub_ClosedSubscriptionReceivesNothing(t *testing.T) {
	h := New(DefaultConfig(), nil, nil)

	sink := newChanSink()
	sub := h.Subscribe(convlog.ConversationID("u1", "u2"), "u2", sink)
	sub.Start()
	sub.Close()
	sub.Close() // idempotent

	h.PublishMessage(testMessage("u1", "u2", 1))
	sink.expectNone(t)
}

// ---------------------------------------------------------------------------
// Test: Events buffer before Start and deliver afterwards
// ---------------------------------------------------------------------------

func TestHub_BuffersBeforeStart(t *testing.T) {
	h := New(DefaultConfig(), nil, nil)

	sink := newChanSink()
	sub := h.Subscribe(convlog.ConversationID("u1", "u2"), "u2", sink)
	defer sub.Close()

	h.PublishMessage(testMessage("u1", "u2", 1))
	sink.expectNone(t)

	sub.Start()
	ev := sink.wait(t)
	if ev.Message == nil || ev.Message.Seq != 1 {
		t.Fatalf("event = %+v, want buffered message seq 1", ev)
	}
}

// ---------------------------------------------------------------------------
// Test: Queue overflow drops the oldest events, never blocks the publisher
// ---------------------------------------------------------------------------

func TestHub_OverflowDropsOldest(t *testing.T) {
	h := New(Config{QueueSize: 4}, nil, nil)

	sink := newChanSink()
	sub := h.Subscribe(convlog.ConversationID("u1", "u2"), "u2", sink)
	defer sub.Close()

	// Not started: events pile up in the bounded queue.
	for i := 1; i <= 10; i++ {
		h.PublishMessage(testMessage("u1", "u2", int64(i)))
	}

	sub.Start()

	first := sink.wait(t)
	if first.Message.Seq <= 1 {
		t.Errorf("first delivered seq = %d, want oldest events dropped", first.Message.Seq)
	}
	// The newest event always survives.
	last := first
	for {
		select {
		case ev := <-sink.ch:
			last = ev
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	if last.Message.Seq != 10 {
		t.Errorf("last delivered seq = %d, want 10", last.Message.Seq)
	}
}

// ---------------------------------------------------------------------------
// Test: Presence transitions reach the watched user's subscribers only
// ---------------------------------------------------------------------------

func TestHub_PresenceFanout(t *testing.T) {
	h := New(DefaultConfig(), nil, nil)

	watcher := newChanSink()
	sub := h.SubscribePresence("u2", "u1", watcher)
	sub.Start()
	defer sub.Close()

	other := newChanSink()
	otherSub := h.SubscribePresence("u3", "u1", other)
	otherSub.Start()
	defer otherSub.Close()

	h.PublishPresence(presence.Event{UserID: "u2", Status: presence.Online})

	ev := watcher.wait(t)
	if ev.Type != EventPresence || ev.Presence.UserID != "u2" || ev.Presence.Status != presence.Online {
		t.Fatalf("event = %+v, want u2 online", ev)
	}
	other.expectNone(t)
}

// ---------------------------------------------------------------------------
// Test: One user offline, one live subscriber — the documented scenario
// ---------------------------------------------------------------------------

func TestHub_LiveAndOfflineSplit(t *testing.T) {
	notifier := &recordingNotifier{}
	h := New(DefaultConfig(), notifier, nil)

	// u2 is live and streaming the conversation; u3 is offline.
	sink := newChanSink()
	sub := h.Subscribe(convlog.ConversationID("u1", "u2"), "u2", sink)
	sub.Start()
	defer sub.Close()

	h.PublishMessage(testMessage("u1", "u2", 1))
	h.PublishMessage(testMessage("u1", "u3", 1))

	ev := sink.wait(t)
	if ev.Message.ConversationID != convlog.ConversationID("u1", "u2") {
		t.Fatalf("delivered conversation = %q", ev.Message.ConversationID)
	}
	if notifier.count() != 1 {
		t.Fatalf("notifier fired %d times, want 1 (only for u3)", notifier.count())
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.calls[0] != "u3" {
		t.Errorf("notified %q, want u3", notifier.calls[0])
	}
}
