package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/courier/chat-backend/internal/convlog"
	"github.com/courier/chat-backend/internal/identity"
)

// recordingProvider captures push attempts and optionally fails them.
type recordingProvider struct {
	mu     sync.Mutex
	pushes []string // "token|title|body"
	err    error
}

func (p *recordingProvider) Push(ctx context.Context, token, title, body string) error {
	p.mu.Lock()
	p.pushes = append(p.pushes, token+"|"+title+"|"+body)
	p.mu.Unlock()
	return p.err
}

func (p *recordingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes)
}

func seedUser(t *testing.T, s identity.Store, id, token string) {
	t.Helper()
	ctx := context.Background()
	if err := s.Upsert(ctx, identity.User{ID: id, DisplayName: id}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if token != "" {
		if err := s.SetPushToken(ctx, id, token); err != nil {
			t.Fatalf("set token: %v", err)
		}
	}
}

func msg(sender, receiver, text string) convlog.Message {
	return convlog.Message{
		ConversationID: convlog.ConversationID(sender, receiver),
		SenderID:       sender,
		Text:           text,
		CreatedAt:      time.Now(),
	}
}

// ---------------------------------------------------------------------------
// Test: A registered token gets a push with the fixed title
// ---------------------------------------------------------------------------

func TestDispatch_DeliversWithTitle(t *testing.T) {
	users := identity.NewMemStore()
	seedUser(t, users, "bob", "tok-bob")
	provider := &recordingProvider{}
	d := NewDispatcher(users, provider)

	d.Dispatch(context.Background(), "bob", msg("alice", "bob", "hi bob"))

	if provider.count() != 1 {
		t.Fatalf("pushes = %d, want 1", provider.count())
	}
	provider.mu.Lock()
	got := provider.pushes[0]
	provider.mu.Unlock()
	want := "tok-bob|" + DefaultTitle + "|hi bob"
	if got != want {
		t.Errorf("push = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// Test: No token means no push and no error
// ---------------------------------------------------------------------------

func TestDispatch_NoTokenIsNoop(t *testing.T) {
	users := identity.NewMemStore()
	seedUser(t, users, "bob", "")
	provider := &recordingProvider{}
	d := NewDispatcher(users, provider)

	d.Dispatch(context.Background(), "bob", msg("alice", "bob", "hi"))

	if provider.count() != 0 {
		t.Errorf("pushes = %d, want 0 for tokenless receiver", provider.count())
	}
}

// ---------------------------------------------------------------------------
// Test: Provider failures and unknown receivers are swallowed
// ---------------------------------------------------------------------------

func TestDispatch_SwallowsFailures(t *testing.T) {
	users := identity.NewMemStore()
	seedUser(t, users, "bob", "tok-bob")
	provider := &recordingProvider{err: errors.New("provider down")}
	d := NewDispatcher(users, provider)

	// Neither call may panic or propagate anything.
	d.Dispatch(context.Background(), "bob", msg("alice", "bob", "hi"))
	d.Dispatch(context.Background(), "ghost", msg("alice", "ghost", "hi"))

	if provider.count() != 1 {
		t.Errorf("pushes = %d, want 1 (ghost has no record)", provider.count())
	}
}

// ---------------------------------------------------------------------------
// Test: BusNotifier publishes a well-formed push event
// ---------------------------------------------------------------------------

type recordingBus struct {
	mu   sync.Mutex
	data [][]byte
}

func (b *recordingBus) PublishNotify(data []byte) error {
	b.mu.Lock()
	b.data = append(b.data, data)
	b.mu.Unlock()
	return nil
}

func TestBusNotifier_PublishesEvent(t *testing.T) {
	bus := &recordingBus{}
	n := BusNotifier{Bus: bus}

	n.Notify("bob", msg("alice", "bob", "hello"))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.data) != 1 {
		t.Fatalf("published %d events, want 1", len(bus.data))
	}
	var ev PushEvent
	if err := json.Unmarshal(bus.data[0], &ev); err != nil {
		t.Fatalf("unmarshal push event: %v", err)
	}
	if ev.ReceiverID != "bob" || ev.SenderID != "alice" || ev.Text != "hello" {
		t.Errorf("event = %+v, want receiver bob, sender alice, text hello", ev)
	}
	if ev.ConversationID != convlog.ConversationID("alice", "bob") {
		t.Errorf("conversation_id = %q", ev.ConversationID)
	}
}
