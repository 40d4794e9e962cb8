package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

// eventRecorder captures presence transitions in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ---------------------------------------------------------------------------
// Test: First connect goes online, last disconnect goes offline
// ---------------------------------------------------------------------------

func TestTracker_RefCountedTransitions(t *testing.T) {
	rec := &eventRecorder{}
	tr := NewTracker(DefaultConfig(), nil, rec.record)

	tr.Connect("alice", "c1")
	tr.Connect("alice", "c2") // second connection, no transition
	tr.Disconnect("alice", "c1")

	if status, _ := tr.Get("alice"); status != Online {
		t.Fatalf("status after dropping one of two connections = %q, want online", status)
	}

	tr.Disconnect("alice", "c2")
	status, lastSeen := tr.Get("alice")
	if status != Offline {
		t.Fatalf("status after last disconnect = %q, want offline", status)
	}
	if lastSeen == nil {
		t.Fatal("last-seen must be set on the offline transition")
	}

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("got %d transitions, want 2 (online, offline)", len(events))
	}
	if events[0].Status != Online || events[0].LastSeen != nil {
		t.Errorf("first transition = %+v, want online with nil last-seen", events[0])
	}
	if events[1].Status != Offline || events[1].LastSeen == nil {
		t.Errorf("second transition = %+v, want offline with last-seen", events[1])
	}
}

// ---------------------------------------------------------------------------
// Test: Reconnect clears last-seen
// ---------------------------------------------------------------------------

func TestTracker_ReconnectClearsLastSeen(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil, nil)

	tr.Connect("bob", "c1")
	tr.Disconnect("bob", "c1")
	if _, lastSeen := tr.Get("bob"); lastSeen == nil {
		t.Fatal("expected last-seen after disconnect")
	}

	tr.Connect("bob", "c2")
	status, lastSeen := tr.Get("bob")
	if status != Online {
		t.Fatalf("status = %q, want online", status)
	}
	if lastSeen != nil {
		t.Errorf("last-seen = %v, want nil while online", lastSeen)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown disconnects and duplicate signals are ignored
// ---------------------------------------------------------------------------

func TestTracker_IgnoresUnknownDisconnect(t *testing.T) {
	rec := &eventRecorder{}
	tr := NewTracker(DefaultConfig(), nil, rec.record)

	tr.Disconnect("carol", "never-connected")
	tr.Connect("carol", "c1")
	tr.Disconnect("carol", "c1")
	tr.Disconnect("carol", "c1") // duplicate

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("got %d transitions, want 2", len(events))
	}
}

// ---------------------------------------------------------------------------
// Test: The sweeper expires silent connections
// ---------------------------------------------------------------------------

func TestTracker_SweepExpiresSilentConnections(t *testing.T) {
	cfg := Config{LivenessTimeout: 40 * time.Second, SweepInterval: time.Hour}
	rec := &eventRecorder{}
	tr := NewTracker(cfg, nil, rec.record)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return now })

	tr.Connect("dave", "c1")
	tr.Connect("dave", "c2")

	// c2 stays active, c1 goes silent past the liveness window.
	now = now.Add(30 * time.Second)
	tr.Touch("dave", "c2")
	now = now.Add(15 * time.Second)
	tr.sweep()

	if status, _ := tr.Get("dave"); status != Online {
		t.Fatalf("status = %q, want online while c2 is live", status)
	}

	// Now c2 goes silent too.
	now = now.Add(time.Minute)
	tr.sweep()

	status, lastSeen := tr.Get("dave")
	if status != Offline {
		t.Fatalf("status = %q, want offline after all connections expired", status)
	}
	if lastSeen == nil || !lastSeen.Equal(now) {
		t.Errorf("last-seen = %v, want sweep time %v", lastSeen, now)
	}

	events := rec.all()
	if len(events) != 2 || events[1].Status != Offline {
		t.Fatalf("transitions = %+v, want online then offline", events)
	}
}

// ---------------------------------------------------------------------------
// Test: Transitions are mirrored to the state store
// ---------------------------------------------------------------------------

type recordingStore struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingStore) SetOnline(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.calls = append(s.calls, "online:"+userID)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	s.mu.Lock()
	s.calls = append(s.calls, "offline:"+userID)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) Refresh(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.calls = append(s.calls, "refresh:"+userID)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func TestTracker_MirrorsToStore(t *testing.T) {
	store := &recordingStore{}
	tr := NewTracker(DefaultConfig(), store, nil)

	tr.Connect("erin", "c1")
	tr.Disconnect("erin", "c1")

	calls := store.all()
	if len(calls) != 2 || calls[0] != "online:erin" || calls[1] != "offline:erin" {
		t.Errorf("store calls = %v, want [online:erin offline:erin]", calls)
	}
}

// ---------------------------------------------------------------------------
// Test: Sweeps renew the store record for users with live connections
// ---------------------------------------------------------------------------

func TestTracker_SweepRefreshesLiveUsers(t *testing.T) {
	cfg := Config{LivenessTimeout: 40 * time.Second, SweepInterval: time.Hour}
	store := &recordingStore{}
	tr := NewTracker(cfg, store, nil)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return now })

	tr.Connect("frank", "c1")

	// Activity every 30 seconds keeps the connection inside the liveness
	// window across many sweeps; each sweep must renew the store record so
	// a TTL-based mirror never expires a connected user.
	for i := 0; i < 6; i++ {
		now = now.Add(30 * time.Second)
		tr.Touch("frank", "c1")
		tr.sweep()
	}

	if status, _ := tr.Get("frank"); status != Online {
		t.Fatalf("status = %q, want online while the connection is active", status)
	}

	refreshes := 0
	for _, call := range store.all() {
		switch call {
		case "refresh:frank":
			refreshes++
		case "offline:frank":
			t.Fatal("active user must not be swept offline")
		}
	}
	if refreshes != 6 {
		t.Errorf("got %d refresh calls, want one per sweep (6)", refreshes)
	}

	// Once the connection expires the sweeper stops refreshing.
	now = now.Add(2 * time.Minute)
	tr.sweep()
	calls := store.all()
	if calls[len(calls)-1] != "offline:frank" {
		t.Errorf("last store call = %q, want offline:frank after expiry", calls[len(calls)-1])
	}
}
