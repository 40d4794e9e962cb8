// Package presence tracks per-user online/offline state from connection
// signals. Presence is reference counted: a user is online while at least
// one connection is live and goes offline when the last one drops. A
// liveness sweeper expires connections that stop sending activity, so
// abrupt network loss still converges to offline within a bounded window.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/courier/chat-backend/internal/metrics"
)

// Status is a user's presence state.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Event is a presence transition for one user. LastSeen is nil on the
// transition to online, the disconnect time on the transition to offline.
type Event struct {
	UserID   string     `json:"user_id"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// StateStore mirrors presence transitions to shared storage so that other
// server instances and the notifier service can read them. Refresh renews
// any expiry on a user's online record; the sweeper calls it for every user
// with live connections, so stores with a TTL never expire a user who is
// still connected.
type StateStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error
	Refresh(ctx context.Context, userID string) error
}

// MultiStore fans a transition out to several state stores. Errors are
// logged per store; a failing mirror never blocks the transition.
type MultiStore []StateStore

func (m MultiStore) SetOnline(ctx context.Context, userID string) error {
	for _, s := range m {
		if err := s.SetOnline(ctx, userID); err != nil {
			log.Printf("presence: mirror online user=%s: %v", userID, err)
		}
	}
	return nil
}

func (m MultiStore) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	for _, s := range m {
		if err := s.SetOffline(ctx, userID, lastSeen); err != nil {
			log.Printf("presence: mirror offline user=%s: %v", userID, err)
		}
	}
	return nil
}

func (m MultiStore) Refresh(ctx context.Context, userID string) error {
	for _, s := range m {
		if err := s.Refresh(ctx, userID); err != nil {
			log.Printf("presence: mirror refresh user=%s: %v", userID, err)
		}
	}
	return nil
}

// Config holds tracker tuning parameters.
type Config struct {
	LivenessTimeout time.Duration // max silence before a connection is presumed dead
	SweepInterval   time.Duration // how often the sweeper checks for dead connections
}

// DefaultConfig returns production defaults: connections must show activity
// at least every 40 seconds (the transport pings every 30).
func DefaultConfig() Config {
	return Config{
		LivenessTimeout: 40 * time.Second,
		SweepInterval:   10 * time.Second,
	}
}

// Tracker is the reference-counted presence state machine. Transitions for
// one user are serialized under that user's lock; different users proceed
// in parallel.
type Tracker struct {
	cfg     Config
	store   StateStore  // nil disables mirroring
	onEvent func(Event) // nil disables fan-out

	mu    sync.Mutex
	users map[string]*userState

	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

type userState struct {
	mu       sync.Mutex
	conns    map[string]time.Time // connID -> last activity
	lastSeen *time.Time
}

// NewTracker creates a Tracker. store mirrors transitions to shared state
// and onEvent feeds them to the fan-out hub; either may be nil.
func NewTracker(cfg Config, store StateStore, onEvent func(Event)) *Tracker {
	return &Tracker{
		cfg:     cfg,
		store:   store,
		onEvent: onEvent,
		users:   make(map[string]*userState),
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// SetClock replaces the time source. Test hook.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Start launches the liveness sweeper. It returns immediately.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper and waits for it to exit.
func (t *Tracker) Stop() {
	close(t.done)
	t.wg.Wait()
}

// Connect records a live connection for the user. The first connection
// transitions the user to online and clears last-seen.
func (t *Tracker) Connect(userID, connID string) {
	u := t.getOrCreate(userID)

	u.mu.Lock()
	defer u.mu.Unlock()

	wasOffline := len(u.conns) == 0
	u.conns[connID] = t.now()
	if wasOffline {
		u.lastSeen = nil
		t.transition(userID, Event{UserID: userID, Status: Online})
	}
}

// Disconnect removes a connection. Dropping the last one transitions the
// user to offline with last-seen set to now. Unknown connections are
// ignored, so the call is safe after a sweeper expiry raced an explicit
// disconnect.
func (t *Tracker) Disconnect(userID, connID string) {
	u := t.get(userID)
	if u == nil {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.conns[connID]; !ok {
		return
	}
	delete(u.conns, connID)
	if len(u.conns) == 0 {
		t.goOffline(userID, u)
	}
}

// Touch marks activity on a connection, deferring its liveness expiry.
func (t *Tracker) Touch(userID, connID string) {
	u := t.get(userID)
	if u == nil {
		return
	}

	u.mu.Lock()
	if _, ok := u.conns[connID]; ok {
		u.conns[connID] = t.now()
	}
	u.mu.Unlock()
}

// Get returns the user's current presence and last-seen time. Users never
// seen by this tracker read as offline with no last-seen.
func (t *Tracker) Get(userID string) (Status, *time.Time) {
	u := t.get(userID)
	if u == nil {
		return Offline, nil
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.conns) > 0 {
		return Online, nil
	}
	return Offline, u.lastSeen
}

// sweep expires connections with no activity inside the liveness window and
// renews the store's online records for users that still have live ones.
func (t *Tracker) sweep() {
	t.mu.Lock()
	snapshot := make(map[string]*userState, len(t.users))
	for id, u := range t.users {
		snapshot[id] = u
	}
	t.mu.Unlock()

	cutoff := t.now().Add(-t.cfg.LivenessTimeout)
	var live []string
	for userID, u := range snapshot {
		u.mu.Lock()
		for connID, lastActive := range u.conns {
			if lastActive.Before(cutoff) {
				log.Printf("presence: liveness timeout user=%s conn=%s silent=%s",
					userID, connID, t.now().Sub(lastActive).Round(time.Second))
				delete(u.conns, connID)
			}
		}
		if len(u.conns) == 0 {
			if u.lastSeen == nil {
				t.goOffline(userID, u)
			}
		} else {
			live = append(live, userID)
		}
		u.mu.Unlock()
	}

	if t.store == nil || len(live) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, userID := range live {
		if err := t.store.Refresh(ctx, userID); err != nil {
			log.Printf("presence: refresh user=%s: %v", userID, err)
		}
	}
}

// goOffline is called with the user's lock held and no live connections.
func (t *Tracker) goOffline(userID string, u *userState) {
	ts := t.now()
	u.lastSeen = &ts
	t.transition(userID, Event{UserID: userID, Status: Offline, LastSeen: &ts})
}

// transition mirrors and fans out one presence change. Called under the
// user's lock so per-user event order matches transition order.
func (t *Tracker) transition(userID string, ev Event) {
	if ev.Status == Online {
		metrics.OnlineUsers.Inc()
	} else {
		metrics.OnlineUsers.Dec()
	}
	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if ev.Status == Online {
			_ = t.store.SetOnline(ctx, userID)
		} else {
			_ = t.store.SetOffline(ctx, userID, *ev.LastSeen)
		}
		cancel()
	}
	if t.onEvent != nil {
		t.onEvent(ev)
	}
}

func (t *Tracker) get(userID string) *userState {
	t.mu.Lock()
	u := t.users[userID]
	t.mu.Unlock()
	return u
}

func (t *Tracker) getOrCreate(userID string) *userState {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[userID]
	if !ok {
		u = &userState{conns: make(map[string]time.Time)}
		t.users[userID] = u
	}
	return u
}
