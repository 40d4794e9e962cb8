package convlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Appends assign dense sequence numbers and update the summary
// ---------------------------------------------------------------------------

func TestMemLog_AppendAssignsSeqAndSummary(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		msg, err := l.Append(ctx, "alice", "bob", fmt.Sprintf("msg %d", i), "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.Seq != int64(i) {
			t.Errorf("append %d: seq = %d, want %d", i, msg.Seq, i)
		}
	}

	conv, err := l.Conversation(ctx, ConversationID("alice", "bob"))
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.LastMessagePreview != "msg 3" {
		t.Errorf("preview = %q, want %q", conv.LastMessagePreview, "msg 3")
	}
	if conv.ParticipantA != "alice" || conv.ParticipantB != "bob" {
		t.Errorf("participants = (%q, %q), want (alice, bob)", conv.ParticipantA, conv.ParticipantB)
	}
}

// ---------------------------------------------------------------------------
// Test: Reads of unknown conversations return ErrNotFound
// ---------------------------------------------------------------------------

func TestMemLog_NotFound(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	if _, err := l.Messages(ctx, "a_b", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Messages on unknown conversation: err = %v, want ErrNotFound", err)
	}
	if _, err := l.Conversation(ctx, "a_b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Conversation on unknown conversation: err = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Test: afterSeq resumes past already seen messages
// ---------------------------------------------------------------------------

func TestMemLog_MessagesAfterSeq(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, "alice", "bob", "m", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := l.Messages(ctx, ConversationID("alice", "bob"), 3)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after seq 3, want 2", len(msgs))
	}
	if msgs[0].Seq != 4 || msgs[1].Seq != 5 {
		t.Errorf("seqs = %d, %d, want 4, 5", msgs[0].Seq, msgs[1].Seq)
	}
}

// ---------------------------------------------------------------------------
// Test: CreatedAt never decreases even when the clock moves backwards
// ---------------------------------------------------------------------------

func TestMemLog_CreatedAtMonotonic(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	l.SetClock(func() time.Time {
		ts := times[i%len(times)]
		i++
		return ts
	})

	var prev time.Time
	for n := 0; n < 3; n++ {
		msg, err := l.Append(ctx, "alice", "bob", "m", "")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if msg.CreatedAt.Before(prev) {
			t.Errorf("append %d: CreatedAt %v before previous %v", n, msg.CreatedAt, prev)
		}
		prev = msg.CreatedAt
	}
}

// ---------------------------------------------------------------------------
// Test: Concurrent appends to one conversation stay ordered and replayable
// ---------------------------------------------------------------------------

func TestMemLog_ConcurrentAppends(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				sender, receiver := "alice", "bob"
				if w%2 == 1 {
					sender, receiver = "bob", "alice"
				}
				if _, err := l.Append(ctx, sender, receiver, "m", ""); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	msgs, err := l.Messages(ctx, ConversationID("alice", "bob"), 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != writers*perWriter {
		t.Fatalf("got %d messages, want %d", len(msgs), writers*perWriter)
	}
	for i, m := range msgs {
		if m.Seq != int64(i)+1 {
			t.Fatalf("message %d: seq = %d, want %d", i, m.Seq, i+1)
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("message %d: CreatedAt decreased", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Re-sending the same content produces a duplicate entry
// ---------------------------------------------------------------------------

func TestMemLog_DuplicateSendsAppendTwice(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.Append(ctx, "alice", "bob", "same text", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := l.Messages(ctx, ConversationID("alice", "bob"), 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2 (no idempotency key in the contract)", len(msgs))
	}
}

// ---------------------------------------------------------------------------
// Test: OnAppend observes commits in order for one conversation
// ---------------------------------------------------------------------------

func TestMemLog_OnAppendCommitOrder(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []int64
	l.SetOnAppend(func(m Message) {
		mu.Lock()
		seen = append(seen, m.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := l.Append(ctx, "alice", "bob", "m", ""); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 80 {
		t.Fatalf("callback fired %d times, want 80", len(seen))
	}
	for i, seq := range seen {
		if seq != int64(i)+1 {
			t.Fatalf("callback %d: seq = %d, want %d (commit order violated)", i, seq, i+1)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Append rejects invalid input
// ---------------------------------------------------------------------------

func TestMemLog_AppendRejectsInvalid(t *testing.T) {
	l := NewMemLog()
	ctx := context.Background()

	if _, err := l.Append(ctx, "ali_ce", "bob", "hi", ""); err == nil {
		t.Error("sender id with separator must be rejected")
	}
	if _, err := l.Append(ctx, "alice", "", "hi", ""); err == nil {
		t.Error("empty receiver must be rejected")
	}
	if _, err := l.Append(ctx, "alice", "bob", "", ""); err == nil {
		t.Error("empty text must be rejected")
	}
}
