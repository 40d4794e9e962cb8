package convlog

import (
	"context"
	"sync"
	"time"
)

// MemLog is an in-memory Log. It backs tests and single-node development
// setups where no Postgres instance is available; semantics match PGLog.
type MemLog struct {
	mu       sync.RWMutex
	convs    map[string]*memConversation
	now      func() time.Time
	onAppend func(Message)
}

type memConversation struct {
	mu   sync.Mutex // serializes appends to this conversation
	conv Conversation
	msgs []Message
}

// NewMemLog creates an empty in-memory log using the wall clock.
func NewMemLog() *MemLog {
	return &MemLog{
		convs: make(map[string]*memConversation),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Test hook; not safe to call after the
// log is in use.
func (l *MemLog) SetClock(now func() time.Time) {
	l.now = now
}

// SetOnAppend registers a callback invoked synchronously for every
// committed message, inside the per-conversation critical section, so
// callbacks for one conversation observe commit order. The callback must
// not block; the fan-out hub's enqueue path satisfies that.
func (l *MemLog) SetOnAppend(fn func(Message)) {
	l.onAppend = fn
}

// Append implements Log.
func (l *MemLog) Append(ctx context.Context, senderID, receiverID, text, attachmentRef string) (Message, error) {
	if err := ValidateUserID(senderID); err != nil {
		return Message{}, err
	}
	if err := ValidateUserID(receiverID); err != nil {
		return Message{}, err
	}
	if err := ValidateText(text); err != nil {
		return Message{}, err
	}

	id := ConversationID(senderID, receiverID)
	mc := l.getOrCreate(id, senderID, receiverID)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Clamp CreatedAt so it never moves backwards within the conversation,
	// even if the wall clock does.
	ts := l.now()
	if n := len(mc.msgs); n > 0 && ts.Before(mc.msgs[n-1].CreatedAt) {
		ts = mc.msgs[n-1].CreatedAt
	}

	msg := Message{
		ConversationID: id,
		Seq:            int64(len(mc.msgs)) + 1,
		SenderID:       senderID,
		Text:           text,
		AttachmentRef:  attachmentRef,
		CreatedAt:      ts,
	}
	mc.msgs = append(mc.msgs, msg)
	mc.conv.LastMessagePreview = preview(text)
	mc.conv.LastMessageAt = ts

	if l.onAppend != nil {
		l.onAppend(msg)
	}
	return msg, nil
}

// Messages implements Log.
func (l *MemLog) Messages(ctx context.Context, conversationID string, afterSeq int64) ([]Message, error) {
	l.mu.RLock()
	mc, ok := l.convs[conversationID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	out := make([]Message, 0, len(mc.msgs))
	for _, m := range mc.msgs {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

// Conversation implements Log.
func (l *MemLog) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	l.mu.RLock()
	mc, ok := l.convs[conversationID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	mc.mu.Lock()
	conv := mc.conv
	mc.mu.Unlock()
	return &conv, nil
}

func (l *MemLog) getOrCreate(id, senderID, receiverID string) *memConversation {
	l.mu.Lock()
	defer l.mu.Unlock()

	mc, ok := l.convs[id]
	if !ok {
		a, b := senderID, receiverID
		if a > b {
			a, b = b, a
		}
		mc = &memConversation{
			conv: Conversation{
				ID:           id,
				ParticipantA: a,
				ParticipantB: b,
				CreatedAt:    l.now(),
			},
		}
		l.convs[id] = mc
	}
	return mc
}
