package convlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
)

const appendMaxRetries = 3

// PGLog is the PostgreSQL-backed Log. Appends to one conversation are
// serialized twice over: a per-conversation in-process lock keeps local
// writers (and the OnAppend callback) in commit order, and a row-level
// FOR UPDATE lock on the conversation serializes writers across server
// instances. Message insert and summary update share one transaction.
type PGLog struct {
	db       *sql.DB
	onAppend func(Message)

	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewPGLog creates a Log backed by the given database handle.
func NewPGLog(db *sql.DB) *PGLog {
	return &PGLog{
		db:    db,
		locks: make(map[string]*convLock),
	}
}

// SetOnAppend registers a callback invoked synchronously after each commit,
// while the per-conversation lock is still held. The callback must not block.
func (l *PGLog) SetOnAppend(fn func(Message)) {
	l.onAppend = fn
}

// Append implements Log. Transient database errors (serialization
// failures, deadlocks, lost connections) are retried with bounded
// exponential backoff before surfacing.
func (l *PGLog) Append(ctx context.Context, senderID, receiverID, text, attachmentRef string) (Message, error) {
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

	unlock := l.lock(id)
	defer unlock()

	var msg Message
	op := func() error {
		var err error
		msg, err = l.appendTx(ctx, id, senderID, receiverID, text, attachmentRef)
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), appendMaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return Message{}, fmt.Errorf("convlog: append: %w", err)
	}

	if l.onAppend != nil {
		l.onAppend(msg)
	}
	return msg, nil
}

func (l *PGLog) appendTx(ctx context.Context, id, senderID, receiverID, text, attachmentRef string) (Message, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	a, b := senderID, receiverID
	if a > b {
		a, b = b, a
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, id, a, b)
	if err != nil {
		return Message{}, err
	}

	// Row lock serializes concurrent appends to this conversation across
	// all server instances.
	var lastAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT last_message_at FROM conversations WHERE id = $1 FOR UPDATE`, id).Scan(&lastAt)
	if err != nil {
		return Message{}, err
	}

	ts := time.Now().UTC()
	if lastAt.Valid && ts.Before(lastAt.Time) {
		ts = lastAt.Time
	}

	msg := Message{
		ConversationID: id,
		SenderID:       senderID,
		Text:           text,
		AttachmentRef:  attachmentRef,
		CreatedAt:      ts,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, text, attachment_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		id, senderID, text, attachmentRef, ts).Scan(&msg.Seq)
	if err != nil {
		return Message{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_preview = $2, last_message_at = $3
		WHERE id = $1`, id, preview(text), ts)
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Messages implements Log.
func (l *PGLog) Messages(ctx context.Context, conversationID string, afterSeq int64) ([]Message, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("convlog: messages: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT conversation_id, seq, sender_id, text, attachment_ref, created_at
		FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY created_at, seq`, conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("convlog: messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.SenderID, &m.Text, &m.AttachmentRef, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("convlog: messages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convlog: messages rows: %w", err)
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// Conversation implements Log.
func (l *PGLog) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var (
		c      Conversation
		lastAt sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, last_message_preview, last_message_at, created_at
		FROM conversations WHERE id = $1`, conversationID).
		Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.LastMessagePreview, &lastAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convlog: conversation: %w", err)
	}
	if lastAt.Valid {
		c.LastMessageAt = lastAt.Time
	}
	return &c, nil
}

// lock acquires the in-process lock for a conversation and returns its
// release function. Lock entries are refcounted so the map does not grow
// with every conversation ever touched.
func (l *PGLog) lock(id string) func() {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &convLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// isTransient reports whether a database error is worth retrying:
// serialization failures, deadlocks, and connection-class errors.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if code == "40001" || code == "40P01" {
			return true
		}
		if strings.HasPrefix(code, "08") { // connection exceptions
			return true
		}
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return false
}
