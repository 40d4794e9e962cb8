// Package convlog implements the durable, append-only per-conversation
// message log and its derived conversation summaries. The log is the source
// of truth for message history; realtime delivery layers on top of it and is
// never durable on its own.
package convlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTextBytes is the maximum encoded size of a message body.
	MaxTextBytes = 4096

	// MaxTextChars is the maximum character count of a message body.
	MaxTextChars = 2000

	// PreviewChars is the number of characters of the latest message kept
	// on the conversation summary.
	PreviewChars = 120
)

// ErrNotFound is returned when a conversation has never been created.
// Callers reading history treat it as "no messages yet", not as a failure.
var ErrNotFound = errors.New("convlog: conversation not found")

// Message is a single immutable entry in a conversation log. Seq is the
// commit order within the log and breaks CreatedAt ties; CreatedAt is
// server-assigned and non-decreasing within a conversation.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	AttachmentRef  string    `json:"attachment_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the summary record for a participant pair. The preview
// fields are denormalized from the latest message and updated atomically
// with every append.
type Conversation struct {
	ID                 string
	ParticipantA       string // lexicographically smaller participant
	ParticipantB       string
	LastMessagePreview string
	LastMessageAt      time.Time
	CreatedAt          time.Time
}

// Log is the append-only conversation store. Appends to the same
// conversation are serialized by the implementation so that CreatedAt is
// non-decreasing and the message insert plus summary update commit as one
// unit. Re-sending an identical append produces a duplicate message; there
// is no idempotency key in this contract.
type Log interface {
	// Append stores a message between sender and receiver, creating the
	// conversation on first use. It returns the committed message with
	// its assigned Seq and CreatedAt.
	Append(ctx context.Context, senderID, receiverID, text, attachmentRef string) (Message, error)

	// Messages returns all messages of a conversation with Seq > afterSeq,
	// ordered by CreatedAt then Seq. Returns ErrNotFound if the
	// conversation has never been created.
	Messages(ctx context.Context, conversationID string, afterSeq int64) ([]Message, error)

	// Conversation returns the summary record, or ErrNotFound.
	Conversation(ctx context.Context, conversationID string) (*Conversation, error)
}

// ConversationID derives the canonical conversation id for an unordered
// participant pair: the two ids sorted and joined with an underscore.
// ConversationID(a, b) == ConversationID(b, a) for all a, b.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// Participants splits a canonical conversation id back into its two
// participant ids. Returns ok=false for malformed ids.
func Participants(conversationID string) (a, b string, ok bool) {
	i := strings.IndexByte(conversationID, '_')
	if i <= 0 || i == len(conversationID)-1 {
		return "", "", false
	}
	return conversationID[:i], conversationID[i+1:], true
}

// IsParticipant reports whether userID is one of the two participants
// encoded in the canonical conversation id.
func IsParticipant(conversationID, userID string) bool {
	a, b, ok := Participants(conversationID)
	return ok && (userID == a || userID == b)
}

// ValidateUserID rejects ids that cannot take part in canonical
// conversation ids. The underscore is the id separator, so participant ids
// must not contain one.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("convlog: empty user id")
	}
	if strings.ContainsRune(id, '_') {
		return fmt.Errorf("convlog: user id %q contains reserved separator", id)
	}
	return nil
}

// ValidateText checks that a message body meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("convlog: message text is empty")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("convlog: message exceeds %d byte limit", MaxTextBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("convlog: message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("convlog: message contains invalid UTF-8")
	}
	return nil
}

// preview truncates text for the conversation summary.
func preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewChars])
}
