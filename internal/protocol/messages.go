// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthenticate      = "authenticate"
	TypeSendMessage       = "send_message"
	TypeStreamMessages    = "stream_messages"
	TypeListUsers         = "list_users"
	TypeUpdateProfile     = "update_profile"
	TypeSubscribePresence = "subscribe_presence"
	TypeSetPushToken      = "set_push_token"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated  = "authenticated"
	TypeMessage        = "message"
	TypeMessageSent    = "message_sent"
	TypeHistory        = "history"
	TypeUsers          = "users"
	TypeProfileUpdated = "profile_updated"
	TypePresence       = "presence"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeUnauthorized    = "unauthorized"
	CodeNotFound        = "not_found"
	CodeInvalidMessage  = "invalid_message"
	CodeParseError      = "parse_error"
	CodeUnsupported     = "unsupported_type"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthenticateMsg carries the client's credential. It must be the first
// message on a new connection.
type AuthenticateMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SendMessageMsg appends a message to the conversation with the receiver.
type SendMessageMsg struct {
	Type          string `json:"type"`
	ReceiverID    string `json:"receiver_id"`
	Text          string `json:"text"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

// StreamMessagesMsg requests a conversation's history followed by a live
// tail. AfterSeq lets a reconnecting client resume past what it has seen.
type StreamMessagesMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	AfterSeq       int64  `json:"after_seq"`
}

// ListUsersMsg requests the user directory.
type ListUsersMsg struct {
	Type string `json:"type"`
}

// UpdateProfileMsg updates the caller's display name and, optionally, the
// profile picture (base64-encoded image bytes).
type UpdateProfileMsg struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Picture     string `json:"picture,omitempty"`
}

// SubscribePresenceMsg subscribes the caller to a user's presence
// transitions.
type SubscribePresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SetPushTokenMsg registers the caller's device push token. An empty token
// clears it.
type SetPushTokenMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms a successful authenticate round trip.
type AuthenticatedMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// MessageMsg is a committed conversation message delivered to a live
// subscriber.
type MessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	AttachmentRef  string `json:"attachment_ref,omitempty"`
	Ts             int64  `json:"ts"`
}

// MessageSentMsg acknowledges a send_message with the committed position.
type MessageSentMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	Ts             int64  `json:"ts"`
}

// HistoryMsg carries a conversation's replayed messages, oldest first.
type HistoryMsg struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversation_id"`
	Messages       []MessageMsg `json:"messages"`
}

// UserEntry is one row of the user directory.
type UserEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Presence    string `json:"presence"`
	LastSeen    int64  `json:"last_seen,omitempty"`
}

// UsersMsg is the user directory response.
type UsersMsg struct {
	Type  string      `json:"type"`
	Users []UserEntry `json:"users"`
}

// ProfileUpdatedMsg confirms a profile update and carries the stored
// avatar URL when a picture was uploaded.
type ProfileUpdatedMsg struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PresenceMsg relays a watched user's presence transition.
type PresenceMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen,omitempty"`
}

// RateLimitedMsg is sent when the client exceeded its send budget.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthenticate:
		var m AuthenticateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStreamMessages:
		var m StreamMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListUsers:
		var m ListUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateProfile:
		var m UpdateProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribePresence:
		var m SubscribePresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetPushToken:
		var m SetPushTokenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
