package convlog

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Canonical conversation id derivation
// ---------------------------------------------------------------------------

func TestConversationID_OrderIndependent(t *testing.T) {
	if got, want := ConversationID("alice", "bob"), "alice_bob"; got != want {
		t.Errorf("ConversationID(alice, bob) = %q, want %q", got, want)
	}
	if ConversationID("alice", "bob") != ConversationID("bob", "alice") {
		t.Error("conversation id must not depend on argument order")
	}
}

func TestParticipants(t *testing.T) {
	cases := []struct {
		name   string
		id     string
		a, b   string
		wantOK bool
	}{
		{"valid", "alice_bob", "alice", "bob", true},
		{"missing separator", "alicebob", "", "", false},
		{"empty left", "_bob", "", "", false},
		{"empty right", "alice_", "", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, b, ok := Participants(tc.id)
			if ok != tc.wantOK {
				t.Fatalf("Participants(%q) ok = %v, want %v", tc.id, ok, tc.wantOK)
			}
			if a != tc.a || b != tc.b {
				t.Errorf("Participants(%q) = (%q, %q), want (%q, %q)", tc.id, a, b, tc.a, tc.b)
			}
		})
	}
}

func TestIsParticipant(t *testing.T) {
	id := ConversationID("alice", "bob")
	if !IsParticipant(id, "alice") || !IsParticipant(id, "bob") {
		t.Error("both participants must be recognized")
	}
	if IsParticipant(id, "carol") {
		t.Error("non-participant must not be recognized")
	}
}

// ---------------------------------------------------------------------------
// Test: User id validation
// ---------------------------------------------------------------------------

func TestValidateUserID(t *testing.T) {
	if err := ValidateUserID("alice"); err != nil {
		t.Errorf("plain id rejected: %v", err)
	}
	if err := ValidateUserID(""); err == nil {
		t.Error("empty id must be rejected")
	}
	if err := ValidateUserID("ali_ce"); err == nil {
		t.Error("id containing the separator must be rejected")
	}
}

// ---------------------------------------------------------------------------
// Test: Message body validation
// ---------------------------------------------------------------------------

func TestValidateText(t *testing.T) {
	if err := ValidateText("hello"); err != nil {
		t.Errorf("plain text rejected: %v", err)
	}
	if err := ValidateText(""); err == nil {
		t.Error("empty text must be rejected")
	}
	if err := ValidateText(strings.Repeat("x", MaxTextBytes+1)); err == nil {
		t.Error("oversized byte count must be rejected")
	}
	// Multibyte runes: under the byte limit but over the character limit.
	if err := ValidateText(strings.Repeat("é", MaxTextChars+1)); err == nil {
		t.Error("oversized character count must be rejected")
	}
	if err := ValidateText(string([]byte{0xff, 0xfe})); err == nil {
		t.Error("invalid UTF-8 must be rejected")
	}
}

func TestPreview_Truncates(t *testing.T) {
	long := strings.Repeat("a", PreviewChars+50)
	got := preview(long)
	if len([]rune(got)) != PreviewChars {
		t.Errorf("preview length = %d runes, want %d", len([]rune(got)), PreviewChars)
	}
	if preview("short") != "short" {
		t.Error("short text must pass through unchanged")
	}
}
