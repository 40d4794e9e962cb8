package moderation

import "testing"

// TestSpam_URLs verifies that common URL formats are blocked.
func TestSpam_URLs(t *testing.T) {
	f := NewFilter(nil) // no keyword blocklist, isolate spam checks

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"http url", "check out http://evil.com", true, "url"},
		{"https url", "visit https://spam.xyz/click", true, "url"},
		{"www url", "go to www.phishing.net", true, "url"},
		{"bare domain with path", "visit evil.com/free", true, "url"},
		{"bare domain .org path", "see example.org/page", true, "url"},
		{"version string", "we shipped v2.0 today", false, ""},
		{"decimal number", "pi is roughly 3.14", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != tt.term {
				t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
			}
			if tt.blocked && result.Reason != "spam_pattern" {
				t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, "spam_pattern")
			}
		})
	}
}

// TestSpam_PhoneNumbers verifies that common phone number formats are blocked.
func TestSpam_PhoneNumbers(t *testing.T) {
	f := NewFilter(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"intl dashed", "+1-555-123-4567", true},
		{"parenthesized area code", "(555) 123-4567", true},
		{"dotted format", "555.123.4567", true},
		{"in sentence", "call me at 555-123-4567 okay?", true},
		{"short number", "see you at 100", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
		})
	}
}

// TestSpam_CharFlood verifies detection of repeated character runs.
func TestSpam_CharFlood(t *testing.T) {
	f := NewFilter(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"five identical", "aaaaa", true},
		{"flood in word", "heyyyyyy there", true},
		{"four identical", "aaaa", false},
		{"normal text", "hello there", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != "char_flood" {
				t.Errorf("Check(%q).Term = %q, want char_flood", tt.input, result.Term)
			}
		})
	}
}

// TestSpam_WordFlood verifies detection of consecutively repeated words.
func TestSpam_WordFlood(t *testing.T) {
	f := NewFilter(nil)

	tests := []struct {
		name    string
		input   string
		blocked bool
	}{
		{"three repeats", "buy buy buy", true},
		{"case insensitive", "Buy BUY buy", true},
		{"two repeats", "buy buy now", false},
		{"separated repeats", "buy now buy now buy", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked && result.Term != "word_flood" {
				t.Errorf("Check(%q).Term = %q, want word_flood", tt.input, result.Term)
			}
		})
	}
}
