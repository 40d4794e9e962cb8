package moderation

import "testing"

// ---------------------------------------------------------------------------
// Test: Blocklist terms match case-insensitively as substrings
// ---------------------------------------------------------------------------

func TestFilter_Blocklist(t *testing.T) {
	f := NewFilter([]string{"badword", " Spammy "})

	tests := []struct {
		name    string
		input   string
		blocked bool
		term    string
	}{
		{"exact term", "badword", true, "badword"},
		{"uppercase", "BADWORD here", true, "badword"},
		{"embedded", "xxbadwordxx", true, "badword"},
		{"trimmed term", "so spammy indeed", true, "spammy"},
		{"clean", "a perfectly normal sentence", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != tt.blocked {
				t.Errorf("Check(%q).Blocked = %v, want %v", tt.input, result.Blocked, tt.blocked)
			}
			if tt.blocked {
				if result.Reason != "blocklist" {
					t.Errorf("Check(%q).Reason = %q, want %q", tt.input, result.Reason, "blocklist")
				}
				if result.Term != tt.term {
					t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Empty blocklist entries are dropped
// ---------------------------------------------------------------------------

func TestFilter_EmptyTermsIgnored(t *testing.T) {
	f := NewFilter([]string{"", "  ", "real"})

	if result := f.Check("totally fine"); result.Blocked {
		t.Errorf("clean text blocked: %+v", result)
	}
	if result := f.Check("the real deal"); !result.Blocked {
		t.Error("expected blocklist hit for non-empty term")
	}
}
