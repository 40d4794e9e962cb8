// Package moderation screens outgoing message text before it is committed
// to the conversation log: a configurable blocklist plus built-in spam
// pattern checks.
package moderation

import "strings"

// FilterResult is the outcome of screening one message.
type FilterResult struct {
	Blocked bool   // whether the message must be rejected
	Reason  string // machine-readable category, e.g. "blocklist", "spam_pattern"
	Term    string // the matched term or check name
}

// Filter screens message text. Safe for concurrent use; the blocklist is
// fixed at construction.
type Filter struct {
	blocklist []string // lowercase terms
}

// NewFilter creates a Filter with the given blocklist terms. Terms are
// matched case-insensitively as substrings; empty terms are dropped.
func NewFilter(terms []string) *Filter {
	f := &Filter{}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			f.blocklist = append(f.blocklist, t)
		}
	}
	return f
}

// Check screens text against the blocklist and the spam patterns. The
// first match wins; a zero-value result means the text is clean.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)
	for _, term := range f.blocklist {
		if strings.Contains(lower, term) {
			return FilterResult{Blocked: true, Reason: "blocklist", Term: term}
		}
	}
	return f.checkSpamPatterns(text)
}
