package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookProvider posts {token, title, body} as JSON to a configured
// endpoint, matching the provider-agnostic contract of hosted push relays.
type WebhookProvider struct {
	url    string
	client *http.Client
}

// NewWebhookProvider creates a Provider posting to the given URL.
func NewWebhookProvider(url string) *WebhookProvider {
	return &WebhookProvider{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Push implements Provider.
func (p *WebhookProvider) Push(ctx context.Context, token, title, body string) error {
	payload, err := json.Marshal(struct {
		Token string `json:"token"`
		Title string `json:"title"`
		Body  string `json:"body"`
	}{Token: token, Title: title, Body: body})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: provider returned status %d", resp.StatusCode)
	}
	return nil
}

// LogProvider writes notifications to the process log instead of
// delivering them. Used in development when no provider is configured.
type LogProvider struct{}

// Push implements Provider.
func (LogProvider) Push(ctx context.Context, token, title, body string) error {
	log.Printf("notify: [dev] push token=%s title=%q body_len=%d", shorten(token), title, len(body))
	return nil
}

func shorten(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
