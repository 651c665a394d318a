// Package calendar forwards booking intents to the external scheduling
// webhook. The call pipeline only needs fire-and-forget delivery.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
)

// WebhookBooker posts booking intents to a configured webhook URL.
type WebhookBooker struct {
	url    string
	client *http.Client
}

func NewWebhookBooker(url string) *WebhookBooker {
	return &WebhookBooker{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Book delivers the intent. A missing webhook URL is a silent no-op so agents
// without scheduling configured still converse normally.
func (b *WebhookBooker) Book(ctx context.Context, agent *domain.Agent, intent *domain.BookingIntent) error {
	if b.url == "" {
		return nil
	}

	payload := struct {
		AgentID string `json:"agent_id"`
		*domain.BookingIntent
	}{AgentID: agent.ID, BookingIntent: intent}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver booking intent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("booking webhook returned status %d", resp.StatusCode)
	}
	return nil
}
