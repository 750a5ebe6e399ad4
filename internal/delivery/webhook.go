package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WebhookGateway posts intents as JSON to an HTTP gateway.
type WebhookGateway struct {
	baseURL string
	token   string
	client  *http.Client
	logger  zerolog.Logger
}

// NewWebhookGateway 构造 HTTP 投递网关。
func NewWebhookGateway(baseURL, token string, timeout time.Duration, logger zerolog.Logger) *WebhookGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "delivery_webhook").Logger(),
	}
}

type webhookBody struct {
	Intent
	Text string `json:"text"`
}

// Deliver POSTs to {base}/intents/{channel}. A 2xx with ok=false, or a 4xx, is a nack;
// transport failures and 5xx are plain errors.
func (g *WebhookGateway) Deliver(ctx context.Context, intent Intent) error {
	body, err := json.Marshal(webhookBody{Intent: intent, Text: RenderText(intent)})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	url := fmt.Sprintf("%s/intents/%s", g.baseURL, intent.Channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", intent.ID)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrNack, resp.StatusCode)
	}

	var result struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.OK != nil && !*result.OK {
		return fmt.Errorf("%w: %s", ErrNack, result.Error)
	}

	g.logger.Info().Str("intent_id", intent.ID).
		Str("channel", string(intent.Channel)).
		Str("account_id", intent.AccountID).
		Msg("投递意图已送达 (webhook)")
	return nil
}

// RenderText is the plain-text fallback gateways may show for an intent.
func RenderText(intent Intent) string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("[%s] %s\n", strings.ToUpper(string(intent.Channel)), intent.Template))
	b.WriteString(fmt.Sprintf("Account: %s\n", intent.AccountID))
	if intent.AlertID != "" {
		b.WriteString(fmt.Sprintf("Alert: %s\n", intent.AlertID))
	}
	if intent.Priority != "" {
		b.WriteString(fmt.Sprintf("Priority: %s\n", intent.Priority))
	}
	if intent.DueAt != nil {
		b.WriteString(fmt.Sprintf("Due: %s UTC\n", intent.DueAt.UTC().Format(time.RFC3339)))
	}
	if msg, ok := intent.Payload["message"].(string); ok && msg != "" {
		b.WriteString(msg)
	}
	return b.String()
}

var _ Gateway = (*WebhookGateway)(nil)
