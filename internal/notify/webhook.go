package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"

	"github.com/keelhq/keel/internal/alert"
)

// WebhookConfig configures a generic JSON webhook channel.
type WebhookConfig struct {
	URL      string
	Headers  map[string]string
	MinLevel alert.Level
	Timeout  time.Duration
}

// Webhook POSTs alerts as JSON to a configured endpoint.
type Webhook struct {
	cfg  WebhookConfig
	http *resty.Client
	now  func() time.Time
}

// webhookPayload is the wire shape delivered to webhook consumers.
type webhookPayload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Timestamp string         `json:"timestamp"`
}

// NewWebhook builds the webhook channel.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Webhook{cfg: cfg, http: client, now: time.Now}
}

func (w *Webhook) Name() string          { return "webhook" }
func (w *Webhook) MinLevel() alert.Level { return w.cfg.MinLevel }

func (w *Webhook) Send(ctx context.Context, a alert.Alert) error {
	body, err := json.Marshal(webhookPayload{
		ID:        a.ID,
		Type:      a.Type,
		Level:     a.Level.String(),
		Title:     a.Title,
		Message:   a.Message,
		Source:    a.Source,
		Data:      a.Data,
		CreatedAt: a.CreatedAt,
		Timestamp: w.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	req := w.http.R().SetContext(ctx).SetBody(body)
	for k, v := range w.cfg.Headers {
		req.SetHeader(k, v)
	}
	resp, err := req.Post(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook: status %d", resp.StatusCode())
	}
	return nil
}

var _ Channel = (*Webhook)(nil)
