package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/keelhq/keel/internal/alert"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramConfig configures a Telegram bot channel.
type TelegramConfig struct {
	// Token is the bot token. It is part of the request path and must never
	// be logged or surfaced in errors.
	Token    string
	ChatID   string
	MinLevel alert.Level
	Timeout  time.Duration

	// BaseURL overrides the Telegram API host in tests.
	BaseURL string
}

// Telegram delivers alerts through the Telegram bot sendMessage API.
type Telegram struct {
	cfg  TelegramConfig
	http *resty.Client
}

// NewTelegram builds the telegram channel.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPIBase
	}
	return &Telegram{cfg: cfg, http: resty.New().SetTimeout(cfg.Timeout)}
}

func (t *Telegram) Name() string          { return "telegram" }
func (t *Telegram) MinLevel() alert.Level { return t.cfg.MinLevel }

func (t *Telegram) Send(ctx context.Context, a alert.Alert) error {
	text := fmt.Sprintf("[%s] %s\n%s\nsource: %s", a.Level.String(), a.Title, a.Message, a.Source)
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": t.cfg.ChatID,
			"text":    text,
		}).
		Post(t.cfg.BaseURL + "/bot" + t.cfg.Token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: post: %w", redactToken(err, t.cfg.Token))
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram: status %d", resp.StatusCode())
	}
	return nil
}

var _ Channel = (*Telegram)(nil)
