package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/keelhq/keel/internal/alert"
)

// GroupBotConfig configures an IM group-bot webhook (DingTalk-compatible).
type GroupBotConfig struct {
	WebhookURL string
	// Secret, when set, enables the signed-URL scheme: the request URL gains
	// timestamp and sign query parameters computed per call.
	Secret   string
	MinLevel alert.Level
	Timeout  time.Duration
}

// GroupBot posts markdown alert cards to a group-chat robot webhook.
type GroupBot struct {
	cfg  GroupBotConfig
	http *resty.Client
	now  func() time.Time
}

// NewGroupBot builds the group-bot channel.
func NewGroupBot(cfg GroupBotConfig) *GroupBot {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &GroupBot{cfg: cfg, http: client, now: time.Now}
}

func (g *GroupBot) Name() string          { return "group_bot" }
func (g *GroupBot) MinLevel() alert.Level { return g.cfg.MinLevel }

func (g *GroupBot) Send(ctx context.Context, a alert.Alert) error {
	text := fmt.Sprintf("### [%s] %s\n\n%s\n\n- source: %s\n- time: %s",
		a.Level.String(), a.Title, a.Message, a.Source,
		a.CreatedAt.UTC().Format(time.RFC3339))
	body := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": a.Title,
			"text":  text,
		},
	}

	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(g.signedURL())
	if err != nil {
		return fmt.Errorf("group bot: post: %w", redactToken(err, g.cfg.Secret))
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("group bot: status %d", resp.StatusCode())
	}
	return nil
}

// signedURL appends timestamp and sign parameters when a secret is set.
// sign = urlencode(base64(HMAC-SHA256(secret, "<timestampMs>\n<secret>"))).
func (g *GroupBot) signedURL() string {
	if g.cfg.Secret == "" {
		return g.cfg.WebhookURL
	}
	ts := g.now().UnixMilli()
	mac := hmac.New(sha256.New, []byte(g.cfg.Secret))
	fmt.Fprintf(mac, "%d\n%s", ts, g.cfg.Secret)
	sign := url.QueryEscape(base64.StdEncoding.EncodeToString(mac.Sum(nil)))

	sep := "?"
	if strings.Contains(g.cfg.WebhookURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%stimestamp=%d&sign=%s", g.cfg.WebhookURL, sep, ts, sign)
}

// redactToken strips a credential from a transport error before it can reach
// logs. resty errors embed the request URL, which may carry the secret.
func redactToken(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "[redacted]"))
}

var _ Channel = (*GroupBot)(nil)
