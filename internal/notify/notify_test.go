package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/alert"
)

func testAlert(level alert.Level) alert.Alert {
	return alert.Alert{
		ID:        "a-1",
		Type:      "margin",
		Level:     level,
		Title:     "margin ratio low",
		Message:   "ratio=0.08",
		Source:    "risk",
		Data:      map[string]any{"ratio": 0.08},
		Status:    alert.StatusActive,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

type stubChannel struct {
	name  string
	min   alert.Level
	err   error
	calls int
}

func (s *stubChannel) Name() string          { return s.name }
func (s *stubChannel) MinLevel() alert.Level { return s.min }
func (s *stubChannel) Send(context.Context, alert.Alert) error {
	s.calls++
	return s.err
}

func TestSendFiltersByMinLevelAndIsolatesFailures(t *testing.T) {
	console := &stubChannel{name: "console", min: alert.LevelInfo}
	broken := &stubChannel{name: "webhook", min: alert.LevelWarning, err: errors.New("down")}
	paging := &stubChannel{name: "telegram", min: alert.LevelCritical}

	n := New(zerolog.Nop(), []Channel{console, broken, paging})

	out := n.Send(testAlert(alert.LevelWarning))
	require.Equal(t, map[string]bool{"console": true, "webhook": false}, out)
	require.Zero(t, paging.calls, "below telegram min level")

	out = n.Send(testAlert(alert.LevelCritical))
	require.Equal(t, map[string]bool{"console": true, "webhook": false, "telegram": true}, out)
	require.Equal(t, 1, paging.calls)
}

func TestWebhookPayloadShape(t *testing.T) {
	var got webhookPayload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Keel-Env")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Keel-Env": "test"}})
	wh.now = func() time.Time { return time.Unix(1700000100, 0) }

	require.NoError(t, wh.Send(context.Background(), testAlert(alert.LevelCritical)))
	require.Equal(t, "test", header)
	require.Equal(t, "a-1", got.ID)
	require.Equal(t, "critical", got.Level)
	require.Equal(t, "margin ratio low", got.Title)
	require.Equal(t, "risk", got.Source)
	require.Equal(t, 0.08, got.Data["ratio"])
	require.Equal(t, time.Unix(1700000000, 0).UTC(), got.CreatedAt)

	sent, err := time.Parse(time.RFC3339, got.Timestamp)
	require.NoError(t, err)
	require.Equal(t, time.Unix(1700000100, 0).UTC(), sent.UTC())
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL})
	err := wh.Send(context.Background(), testAlert(alert.LevelInfo))
	require.ErrorContains(t, err, "status 502")
}

func TestTelegramSendsChatMessage(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: "-100200", BaseURL: srv.URL})
	require.NoError(t, tg.Send(context.Background(), testAlert(alert.LevelWarning)))
	require.Equal(t, "/bot123:abc/sendMessage", path)
	require.Equal(t, "-100200", body["chat_id"])
	require.Contains(t, body["text"], "[warning] margin ratio low")
	require.Contains(t, body["text"], "source: risk")
}

func TestGroupBotSignsURLWhenSecretSet(t *testing.T) {
	const secret = "SEC-test"
	var ts, sign string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts = r.URL.Query().Get("timestamp")
		sign = r.URL.Query().Get("sign")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gb := NewGroupBot(GroupBotConfig{WebhookURL: srv.URL, Secret: secret})
	gb.now = func() time.Time { return time.UnixMilli(1700000000123) }

	require.NoError(t, gb.Send(context.Background(), testAlert(alert.LevelEmergency)))
	require.Equal(t, "1700000000123", ts)

	tsMs, err := strconv.ParseInt(ts, 10, 64)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d\n%s", tsMs, secret)
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), sign,
		"sign is base64 HMAC-SHA256 over timestamp\\nsecret")

	require.Equal(t, "markdown", body["msgtype"])
	md := body["markdown"].(map[string]any)
	require.Equal(t, "margin ratio low", md["title"])
	require.Contains(t, md["text"], "[emergency]")
}

func TestGroupBotUnsignedWithoutSecret(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gb := NewGroupBot(GroupBotConfig{WebhookURL: srv.URL})
	require.NoError(t, gb.Send(context.Background(), testAlert(alert.LevelInfo)))
	require.Empty(t, query)
}

func TestEmailMessageFormat(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	em := NewEmail(EmailConfig{
		Host: "smtp.example.com", Port: 587,
		Username: "ops", Password: "pw",
		From: "keel@example.com", To: []string{"oncall@example.com"},
	})
	em.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	require.NoError(t, em.Send(context.Background(), testAlert(alert.LevelCritical)))
	require.Equal(t, "smtp.example.com:587", gotAddr)
	require.Equal(t, "keel@example.com", gotFrom)
	require.Equal(t, []string{"oncall@example.com"}, gotTo)
	require.Contains(t, string(gotMsg), "Subject: [CRITICAL] margin ratio low\r\n")
	require.Contains(t, string(gotMsg), "ratio=0.08")

	em.cfg.To = nil
	require.ErrorContains(t, em.Send(context.Background(), testAlert(alert.LevelCritical)), "no recipients")
}

func TestRedactTokenStripsSecrets(t *testing.T) {
	err := errors.New(`post "https://host/path?sign=SEC-test": refused`)
	require.NotContains(t, redactToken(err, "SEC-test").Error(), "SEC-test")
	require.Contains(t, redactToken(err, "SEC-test").Error(), "[redacted]")
	require.Same(t, err, redactToken(err, ""))
}
