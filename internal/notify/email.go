package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/keelhq/keel/internal/alert"
)

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	MinLevel alert.Level
}

// Email delivers alerts over SMTP with PLAIN auth.
type Email struct {
	cfg  EmailConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail builds the email channel.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg, send: smtp.SendMail}
}

func (e *Email) Name() string          { return "email" }
func (e *Email) MinLevel() alert.Level { return e.cfg.MinLevel }

func (e *Email) Send(_ context.Context, a alert.Alert) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, auth, e.cfg.From, e.cfg.To, e.message(a)); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

func (e *Email) message(a alert.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(a.Level.String()), a.Title)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "Type:    %s\r\n", a.Type)
	fmt.Fprintf(&b, "Level:   %s\r\n", a.Level.String())
	fmt.Fprintf(&b, "Source:  %s\r\n", a.Source)
	fmt.Fprintf(&b, "Time:    %s\r\n\r\n", a.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	b.WriteString(a.Message)
	b.WriteString("\r\n")
	return []byte(b.String())
}

var _ Channel = (*Email)(nil)
