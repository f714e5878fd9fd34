// Package notify fans alerts out to delivery channels: console, webhook,
// email, telegram, and im-group bots.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/internal/alert"
)

const defaultSendTimeout = 10 * time.Second

// Channel is one delivery target. Send returns an error on delivery failure;
// the notifier does not retry.
type Channel interface {
	Name() string
	MinLevel() alert.Level
	Send(ctx context.Context, a alert.Alert) error
}

// Notifier dispatches an alert to every channel whose minimum level the
// alert reaches. Channels are independent: one failing does not stop the
// others, and each reports its own outcome.
type Notifier struct {
	channels []Channel
	timeout  time.Duration
	log      zerolog.Logger
}

// Option adjusts notifier construction.
type Option func(*Notifier)

// WithSendTimeout bounds each channel delivery attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// New builds a notifier over the given channels.
func New(log zerolog.Logger, channels []Channel, opts ...Option) *Notifier {
	n := &Notifier{
		channels: channels,
		timeout:  defaultSendTimeout,
		log:      log.With().Str("component", "notifier").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send delivers the alert to every eligible channel and reports per-channel
// outcomes keyed by channel name.
func (n *Notifier) Send(a alert.Alert) map[string]bool {
	out := make(map[string]bool, len(n.channels))
	for _, ch := range n.channels {
		if a.Level < ch.MinLevel() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := ch.Send(ctx, a)
		cancel()
		out[ch.Name()] = err == nil
		if err != nil {
			n.log.Warn().
				Str("channel", ch.Name()).
				Str("alert_id", a.ID).
				Err(err).
				Msg("alert delivery failed")
		}
	}
	return out
}

var _ alert.Notifier = (*Notifier)(nil)
