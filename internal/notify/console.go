package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/internal/alert"
)

// Console logs alerts through zerolog at a severity matching the alert level.
type Console struct {
	log      zerolog.Logger
	minLevel alert.Level
}

// NewConsole builds the console channel.
func NewConsole(log zerolog.Logger, minLevel alert.Level) *Console {
	return &Console{log: log.With().Str("component", "notify_console").Logger(), minLevel: minLevel}
}

func (c *Console) Name() string          { return "console" }
func (c *Console) MinLevel() alert.Level { return c.minLevel }

func (c *Console) Send(_ context.Context, a alert.Alert) error {
	ev := c.log.Info()
	switch a.Level {
	case alert.LevelWarning:
		ev = c.log.Warn()
	case alert.LevelCritical, alert.LevelEmergency:
		ev = c.log.Error()
	}
	ev.Str("alert_id", a.ID).
		Str("type", a.Type).
		Str("level", a.Level.String()).
		Str("title", a.Title).
		Str("source", a.Source).
		Msg(a.Message)
	return nil
}

var _ Channel = (*Console)(nil)
