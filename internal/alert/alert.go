// Package alert produces, deduplicates, and tracks operational alerts.
package alert

import (
	"fmt"
	"strings"
	"time"
)

// Level orders alert severities: info < warning < critical < emergency.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to its Level. An empty string is info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "critical", "crit":
		return LevelCritical, nil
	case "emergency":
		return LevelEmergency, nil
	default:
		return LevelInfo, fmt.Errorf("alert: unknown level %q", s)
	}
}

// Status is the alert lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusSilenced     Status = "silenced"
)

// Alert is one operational incident record. Title carries the stable
// incident identity; variable data belongs in Message or Data so
// fingerprint dedup works.
type Alert struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Level   Level          `json:"level"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Source  string         `json:"source"`
	Data    map[string]any `json:"data,omitempty"`
	Status  Status         `json:"status"`

	CreatedAt      time.Time  `json:"createdAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	SilencedUntil  *time.Time `json:"silencedUntil,omitempty"`
}

// Fingerprint is the dedup identity: type|level|title|source.
func (a Alert) Fingerprint() string {
	return a.Type + "|" + a.Level.String() + "|" + a.Title + "|" + a.Source
}
