package alert

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultDedupeWindow = 5 * time.Minute
	defaultMaxHistory   = 1000
)

// Config tunes the engine.
type Config struct {
	// DedupeWindow suppresses re-notification of the same fingerprint.
	DedupeWindow time.Duration
	// MaxHistory bounds stored alerts; the oldest resolved are evicted first.
	MaxHistory int
	Logger     zerolog.Logger
}

// Notifier receives alerts the engine decides to fire. The engine does not
// retry; delivery outcomes are the notifier's concern.
type Notifier interface {
	Send(alert Alert) map[string]bool
}

// Engine creates alerts with fingerprint dedup, tracks their lifecycle, and
// runs graded threshold evaluation. One mutex guards both the id and
// fingerprint maps.
type Engine struct {
	cfg      Config
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time

	mu           sync.Mutex
	alerts       map[string]*Alert
	order        []string
	fingerprints map[string]fingerprintEntry
	gradedLevels map[string]int
}

type fingerprintEntry struct {
	alertID string
	firedAt time.Time
}

// NewEngine builds an engine. The notifier may be nil (alerts are recorded
// but not delivered).
func NewEngine(cfg Config, notifier Notifier) *Engine {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = defaultDedupeWindow
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	return &Engine{
		cfg:          cfg,
		notifier:     notifier,
		log:          cfg.Logger.With().Str("component", "alert_engine").Logger(),
		now:          time.Now,
		alerts:       make(map[string]*Alert),
		fingerprints: make(map[string]fingerprintEntry),
		gradedLevels: make(map[string]int),
	}
}

// Alert creates (or dedups) an alert. When an alert with the same
// fingerprint fired inside the dedupe window, the existing alert is returned
// and nothing is sent.
func (e *Engine) Alert(typ string, level Level, title, message, source string, data map[string]any) Alert {
	candidate := Alert{
		Type:    typ,
		Level:   level,
		Title:   title,
		Message: message,
		Source:  source,
		Data:    data,
	}
	fp := candidate.Fingerprint()

	e.mu.Lock()
	now := e.now()
	if entry, ok := e.fingerprints[fp]; ok && now.Sub(entry.firedAt) < e.cfg.DedupeWindow {
		if existing, ok := e.alerts[entry.alertID]; ok {
			dup := *existing
			e.mu.Unlock()
			return dup
		}
	}

	candidate.ID = uuid.NewString()
	candidate.Status = StatusActive
	candidate.CreatedAt = now
	stored := candidate
	e.alerts[stored.ID] = &stored
	e.order = append(e.order, stored.ID)
	e.fingerprints[fp] = fingerprintEntry{alertID: stored.ID, firedAt: now}
	e.evictLocked()
	e.mu.Unlock()

	e.log.Info().
		Str("id", candidate.ID).
		Str("level", level.String()).
		Str("title", title).
		Str("source", source).
		Msg("alert fired")
	if e.notifier != nil {
		e.notifier.Send(candidate)
	}
	return candidate
}

// EvaluateGraded maps value onto descending thresholds and fires onFire only
// when the level becomes strictly more severe than the last recorded level
// for the key. Returning to level 0 clears the record.
func (e *Engine) EvaluateGraded(key string, value float64, thresholds []float64, onFire func(level int)) int {
	level := 0
	for _, t := range thresholds {
		if value < t {
			level++
		}
	}

	e.mu.Lock()
	last := e.gradedLevels[key]
	fire := level > last
	if level == 0 {
		delete(e.gradedLevels, key)
	} else if fire {
		e.gradedLevels[key] = level
	}
	e.mu.Unlock()

	if fire && onFire != nil {
		onFire(level)
	}
	return level
}

// Ack moves an active alert to acknowledged.
func (e *Engine) Ack(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return fmt.Errorf("alert: unknown id %s", id)
	}
	if a.Status != StatusActive {
		return fmt.Errorf("alert: cannot acknowledge %s alert", a.Status)
	}
	ts := e.now()
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &ts
	return nil
}

// Resolve moves an active or acknowledged alert to resolved.
func (e *Engine) Resolve(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return fmt.Errorf("alert: unknown id %s", id)
	}
	switch a.Status {
	case StatusActive, StatusAcknowledged:
	default:
		return fmt.Errorf("alert: cannot resolve %s alert", a.Status)
	}
	ts := e.now()
	a.Status = StatusResolved
	a.ResolvedAt = &ts
	e.evictLocked()
	return nil
}

// Silence mutes an active alert for the duration.
func (e *Engine) Silence(id string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("alert: silence duration must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return fmt.Errorf("alert: unknown id %s", id)
	}
	if a.Status != StatusActive {
		return fmt.Errorf("alert: cannot silence %s alert", a.Status)
	}
	until := e.now().Add(d)
	a.Status = StatusSilenced
	a.SilencedUntil = &until
	return nil
}

// Sweep returns expired silences to active. Callers run it periodically.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	woken := 0
	for _, a := range e.alerts {
		if a.Status == StatusSilenced && a.SilencedUntil != nil && a.SilencedUntil.Before(now) {
			a.Status = StatusActive
			a.SilencedUntil = nil
			woken++
		}
	}
	return woken
}

// Get returns one alert by id.
func (e *Engine) Get(id string) (Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.alerts[id]
	if !ok {
		return Alert{}, false
	}
	return *a, true
}

// List returns stored alerts newest first.
func (e *Engine) List() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		if a, ok := e.alerts[e.order[i]]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Active returns non-resolved alerts newest first.
func (e *Engine) Active() []Alert {
	all := e.List()
	out := all[:0]
	for _, a := range all {
		if a.Status != StatusResolved {
			out = append(out, a)
		}
	}
	return out
}

// evictLocked drops the oldest resolved alerts once the store exceeds
// MaxHistory.
func (e *Engine) evictLocked() {
	excess := len(e.alerts) - e.cfg.MaxHistory
	if excess <= 0 {
		return
	}
	resolved := make([]string, 0, excess)
	for _, id := range e.order {
		a, ok := e.alerts[id]
		if !ok || a.Status != StatusResolved {
			continue
		}
		resolved = append(resolved, id)
		if len(resolved) == excess {
			break
		}
	}
	if len(resolved) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(resolved))
	for _, id := range resolved {
		delete(e.alerts, id)
		drop[id] = struct{}{}
	}
	kept := e.order[:0]
	for _, id := range e.order {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	e.order = kept
	e.log.Debug().Int("evicted", len(resolved)).Msg("alert history trimmed")
}
