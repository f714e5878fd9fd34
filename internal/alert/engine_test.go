package alert

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	sent []Alert
}

func (c *captureNotifier) Send(a Alert) map[string]bool {
	c.sent = append(c.sent, a)
	return map[string]bool{"console": true}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *captureNotifier, *time.Time) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	notifier := &captureNotifier{}
	engine := NewEngine(cfg, notifier)
	current := time.Unix(1700000000, 0)
	engine.now = func() time.Time { return current }
	return engine, notifier, &current
}

func TestAlertDedupWithinWindow(t *testing.T) {
	engine, notifier, current := newTestEngine(t, Config{DedupeWindow: 5 * time.Minute})

	first := engine.Alert("margin", LevelCritical, "margin ratio low", "ratio=0.08", "risk", nil)
	require.NotEmpty(t, first.ID)
	require.Len(t, notifier.sent, 1)

	// Same fingerprint inside the window: existing alert, no send.
	*current = current.Add(time.Minute)
	dup := engine.Alert("margin", LevelCritical, "margin ratio low", "ratio=0.07", "risk", nil)
	require.Equal(t, first.ID, dup.ID)
	require.Len(t, notifier.sent, 1)

	// Different level changes the fingerprint.
	escalated := engine.Alert("margin", LevelEmergency, "margin ratio low", "ratio=0.03", "risk", nil)
	require.NotEqual(t, first.ID, escalated.ID)
	require.Len(t, notifier.sent, 2)

	// Past the window the same fingerprint fires again.
	*current = current.Add(10 * time.Minute)
	again := engine.Alert("margin", LevelCritical, "margin ratio low", "ratio=0.09", "risk", nil)
	require.NotEqual(t, first.ID, again.ID)
	require.Len(t, notifier.sent, 3)
}

func TestEvaluateGradedFiresOnEscalationOnly(t *testing.T) {
	engine, _, _ := newTestEngine(t, Config{})
	thresholds := []float64{0.5, 0.3, 0.1} // descending severity bands

	var fired []int
	onFire := func(level int) { fired = append(fired, level) }

	require.Equal(t, 0, engine.EvaluateGraded("margin", 0.9, thresholds, onFire))
	require.Equal(t, 1, engine.EvaluateGraded("margin", 0.4, thresholds, onFire))
	// Same level again: no fire.
	require.Equal(t, 1, engine.EvaluateGraded("margin", 0.45, thresholds, onFire))
	// Escalation to level 3 fires once.
	require.Equal(t, 3, engine.EvaluateGraded("margin", 0.05, thresholds, onFire))
	// De-escalation to level 2 does not fire.
	require.Equal(t, 2, engine.EvaluateGraded("margin", 0.2, thresholds, onFire))
	// Recovery resets; the next breach fires again.
	require.Equal(t, 0, engine.EvaluateGraded("margin", 0.8, thresholds, onFire))
	require.Equal(t, 1, engine.EvaluateGraded("margin", 0.4, thresholds, onFire))

	require.Equal(t, []int{1, 3, 1}, fired)
}

func TestLifecycleTransitions(t *testing.T) {
	engine, _, current := newTestEngine(t, Config{})
	a := engine.Alert("health", LevelWarning, "degraded", "scheduler lag", "health", nil)

	require.NoError(t, engine.Ack(a.ID))
	got, ok := engine.Get(a.ID)
	require.True(t, ok)
	require.Equal(t, StatusAcknowledged, got.Status)
	require.NotNil(t, got.AcknowledgedAt)
	require.Error(t, engine.Ack(a.ID), "double ack rejected")
	require.Error(t, engine.Silence(a.ID, time.Minute), "only active alerts silence")

	require.NoError(t, engine.Resolve(a.ID))
	got, _ = engine.Get(a.ID)
	require.Equal(t, StatusResolved, got.Status)
	require.NotNil(t, got.ResolvedAt)
	require.Error(t, engine.Resolve(a.ID))

	b := engine.Alert("health", LevelWarning, "unhealthy", "pg down", "health", nil)
	require.NoError(t, engine.Silence(b.ID, time.Minute))
	got, _ = engine.Get(b.ID)
	require.Equal(t, StatusSilenced, got.Status)

	// Sweep before expiry: untouched. After expiry: back to active.
	require.Zero(t, engine.Sweep())
	*current = current.Add(2 * time.Minute)
	require.Equal(t, 1, engine.Sweep())
	got, _ = engine.Get(b.ID)
	require.Equal(t, StatusActive, got.Status)
	require.Nil(t, got.SilencedUntil)
}

func TestHistoryEvictsOldestResolved(t *testing.T) {
	engine, _, current := newTestEngine(t, Config{MaxHistory: 3, DedupeWindow: time.Millisecond})

	ids := make([]string, 0, 4)
	for _, title := range []string{"a", "b", "c", "d"} {
		a := engine.Alert("test", LevelInfo, title, "", "unit", nil)
		ids = append(ids, a.ID)
		*current = current.Add(time.Second)
	}
	// Nothing resolved yet: nothing evictable even over the cap.
	require.Len(t, engine.List(), 4)

	require.NoError(t, engine.Resolve(ids[0]))
	require.NoError(t, engine.Resolve(ids[2]))

	// Resolving past the cap evicts the oldest resolved first.
	require.Len(t, engine.List(), 3)
	_, ok := engine.Get(ids[0])
	require.False(t, ok, "oldest resolved evicted")
	_, ok = engine.Get(ids[2])
	require.True(t, ok)
	require.Len(t, engine.Active(), 2)
}

func TestListNewestFirst(t *testing.T) {
	engine, _, current := newTestEngine(t, Config{DedupeWindow: time.Millisecond})
	engine.Alert("test", LevelInfo, "first", "", "unit", nil)
	*current = current.Add(time.Second)
	engine.Alert("test", LevelInfo, "second", "", "unit", nil)

	list := engine.List()
	require.Len(t, list, 2)
	require.Equal(t, "second", list[0].Title)
	require.Equal(t, "first", list[1].Title)
}
