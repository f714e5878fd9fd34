package health

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/alert"
)

type sinkCall struct {
	typ   string
	level alert.Level
	data  map[string]any
}

type captureSink struct {
	calls []sinkCall
}

func (c *captureSink) Alert(typ string, level alert.Level, _, _, _ string, data map[string]any) alert.Alert {
	c.calls = append(c.calls, sinkCall{typ: typ, level: level, data: data})
	return alert.Alert{}
}

func fixedChecker(name string, status Status) Checker {
	return CheckerFunc{CheckerName: name, Fn: func(context.Context) Result {
		return Result{Status: status}
	}}
}

func TestRunOnceAggregatesWorstStatus(t *testing.T) {
	s := NewScheduler(Config{Logger: zerolog.Nop()}, nil)
	require.NoError(t, s.Register(fixedChecker("pg", StatusHealthy)))
	require.NoError(t, s.Register(fixedChecker("binance_ws", StatusDegraded)))

	report := s.RunOnce(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Len(t, report.Components, 2)

	require.NoError(t, s.Register(fixedChecker("bybit_ws", StatusUnhealthy)))
	report = s.RunOnce(context.Background())
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Equal(t, report, s.Report())
}

func TestUnknownCountsAsDegraded(t *testing.T) {
	s := NewScheduler(Config{Logger: zerolog.Nop()}, nil)
	require.NoError(t, s.Register(fixedChecker("pg", StatusHealthy)))
	require.NoError(t, s.Register(fixedChecker("stream", StatusUnknown)))

	require.Equal(t, StatusDegraded, s.RunOnce(context.Background()).Status)
}

func TestPanickingCheckerIsIsolated(t *testing.T) {
	s := NewScheduler(Config{Logger: zerolog.Nop()}, nil)
	require.NoError(t, s.Register(fixedChecker("pg", StatusHealthy)))
	require.NoError(t, s.Register(CheckerFunc{CheckerName: "boom", Fn: func(context.Context) Result {
		panic(errors.New("nil map write"))
	}}))

	report := s.RunOnce(context.Background())
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Equal(t, StatusHealthy, report.Components["pg"].Status)
	require.Equal(t, StatusUnhealthy, report.Components["boom"].Status)
	require.Contains(t, report.Components["boom"].Error, "checker panicked")
}

func TestTransitionAlertsFireOnEdgesOnly(t *testing.T) {
	sink := &captureSink{}
	s := NewScheduler(Config{Logger: zerolog.Nop()}, sink)

	status := StatusHealthy
	require.NoError(t, s.Register(CheckerFunc{CheckerName: "venue", Fn: func(context.Context) Result {
		return Result{Status: status}
	}}))

	// healthy -> healthy: silent.
	s.RunOnce(context.Background())
	require.Empty(t, sink.calls)

	// healthy -> degraded: warning once.
	status = StatusDegraded
	s.RunOnce(context.Background())
	s.RunOnce(context.Background())
	require.Len(t, sink.calls, 1)
	require.Equal(t, "health_degraded", sink.calls[0].typ)
	require.Equal(t, alert.LevelWarning, sink.calls[0].level)
	require.Equal(t, []string{"venue"}, sink.calls[0].data["components"])

	// degraded -> unhealthy: critical once, repeats silent.
	status = StatusUnhealthy
	s.RunOnce(context.Background())
	s.RunOnce(context.Background())
	require.Len(t, sink.calls, 2)
	require.Equal(t, "health_unhealthy", sink.calls[1].typ)
	require.Equal(t, alert.LevelCritical, sink.calls[1].level)

	// Recovery then a fresh failure fires again.
	status = StatusHealthy
	s.RunOnce(context.Background())
	status = StatusUnhealthy
	s.RunOnce(context.Background())
	require.Len(t, sink.calls, 3)
}

func TestDegradedFromUnhealthyIsSilent(t *testing.T) {
	sink := &captureSink{}
	s := NewScheduler(Config{Logger: zerolog.Nop()}, sink)

	status := StatusUnhealthy
	require.NoError(t, s.Register(CheckerFunc{CheckerName: "venue", Fn: func(context.Context) Result {
		return Result{Status: status}
	}}))

	s.RunOnce(context.Background())
	require.Len(t, sink.calls, 1)

	// Partial recovery is not a degrading edge.
	status = StatusDegraded
	s.RunOnce(context.Background())
	require.Len(t, sink.calls, 1)
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	s := NewScheduler(Config{Logger: zerolog.Nop()}, nil)
	require.NoError(t, s.Register(fixedChecker("pg", StatusHealthy)))
	require.Error(t, s.Register(fixedChecker("pg", StatusHealthy)))
}

func TestResponseTimeStamped(t *testing.T) {
	s := NewScheduler(Config{Logger: zerolog.Nop()}, nil)
	current := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		current = current.Add(5 * time.Millisecond)
		return current
	}
	require.NoError(t, s.Register(fixedChecker("pg", StatusHealthy)))

	report := s.RunOnce(context.Background())
	require.Greater(t, report.Components["pg"].ResponseTime, time.Duration(0))
}

func TestHeapCheckerThresholds(t *testing.T) {
	h := NewHeapChecker(100, 200)

	alloc := uint64(50)
	h.readMemStats = func(ms *runtime.MemStats) { ms.HeapAlloc = alloc }
	require.Equal(t, StatusHealthy, h.Check(context.Background()).Status)

	alloc = 150
	require.Equal(t, StatusDegraded, h.Check(context.Background()).Status)

	alloc = 250
	res := h.Check(context.Background())
	require.Equal(t, StatusUnhealthy, res.Status)
	require.Equal(t, uint64(250), res.Details["heap_alloc_bytes"])
}

func TestDelayCheckerThresholds(t *testing.T) {
	d := NewDelayChecker(10*time.Millisecond, 100*time.Millisecond)

	delay := time.Millisecond
	d.measure = func() time.Duration { return delay }
	require.Equal(t, StatusHealthy, d.Check(context.Background()).Status)

	delay = 50 * time.Millisecond
	require.Equal(t, StatusDegraded, d.Check(context.Background()).Status)

	delay = 200 * time.Millisecond
	require.Equal(t, StatusUnhealthy, d.Check(context.Background()).Status)
}
