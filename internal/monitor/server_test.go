package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/alert"
	"github.com/keelhq/keel/internal/health"
	"github.com/keelhq/keel/internal/metrics"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	core := New(Config{Logger: zerolog.Nop()}, nil)
	require.NoError(t, core.Registry.Register(metrics.Def{
		Name: "keel_requests_total", Help: "REST requests issued.", Type: metrics.TypeCounter,
	}))
	return core
}

func get(t *testing.T, core *Core, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	core.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	core := newTestCore(t)
	require.NoError(t, core.Registry.IncCounter("keel_requests_total", 3, map[string]string{"venue": "binance"}))

	rec := get(t, core, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	require.Contains(t, rec.Body.String(), `keel_requests_total{venue="binance"} 3`)
}

func TestHealthzReflectsAggregateStatus(t *testing.T) {
	core := newTestCore(t)
	status := health.StatusHealthy
	require.NoError(t, core.Health.Register(health.CheckerFunc{
		CheckerName: "venue",
		Fn:          func(context.Context) health.Result { return health.Result{Status: status} },
	}))

	core.Health.RunOnce(context.Background())
	rec := get(t, core, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, health.StatusHealthy, report.Status)
	require.Contains(t, report.Components, "venue")

	status = health.StatusUnhealthy
	core.Health.RunOnce(context.Background())
	rec = get(t, core, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAlertsEndpointFiltersActive(t *testing.T) {
	core := newTestCore(t)
	a := core.Engine.Alert("margin", alert.LevelWarning, "margin ratio low", "ratio=0.2", "risk", nil)
	b := core.Engine.Alert("venue", alert.LevelCritical, "stream disconnected", "bybit", "stream", nil)
	require.NoError(t, core.Engine.Resolve(a.ID))

	var body struct {
		Count  int           `json:"count"`
		Alerts []alert.Alert `json:"alerts"`
	}
	rec := get(t, core, "/alerts")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)

	rec = get(t, core, "/alerts?active=true")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, b.ID, body.Alerts[0].ID)
}

func TestMethodNotAllowed(t *testing.T) {
	core := newTestCore(t)
	req := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	rec := httptest.NewRecorder()
	core.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	core := New(Config{HTTPAddr: "127.0.0.1:0", Logger: zerolog.Nop()}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- core.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("core did not shut down")
	}
}
