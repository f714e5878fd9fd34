package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Def{Name: "keel_requests_total", Help: "REST requests issued.", Type: TypeCounter}))
	require.NoError(t, r.Register(Def{Name: "keel_equity", Help: "Account equity.", Type: TypeGauge}))
	require.NoError(t, r.Register(Def{
		Name: "keel_request_seconds", Help: "REST latency.", Type: TypeHistogram,
		Buckets: []float64{0.1, 0.5, 1},
	}))
	return r
}

func TestRegisterRejectsDuplicatesAndBadBuckets(t *testing.T) {
	r := newTestRegistry(t)
	require.Error(t, r.Register(Def{Name: "keel_requests_total", Help: "dup", Type: TypeCounter}))
	require.Error(t, r.Register(Def{Name: "bad", Help: "x", Type: TypeHistogram, Buckets: []float64{1, 1}}))
	require.Error(t, r.Register(Def{Name: "worse", Help: "x", Type: Type("summary")}))
}

func TestCounterSeriesByLabelTuple(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.IncCounter("keel_requests_total", 1, map[string]string{"venue": "binance"}))
	require.NoError(t, r.IncCounter("keel_requests_total", 2, map[string]string{"venue": "binance"}))
	require.NoError(t, r.IncCounter("keel_requests_total", 1, map[string]string{"venue": "bybit"}))
	require.Error(t, r.IncCounter("keel_requests_total", -1, nil), "counters cannot decrease")
	require.Error(t, r.IncCounter("keel_equity", 1, nil), "type mismatch is rejected")

	snap := r.Snapshot()
	require.Equal(t, "keel_requests_total", snap[0].Def.Name)
	require.Len(t, snap[0].Series, 2)
	require.Equal(t, 3.0, snap[0].Series[0].Value)
	require.Equal(t, 1.0, snap[0].Series[1].Value)
}

func TestLabelIdentityIsOrderInsensitive(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.IncCounter("keel_requests_total", 1, map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, r.IncCounter("keel_requests_total", 1, map[string]string{"b": "2", "a": "1"}))

	snap := r.Snapshot()
	require.Len(t, snap[0].Series, 1, "same labels in any order are one series")
	require.Equal(t, 2.0, snap[0].Series[0].Value)
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	r := newTestRegistry(t)
	for _, v := range []float64{0.05, 0.3, 0.7, 2} {
		require.NoError(t, r.ObserveHistogram("keel_request_seconds", v, nil))
	}

	snap := r.Snapshot()
	hist := snap[2].Series[0]
	// Buckets are cumulative: le=0.1 -> 1, le=0.5 -> 2, le=1 -> 3, +Inf -> 4.
	require.Equal(t, []uint64{1, 2, 3, 4}, hist.Counts)
	require.InDelta(t, 3.05, hist.Sum, 1e-9)
	require.Equal(t, uint64(4), hist.Count)
}

func TestExposeFormat(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.IncCounter("keel_requests_total", 3, map[string]string{"venue": "binance", "code": "200"}))
	require.NoError(t, r.SetGauge("keel_equity", 1050.25, nil))
	require.NoError(t, r.ObserveHistogram("keel_request_seconds", 0.3, map[string]string{"venue": "binance"}))

	text := r.Expose()
	require.Contains(t, text, "# HELP keel_requests_total REST requests issued.\n")
	require.Contains(t, text, "# TYPE keel_requests_total counter\n")
	// Label keys render sorted.
	require.Contains(t, text, `keel_requests_total{code="200",venue="binance"} 3`)
	require.Contains(t, text, "keel_equity 1050.25\n")
	require.Contains(t, text, `keel_request_seconds_bucket{venue="binance",le="0.1"} 0`)
	require.Contains(t, text, `keel_request_seconds_bucket{venue="binance",le="0.5"} 1`)
	require.Contains(t, text, `keel_request_seconds_bucket{venue="binance",le="+Inf"} 1`)
	require.Contains(t, text, `keel_request_seconds_sum{venue="binance"} 0.3`)
	require.Contains(t, text, `keel_request_seconds_count{venue="binance"} 1`)
}

func TestExposeEscapesLabelValues(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.IncCounter("keel_requests_total", 1, map[string]string{
		"path": `C:\data "prod"` + "\nnext",
	}))
	text := r.Expose()
	require.Contains(t, text, `path="C:\\data \"prod\"\nnext"`)
}

func TestGaugeValueRead(t *testing.T) {
	r := newTestRegistry(t)
	_, ok := r.GaugeValue("keel_equity", nil)
	require.False(t, ok)

	require.NoError(t, r.SetGauge("keel_equity", 42, nil))
	v, ok := r.GaugeValue("keel_equity", nil)
	require.True(t, ok)
	require.Equal(t, 42.0, v)
}

func TestHistoryPrunesByRetention(t *testing.T) {
	h := NewHistory(time.Minute)
	current := time.Unix(1700000000, 0)
	h.now = func() time.Time { return current }

	h.Add(1, "pnl")
	current = current.Add(30 * time.Second)
	h.Add(2, "pnl")
	current = current.Add(45 * time.Second)
	h.Add(3, "pnl")

	samples := h.Samples()
	require.Len(t, samples, 2, "first sample aged out")
	require.Equal(t, 2.0, samples[0].Value)
	require.Equal(t, 3.0, samples[1].Value)

	current = current.Add(10 * time.Minute)
	require.Zero(t, h.Len())
}

func TestExposeOutputsMetricsInRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	text := r.Expose()
	first := strings.Index(text, "keel_requests_total")
	second := strings.Index(text, "keel_equity")
	third := strings.Index(text, "keel_request_seconds")
	require.True(t, first < second && second < third)
}
