package monitor

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	apimetric "go.opentelemetry.io/otel/metric"

	"github.com/keelhq/keel/internal/metrics"
)

const defaultBridgeInterval = 15 * time.Second

// Bridge re-exports registry counters and gauges through an OpenTelemetry
// meter on a fixed interval. Counters are forwarded as deltas against the
// previous pass; histograms stay on the Prometheus text surface only.
type Bridge struct {
	registry *metrics.Registry
	meter    apimetric.Meter
	interval time.Duration
	log      zerolog.Logger

	counters   map[string]apimetric.Float64Counter
	gauges     map[string]apimetric.Float64Gauge
	lastTotals map[string]float64
}

// NewBridge builds a bridge over the provider's "keel.monitor" meter.
func NewBridge(registry *metrics.Registry, provider apimetric.MeterProvider, interval time.Duration, log zerolog.Logger) *Bridge {
	if interval <= 0 {
		interval = defaultBridgeInterval
	}
	return &Bridge{
		registry:   registry,
		meter:      provider.Meter("keel.monitor"),
		interval:   interval,
		log:        log.With().Str("component", "otlp_bridge").Logger(),
		counters:   make(map[string]apimetric.Float64Counter),
		gauges:     make(map[string]apimetric.Float64Gauge),
		lastTotals: make(map[string]float64),
	}
}

// Run exports on each tick until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Export(ctx)
		}
	}
}

// Export forwards one registry snapshot through the meter.
func (b *Bridge) Export(ctx context.Context) {
	for _, snap := range b.registry.Snapshot() {
		switch snap.Def.Type {
		case metrics.TypeCounter:
			b.exportCounter(ctx, snap)
		case metrics.TypeGauge:
			b.exportGauge(ctx, snap)
		}
	}
}

func (b *Bridge) exportCounter(ctx context.Context, snap metrics.MetricSnapshot) {
	inst, ok := b.counters[snap.Def.Name]
	if !ok {
		var err error
		inst, err = b.meter.Float64Counter(snap.Def.Name, apimetric.WithDescription(snap.Def.Help))
		if err != nil {
			b.log.Warn().Str("metric", snap.Def.Name).Err(err).Msg("counter instrument failed")
			return
		}
		b.counters[snap.Def.Name] = inst
	}
	for _, sv := range snap.Series {
		key := seriesKey(snap.Def.Name, sv.Labels)
		delta := sv.Value - b.lastTotals[key]
		if delta <= 0 {
			continue
		}
		b.lastTotals[key] = sv.Value
		inst.Add(ctx, delta, apimetric.WithAttributes(toAttributes(sv.Labels)...))
	}
}

func (b *Bridge) exportGauge(ctx context.Context, snap metrics.MetricSnapshot) {
	inst, ok := b.gauges[snap.Def.Name]
	if !ok {
		var err error
		inst, err = b.meter.Float64Gauge(snap.Def.Name, apimetric.WithDescription(snap.Def.Help))
		if err != nil {
			b.log.Warn().Str("metric", snap.Def.Name).Err(err).Msg("gauge instrument failed")
			return
		}
		b.gauges[snap.Def.Name] = inst
	}
	for _, sv := range snap.Series {
		inst.Record(ctx, sv.Value, apimetric.WithAttributes(toAttributes(sv.Labels)...))
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
