// Package metrics implements a small label-aware metric registry with
// Prometheus text exposition. The registry is also a read surface: alert
// rules and the OTLP bridge consume Snapshot instead of scraping.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Type enumerates the supported metric kinds.
type Type string

const (
	TypeCounter   Type = "counter"
	TypeGauge     Type = "gauge"
	TypeHistogram Type = "histogram"
)

// Def declares a metric before use. Buckets apply to histograms only and must
// be sorted ascending; +Inf is implicit.
type Def struct {
	Name    string
	Help    string
	Type    Type
	Buckets []float64
}

// defaultBuckets cover request latencies in seconds.
var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram accumulates observations into cumulative buckets.
type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

// series is one (name, label-tuple) time series.
type series struct {
	labels map[string]string
	value  float64
	hist   *histogram
}

// metric groups the definition with its series, keyed by the canonical
// sorted-label identity.
type metric struct {
	def    Def
	series map[string]*series
}

// Registry stores metrics behind a single mutex. A label tuple establishes a
// new series on first write.
type Registry struct {
	mu      sync.Mutex
	metrics map[string]*metric
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]*metric)}
}

// Register declares a metric. Re-registering a name is an error.
func (r *Registry) Register(def Def) error {
	if def.Name == "" {
		return fmt.Errorf("metrics: metric name required")
	}
	switch def.Type {
	case TypeCounter, TypeGauge, TypeHistogram:
	default:
		return fmt.Errorf("metrics: unknown type %q for %s", def.Type, def.Name)
	}
	if def.Type == TypeHistogram && len(def.Buckets) == 0 {
		def.Buckets = defaultBuckets
	}
	for i := 1; i < len(def.Buckets); i++ {
		if def.Buckets[i] <= def.Buckets[i-1] {
			return fmt.Errorf("metrics: buckets for %s must be strictly ascending", def.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.metrics[def.Name]; exists {
		return fmt.Errorf("metrics: %s already registered", def.Name)
	}
	r.metrics[def.Name] = &metric{def: def, series: make(map[string]*series)}
	r.order = append(r.order, def.Name)
	return nil
}

// labelKey renders the canonical series identity: label keys sorted
// lexicographically.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func cloneLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func (r *Registry) seriesFor(name string, typ Type, labels map[string]string) (*metric, *series, error) {
	m, ok := r.metrics[name]
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %s not registered", name)
	}
	if m.def.Type != typ {
		return nil, nil, fmt.Errorf("metrics: %s is a %s, not a %s", name, m.def.Type, typ)
	}
	key := labelKey(labels)
	s, ok := m.series[key]
	if !ok {
		s = &series{labels: cloneLabels(labels)}
		if typ == TypeHistogram {
			s.hist = &histogram{counts: make([]uint64, len(m.def.Buckets)+1)}
		}
		m.series[key] = s
	}
	return m, s, nil
}

// IncCounter adds delta (must be >= 0) to the counter series.
func (r *Registry) IncCounter(name string, delta float64, labels map[string]string) error {
	if delta < 0 {
		return fmt.Errorf("metrics: counter %s cannot decrease", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, s, err := r.seriesFor(name, TypeCounter, labels)
	if err != nil {
		return err
	}
	s.value += delta
	return nil
}

// SetGauge sets the gauge series to value.
func (r *Registry) SetGauge(name string, value float64, labels map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, s, err := r.seriesFor(name, TypeGauge, labels)
	if err != nil {
		return err
	}
	s.value = value
	return nil
}

// ObserveHistogram records value into every bucket le such that value <= le,
// plus +Inf, and updates sum and count.
func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, s, err := r.seriesFor(name, TypeHistogram, labels)
	if err != nil {
		return err
	}
	for i, le := range m.def.Buckets {
		if value <= le {
			s.hist.counts[i]++
		}
	}
	s.hist.counts[len(m.def.Buckets)]++ // +Inf
	s.hist.sum += value
	s.hist.count++
	return nil
}

// SeriesValue is one sample in a snapshot.
type SeriesValue struct {
	Labels map[string]string
	Value  float64

	// Histogram-only fields.
	Buckets []float64
	Counts  []uint64
	Sum     float64
	Count   uint64
}

// MetricSnapshot is the read view of one metric.
type MetricSnapshot struct {
	Def    Def
	Series []SeriesValue
}

// Snapshot returns a deep copy of every registered metric in registration
// order, series ordered by label identity.
func (r *Registry) Snapshot() []MetricSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MetricSnapshot, 0, len(r.order))
	for _, name := range r.order {
		m := r.metrics[name]
		snap := MetricSnapshot{Def: m.def}
		keys := make([]string, 0, len(m.series))
		for k := range m.series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := m.series[k]
			sv := SeriesValue{Labels: cloneLabels(s.labels), Value: s.value}
			if s.hist != nil {
				sv.Buckets = append([]float64(nil), m.def.Buckets...)
				sv.Counts = append([]uint64(nil), s.hist.counts...)
				sv.Sum = s.hist.sum
				sv.Count = s.hist.count
			}
			snap.Series = append(snap.Series, sv)
		}
		out = append(out, snap)
	}
	return out
}

// GaugeValue reads one gauge series, if it exists.
func (r *Registry) GaugeValue(name string, labels map[string]string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[name]
	if !ok || m.def.Type != TypeGauge {
		return 0, false
	}
	s, ok := m.series[labelKey(labels)]
	if !ok {
		return 0, false
	}
	return s.value, true
}

// Expose renders the registry in Prometheus text exposition format.
func (r *Registry) Expose() string {
	var b strings.Builder
	for _, snap := range r.Snapshot() {
		def := snap.Def
		fmt.Fprintf(&b, "# HELP %s %s\n", def.Name, def.Help)
		fmt.Fprintf(&b, "# TYPE %s %s\n", def.Name, def.Type)
		for _, sv := range snap.Series {
			switch def.Type {
			case TypeHistogram:
				for i, le := range sv.Buckets {
					b.WriteString(def.Name)
					b.WriteString("_bucket")
					writeLabels(&b, sv.Labels, formatFloat(le))
					fmt.Fprintf(&b, " %d\n", sv.Counts[i])
				}
				b.WriteString(def.Name)
				b.WriteString("_bucket")
				writeLabels(&b, sv.Labels, "+Inf")
				fmt.Fprintf(&b, " %d\n", sv.Counts[len(sv.Counts)-1])
				b.WriteString(def.Name)
				b.WriteString("_sum")
				writeLabels(&b, sv.Labels, "")
				fmt.Fprintf(&b, " %s\n", formatFloat(sv.Sum))
				b.WriteString(def.Name)
				b.WriteString("_count")
				writeLabels(&b, sv.Labels, "")
				fmt.Fprintf(&b, " %d\n", sv.Count)
			default:
				b.WriteString(def.Name)
				writeLabels(&b, sv.Labels, "")
				fmt.Fprintf(&b, " %s\n", formatFloat(sv.Value))
			}
		}
	}
	return b.String()
}

// writeLabels renders {k="v",...} with keys sorted and values escaped; le is
// appended last for histogram buckets. Empty label sets render nothing.
func writeLabels(b *strings.Builder, labels map[string]string, le string) {
	if len(labels) == 0 && le == "" {
		return
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(labels[k]))
		b.WriteByte('"')
	}
	if le != "" {
		if len(keys) > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`le="`)
		b.WriteString(le)
		b.WriteByte('"')
	}
	b.WriteByte('}')
}

func escapeLabelValue(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return r.Replace(v)
}

func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
