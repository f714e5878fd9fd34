package metrics

import (
	"sync"
	"time"
)

// Sample is one time-stamped observation in a history buffer.
type Sample struct {
	Timestamp time.Time
	Value     float64
	Tag       string
}

// History is a retention-bounded buffer of time-stamped samples, used for
// auxiliary series (PnL, margin ratio, latency, error records) that alert
// rules read back over a window.
type History struct {
	retention time.Duration
	now       func() time.Time

	mu      sync.Mutex
	samples []Sample
}

// NewHistory builds a buffer that prunes samples older than retention on
// every write and read.
func NewHistory(retention time.Duration) *History {
	return &History{retention: retention, now: time.Now}
}

// Add appends a sample stamped now.
func (h *History) Add(value float64, tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, Sample{Timestamp: h.now(), Value: value, Tag: tag})
	h.pruneLocked()
}

// Samples returns the retained window, oldest first.
func (h *History) Samples() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	return append([]Sample(nil), h.samples...)
}

// Len reports the retained sample count.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	return len(h.samples)
}

func (h *History) pruneLocked() {
	if h.retention <= 0 {
		return
	}
	cutoff := h.now().Add(-h.retention)
	idx := 0
	for idx < len(h.samples) && !h.samples[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx > 0 {
		h.samples = append(h.samples[:0], h.samples[idx:]...)
	}
}
