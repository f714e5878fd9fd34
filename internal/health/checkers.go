package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// HeapChecker grades heap usage against warn and critical byte thresholds.
type HeapChecker struct {
	WarnBytes uint64
	CritBytes uint64

	readMemStats func(*runtime.MemStats)
}

// NewHeapChecker builds a heap checker. crit must exceed warn.
func NewHeapChecker(warnBytes, critBytes uint64) *HeapChecker {
	return &HeapChecker{WarnBytes: warnBytes, CritBytes: critBytes, readMemStats: runtime.ReadMemStats}
}

func (h *HeapChecker) Name() string { return "heap" }

func (h *HeapChecker) Check(_ context.Context) Result {
	var ms runtime.MemStats
	h.readMemStats(&ms)

	status := StatusHealthy
	switch {
	case h.CritBytes > 0 && ms.HeapAlloc >= h.CritBytes:
		status = StatusUnhealthy
	case h.WarnBytes > 0 && ms.HeapAlloc >= h.WarnBytes:
		status = StatusDegraded
	}
	return Result{
		Status: status,
		Details: map[string]any{
			"heap_alloc_bytes": ms.HeapAlloc,
			"heap_sys_bytes":   ms.HeapSys,
			"num_gc":           ms.NumGC,
			"goroutines":       runtime.NumGoroutine(),
		},
	}
}

// DelayChecker measures runtime scheduler lag by timing a zero-delay timer.
// Sustained lag means the process cannot keep up with its timer work.
type DelayChecker struct {
	WarnDelay time.Duration
	CritDelay time.Duration

	measure func() time.Duration
}

// NewDelayChecker builds a scheduler-delay checker.
func NewDelayChecker(warn, crit time.Duration) *DelayChecker {
	return &DelayChecker{WarnDelay: warn, CritDelay: crit, measure: measureTimerSkew}
}

func measureTimerSkew() time.Duration {
	start := time.Now()
	t := time.NewTimer(0)
	<-t.C
	return time.Since(start)
}

func (d *DelayChecker) Name() string { return "scheduler_delay" }

func (d *DelayChecker) Check(_ context.Context) Result {
	delay := d.measure()

	status := StatusHealthy
	switch {
	case d.CritDelay > 0 && delay >= d.CritDelay:
		status = StatusUnhealthy
	case d.WarnDelay > 0 && delay >= d.WarnDelay:
		status = StatusDegraded
	}
	return Result{
		Status:  status,
		Details: map[string]any{"delay": fmt.Sprintf("%v", delay)},
	}
}

var (
	_ Checker = (*HeapChecker)(nil)
	_ Checker = (*DelayChecker)(nil)
)
