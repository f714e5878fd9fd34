// Package health runs periodic component checks and aggregates them into a
// system status, firing alerts on degrading transitions.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/internal/alert"
)

const defaultInterval = 30 * time.Second

// Status is a component or system health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Result is one checker outcome. ResponseTime is stamped by the scheduler.
type Result struct {
	Status       Status         `json:"status"`
	Details      map[string]any `json:"details,omitempty"`
	Error        string         `json:"error,omitempty"`
	ResponseTime time.Duration  `json:"responseTime"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) Result
}

func (c CheckerFunc) Name() string                     { return c.CheckerName }
func (c CheckerFunc) Check(ctx context.Context) Result { return c.Fn(ctx) }

// Report is one aggregated pass over all checkers.
type Report struct {
	Status     Status            `json:"status"`
	Components map[string]Result `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

// AlertSink receives transition alerts. *alert.Engine satisfies it.
type AlertSink interface {
	Alert(typ string, level alert.Level, title, message, source string, data map[string]any) alert.Alert
}

// Config tunes the scheduler.
type Config struct {
	Interval time.Duration
	Logger   zerolog.Logger
}

// Scheduler runs registered checkers in parallel on each tick, aggregates
// their statuses, and fires an alert when the aggregate transitions to
// unhealthy, or from healthy to degraded.
type Scheduler struct {
	interval time.Duration
	sink     AlertSink
	log      zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	checkers   []Checker
	last       Report
	lastStatus Status
}

// NewScheduler builds a scheduler. The sink may be nil.
func NewScheduler(cfg Config, sink AlertSink) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Scheduler{
		interval:   cfg.Interval,
		sink:       sink,
		log:        cfg.Logger.With().Str("component", "health").Logger(),
		now:        time.Now,
		lastStatus: StatusHealthy,
	}
}

// Register adds a checker. Names must be unique.
func (s *Scheduler) Register(c Checker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkers {
		if existing.Name() == c.Name() {
			return fmt.Errorf("health: checker %q already registered", c.Name())
		}
	}
	s.checkers = append(s.checkers, c)
	return nil
}

// Run ticks until the context is cancelled. One pass runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes every checker in parallel and returns the aggregated
// report. A panicking or erroring checker degrades only its own component.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.mu.Lock()
	checkers := append([]Checker(nil), s.checkers...)
	s.mu.Unlock()

	type outcome struct {
		name   string
		result Result
	}
	results := make([]outcome, len(checkers))

	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = outcome{name: c.Name(), result: s.runChecker(ctx, c)}
		}(i, c)
	}
	wg.Wait()

	components := make(map[string]Result, len(results))
	for _, o := range results {
		components[o.name] = o.result
	}
	report := Report{
		Status:     aggregate(components),
		Components: components,
		CheckedAt:  s.now(),
	}

	s.mu.Lock()
	prev := s.lastStatus
	s.last = report
	s.lastStatus = report.Status
	s.mu.Unlock()

	s.fireTransition(prev, report)
	return report
}

func (s *Scheduler) runChecker(ctx context.Context, c Checker) (res Result) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Status: StatusUnhealthy, Error: fmt.Sprintf("checker panicked: %v", r)}
			s.log.Error().Str("checker", c.Name()).Any("panic", r).Msg("health checker panicked")
		}
		res.ResponseTime = s.now().Sub(start)
	}()
	return c.Check(ctx)
}

// Report returns the most recent pass.
func (s *Scheduler) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func aggregate(components map[string]Result) Status {
	agg := StatusHealthy
	for _, r := range components {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			agg = StatusDegraded
		}
	}
	return agg
}

// fireTransition alerts only on a degrading edge: any transition into
// unhealthy, or healthy into degraded. Repeated bad samples stay silent.
func (s *Scheduler) fireTransition(prev Status, report Report) {
	if s.sink == nil {
		return
	}
	var level alert.Level
	switch {
	case report.Status == StatusUnhealthy && prev != StatusUnhealthy:
		level = alert.LevelCritical
	case report.Status == StatusDegraded && prev == StatusHealthy:
		level = alert.LevelWarning
	default:
		return
	}

	bad := make([]string, 0, len(report.Components))
	for name, r := range report.Components {
		if r.Status != StatusHealthy {
			bad = append(bad, name)
		}
	}
	sort.Strings(bad)

	s.sink.Alert(
		"health_"+string(report.Status),
		level,
		fmt.Sprintf("system %s", report.Status),
		fmt.Sprintf("components not healthy: %v", bad),
		"health",
		map[string]any{"components": bad},
	)
}
