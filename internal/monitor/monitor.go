// Package monitor wires the metric registry, alert engine, notifier, and
// health scheduler into one observable core with an HTTP read surface.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	apimetric "go.opentelemetry.io/otel/metric"

	"github.com/keelhq/keel/internal/alert"
	"github.com/keelhq/keel/internal/health"
	"github.com/keelhq/keel/internal/metrics"
	"github.com/keelhq/keel/internal/notify"
)

const defaultSweepInterval = time.Minute

// Config tunes the monitor core.
type Config struct {
	HTTPAddr       string
	HealthInterval time.Duration
	SweepInterval  time.Duration
	DedupeWindow   time.Duration
	MaxHistory     int
	Logger         zerolog.Logger
}

// Core owns the monitor subsystems and runs their loops.
type Core struct {
	Registry *metrics.Registry
	Engine   *alert.Engine
	Health   *health.Scheduler

	server        *Server
	bridge        *Bridge
	sweepInterval time.Duration
	log           zerolog.Logger
}

// New assembles the core: alerts fan out through the given channels, health
// transitions fire through the alert engine, and the HTTP server reads all
// three subsystems.
func New(cfg Config, channels []notify.Channel) *Core {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	log := cfg.Logger.With().Str("component", "monitor").Logger()

	registry := metrics.NewRegistry()
	notifier := notify.New(cfg.Logger, channels)
	engine := alert.NewEngine(alert.Config{
		DedupeWindow: cfg.DedupeWindow,
		MaxHistory:   cfg.MaxHistory,
		Logger:       cfg.Logger,
	}, notifier)
	healthSched := health.NewScheduler(health.Config{
		Interval: cfg.HealthInterval,
		Logger:   cfg.Logger,
	}, engine)

	return &Core{
		Registry:      registry,
		Engine:        engine,
		Health:        healthSched,
		server:        NewServer(cfg.HTTPAddr, registry, engine, healthSched, cfg.Logger),
		sweepInterval: cfg.SweepInterval,
		log:           log,
	}
}

// EnableOTLP attaches the bridge that re-exports registry series through the
// given meter provider.
func (c *Core) EnableOTLP(provider apimetric.MeterProvider, interval time.Duration) {
	c.bridge = NewBridge(c.Registry, provider, interval, c.log)
}

// Run starts the HTTP server, health loop, silence sweep, and the optional
// OTLP bridge, and blocks until the context is cancelled.
func (c *Core) Run(ctx context.Context) error {
	var wg conc.WaitGroup

	wg.Go(func() {
		if err := c.server.Start(); err != nil {
			c.log.Error().Err(err).Msg("monitor http server failed")
		}
	})
	wg.Go(func() { c.Health.Run(ctx) })
	wg.Go(func() { c.runSweep(ctx) })
	if c.bridge != nil {
		wg.Go(func() { c.bridge.Run(ctx) })
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.server.Shutdown(shutdownCtx)

	wg.Wait()
	return err
}

func (c *Core) runSweep(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if woken := c.Engine.Sweep(); woken > 0 {
				c.log.Info().Int("reactivated", woken).Msg("silences expired")
			}
		}
	}
}
