// Command keel launches the keel runtime: the monitor core plus either a
// streaming market-data workload or a run-to-completion ingestion job.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/keelhq/keel/config"
	"github.com/keelhq/keel/internal/adapters"
	"github.com/keelhq/keel/internal/adapters/binance"
	"github.com/keelhq/keel/internal/adapters/bybit"
	"github.com/keelhq/keel/internal/alert"
	"github.com/keelhq/keel/internal/bus"
	"github.com/keelhq/keel/internal/checkpoint"
	"github.com/keelhq/keel/internal/health"
	"github.com/keelhq/keel/internal/ingest"
	"github.com/keelhq/keel/internal/metrics"
	"github.com/keelhq/keel/internal/monitor"
	"github.com/keelhq/keel/internal/notify"
	"github.com/keelhq/keel/internal/ratelimit"
	"github.com/keelhq/keel/internal/schema"
	"github.com/keelhq/keel/internal/storage"
	"github.com/keelhq/keel/internal/stream"
	"github.com/keelhq/keel/lib/async"
	"github.com/keelhq/keel/lib/telemetry"
)

const (
	defaultConfigPath = "config/keel.yaml"

	modeStream = "stream"
	modeIngest = "ingest"

	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	adapterCloseTimeout      = 5 * time.Second
	eventPoolShutdownTimeout = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second

	heapWarnBytes = 1 << 30
	heapCritBytes = 2 << 30
	delayWarn     = 200 * time.Millisecond
	delayCrit     = time.Second

	eventWorkers     = 4
	eventQueueDepth  = 1024
	latencyRetention = 5 * time.Minute
)

const (
	metricIngestRecords = "keel_ingest_records"
	metricIngestTasks   = "keel_ingest_tasks_total"
	metricStreamEvents  = "keel_stream_events_total"
	metricStreamLatency = "keel_stream_latency_seconds"
	metricBusDropped    = "keel_bus_dropped_events"
)

type options struct {
	configPath string
	mode       string
}

func main() {
	opts := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.Info().
		Str("environment", cfg.Environment).
		Str("mode", opts.mode).
		Msg("keel starting")

	provider, telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ExportInterval: cfg.Telemetry.ExportInterval.Std(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("initialise telemetry")
	}

	channels, err := buildChannels(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build notification channels")
	}

	core := monitor.New(monitor.Config{
		HTTPAddr:       cfg.Monitor.HTTPAddr,
		HealthInterval: cfg.Monitor.HealthInterval.Std(),
		SweepInterval:  cfg.Monitor.SweepInterval.Std(),
		DedupeWindow:   cfg.Monitor.DedupeWindow.Std(),
		MaxHistory:     cfg.Monitor.MaxAlertHistory,
		Logger:         log,
	}, channels)
	if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) != "" {
		core.EnableOTLP(provider, cfg.Telemetry.ExportInterval.Std())
	}
	if err := registerHealthCheckers(core); err != nil {
		log.Fatal().Err(err).Msg("register health checkers")
	}
	if err := registerMetrics(core.Registry); err != nil {
		log.Fatal().Err(err).Msg("register metrics")
	}

	venues := buildAdapters(cfg, log)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := core.Run(ctx); err != nil {
			log.Error().Err(err).Msg("monitor core stopped with error")
		}
	})
	log.Info().Str("addr", cfg.Monitor.HTTPAddr).Msg("monitor listening")

	var (
		orchestrator *ingest.Orchestrator
		events       *async.Pool
		db           *pgxpool.Pool
	)
	switch opts.mode {
	case modeIngest:
		orchestrator, db, err = startIngest(ctx, cancel, &lifecycle, cfg, core, venues, log)
	case modeStream:
		events, err = startStream(ctx, &lifecycle, cfg, core, venues, log)
	default:
		log.Fatal().Str("mode", opts.mode).Msg("unknown mode (expected stream or ingest)")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("start workload")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, log, gracefulShutdownConfig{
		orchestrator: orchestrator,
		lifecycle:    &lifecycle,
		venues:       venues,
		events:       events,
		db:           db,
		telemetry:    telemetryShutdown,
	})
	log.Info().Dur("elapsed", time.Since(shutdownStart)).Msg("shutdown completed")
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: %s when present)", defaultConfigPath))
	flag.StringVar(&opts.mode, "mode", modeStream, "Workload to run: stream or ingest")
	flag.Parse()

	if opts.configPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			opts.configPath = defaultConfigPath
		}
	}
	return opts
}

func newLogger(cfg config.Settings) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var out io.Writer = os.Stdout
	if cfg.Environment != "prod" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "keel").Logger()
}

// buildChannels assembles the enabled notification channels from config.
func buildChannels(cfg config.Settings, log zerolog.Logger) ([]notify.Channel, error) {
	var channels []notify.Channel

	if cfg.Notify.Console.Enabled {
		lvl, err := alert.ParseLevel(cfg.Notify.Console.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("config: console min_level: %w", err)
		}
		channels = append(channels, notify.NewConsole(log, lvl))
	}
	if cfg.Notify.Webhook.Enabled {
		lvl, err := alert.ParseLevel(cfg.Notify.Webhook.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("config: webhook min_level: %w", err)
		}
		channels = append(channels, notify.NewWebhook(notify.WebhookConfig{
			URL:      cfg.Notify.Webhook.URL,
			MinLevel: lvl,
		}))
	}
	if cfg.Notify.Email.Enabled {
		lvl, err := alert.ParseLevel(cfg.Notify.Email.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("config: email min_level: %w", err)
		}
		channels = append(channels, notify.NewEmail(notify.EmailConfig{
			Host:     cfg.Notify.Email.Host,
			Port:     cfg.Notify.Email.Port,
			Username: cfg.Notify.Email.Username,
			Password: cfg.Notify.Email.Password,
			From:     cfg.Notify.Email.From,
			To:       cfg.Notify.Email.To,
			MinLevel: lvl,
		}))
	}
	if cfg.Notify.Telegram.Enabled {
		lvl, err := alert.ParseLevel(cfg.Notify.Telegram.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("config: telegram min_level: %w", err)
		}
		channels = append(channels, notify.NewTelegram(notify.TelegramConfig{
			Token:    cfg.Notify.Telegram.Token,
			ChatID:   cfg.Notify.Telegram.ChatID,
			MinLevel: lvl,
		}))
	}
	if cfg.Notify.GroupBot.Enabled {
		lvl, err := alert.ParseLevel(cfg.Notify.GroupBot.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("config: group_bot min_level: %w", err)
		}
		channels = append(channels, notify.NewGroupBot(notify.GroupBotConfig{
			WebhookURL: cfg.Notify.GroupBot.WebhookURL,
			Secret:     cfg.Notify.GroupBot.Secret,
			MinLevel:   lvl,
		}))
	}
	return channels, nil
}

func registerHealthCheckers(core *monitor.Core) error {
	if err := core.Health.Register(health.NewHeapChecker(heapWarnBytes, heapCritBytes)); err != nil {
		return err
	}
	return core.Health.Register(health.NewDelayChecker(delayWarn, delayCrit))
}

func registerMetrics(reg *metrics.Registry) error {
	defs := []metrics.Def{
		{Name: metricIngestRecords, Help: "Records persisted per ingestion task.", Type: metrics.TypeGauge},
		{Name: metricIngestTasks, Help: "Ingestion task outcomes by venue and status.", Type: metrics.TypeCounter},
		{Name: metricStreamEvents, Help: "Stream events consumed by venue and type.", Type: metrics.TypeCounter},
		{Name: metricStreamLatency, Help: "Most recent event delivery lag per venue.", Type: metrics.TypeGauge},
		{Name: metricBusDropped, Help: "Events dropped by the adapter event bus.", Type: metrics.TypeGauge},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// buildAdapters constructs one adapter per configured venue. Venues without a
// matching integration are logged and skipped.
func buildAdapters(cfg config.Settings, log zerolog.Logger) map[string]adapters.Adapter {
	out := make(map[string]adapters.Adapter, len(cfg.Venues))
	for name, vc := range cfg.Venues {
		venue := strings.ToLower(strings.TrimSpace(name))
		switch venue {
		case "binance":
			out[venue] = binance.New(binance.Config{
				APIKey:      vc.APIKey,
				APISecret:   vc.APISecret,
				RESTBaseURL: vc.RESTBaseURL,
				WSBaseURL:   vc.WSPublicURL,
				Timeout:     vc.HTTPTimeout.Std(),
				RecvWindow:  vc.RecvWindow.Std(),
				RateLimit:   rateLimitConfig(venue, vc.RateLimit),
				Reconnect:   reconnectConfig(vc.Reconnect),
				Logger:      log,
			})
		case "bybit":
			out[venue] = bybit.New(bybit.Config{
				APIKey:       vc.APIKey,
				APISecret:    vc.APISecret,
				RESTBaseURL:  vc.RESTBaseURL,
				WSPublicURL:  vc.WSPublicURL,
				WSPrivateURL: vc.WSPrivateURL,
				Timeout:      vc.HTTPTimeout.Std(),
				RecvWindow:   vc.RecvWindow.Std(),
				RateLimit:    rateLimitConfig(venue, vc.RateLimit),
				Reconnect:    reconnectConfig(vc.Reconnect),
				Logger:       log,
			})
		default:
			log.Warn().Str("venue", name).Msg("no adapter for configured venue")
		}
	}
	return out
}

func rateLimitConfig(venue string, rl config.RateLimit) ratelimit.Config {
	return ratelimit.Config{
		Venue:          venue,
		MaxRequests:    rl.MaxRequests,
		Window:         rl.Window.Std(),
		RetryBaseDelay: rl.RetryBaseDelay.Std(),
		MaxRetries:     rl.MaxRetries,
	}
}

func reconnectConfig(rc config.Reconnect) stream.ReconnectConfig {
	return stream.ReconnectConfig{
		Base:        rc.Base.Std(),
		Cap:         rc.Cap.Std(),
		MaxAttempts: rc.MaxAttempts,
	}
}

// startIngest wires the historical download pipeline and runs the plan on a
// lifecycle goroutine. The main context is cancelled when the run finishes so
// the process exits once all tasks settle.
func startIngest(ctx context.Context, cancel context.CancelFunc, lifecycle *conc.WaitGroup, cfg config.Settings, core *monitor.Core, venues map[string]adapters.Adapter, log zerolog.Logger) (*ingest.Orchestrator, *pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return nil, nil, errors.New("ingest mode requires postgres.dsn")
	}
	db, err := pgxpool.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}

	checkpoints, err := buildCheckpointStore(cfg, db, log)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	plan, err := buildPlan(cfg.Ingest)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	fetchers := make([]ingest.Fetcher, 0, len(plan.Venues))
	for _, venue := range plan.Venues {
		a, ok := venues[venue]
		if !ok {
			db.Close()
			return nil, nil, fmt.Errorf("no adapter configured for ingest venue %q", venue)
		}
		if _, err := a.LoadMarkets(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("load %s markets: %w", venue, err)
		}
		fetchers = append(fetchers, a)
	}

	orch := ingest.NewOrchestrator(
		fetchers,
		ingest.NewCleaner(log),
		storage.NewPostgresStore(db),
		checkpoints,
		ingestSink(core.Registry),
		log,
	)

	lifecycle.Go(func() {
		if err := orch.Run(ctx, plan); err != nil {
			log.Error().Err(err).Msg("ingestion run failed")
		} else {
			log.Info().Msg("ingestion run finished")
		}
		cancel()
	})
	return orch, db, nil
}

func buildCheckpointStore(cfg config.Settings, db *pgxpool.Pool, log zerolog.Logger) (checkpoint.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Backend)) {
	case "", "file":
		return checkpoint.NewFileStore(cfg.Checkpoint.Dir, log)
	case "postgres":
		return checkpoint.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("config: unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

func buildPlan(cfg config.Ingest) (ingest.Plan, error) {
	if len(cfg.Venues) == 0 {
		return ingest.Plan{}, errors.New("config: ingest.venues must name at least one venue")
	}
	if len(cfg.Symbols) == 0 {
		return ingest.Plan{}, errors.New("config: ingest.symbols must name at least one symbol")
	}

	start, err := time.Parse(time.RFC3339, cfg.StartTime)
	if err != nil {
		return ingest.Plan{}, fmt.Errorf("config: ingest.start_time: %w", err)
	}
	end, err := time.Parse(time.RFC3339, cfg.EndTime)
	if err != nil {
		return ingest.Plan{}, fmt.Errorf("config: ingest.end_time: %w", err)
	}
	if !end.After(start) {
		return ingest.Plan{}, errors.New("config: ingest.end_time must be after start_time")
	}

	venues := make([]string, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		venues = append(venues, strings.ToLower(strings.TrimSpace(v)))
	}
	types := make([]schema.DataType, 0, len(cfg.DataTypes))
	for _, raw := range cfg.DataTypes {
		dt := schema.DataType(strings.ToLower(strings.TrimSpace(raw)))
		if !dt.Valid() {
			return ingest.Plan{}, fmt.Errorf("config: unknown ingest data type %q", raw)
		}
		types = append(types, dt)
	}

	return ingest.Plan{
		Venues:       venues,
		Symbols:      cfg.Symbols,
		DataTypes:    types,
		StartTime:    start.UnixMilli(),
		EndTime:      end.UnixMilli(),
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
		RequestDelay: cfg.RequestDelay.Std(),
	}, nil
}

func ingestSink(reg *metrics.Registry) ingest.EventSink {
	return func(ev ingest.Event) {
		series := map[string]string{
			"venue":     ev.Venue,
			"symbol":    ev.Symbol,
			"data_type": string(ev.DataType),
		}
		outcome := map[string]string{"venue": ev.Venue}
		switch ev.Kind {
		case ingest.EventProgress:
			_ = reg.SetGauge(metricIngestRecords, float64(ev.Count), series)
		case ingest.EventComplete:
			_ = reg.SetGauge(metricIngestRecords, float64(ev.Count), series)
			outcome["status"] = "completed"
			_ = reg.IncCounter(metricIngestTasks, 1, outcome)
		case ingest.EventErr:
			outcome["status"] = "failed"
			_ = reg.IncCounter(metricIngestTasks, 1, outcome)
		case ingest.EventSkip:
			outcome["status"] = "skipped"
			_ = reg.IncCounter(metricIngestTasks, 1, outcome)
		}
	}
}

// startStream subscribes public market data for the configured symbols and
// fans adapter events into the bounded worker pool.
func startStream(ctx context.Context, lifecycle *conc.WaitGroup, cfg config.Settings, core *monitor.Core, venues map[string]adapters.Adapter, log zerolog.Logger) (*async.Pool, error) {
	if len(venues) == 0 {
		return nil, errors.New("stream mode requires at least one configured venue")
	}
	if len(cfg.Ingest.Symbols) == 0 {
		return nil, errors.New("stream mode requires ingest.symbols as the watch list")
	}

	pool, err := async.NewPool(eventWorkers, eventQueueDepth, func(err error) {
		log.Warn().Err(err).Msg("event task failed")
	})
	if err != nil {
		return nil, err
	}
	latency := metrics.NewHistory(latencyRetention)

	for name, a := range venues {
		if _, err := a.LoadMarkets(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("load %s markets: %w", name, err)
		}
		for _, symbol := range cfg.Ingest.Symbols {
			for _, channel := range []string{"ticker", "trade"} {
				if err := a.SubscribePublic(ctx, channel, symbol, nil); err != nil {
					pool.Close()
					return nil, fmt.Errorf("subscribe %s %s %s: %w", name, channel, symbol, err)
				}
			}
		}

		venue, adapter := name, a
		_, eventsCh := adapter.Events().SubscribeAll(
			bus.EventTicker,
			bus.EventTrade,
			bus.EventError,
			bus.EventReconnecting,
			bus.EventReconnected,
		)
		lifecycle.Go(func() {
			consumeEvents(ctx, venue, adapter.Events(), eventsCh, pool, core.Registry, latency, log)
		})
		log.Info().Str("venue", venue).Int("symbols", len(cfg.Ingest.Symbols)).Msg("streaming subscribed")
	}
	return pool, nil
}

// consumeEvents drains one venue's bus subscription until the context is
// cancelled or the bus closes. Handling runs on the worker pool so a slow
// sink never blocks the bus reader.
func consumeEvents(ctx context.Context, venue string, b *bus.Bus, events <-chan bus.Event, pool *async.Pool, reg *metrics.Registry, latency *metrics.History, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := pool.Submit(ctx, func(context.Context) error {
				return handleEvent(venue, ev, reg, latency, log)
			})
			if err != nil {
				log.Debug().Err(err).Str("venue", venue).Str("type", string(ev.Type)).Msg("event dropped")
			}
			_ = reg.SetGauge(metricBusDropped, float64(b.Dropped()), map[string]string{"venue": venue})
		}
	}
}

func handleEvent(venue string, ev bus.Event, reg *metrics.Registry, latency *metrics.History, log zerolog.Logger) error {
	_ = reg.IncCounter(metricStreamEvents, 1, map[string]string{
		"venue": venue,
		"type":  string(ev.Type),
	})
	switch ev.Type {
	case bus.EventTicker, bus.EventTrade:
		if !ev.Timestamp.IsZero() {
			lag := time.Since(ev.Timestamp).Seconds()
			latency.Add(lag, venue)
			_ = reg.SetGauge(metricStreamLatency, lag, map[string]string{"venue": venue})
		}
	case bus.EventError:
		if err, ok := ev.Payload.(error); ok {
			log.Warn().Err(err).Str("venue", venue).Str("symbol", ev.Symbol).Msg("stream error event")
		}
	case bus.EventReconnecting:
		log.Warn().Str("venue", venue).Msg("stream reconnecting")
	case bus.EventReconnected:
		log.Info().Str("venue", venue).Msg("stream reconnected")
	}
	return nil
}

type gracefulShutdownConfig struct {
	orchestrator *ingest.Orchestrator
	lifecycle    *conc.WaitGroup
	venues       map[string]adapters.Adapter
	events       *async.Pool
	db           *pgxpool.Pool
	telemetry    func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, log zerolog.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Info().Msgf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			log.Warn().Err(err).Msgf("shutdown: %s failed", name)
		} else {
			log.Info().Msgf("shutdown: %s completed", name)
		}
	}

	if cfg.orchestrator != nil {
		cfg.orchestrator.Stop()
	}

	if len(cfg.venues) > 0 {
		shutdownStep("closing venue adapters", adapterCloseTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				for _, a := range cfg.venues {
					a.Close()
				}
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.events != nil {
		shutdownStep("draining event workers", eventPoolShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.events.Shutdown(stepCtx)
		})
	}

	if cfg.db != nil {
		shutdownStep("closing database pool", adapterCloseTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.db.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry(stepCtx)
		})
	}
}
