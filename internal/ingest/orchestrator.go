package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/keelhq/keel/internal/checkpoint"
	"github.com/keelhq/keel/internal/schema"
	"github.com/keelhq/keel/internal/storage"
)

// Fetcher is the slice of the adapter surface the orchestrator paginates.
type Fetcher interface {
	Venue() string
	FetchOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error)
	FetchMarkOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error)
	FetchFundingRateHistory(ctx context.Context, symbol string, since, until int64, limit int) ([]schema.FundingRate, error)
	FetchOpenInterestHistory(ctx context.Context, symbol, period string, since, until int64, limit int) ([]schema.OpenInterest, error)
	FetchAggTrades(ctx context.Context, symbol string, since, until int64, limit int) ([]schema.AggTrade, error)
}

// EventKind enumerates orchestrator lifecycle events.
type EventKind string

const (
	EventStart    EventKind = "start"
	EventProgress EventKind = "progress"
	EventComplete EventKind = "complete"
	EventErr      EventKind = "error"
	EventSkip     EventKind = "skip"
)

// Event reports per-task lifecycle to the configured sink.
type Event struct {
	Kind     EventKind
	Venue    string
	Symbol   string
	DataType schema.DataType
	Cursor   int64
	Count    int64
	Err      error
}

// EventSink receives orchestrator events. It must be safe for concurrent
// calls; a nil sink discards events.
type EventSink func(Event)

const (
	defaultConcurrency = 3
	defaultBatchSize   = 1000

	minuteMs     = int64(time.Minute / time.Millisecond)
	fiveMinMs    = 5 * minuteMs
	aggTradeSpan = int64(time.Hour / time.Millisecond)
)

// Plan configures one ingestion run: the cartesian product of venues,
// symbols, and data types over [StartTime, EndTime).
type Plan struct {
	Venues    []string
	Symbols   []string
	DataTypes []schema.DataType

	StartTime int64
	EndTime   int64

	BatchSize    int
	Concurrency  int
	RequestDelay time.Duration
}

func (p Plan) normalize() Plan {
	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.Concurrency <= 0 {
		p.Concurrency = defaultConcurrency
	}
	return p
}

// task is one (venue, symbol, dataType) unit of work with its resume cursor.
type task struct {
	fetcher  Fetcher
	symbol   string
	dataType schema.DataType
	start    int64
	end      int64
}

// windowFor returns the fetch window and cursor step for the data type.
// Funding history has no fixed cadence and is fetched in one pass.
func windowFor(dataType schema.DataType, batchSize int) (window, step int64) {
	switch dataType {
	case schema.DataTypeKline, schema.DataTypeMarkPrice:
		return int64(batchSize) * minuteMs, minuteMs
	case schema.DataTypeOpenInterest:
		return int64(batchSize) * fiveMinMs, fiveMinMs
	case schema.DataTypeAggTrade:
		return aggTradeSpan, 1
	default: // funding_rate
		return 0, 1
	}
}

// Orchestrator drives ingestion plans to completion with bounded concurrency,
// persisting progress through the checkpoint store after every batch.
type Orchestrator struct {
	fetchers    map[string]Fetcher
	cleaner     *Cleaner
	store       storage.SeriesStore
	checkpoints checkpoint.Store
	sink        EventSink
	log         zerolog.Logger
	now         func() time.Time

	stopped atomic.Bool
}

// NewOrchestrator wires the pipeline. The sink may be nil.
func NewOrchestrator(fetchers []Fetcher, cleaner *Cleaner, store storage.SeriesStore, checkpoints checkpoint.Store, sink EventSink, log zerolog.Logger) *Orchestrator {
	byVenue := make(map[string]Fetcher, len(fetchers))
	for _, f := range fetchers {
		byVenue[f.Venue()] = f
	}
	return &Orchestrator{
		fetchers:    byVenue,
		cleaner:     cleaner,
		store:       store,
		checkpoints: checkpoints,
		sink:        sink,
		log:         log.With().Str("component", "orchestrator").Logger(),
		now:         time.Now,
	}
}

// Stop requests a graceful halt: in-flight batches complete, their
// checkpoints are written, and remaining pages are skipped.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}

func (o *Orchestrator) emit(ev Event) {
	if o.sink != nil {
		o.sink(ev)
	}
}

// Run executes the plan. Task failures mark their checkpoint failed and do
// not abort the run; the first checkpoint-store failure does.
func (o *Orchestrator) Run(ctx context.Context, plan Plan) error {
	plan = plan.normalize()
	o.stopped.Store(false)

	tasks, err := o.generateTasks(ctx, plan)
	if err != nil {
		return err
	}

	workers := concpool.New().WithMaxGoroutines(plan.Concurrency)
	for _, t := range tasks {
		t := t
		workers.Go(func() {
			o.runTask(ctx, plan, t)
		})
	}
	workers.Wait()
	return nil
}

// generateTasks expands the cartesian product and applies checkpoint resume.
// Tasks already past EndTime emit skip and are excluded.
func (o *Orchestrator) generateTasks(ctx context.Context, plan Plan) ([]task, error) {
	var tasks []task
	for _, venue := range plan.Venues {
		fetcher, ok := o.fetchers[venue]
		if !ok {
			return nil, fmt.Errorf("ingest: no fetcher registered for venue %q", venue)
		}
		for _, symbol := range plan.Symbols {
			for _, dataType := range plan.DataTypes {
				if !dataType.Valid() {
					return nil, fmt.Errorf("ingest: unknown data type %q", dataType)
				}
				start := plan.StartTime
				cp, found, err := o.checkpoints.Get(ctx, venue, symbol, dataType)
				if err != nil {
					return nil, err
				}
				if found && cp.Status != schema.CheckpointFailed {
					start = cp.LastTimestamp + 1
				}
				if start >= plan.EndTime {
					o.emit(Event{Kind: EventSkip, Venue: venue, Symbol: symbol, DataType: dataType, Cursor: start})
					continue
				}
				tasks = append(tasks, task{
					fetcher:  fetcher,
					symbol:   symbol,
					dataType: dataType,
					start:    start,
					end:      plan.EndTime,
				})
			}
		}
	}
	return tasks, nil
}

// pageResult is one persisted page: the cleaned record count, the timestamp
// and id of the last persisted record, and whether the raw page was empty.
// count == 0 with rawEmpty == false means the cleaner dropped every record.
type pageResult struct {
	count    int64
	lastTs   int64
	lastID   int64
	rawEmpty bool
}

func (o *Orchestrator) runTask(ctx context.Context, plan Plan, t task) {
	venue := t.fetcher.Venue()
	log := o.log.With().
		Str("venue", venue).
		Str("symbol", t.symbol).
		Str("dataType", string(t.dataType)).
		Logger()

	o.emit(Event{Kind: EventStart, Venue: venue, Symbol: t.symbol, DataType: t.dataType, Cursor: t.start})

	cp := schema.Checkpoint{
		Venue:    venue,
		Symbol:   t.symbol,
		DataType: t.dataType,
		Status:   schema.CheckpointRunning,
	}
	if t.start-1 >= schema.MinTimestamp {
		cp.LastTimestamp = t.start - 1
	}
	if err := o.saveCheckpoint(ctx, &cp); err != nil {
		o.failTask(ctx, &cp, err)
		return
	}

	window, step := windowFor(t.dataType, plan.BatchSize)
	cursor := t.start
	var total int64
	var prevLastID int64

	for cursor < t.end && !o.stopped.Load() && ctx.Err() == nil {
		until := t.end
		if window > 0 && cursor+window < t.end {
			until = cursor + window
		}

		page, err := o.fetchPage(ctx, t, cursor, until, plan.BatchSize)
		if err != nil {
			o.failTask(ctx, &cp, err)
			return
		}
		if page.rawEmpty {
			// Sparse series keep scanning; bounded series are done.
			if t.dataType == schema.DataTypeAggTrade && until < t.end {
				cursor = until
				continue
			}
			break
		}
		if page.count == 0 {
			// The cleaner dropped the whole window; keep scanning so one
			// window of bad venue data cannot end the task early.
			if window == 0 {
				break
			}
			cursor = until
			continue
		}

		total += page.count
		cursor = o.advanceCursor(t.dataType, cursor, window, step, page, prevLastID)
		prevLastID = page.lastID

		cp.LastTimestamp = cursor
		cp.DownloadedCount = total
		if err := o.saveCheckpoint(ctx, &cp); err != nil {
			o.failTask(ctx, &cp, err)
			return
		}
		o.emit(Event{Kind: EventProgress, Venue: venue, Symbol: t.symbol, DataType: t.dataType, Cursor: cursor, Count: total})

		// Funding history arrives in one pass.
		if window == 0 {
			break
		}
		if plan.RequestDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(plan.RequestDelay):
			}
		}
	}

	if o.stopped.Load() || ctx.Err() != nil {
		log.Info().Int64("cursor", cursor).Int64("records", total).Msg("task halted by stop request")
		return
	}

	cp.Status = schema.CheckpointCompleted
	if cursor > cp.LastTimestamp && cursor >= schema.MinTimestamp {
		cp.LastTimestamp = cursor
	}
	cp.DownloadedCount = total
	if err := o.saveCheckpoint(ctx, &cp); err != nil {
		o.failTask(ctx, &cp, err)
		return
	}
	log.Info().Int64("records", total).Msg("task completed")
	o.emit(Event{Kind: EventComplete, Venue: venue, Symbol: t.symbol, DataType: t.dataType, Cursor: cursor, Count: total})
}

// advanceCursor computes the next cursor after a persisted page. Aggregated
// trades can carry many records on one millisecond, so their cursor only
// advances past a timestamp once the trade id confirms progress.
func (o *Orchestrator) advanceCursor(dataType schema.DataType, cursor, window, step int64, page pageResult, prevLastID int64) int64 {
	next := page.lastTs + step
	if dataType != schema.DataTypeAggTrade {
		if next <= cursor {
			next = cursor + step
		}
		return next
	}
	if next > cursor {
		return next
	}
	if page.lastID > prevLastID {
		return cursor + 1
	}
	return cursor + window
}

func (o *Orchestrator) fetchPage(ctx context.Context, t task, cursor, until int64, batchSize int) (pageResult, error) {
	venue := t.fetcher.Venue()
	switch t.dataType {
	case schema.DataTypeKline, schema.DataTypeMarkPrice:
		fetch := t.fetcher.FetchOHLCV
		if t.dataType == schema.DataTypeMarkPrice {
			fetch = t.fetcher.FetchMarkOHLCV
		}
		raw, err := fetch(ctx, t.symbol, "1m", cursor, until, batchSize)
		if err != nil {
			return pageResult{}, err
		}
		if len(raw) == 0 {
			return pageResult{rawEmpty: true}, nil
		}
		cleaned := o.cleaner.CleanKlines(t.dataType, raw)
		if len(cleaned) == 0 {
			return pageResult{}, nil
		}
		if err := o.store.InsertKlines(ctx, venue, t.dataType, cleaned); err != nil {
			return pageResult{}, err
		}
		return pageResult{count: int64(len(cleaned)), lastTs: cleaned[len(cleaned)-1].Timestamp}, nil

	case schema.DataTypeFundingRate:
		raw, err := t.fetcher.FetchFundingRateHistory(ctx, t.symbol, cursor, until, batchSize)
		if err != nil {
			return pageResult{}, err
		}
		if len(raw) == 0 {
			return pageResult{rawEmpty: true}, nil
		}
		cleaned := o.cleaner.CleanFundingRates(raw)
		if len(cleaned) == 0 {
			return pageResult{}, nil
		}
		if err := o.store.InsertFundingRates(ctx, venue, cleaned); err != nil {
			return pageResult{}, err
		}
		return pageResult{count: int64(len(cleaned)), lastTs: cleaned[len(cleaned)-1].Timestamp}, nil

	case schema.DataTypeOpenInterest:
		raw, err := t.fetcher.FetchOpenInterestHistory(ctx, t.symbol, "5m", cursor, until, batchSize)
		if err != nil {
			return pageResult{}, err
		}
		if len(raw) == 0 {
			return pageResult{rawEmpty: true}, nil
		}
		cleaned := o.cleaner.CleanOpenInterest(raw)
		if len(cleaned) == 0 {
			return pageResult{}, nil
		}
		if err := o.store.InsertOpenInterest(ctx, venue, cleaned); err != nil {
			return pageResult{}, err
		}
		return pageResult{count: int64(len(cleaned)), lastTs: cleaned[len(cleaned)-1].Timestamp}, nil

	case schema.DataTypeAggTrade:
		raw, err := t.fetcher.FetchAggTrades(ctx, t.symbol, cursor, until, batchSize)
		if err != nil {
			return pageResult{}, err
		}
		if len(raw) == 0 {
			return pageResult{rawEmpty: true}, nil
		}
		cleaned := o.cleaner.CleanAggTrades(raw)
		if len(cleaned) == 0 {
			return pageResult{}, nil
		}
		if err := o.store.InsertAggTrades(ctx, venue, cleaned); err != nil {
			return pageResult{}, err
		}
		last := cleaned[len(cleaned)-1]
		return pageResult{count: int64(len(cleaned)), lastTs: last.Timestamp, lastID: last.ID}, nil

	default:
		return pageResult{}, fmt.Errorf("ingest: unknown data type %q", t.dataType)
	}
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp *schema.Checkpoint) error {
	cp.UpdatedAt = o.now().UnixMilli()
	return o.checkpoints.Save(ctx, *cp)
}

// failTask writes the failed checkpoint and emits the error event. The
// orchestrator continues with other tasks.
func (o *Orchestrator) failTask(ctx context.Context, cp *schema.Checkpoint, cause error) {
	o.log.Error().Err(cause).
		Str("venue", cp.Venue).
		Str("symbol", cp.Symbol).
		Str("dataType", string(cp.DataType)).
		Msg("ingestion task failed")

	cp.Status = schema.CheckpointFailed
	cp.ErrorMessage = cause.Error()
	cp.UpdatedAt = o.now().UnixMilli()
	if err := o.checkpoints.Save(ctx, *cp); err != nil {
		o.log.Error().Err(err).Msg("failed checkpoint could not be written")
	}
	o.emit(Event{Kind: EventErr, Venue: cp.Venue, Symbol: cp.Symbol, DataType: cp.DataType, Cursor: cp.LastTimestamp, Err: cause})
}
