package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/checkpoint"
	"github.com/keelhq/keel/internal/schema"
)

const (
	testSymbol = "BTC/USDT:USDT"
	testStart  = int64(1700000000000)
)

// fakeFetcher serves a fixed ascending kline series and records fetch spans.
type fakeFetcher struct {
	venue string

	mu     sync.Mutex
	klines []schema.Kline
	trades []schema.AggTrade
	spans  [][2]int64
	errAt  int // 1-based call index that fails, 0 = never
	calls  int
}

func (f *fakeFetcher) Venue() string { return f.venue }

func (f *fakeFetcher) FetchOHLCV(_ context.Context, _, _ string, since, until int64, _ int) ([]schema.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.spans = append(f.spans, [2]int64{since, until})
	if f.errAt > 0 && f.calls == f.errAt {
		return nil, errors.New("venue returned 500")
	}
	var out []schema.Kline
	for _, k := range f.klines {
		if k.Timestamp >= since && k.Timestamp < until {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeFetcher) FetchMarkOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error) {
	return f.FetchOHLCV(ctx, symbol, interval, since, until, limit)
}

func (f *fakeFetcher) FetchFundingRateHistory(_ context.Context, _ string, _, _ int64, _ int) ([]schema.FundingRate, error) {
	return nil, nil
}

func (f *fakeFetcher) FetchOpenInterestHistory(_ context.Context, _, _ string, _, _ int64, _ int) ([]schema.OpenInterest, error) {
	return nil, nil
}

func (f *fakeFetcher) FetchAggTrades(_ context.Context, _ string, since, until int64, _ int) ([]schema.AggTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spans = append(f.spans, [2]int64{since, until})
	var out []schema.AggTrade
	for _, at := range f.trades {
		if at.Timestamp >= since && at.Timestamp < until {
			out = append(out, at)
		}
	}
	return out, nil
}

// fakeSeries records persisted batches.
type fakeSeries struct {
	mu     sync.Mutex
	klines []schema.Kline
	trades []schema.AggTrade
}

func (s *fakeSeries) InsertKlines(_ context.Context, _ string, _ schema.DataType, batch []schema.Kline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.klines = append(s.klines, batch...)
	return nil
}

func (s *fakeSeries) InsertFundingRates(_ context.Context, _ string, _ []schema.FundingRate) error {
	return nil
}

func (s *fakeSeries) InsertOpenInterest(_ context.Context, _ string, _ []schema.OpenInterest) error {
	return nil
}

func (s *fakeSeries) InsertAggTrades(_ context.Context, _ string, batch []schema.AggTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, batch...)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func series(start int64, n int) []schema.Kline {
	out := make([]schema.Kline, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, kline(start+int64(i)*60_000, 100, 105, 99, 101, 1))
	}
	return out
}

func newFixture(t *testing.T, fetcher *fakeFetcher) (*Orchestrator, *fakeSeries, checkpoint.Store, *eventRecorder) {
	t.Helper()
	store := &fakeSeries{}
	cps, err := checkpoint.NewFileStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	rec := &eventRecorder{}
	orch := NewOrchestrator([]Fetcher{fetcher}, NewCleaner(zerolog.Nop()), store, cps, rec.sink, zerolog.Nop())
	return orch, store, cps, rec
}

func TestRunPersistsAndCompletes(t *testing.T) {
	fetcher := &fakeFetcher{venue: "binance", klines: series(testStart, 10)}
	orch, store, cps, rec := newFixture(t, fetcher)

	plan := Plan{
		Venues:    []string{"binance"},
		Symbols:   []string{testSymbol},
		DataTypes: []schema.DataType{schema.DataTypeKline},
		StartTime: testStart,
		EndTime:   testStart + 10*60_000,
		BatchSize: 4,
	}
	require.NoError(t, orch.Run(context.Background(), plan))

	require.Len(t, store.klines, 10)
	for i := 1; i < len(store.klines); i++ {
		require.Greater(t, store.klines[i].Timestamp, store.klines[i-1].Timestamp,
			"persisted order is strictly ascending")
	}

	cp, ok, err := cps.Get(context.Background(), "binance", testSymbol, schema.DataTypeKline)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.CheckpointCompleted, cp.Status)
	require.Equal(t, int64(10), cp.DownloadedCount)
	require.Equal(t, plan.EndTime, cp.LastTimestamp)

	kinds := rec.kinds()
	require.Equal(t, EventStart, kinds[0])
	require.Equal(t, EventComplete, kinds[len(kinds)-1])
	require.Contains(t, kinds, EventProgress)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	fetcher := &fakeFetcher{venue: "binance", klines: series(testStart, 10)}
	orch, store, cps, _ := newFixture(t, fetcher)

	// Six candles processed, so the stored cursor sits one step past the
	// sixth candle and the restart fetch begins at cursor + 1.
	cursor := testStart + 6*60_000
	require.NoError(t, cps.Save(context.Background(), schema.Checkpoint{
		Venue: "binance", Symbol: testSymbol, DataType: schema.DataTypeKline,
		LastTimestamp: cursor, UpdatedAt: testStart,
		Status: schema.CheckpointRunning, DownloadedCount: 6,
	}))

	require.NoError(t, orch.Run(context.Background(), Plan{
		Venues:    []string{"binance"},
		Symbols:   []string{testSymbol},
		DataTypes: []schema.DataType{schema.DataTypeKline},
		StartTime: testStart,
		EndTime:   testStart + 10*60_000,
		BatchSize: 100,
	}))

	require.Equal(t, cursor+1, fetcher.spans[0][0])
	require.Len(t, store.klines, 3)
	require.Equal(t, testStart+7*60_000, store.klines[0].Timestamp)
}

func TestRunSkipsTasksPastEndTime(t *testing.T) {
	fetcher := &fakeFetcher{venue: "binance"}
	orch, store, cps, rec := newFixture(t, fetcher)

	end := testStart + 60_000
	require.NoError(t, cps.Save(context.Background(), schema.Checkpoint{
		Venue: "binance", Symbol: testSymbol, DataType: schema.DataTypeKline,
		LastTimestamp: end, UpdatedAt: testStart,
		Status: schema.CheckpointCompleted, DownloadedCount: 1,
	}))

	require.NoError(t, orch.Run(context.Background(), Plan{
		Venues:    []string{"binance"},
		Symbols:   []string{testSymbol},
		DataTypes: []schema.DataType{schema.DataTypeKline},
		StartTime: testStart,
		EndTime:   end,
	}))

	require.Empty(t, store.klines)
	require.Equal(t, []EventKind{EventSkip}, rec.kinds())
}

func TestRunMarksFailedAndContinues(t *testing.T) {
	fetcher := &fakeFetcher{venue: "binance", klines: series(testStart, 10), errAt: 1}
	orch, _, cps, rec := newFixture(t, fetcher)

	// Two symbols; the first fetch fails, the second symbol still runs.
	require.NoError(t, orch.Run(context.Background(), Plan{
		Venues:      []string{"binance"},
		Symbols:     []string{testSymbol, "ETH/USDT:USDT"},
		DataTypes:   []schema.DataType{schema.DataTypeKline},
		StartTime:   testStart,
		EndTime:     testStart + 10*60_000,
		Concurrency: 1,
	}))

	failed := 0
	completed := 0
	all, err := cps.GetAll(context.Background())
	require.NoError(t, err)
	for _, cp := range all {
		switch cp.Status {
		case schema.CheckpointFailed:
			failed++
			require.NotEmpty(t, cp.ErrorMessage)
		case schema.CheckpointCompleted:
			completed++
		}
	}
	require.Equal(t, 1, failed)
	require.Equal(t, 1, completed)
	require.Contains(t, rec.kinds(), EventErr)
	require.Contains(t, rec.kinds(), EventComplete)
}

func TestRerunAfterCompleteIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{venue: "binance", klines: series(testStart, 5)}
	orch, store, _, rec := newFixture(t, fetcher)

	plan := Plan{
		Venues:    []string{"binance"},
		Symbols:   []string{testSymbol},
		DataTypes: []schema.DataType{schema.DataTypeKline},
		StartTime: testStart,
		EndTime:   testStart + 5*60_000,
	}
	require.NoError(t, orch.Run(context.Background(), plan))
	require.Len(t, store.klines, 5)

	// A second run resumes past the completed range and skips.
	require.NoError(t, orch.Run(context.Background(), plan))
	require.Len(t, store.klines, 5)
	require.Equal(t, EventSkip, rec.kinds()[len(rec.kinds())-1])
}

func TestRunScansPastFullyInvalidWindow(t *testing.T) {
	// The second window carries only candles the cleaner drops.
	klines := series(testStart, 12)
	for i := 4; i < 8; i++ {
		klines[i].Open = -1
	}
	fetcher := &fakeFetcher{venue: "binance", klines: klines}
	orch, store, cps, _ := newFixture(t, fetcher)

	require.NoError(t, orch.Run(context.Background(), Plan{
		Venues:    []string{"binance"},
		Symbols:   []string{testSymbol},
		DataTypes: []schema.DataType{schema.DataTypeKline},
		StartTime: testStart,
		EndTime:   testStart + 12*60_000,
		BatchSize: 4,
	}))

	// The bad window is skipped, not treated as end of data.
	require.Len(t, store.klines, 8)
	require.Equal(t, testStart+8*60_000, store.klines[4].Timestamp)

	cp, ok, err := cps.Get(context.Background(), "binance", testSymbol, schema.DataTypeKline)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.CheckpointCompleted, cp.Status)
	require.Equal(t, int64(8), cp.DownloadedCount)
	require.Equal(t, testStart+12*60_000, cp.LastTimestamp)
}

func TestAggTradeCursorAdvancesThroughDenseMillisecond(t *testing.T) {
	orch := &Orchestrator{}
	window, step := windowFor(schema.DataTypeAggTrade, 1000)
	require.Equal(t, int64(3_600_000), window)
	require.Equal(t, int64(1), step)

	cursor := testStart
	// Page ends on the cursor's own millisecond with new ids: inch forward.
	next := orch.advanceCursor(schema.DataTypeAggTrade, cursor, window, step,
		pageResult{lastTs: cursor - 1, lastID: 50}, 10)
	require.Equal(t, cursor+1, next)

	// Same millisecond and no id progress: jump a window to escape.
	next = orch.advanceCursor(schema.DataTypeAggTrade, cursor, window, step,
		pageResult{lastTs: cursor - 1, lastID: 10}, 10)
	require.Equal(t, cursor+window, next)

	// Normal progress follows the last trade.
	next = orch.advanceCursor(schema.DataTypeAggTrade, cursor, window, step,
		pageResult{lastTs: cursor + 500, lastID: 90}, 50)
	require.Equal(t, cursor+501, next)
}

func TestStopHaltsBetweenBatches(t *testing.T) {
	fetcher := &fakeFetcher{venue: "binance", klines: series(testStart, 100)}
	orch, store, cps, _ := newFixture(t, fetcher)

	// Stop before Run: the flag is reset, so the run proceeds; then request
	// a stop from the sink after the first progress event.
	orch.sink = func(ev Event) {
		if ev.Kind == EventProgress {
			orch.Stop()
		}
	}

	require.NoError(t, orch.Run(context.Background(), Plan{
		Venues:    []string{"binance"},
		Symbols:   []string{testSymbol},
		DataTypes: []schema.DataType{schema.DataTypeKline},
		StartTime: testStart,
		EndTime:   testStart + 100*60_000,
		BatchSize: 10,
	}))

	// The in-flight batch completed and its checkpoint was written.
	require.Len(t, store.klines, 10)
	cp, ok, err := cps.Get(context.Background(), "binance", testSymbol, schema.DataTypeKline)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, schema.CheckpointRunning, cp.Status)
	require.Equal(t, int64(10), cp.DownloadedCount)
}
