package persistence_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/keelhq/keel/internal/checkpoint"
	"github.com/keelhq/keel/internal/schema"
	"github.com/keelhq/keel/internal/storage"
	"github.com/keelhq/keel/internal/storage/migrations"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	if os.Getenv("KEEL_PG_INTEGRATION") == "" {
		fmt.Fprintln(os.Stderr, "postgres contract tests skipped: set KEEL_PG_INTEGRATION=1 to run")
		os.Exit(0)
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "keel"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/keel?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, migrationsDir(), zerolog.Nop()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func migrationsDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return filepath.Join("db", "migrations")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	return filepath.Join(root, "db", "migrations")
}

// tsAt returns a millisecond timestamp n minutes into 2024-01-01.
func tsAt(n int) int64 {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return base + int64(n)*time.Minute.Milliseconds()
}

const testSymbol = "BTC/USDT:USDT"

func TestCheckpointStoreLifecycle(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := checkpoint.NewPostgresStore(testPool)

	cp := schema.Checkpoint{
		Venue:           "binance",
		Symbol:          testSymbol,
		DataType:        schema.DataTypeKline,
		LastTimestamp:   tsAt(100),
		Status:          schema.CheckpointRunning,
		DownloadedCount: 100,
	}
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	got, found, err := store.Get(ctx, cp.Venue, cp.Symbol, cp.DataType)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if !found {
		t.Fatal("expected checkpoint to exist")
	}
	if got.LastTimestamp != cp.LastTimestamp || got.Status != schema.CheckpointRunning {
		t.Fatalf("unexpected checkpoint %+v", got)
	}
	if got.UpdatedAt == 0 {
		t.Fatal("expected updatedAt to be stamped")
	}

	// Running cursors only move forward.
	regressed := cp
	regressed.LastTimestamp = tsAt(50)
	if err := store.Save(ctx, regressed); err == nil {
		t.Fatal("expected regression to be rejected")
	}

	cp.LastTimestamp = tsAt(200)
	cp.DownloadedCount = 200
	cp.Status = schema.CheckpointCompleted
	if err := store.Save(ctx, cp); err != nil {
		t.Fatalf("advance checkpoint: %v", err)
	}

	failed := schema.Checkpoint{
		Venue:         "bybit",
		Symbol:        testSymbol,
		DataType:      schema.DataTypeFundingRate,
		LastTimestamp: tsAt(10),
		Status:        schema.CheckpointFailed,
		ErrorMessage:  "venue timeout",
	}
	if err := store.Save(ctx, failed); err != nil {
		t.Fatalf("save failed checkpoint: %v", err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(all))
	}
	if all[0].Venue != "binance" || all[1].Venue != "bybit" {
		t.Fatalf("expected venue ordering, got %s then %s", all[0].Venue, all[1].Venue)
	}
	if all[1].ErrorMessage != "venue timeout" {
		t.Fatalf("unexpected error message %q", all[1].ErrorMessage)
	}

	if err := store.Delete(ctx, failed.Venue, failed.Symbol, failed.DataType); err != nil {
		t.Fatalf("delete checkpoint: %v", err)
	}
	_, found, err = store.Get(ctx, failed.Venue, failed.Symbol, failed.DataType)
	if err != nil {
		t.Fatalf("get deleted checkpoint: %v", err)
	}
	if found {
		t.Fatal("expected checkpoint to be deleted")
	}
	// Deleting an absent key is a no-op.
	if err := store.Delete(ctx, failed.Venue, failed.Symbol, failed.DataType); err != nil {
		t.Fatalf("delete absent checkpoint: %v", err)
	}
}

func TestSeriesStoreUpserts(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()
	store := storage.NewPostgresStore(testPool)

	klines := []schema.Kline{
		{Symbol: testSymbol, Timestamp: tsAt(0), Open: 42000, High: 42100, Low: 41900, Close: 42050, Volume: 12.5},
		{Symbol: testSymbol, Timestamp: tsAt(1), Open: 42050, High: 42200, Low: 42000, Close: 42150, Volume: 9.75},
	}
	if err := store.InsertKlines(ctx, "binance", schema.DataTypeKline, klines); err != nil {
		t.Fatalf("insert klines: %v", err)
	}
	if err := store.InsertKlines(ctx, "binance", schema.DataTypeMarkPrice, klines); err != nil {
		t.Fatalf("insert mark klines: %v", err)
	}

	// A later write for the same key supersedes the stored row.
	rewrite := []schema.Kline{
		{Symbol: testSymbol, Timestamp: tsAt(0), Open: 42000, High: 42100, Low: 41900, Close: 42075, Volume: 13},
	}
	if err := store.InsertKlines(ctx, "binance", schema.DataTypeKline, rewrite); err != nil {
		t.Fatalf("rewrite kline: %v", err)
	}

	var count int
	var closePrice float64
	row := testPool.QueryRow(ctx, "SELECT COUNT(*) FROM klines WHERE exchange = 'binance'")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count klines: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 kline rows, got %d", count)
	}
	row = testPool.QueryRow(ctx, "SELECT close FROM klines WHERE exchange = 'binance' AND open_time = $1", tsAt(0))
	if err := row.Scan(&closePrice); err != nil {
		t.Fatalf("read rewritten kline: %v", err)
	}
	if closePrice != 42075 {
		t.Fatalf("expected rewrite to win, got close %v", closePrice)
	}

	if err := store.InsertKlines(ctx, "binance", schema.DataTypeFundingRate, klines); err == nil {
		t.Fatal("expected non-kline data type to be rejected")
	}

	funding := []schema.FundingRate{
		{Symbol: testSymbol, Rate: 0.0001, MarkPrice: 42010, Timestamp: tsAt(480)},
	}
	if err := store.InsertFundingRates(ctx, "binance", funding); err != nil {
		t.Fatalf("insert funding rates: %v", err)
	}

	openInterest := []schema.OpenInterest{
		{Symbol: testSymbol, OpenInterest: 81000.5, NotionalValue: 3.4e9, Timestamp: tsAt(5)},
	}
	if err := store.InsertOpenInterest(ctx, "binance", openInterest); err != nil {
		t.Fatalf("insert open interest: %v", err)
	}

	trades := []schema.AggTrade{
		{ID: 9001, Symbol: testSymbol, Price: 42042.5, Quantity: 0.25, FirstID: 100, LastID: 102, Timestamp: tsAt(3), BuyerMaker: true},
		{ID: 9002, Symbol: testSymbol, Price: 42043.0, Quantity: 0.5, FirstID: 103, LastID: 103, Timestamp: tsAt(3), BuyerMaker: false},
	}
	if err := store.InsertAggTrades(ctx, "binance", trades); err != nil {
		t.Fatalf("insert agg trades: %v", err)
	}

	row = testPool.QueryRow(ctx, "SELECT COUNT(*) FROM agg_trades WHERE exchange = 'binance' AND trade_time = $1", tsAt(3))
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count agg trades: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 trades on one millisecond, got %d", count)
	}

	var maker bool
	row = testPool.QueryRow(ctx, "SELECT buyer_maker FROM agg_trades WHERE exchange = 'binance' AND trade_id = 9001")
	if err := row.Scan(&maker); err != nil {
		t.Fatalf("read agg trade: %v", err)
	}
	if !maker {
		t.Fatal("expected buyer_maker to persist")
	}
}
