package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/schema"
)

func testCheckpoint() schema.Checkpoint {
	return schema.Checkpoint{
		Venue:           "binance",
		Symbol:          "BTC/USDT:USDT",
		DataType:        schema.DataTypeKline,
		LastTimestamp:   1700000000000,
		UpdatedAt:       1700000001000,
		Status:          schema.CheckpointRunning,
		DownloadedCount: 1500,
	}
}

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	return store, dir
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, dir := newFileStore(t)
	ctx := context.Background()
	cp := testCheckpoint()

	require.NoError(t, store.Save(ctx, cp))

	got, ok, err := store.Get(ctx, cp.Venue, cp.Symbol, cp.DataType)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cp, got)

	// Canonical symbol separators are munged in the filename.
	_, err = os.Stat(filepath.Join(dir, "binance_BTC_USDT_USDT_kline.json"))
	require.NoError(t, err)
}

func TestFileStoreLoadsExistingFilesAtStartup(t *testing.T) {
	store, dir := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, testCheckpoint()))

	// Drop a corrupt file alongside; it must not poison the reload.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{nope"), 0o644))

	reloaded, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	all, err := reloaded.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, testCheckpoint(), all[0])
}

func TestFileStoreMonotonicGuard(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()
	cp := testCheckpoint()
	require.NoError(t, store.Save(ctx, cp))

	regressed := cp
	regressed.LastTimestamp = cp.LastTimestamp - 60_000
	require.Error(t, store.Save(ctx, regressed), "running checkpoints may not move backwards")

	// A failed save may keep the old cursor but must carry a message.
	failed := cp
	failed.Status = schema.CheckpointFailed
	failed.ErrorMessage = "venue returned 500"
	require.NoError(t, store.Save(ctx, failed))

	// Resuming after a failure can restart from an earlier cursor.
	restarted := cp
	restarted.LastTimestamp = cp.LastTimestamp - 3_600_000
	restarted.Status = schema.CheckpointRunning
	require.NoError(t, store.Save(ctx, restarted))
}

func TestFileStoreRejectsFailedWithoutMessage(t *testing.T) {
	store, _ := newFileStore(t)
	cp := testCheckpoint()
	cp.Status = schema.CheckpointFailed
	cp.ErrorMessage = ""
	require.Error(t, store.Save(context.Background(), cp))
}

func TestFileStoreDelete(t *testing.T) {
	store, dir := newFileStore(t)
	ctx := context.Background()
	cp := testCheckpoint()
	require.NoError(t, store.Save(ctx, cp))

	require.NoError(t, store.Delete(ctx, cp.Venue, cp.Symbol, cp.DataType))
	_, ok, err := store.Get(ctx, cp.Venue, cp.Symbol, cp.DataType)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "binance_BTC_USDT_USDT_kline.json"))
	require.True(t, os.IsNotExist(err))

	// Absent keys delete cleanly.
	require.NoError(t, store.Delete(ctx, "bybit", "ETH/USDT:USDT", schema.DataTypeAggTrade))
}

func TestFileStoreGetAllSorted(t *testing.T) {
	store, _ := newFileStore(t)
	ctx := context.Background()

	second := testCheckpoint()
	second.Venue = "bybit"
	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, testCheckpoint()))

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "binance", all[0].Venue)
	require.Equal(t, "bybit", all[1].Venue)
}
