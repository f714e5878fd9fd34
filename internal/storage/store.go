// Package storage persists cleaned historical series batches.
//
// The canonical layout is columnar with a version-based deduplicating merge
// engine; clickhouse.go declares that layout, postgres.go implements the same
// semantics relationally for deployments without a columnar cluster.
package storage

import (
	"context"

	"github.com/keelhq/keel/internal/schema"
)

// SeriesStore receives cleaned batches from the ingestion pipeline. Batches
// arrive sorted ascending by timestamp and inserts are idempotent: re-writing
// a (exchange, symbol, time) key supersedes the earlier row by version.
type SeriesStore interface {
	InsertKlines(ctx context.Context, venue string, dataType schema.DataType, batch []schema.Kline) error
	InsertFundingRates(ctx context.Context, venue string, batch []schema.FundingRate) error
	InsertOpenInterest(ctx context.Context, venue string, batch []schema.OpenInterest) error
	InsertAggTrades(ctx context.Context, venue string, batch []schema.AggTrade) error
}
