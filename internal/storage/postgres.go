package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keelhq/keel/internal/schema"
)

// PostgresStore is the relational SeriesStore. Tables are keyed by
// (exchange, symbol, time[, trade_id]) and carry a version column; the upsert
// only overwrites when the incoming version is not older, giving the same
// supersede-on-rewrite semantics the columnar engine provides on merge.
// Tables are created by db/migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

const (
	klineUpsertSQL = `
INSERT INTO %s (exchange, symbol, open_time, open, high, low, close, volume, version)
VALUES (@exchange, @symbol, @open_time, @open, @high, @low, @close, @volume, @version)
ON CONFLICT (exchange, symbol, open_time) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    version = EXCLUDED.version
WHERE %s.version <= EXCLUDED.version;
`

	fundingUpsertSQL = `
INSERT INTO funding_rates (exchange, symbol, funding_time, funding_rate, mark_price, version)
VALUES (@exchange, @symbol, @funding_time, @funding_rate, @mark_price, @version)
ON CONFLICT (exchange, symbol, funding_time) DO UPDATE SET
    funding_rate = EXCLUDED.funding_rate,
    mark_price = EXCLUDED.mark_price,
    version = EXCLUDED.version
WHERE funding_rates.version <= EXCLUDED.version;
`

	openInterestUpsertSQL = `
INSERT INTO open_interest (exchange, symbol, sample_time, open_interest, notional_value, version)
VALUES (@exchange, @symbol, @sample_time, @open_interest, @notional_value, @version)
ON CONFLICT (exchange, symbol, sample_time) DO UPDATE SET
    open_interest = EXCLUDED.open_interest,
    notional_value = EXCLUDED.notional_value,
    version = EXCLUDED.version
WHERE open_interest.version <= EXCLUDED.version;
`

	aggTradeUpsertSQL = `
INSERT INTO agg_trades (exchange, symbol, trade_time, trade_id, price, quantity, first_trade_id, last_trade_id, buyer_maker, version)
VALUES (@exchange, @symbol, @trade_time, @trade_id, @price, @quantity, @first_trade_id, @last_trade_id, @buyer_maker, @version)
ON CONFLICT (exchange, symbol, trade_time, trade_id) DO UPDATE SET
    price = EXCLUDED.price,
    quantity = EXCLUDED.quantity,
    first_trade_id = EXCLUDED.first_trade_id,
    last_trade_id = EXCLUDED.last_trade_id,
    buyer_maker = EXCLUDED.buyer_maker,
    version = EXCLUDED.version
WHERE agg_trades.version <= EXCLUDED.version;
`
)

func (s *PostgresStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("series pg store: nil pool")
	}
	return s.pool, nil
}

// sendBatch runs the queued statements in one round trip, preserving queue
// order so rows land in timestamp order.
func (s *PostgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, table string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("series pg store: insert %s row %d: %w", table, i, err)
		}
	}
	return nil
}

// InsertKlines upserts a candle batch into the table for the dataType.
func (s *PostgresStore) InsertKlines(ctx context.Context, venue string, dataType schema.DataType, batch []schema.Kline) error {
	if dataType != schema.DataTypeKline && dataType != schema.DataTypeMarkPrice {
		return fmt.Errorf("series pg store: data type %q is not a kline series", dataType)
	}
	table, err := tableFor(dataType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(klineUpsertSQL, table, table)
	version := s.now().UnixMilli()
	pgBatch := &pgx.Batch{}
	for _, k := range batch {
		pgBatch.Queue(query, pgx.NamedArgs{
			"exchange":  venue,
			"symbol":    k.Symbol,
			"open_time": k.Timestamp,
			"open":      k.Open,
			"high":      k.High,
			"low":       k.Low,
			"close":     k.Close,
			"volume":    k.Volume,
			"version":   version,
		})
	}
	return s.sendBatch(ctx, pgBatch, table)
}

// InsertFundingRates upserts settled funding observations.
func (s *PostgresStore) InsertFundingRates(ctx context.Context, venue string, batch []schema.FundingRate) error {
	version := s.now().UnixMilli()
	pgBatch := &pgx.Batch{}
	for _, fr := range batch {
		pgBatch.Queue(fundingUpsertSQL, pgx.NamedArgs{
			"exchange":     venue,
			"symbol":       fr.Symbol,
			"funding_time": fr.Timestamp,
			"funding_rate": fr.Rate,
			"mark_price":   fr.MarkPrice,
			"version":      version,
		})
	}
	return s.sendBatch(ctx, pgBatch, "funding_rates")
}

// InsertOpenInterest upserts open-interest samples.
func (s *PostgresStore) InsertOpenInterest(ctx context.Context, venue string, batch []schema.OpenInterest) error {
	version := s.now().UnixMilli()
	pgBatch := &pgx.Batch{}
	for _, oi := range batch {
		pgBatch.Queue(openInterestUpsertSQL, pgx.NamedArgs{
			"exchange":       venue,
			"symbol":         oi.Symbol,
			"sample_time":    oi.Timestamp,
			"open_interest":  oi.OpenInterest,
			"notional_value": oi.NotionalValue,
			"version":        version,
		})
	}
	return s.sendBatch(ctx, pgBatch, "open_interest")
}

// InsertAggTrades upserts venue-aggregated trades.
func (s *PostgresStore) InsertAggTrades(ctx context.Context, venue string, batch []schema.AggTrade) error {
	version := s.now().UnixMilli()
	pgBatch := &pgx.Batch{}
	for _, at := range batch {
		pgBatch.Queue(aggTradeUpsertSQL, pgx.NamedArgs{
			"exchange":       venue,
			"symbol":         at.Symbol,
			"trade_time":     at.Timestamp,
			"trade_id":       at.ID,
			"price":          at.Price,
			"quantity":       at.Quantity,
			"first_trade_id": at.FirstID,
			"last_trade_id":  at.LastID,
			"buyer_maker":    at.BuyerMaker,
			"version":        version,
		})
	}
	return s.sendBatch(ctx, pgBatch, "agg_trades")
}

var _ SeriesStore = (*PostgresStore)(nil)
