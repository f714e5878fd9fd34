package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/keelhq/keel/internal/schema"
)

// ColumnarStore writes series batches through the Conn seam using the
// declarative layout from clickhouse.go. Each write carries version = wall ms,
// so replayed batches supersede instead of duplicating.
type ColumnarStore struct {
	conn Conn
	now  func() time.Time
}

// NewColumnarStore wraps a columnar connection. EnsureColumnarTables should
// run once before the first insert.
func NewColumnarStore(conn Conn) *ColumnarStore {
	return &ColumnarStore{conn: conn, now: time.Now}
}

func (s *ColumnarStore) version() uint64 {
	return uint64(s.now().UnixMilli())
}

// InsertKlines writes a candle batch into the table for the dataType (kline
// or mark_price).
func (s *ColumnarStore) InsertKlines(ctx context.Context, venue string, dataType schema.DataType, batch []schema.Kline) error {
	if dataType != schema.DataTypeKline && dataType != schema.DataTypeMarkPrice {
		return fmt.Errorf("storage: data type %q is not a kline series", dataType)
	}
	table, err := tableFor(dataType)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (exchange, symbol, open_time, open, high, low, close, volume, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		table)
	version := s.version()
	for _, k := range batch {
		if err := s.conn.Exec(ctx, query,
			venue, k.Symbol, k.Timestamp, k.Open, k.High, k.Low, k.Close, k.Volume, version); err != nil {
			return fmt.Errorf("storage: insert %s: %w", table, err)
		}
	}
	return nil
}

// InsertFundingRates writes settled funding observations.
func (s *ColumnarStore) InsertFundingRates(ctx context.Context, venue string, batch []schema.FundingRate) error {
	query := "INSERT INTO funding_rates (exchange, symbol, funding_time, funding_rate, mark_price, version) VALUES (?, ?, ?, ?, ?, ?)"
	version := s.version()
	for _, fr := range batch {
		if err := s.conn.Exec(ctx, query,
			venue, fr.Symbol, fr.Timestamp, fr.Rate, fr.MarkPrice, version); err != nil {
			return fmt.Errorf("storage: insert funding_rates: %w", err)
		}
	}
	return nil
}

// InsertOpenInterest writes open-interest samples.
func (s *ColumnarStore) InsertOpenInterest(ctx context.Context, venue string, batch []schema.OpenInterest) error {
	query := "INSERT INTO open_interest (exchange, symbol, sample_time, open_interest, notional_value, version) VALUES (?, ?, ?, ?, ?, ?)"
	version := s.version()
	for _, oi := range batch {
		if err := s.conn.Exec(ctx, query,
			venue, oi.Symbol, oi.Timestamp, oi.OpenInterest, oi.NotionalValue, version); err != nil {
			return fmt.Errorf("storage: insert open_interest: %w", err)
		}
	}
	return nil
}

// InsertAggTrades writes venue-aggregated trades.
func (s *ColumnarStore) InsertAggTrades(ctx context.Context, venue string, batch []schema.AggTrade) error {
	query := "INSERT INTO agg_trades (exchange, symbol, trade_time, trade_id, price, quantity, first_trade_id, last_trade_id, buyer_maker, version) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	version := s.version()
	for _, at := range batch {
		maker := uint8(0)
		if at.BuyerMaker {
			maker = 1
		}
		if err := s.conn.Exec(ctx, query,
			venue, at.Symbol, at.Timestamp, at.ID, at.Price, at.Quantity, at.FirstID, at.LastID, maker, version); err != nil {
			return fmt.Errorf("storage: insert agg_trades: %w", err)
		}
	}
	return nil
}

var _ SeriesStore = (*ColumnarStore)(nil)
