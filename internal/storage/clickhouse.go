package storage

import (
	"context"
	"fmt"

	"github.com/keelhq/keel/internal/schema"
)

// Conn is the minimal execution seam a columnar backend must provide. A
// clickhouse-go connection satisfies it via a thin wrapper; tests use a fake.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// Columnar table declarations. All series tables share the shape
// (exchange, symbol, <time column>, payload..., version) with a
// ReplacingMergeTree(version) engine: duplicate keys collapse to the highest
// version on merge, and reads add FINAL for the collapsed view. High-volume
// series partition by day, the rest by month.
const (
	klineTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
    exchange LowCardinality(String),
    symbol LowCardinality(String),
    open_time DateTime64(3, 'UTC'),
    open Float64,
    high Float64,
    low Float64,
    close Float64,
    volume Float64,
    version UInt64
)
ENGINE = ReplacingMergeTree(version)
PARTITION BY toYYYYMM(open_time)
ORDER BY (exchange, symbol, open_time);
`

	fundingRateTableDDL = `
CREATE TABLE IF NOT EXISTS funding_rates (
    exchange LowCardinality(String),
    symbol LowCardinality(String),
    funding_time DateTime64(3, 'UTC'),
    funding_rate Float64,
    mark_price Float64,
    version UInt64
)
ENGINE = ReplacingMergeTree(version)
PARTITION BY toYYYYMM(funding_time)
ORDER BY (exchange, symbol, funding_time);
`

	openInterestTableDDL = `
CREATE TABLE IF NOT EXISTS open_interest (
    exchange LowCardinality(String),
    symbol LowCardinality(String),
    sample_time DateTime64(3, 'UTC'),
    open_interest Float64,
    notional_value Float64,
    version UInt64
)
ENGINE = ReplacingMergeTree(version)
PARTITION BY toYYYYMM(sample_time)
ORDER BY (exchange, symbol, sample_time);
`

	aggTradeTableDDL = `
CREATE TABLE IF NOT EXISTS agg_trades (
    exchange LowCardinality(String),
    symbol LowCardinality(String),
    trade_time DateTime64(3, 'UTC'),
    trade_id UInt64,
    price Float64,
    quantity Float64,
    first_trade_id UInt64,
    last_trade_id UInt64,
    buyer_maker UInt8,
    version UInt64
)
ENGINE = ReplacingMergeTree(version)
PARTITION BY toYYYYMMDD(trade_time)
ORDER BY (exchange, symbol, trade_time, trade_id);
`
)

// tableFor maps a dataType to its columnar table name.
func tableFor(dataType schema.DataType) (string, error) {
	switch dataType {
	case schema.DataTypeKline:
		return "klines", nil
	case schema.DataTypeMarkPrice:
		return "mark_price_klines", nil
	case schema.DataTypeFundingRate:
		return "funding_rates", nil
	case schema.DataTypeOpenInterest:
		return "open_interest", nil
	case schema.DataTypeAggTrade:
		return "agg_trades", nil
	default:
		return "", fmt.Errorf("storage: unknown data type %q", dataType)
	}
}

// EnsureColumnarTables creates every series table that does not exist yet.
func EnsureColumnarTables(ctx context.Context, conn Conn) error {
	statements := []string{
		fmt.Sprintf(klineTableDDL, "klines"),
		fmt.Sprintf(klineTableDDL, "mark_price_klines"),
		fundingRateTableDDL,
		openInterestTableDDL,
		aggTradeTableDDL,
	}
	for _, stmt := range statements {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("storage: ensure columnar tables: %w", err)
		}
	}
	return nil
}
