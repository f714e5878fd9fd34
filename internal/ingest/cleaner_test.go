package ingest

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/internal/schema"
)

func kline(ts int64, o, h, l, c, v float64) schema.Kline {
	return schema.Kline{Symbol: "BTC/USDT:USDT", Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestCleanKlinesDropsAndSorts(t *testing.T) {
	cleaner := NewCleaner(zerolog.Nop())
	base := int64(1700000000000)

	batch := []schema.Kline{
		kline(base+120_000, 101, 102, 100, 101, 5),
		kline(base, 100, 105, 99, 101, 10),
		kline(base, 100, 105, 99, 101, 10),            // duplicate timestamp
		kline(base+60_000, 100, 99, 98, 98, 1),        // high below open
		kline(base+180_000, 0, 105, 99, 101, 10),      // zero price
		kline(base+240_000, 100, 105, 99, 101, -3),    // negative volume
		kline(1000, 100, 105, 99, 101, 10),            // before 2015
		kline(4102444800000, 100, 105, 99, 101, 10),   // at 2100 bound
		kline(base+300_000, 100.5, 100.5, 100.5, 100.5, 0), // flat candle is fine
	}

	cleaned := cleaner.CleanKlines(schema.DataTypeKline, batch)
	require.Len(t, cleaned, 3)
	require.Equal(t, base, cleaned[0].Timestamp)
	require.Equal(t, base+120_000, cleaned[1].Timestamp)
	require.Equal(t, base+300_000, cleaned[2].Timestamp)
}

func TestCleanFundingRatesKeepsNegativeRates(t *testing.T) {
	cleaner := NewCleaner(zerolog.Nop())
	cleaned := cleaner.CleanFundingRates([]schema.FundingRate{
		{Symbol: "BTC/USDT:USDT", Rate: -0.0003, Timestamp: 1700028800000},
		{Symbol: "BTC/USDT:USDT", Rate: 0.0001, Timestamp: 1700000000000},
		{Symbol: "BTC/USDT:USDT", Rate: 0.0002, Timestamp: 1700000000000},
	})
	require.Len(t, cleaned, 2)
	require.Equal(t, 0.0001, cleaned[0].Rate)
	require.Equal(t, -0.0003, cleaned[1].Rate)
}

func TestCleanAggTradesDedupsByIDAndTimestamp(t *testing.T) {
	cleaner := NewCleaner(zerolog.Nop())
	ts := int64(1700000000000)
	cleaned := cleaner.CleanAggTrades([]schema.AggTrade{
		{ID: 2, Symbol: "BTC/USDT:USDT", Price: 50001, Quantity: 1, Timestamp: ts},
		{ID: 1, Symbol: "BTC/USDT:USDT", Price: 50000, Quantity: 1, Timestamp: ts},
		{ID: 1, Symbol: "BTC/USDT:USDT", Price: 50000, Quantity: 1, Timestamp: ts}, // dup (id, ts)
		{ID: 3, Symbol: "BTC/USDT:USDT", Price: -1, Quantity: 1, Timestamp: ts},    // bad price
		{ID: 4, Symbol: "BTC/USDT:USDT", Price: 50002, Quantity: -1, Timestamp: ts},
	})
	require.Len(t, cleaned, 2)
	// Same-millisecond trades order by id.
	require.Equal(t, int64(1), cleaned[0].ID)
	require.Equal(t, int64(2), cleaned[1].ID)
}

func TestDetectAnomalies(t *testing.T) {
	base := int64(1700000000000)
	klines := []schema.Kline{
		kline(base, 100, 100, 100, 100, 1),
		kline(base+60_000, 100, 160, 100, 160, 1), // +60%
		kline(base+120_000, 160, 160, 150, 155, 1),
		kline(base+180_000, 155, 155, 70, 70, 1), // -55%
	}
	require.Equal(t, []int{1, 3}, DetectAnomalies(klines, 0.5))
	require.Empty(t, DetectAnomalies(klines[:1], 0.5))
}

func TestFillMissingInsertsFlatCandles(t *testing.T) {
	base := int64(1700000000000)
	filled := FillMissing([]schema.Kline{
		kline(base, 100, 105, 99, 101, 10),
		kline(base+180_000, 103, 104, 102, 104, 4),
	}, time.Minute)

	require.Len(t, filled, 4)
	for i, gap := range []int{1, 2} {
		g := filled[gap]
		require.Equal(t, base+int64(i+1)*60_000, g.Timestamp)
		require.Equal(t, 101.0, g.Open)
		require.Equal(t, 101.0, g.Close)
		require.Zero(t, g.Volume)
	}
	require.Equal(t, base+180_000, filled[3].Timestamp)
}

func TestFillMissingNoGaps(t *testing.T) {
	base := int64(1700000000000)
	in := []schema.Kline{
		kline(base, 100, 105, 99, 101, 10),
		kline(base+60_000, 101, 102, 100, 102, 2),
	}
	require.Equal(t, in, FillMissing(in, time.Minute))
}
