// Package ingest drives bulk historical downloads: the cleaner scrubs raw
// venue batches, the orchestrator paginates them into the series store.
package ingest

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelhq/keel/internal/schema"
)

// Cleaner validates, deduplicates, and sorts raw batches before persistence.
// Every dropped record leaves a warning with the reason.
type Cleaner struct {
	log zerolog.Logger
}

// NewCleaner builds a cleaner logging drops through the given logger.
func NewCleaner(log zerolog.Logger) *Cleaner {
	return &Cleaner{log: log.With().Str("component", "cleaner").Logger()}
}

func (c *Cleaner) drop(dataType schema.DataType, symbol string, ts int64, reason string) {
	c.log.Warn().
		Str("dataType", string(dataType)).
		Str("symbol", symbol).
		Int64("timestamp", ts).
		Str("reason", reason).
		Msg("dropping record")
}

// CleanKlines scrubs a candle batch: timestamp bounds, OHLC predicates,
// non-negative volume, in-batch dedup by timestamp, ascending sort.
func (c *Cleaner) CleanKlines(dataType schema.DataType, batch []schema.Kline) []schema.Kline {
	seen := make(map[int64]struct{}, len(batch))
	out := make([]schema.Kline, 0, len(batch))
	for _, k := range batch {
		switch {
		case !schema.TimestampInRange(k.Timestamp):
			c.drop(dataType, k.Symbol, k.Timestamp, "timestamp out of bounds")
		case k.Open <= 0 || k.High <= 0 || k.Low <= 0 || k.Close <= 0:
			c.drop(dataType, k.Symbol, k.Timestamp, "non-positive price")
		case k.Low > k.Open || k.Low > k.Close || k.High < k.Open || k.High < k.Close:
			c.drop(dataType, k.Symbol, k.Timestamp, "ohlc ordering violated")
		case k.Volume < 0:
			c.drop(dataType, k.Symbol, k.Timestamp, "negative volume")
		default:
			if _, dup := seen[k.Timestamp]; dup {
				c.drop(dataType, k.Symbol, k.Timestamp, "duplicate timestamp")
				continue
			}
			seen[k.Timestamp] = struct{}{}
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// CleanFundingRates scrubs funding observations: timestamp bounds, dedup by
// timestamp, ascending sort. Rates may legitimately be negative.
func (c *Cleaner) CleanFundingRates(batch []schema.FundingRate) []schema.FundingRate {
	seen := make(map[int64]struct{}, len(batch))
	out := make([]schema.FundingRate, 0, len(batch))
	for _, fr := range batch {
		if !schema.TimestampInRange(fr.Timestamp) {
			c.drop(schema.DataTypeFundingRate, fr.Symbol, fr.Timestamp, "timestamp out of bounds")
			continue
		}
		if _, dup := seen[fr.Timestamp]; dup {
			c.drop(schema.DataTypeFundingRate, fr.Symbol, fr.Timestamp, "duplicate timestamp")
			continue
		}
		seen[fr.Timestamp] = struct{}{}
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// CleanOpenInterest scrubs open-interest samples: timestamp bounds,
// non-negative value, dedup by timestamp, ascending sort.
func (c *Cleaner) CleanOpenInterest(batch []schema.OpenInterest) []schema.OpenInterest {
	seen := make(map[int64]struct{}, len(batch))
	out := make([]schema.OpenInterest, 0, len(batch))
	for _, oi := range batch {
		switch {
		case !schema.TimestampInRange(oi.Timestamp):
			c.drop(schema.DataTypeOpenInterest, oi.Symbol, oi.Timestamp, "timestamp out of bounds")
		case oi.OpenInterest < 0:
			c.drop(schema.DataTypeOpenInterest, oi.Symbol, oi.Timestamp, "negative open interest")
		default:
			if _, dup := seen[oi.Timestamp]; dup {
				c.drop(schema.DataTypeOpenInterest, oi.Symbol, oi.Timestamp, "duplicate timestamp")
				continue
			}
			seen[oi.Timestamp] = struct{}{}
			out = append(out, oi)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// CleanAggTrades scrubs aggregated trades: timestamp bounds, positive price,
// non-negative quantity, dedup by (id, timestamp), ascending sort by
// (timestamp, id).
func (c *Cleaner) CleanAggTrades(batch []schema.AggTrade) []schema.AggTrade {
	type key struct {
		id int64
		ts int64
	}
	seen := make(map[key]struct{}, len(batch))
	out := make([]schema.AggTrade, 0, len(batch))
	for _, at := range batch {
		switch {
		case !schema.TimestampInRange(at.Timestamp):
			c.drop(schema.DataTypeAggTrade, at.Symbol, at.Timestamp, "timestamp out of bounds")
		case at.Price <= 0:
			c.drop(schema.DataTypeAggTrade, at.Symbol, at.Timestamp, "non-positive price")
		case at.Quantity < 0:
			c.drop(schema.DataTypeAggTrade, at.Symbol, at.Timestamp, "negative quantity")
		default:
			k := key{id: at.ID, ts: at.Timestamp}
			if _, dup := seen[k]; dup {
				c.drop(schema.DataTypeAggTrade, at.Symbol, at.Timestamp, "duplicate trade")
				continue
			}
			seen[k] = struct{}{}
			out = append(out, at)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DetectAnomalies flags indices where the close-to-close move exceeds the
// threshold ratio (0.5 = 50%).
func DetectAnomalies(klines []schema.Kline, threshold float64) []int {
	if threshold <= 0 {
		threshold = 0.5
	}
	var anomalies []int
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		if prev <= 0 {
			continue
		}
		move := klines[i].Close - prev
		if move < 0 {
			move = -move
		}
		if move/prev > threshold {
			anomalies = append(anomalies, i)
		}
	}
	return anomalies
}

// FillMissing inserts flat-price, zero-volume candles at every missing
// interval slot between consecutive real candles. Input must be sorted
// ascending.
func FillMissing(klines []schema.Kline, interval time.Duration) []schema.Kline {
	step := interval.Milliseconds()
	if step <= 0 || len(klines) < 2 {
		return klines
	}
	out := make([]schema.Kline, 0, len(klines))
	out = append(out, klines[0])
	for i := 1; i < len(klines); i++ {
		prev := out[len(out)-1]
		for ts := prev.Timestamp + step; ts < klines[i].Timestamp; ts += step {
			out = append(out, schema.Kline{
				Symbol:    prev.Symbol,
				Timestamp: ts,
				Open:      prev.Close,
				High:      prev.Close,
				Low:       prev.Close,
				Close:     prev.Close,
				Volume:    0,
			})
		}
		out = append(out, klines[i])
	}
	return out
}
