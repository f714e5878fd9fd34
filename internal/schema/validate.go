package schema

import (
	"fmt"
	"math"

	"github.com/keelhq/keel/errs"
)

// Timestamp bounds accepted anywhere in the system, ms since Unix epoch UTC.
const (
	// MinTimestamp is 2015-01-01T00:00:00Z.
	MinTimestamp int64 = 1420070400000
	// MaxTimestamp is 2100-01-01T00:00:00Z (exclusive).
	MaxTimestamp int64 = 4102444800000
)

// TimestampInRange reports whether ts is a plausible market timestamp.
func TimestampInRange(ts int64) bool {
	return ts >= MinTimestamp && ts < MaxTimestamp
}

func invalid(path, msg string) *errs.E {
	return errs.New("", errs.CodeParse, errs.WithMessage(fmt.Sprintf("%s: %s", path, msg)))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func checkFinite(path string, v float64) *errs.E {
	if !finite(v) {
		return invalid(path, "must be finite")
	}
	return nil
}

func checkNonNegative(path string, v float64) *errs.E {
	if err := checkFinite(path, v); err != nil {
		return err
	}
	if v < 0 {
		return invalid(path, "must be >= 0")
	}
	return nil
}

func checkPositive(path string, v float64) *errs.E {
	if err := checkFinite(path, v); err != nil {
		return err
	}
	if v <= 0 {
		return invalid(path, "must be > 0")
	}
	return nil
}

func checkTimestamp(path string, ts int64) *errs.E {
	if !TimestampInRange(ts) {
		return invalid(path, fmt.Sprintf("timestamp %d outside [2015-01-01, 2100-01-01)", ts))
	}
	return nil
}

// ValidateMarket checks a normalized market definition.
func ValidateMarket(m Market) error {
	if m.ID == "" {
		return invalid("market.id", "required")
	}
	if _, err := ParseSymbol(m.Symbol); err != nil {
		return invalid("market.symbol", err.Error())
	}
	if m.PricePrecision < 0 || m.AmountPrecision < 0 {
		return invalid("market.precision", "must be >= 0")
	}
	if err := checkPositive("market.tickSize", m.TickSize); err != nil {
		return err
	}
	if err := checkPositive("market.lotSize", m.LotSize); err != nil {
		return err
	}
	// tickSize must agree with the declared price precision.
	want := math.Pow(10, -float64(m.PricePrecision))
	if math.Abs(m.TickSize-want)/want > 1e-9 {
		return invalid("market.tickSize", fmt.Sprintf("inconsistent with pricePrecision %d", m.PricePrecision))
	}
	if err := checkNonNegative("market.minAmount", m.MinAmount); err != nil {
		return err
	}
	return nil
}

func validOrderSide(s OrderSide) bool {
	return s == SideBuy || s == SideSell
}

func validOrderType(t OrderType) bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit,
		OrderTypeTakeProfit, OrderTypeTakeProfitLimit, OrderTypeTrailingStop:
		return true
	default:
		return false
	}
}

func validOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// ValidateOrder checks a normalized order against the unified invariants.
// lotSize bounds the fill-accounting tolerance; pass 0 for an exact check
// with a small epsilon.
func ValidateOrder(o Order, lotSize float64) error {
	if o.ID == "" && o.ClientOrderID == "" {
		return invalid("order.id", "required")
	}
	if _, err := ParseSymbol(o.Symbol); err != nil {
		return invalid("order.symbol", err.Error())
	}
	if !validOrderSide(o.Side) {
		return invalid("order.side", fmt.Sprintf("unknown side %q", o.Side))
	}
	if !validOrderType(o.Type) {
		return invalid("order.type", fmt.Sprintf("unknown type %q", o.Type))
	}
	if !validOrderStatus(o.Status) {
		return invalid("order.status", fmt.Sprintf("unknown status %q", o.Status))
	}
	if err := checkNonNegative("order.amount", o.Amount); err != nil {
		return err
	}
	if err := checkNonNegative("order.filled", o.Filled); err != nil {
		return err
	}
	if err := checkNonNegative("order.remaining", o.Remaining); err != nil {
		return err
	}
	if err := checkNonNegative("order.cost", o.Cost); err != nil {
		return err
	}
	if o.Price != nil {
		if err := checkPositive("order.price", *o.Price); err != nil {
			return err
		}
	}
	if o.Average != nil {
		if err := checkPositive("order.average", *o.Average); err != nil {
			return err
		}
	}
	if err := checkTimestamp("order.timestamp", o.Timestamp); err != nil {
		return err
	}

	tolerance := lotSize
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	if math.Abs(o.Filled+o.Remaining-o.Amount) > tolerance {
		return invalid("order.remaining", fmt.Sprintf("filled %v + remaining %v != amount %v", o.Filled, o.Remaining, o.Amount))
	}
	if o.Status == OrderStatusFilled && o.Remaining > tolerance {
		return invalid("order.remaining", "must be 0 when status=filled")
	}
	if o.Status.Terminal() && o.Filled > o.Amount+tolerance {
		return invalid("order.filled", "must not exceed amount in terminal status")
	}
	return nil
}

// ValidatePosition checks a normalized position.
func ValidatePosition(p Position) error {
	if _, err := ParseSymbol(p.Symbol); err != nil {
		return invalid("position.symbol", err.Error())
	}
	if p.Side != PositionLong && p.Side != PositionShort {
		return invalid("position.side", fmt.Sprintf("unknown side %q", p.Side))
	}
	if err := checkNonNegative("position.amount", p.Amount); err != nil {
		return err
	}
	if err := checkNonNegative("position.contracts", p.Contracts); err != nil {
		return err
	}
	if err := checkPositive("position.entryPrice", p.EntryPrice); err != nil {
		return err
	}
	if err := checkPositive("position.markPrice", p.MarkPrice); err != nil {
		return err
	}
	if p.LiquidationPrice != nil {
		if err := checkPositive("position.liquidationPrice", *p.LiquidationPrice); err != nil {
			return err
		}
	}
	if p.MarginMode != MarginCross && p.MarginMode != MarginIsolated {
		return invalid("position.marginMode", fmt.Sprintf("unknown mode %q", p.MarginMode))
	}
	if !finite(p.Leverage) || p.Leverage < 1 {
		return invalid("position.leverage", "must be >= 1")
	}
	if err := checkNonNegative("position.notional", p.Notional); err != nil {
		return err
	}
	if err := checkFinite("position.unrealizedPnl", p.UnrealizedPnl); err != nil {
		return err
	}
	if err := checkFinite("position.realizedPnl", p.RealizedPnl); err != nil {
		return err
	}
	return nil
}

// ValidateBalance checks a normalized balance snapshot.
func ValidateBalance(b Balance) error {
	for currency, cb := range b.Currencies {
		path := "balance." + currency
		if err := checkNonNegative(path+".free", cb.Free); err != nil {
			return err
		}
		if err := checkNonNegative(path+".used", cb.Used); err != nil {
			return err
		}
		if math.Abs(cb.Free+cb.Used-cb.Total) > 1e-9 {
			return invalid(path+".total", "must equal free + used")
		}
	}
	if err := checkFinite("balance.totalEquity", b.TotalEquity); err != nil {
		return err
	}
	if err := checkFinite("balance.unrealizedPnl", b.UnrealizedPnl); err != nil {
		return err
	}
	if err := checkTimestamp("balance.timestamp", b.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateTicker checks a normalized ticker.
func ValidateTicker(t Ticker) error {
	if _, err := ParseSymbol(t.Symbol); err != nil {
		return invalid("ticker.symbol", err.Error())
	}
	if err := checkPositive("ticker.last", t.Last); err != nil {
		return err
	}
	if t.Bid != 0 {
		if err := checkPositive("ticker.bid", t.Bid); err != nil {
			return err
		}
	}
	if t.Ask != 0 {
		if err := checkPositive("ticker.ask", t.Ask); err != nil {
			return err
		}
	}
	if t.Bid > 0 && t.Ask > 0 && t.Bid > t.Ask {
		return invalid("ticker.bid", "crossed ticker: bid > ask")
	}
	if err := checkNonNegative("ticker.baseVolume", t.BaseVolume); err != nil {
		return err
	}
	if err := checkTimestamp("ticker.timestamp", t.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateOrderBook checks ordering and sign predicates of a book snapshot.
func ValidateOrderBook(b OrderBook) error {
	if _, err := ParseSymbol(b.Symbol); err != nil {
		return invalid("orderBook.symbol", err.Error())
	}
	for i, lvl := range b.Bids {
		path := fmt.Sprintf("orderBook.bids[%d]", i)
		if err := checkPositive(path+".price", lvl.Price); err != nil {
			return err
		}
		if err := checkNonNegative(path+".amount", lvl.Amount); err != nil {
			return err
		}
		if i > 0 && lvl.Price > b.Bids[i-1].Price {
			return invalid(path, "bids must be descending")
		}
	}
	for i, lvl := range b.Asks {
		path := fmt.Sprintf("orderBook.asks[%d]", i)
		if err := checkPositive(path+".price", lvl.Price); err != nil {
			return err
		}
		if err := checkNonNegative(path+".amount", lvl.Amount); err != nil {
			return err
		}
		if i > 0 && lvl.Price < b.Asks[i-1].Price {
			return invalid(path, "asks must be ascending")
		}
	}
	if err := checkTimestamp("orderBook.timestamp", b.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateTrade checks a normalized trade.
func ValidateTrade(t Trade) error {
	if t.ID == "" {
		return invalid("trade.id", "required")
	}
	if _, err := ParseSymbol(t.Symbol); err != nil {
		return invalid("trade.symbol", err.Error())
	}
	if !validOrderSide(t.Side) {
		return invalid("trade.side", fmt.Sprintf("unknown side %q", t.Side))
	}
	if err := checkPositive("trade.price", t.Price); err != nil {
		return err
	}
	if err := checkNonNegative("trade.amount", t.Amount); err != nil {
		return err
	}
	if err := checkTimestamp("trade.timestamp", t.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateKline checks the OHLC predicates of one candle.
func ValidateKline(k Kline) error {
	if err := checkTimestamp("kline.timestamp", k.Timestamp); err != nil {
		return err
	}
	for _, f := range []struct {
		path string
		v    float64
	}{
		{"kline.open", k.Open},
		{"kline.high", k.High},
		{"kline.low", k.Low},
		{"kline.close", k.Close},
	} {
		if err := checkPositive(f.path, f.v); err != nil {
			return err
		}
	}
	if err := checkNonNegative("kline.volume", k.Volume); err != nil {
		return err
	}
	if k.Low > math.Min(k.Open, k.Close) {
		return invalid("kline.low", "must be <= min(open, close)")
	}
	if k.High < math.Max(k.Open, k.Close) {
		return invalid("kline.high", "must be >= max(open, close)")
	}
	return nil
}

// ValidateFundingRate checks a funding observation.
func ValidateFundingRate(f FundingRate) error {
	if _, err := ParseSymbol(f.Symbol); err != nil {
		return invalid("fundingRate.symbol", err.Error())
	}
	if err := checkFinite("fundingRate.rate", f.Rate); err != nil {
		return err
	}
	if f.MarkPrice != 0 {
		if err := checkPositive("fundingRate.markPrice", f.MarkPrice); err != nil {
			return err
		}
	}
	if err := checkTimestamp("fundingRate.timestamp", f.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateOpenInterest checks an open-interest sample.
func ValidateOpenInterest(o OpenInterest) error {
	if _, err := ParseSymbol(o.Symbol); err != nil {
		return invalid("openInterest.symbol", err.Error())
	}
	if err := checkNonNegative("openInterest.openInterest", o.OpenInterest); err != nil {
		return err
	}
	if err := checkTimestamp("openInterest.timestamp", o.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateAggTrade checks an aggregated trade record.
func ValidateAggTrade(t AggTrade) error {
	if t.ID <= 0 {
		return invalid("aggTrade.id", "must be > 0")
	}
	if err := checkPositive("aggTrade.price", t.Price); err != nil {
		return err
	}
	if err := checkNonNegative("aggTrade.quantity", t.Quantity); err != nil {
		return err
	}
	if err := checkTimestamp("aggTrade.timestamp", t.Timestamp); err != nil {
		return err
	}
	return nil
}

// ValidateCheckpoint checks a checkpoint loaded from a backend.
func ValidateCheckpoint(c Checkpoint) error {
	if c.Venue == "" {
		return invalid("checkpoint.venue", "required")
	}
	if _, err := ParseSymbol(c.Symbol); err != nil {
		return invalid("checkpoint.symbol", err.Error())
	}
	if !c.DataType.Valid() {
		return invalid("checkpoint.dataType", fmt.Sprintf("unknown data type %q", c.DataType))
	}
	switch c.Status {
	case CheckpointPending, CheckpointRunning, CheckpointCompleted, CheckpointFailed:
	default:
		return invalid("checkpoint.status", fmt.Sprintf("unknown status %q", c.Status))
	}
	if c.Status == CheckpointFailed && c.ErrorMessage == "" {
		return invalid("checkpoint.errorMessage", "required when status=failed")
	}
	if c.LastTimestamp != 0 {
		if err := checkTimestamp("checkpoint.lastTimestamp", c.LastTimestamp); err != nil {
			return err
		}
	}
	if c.DownloadedCount < 0 {
		return invalid("checkpoint.downloadedCount", "must be >= 0")
	}
	return nil
}
