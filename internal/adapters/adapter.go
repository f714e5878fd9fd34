// Package adapters defines the fixed capability surface every venue
// integration implements, plus the shared REST transport they are built on.
package adapters

import (
	"context"

	"github.com/keelhq/keel/internal/bus"
	"github.com/keelhq/keel/internal/schema"
)

// Adapter is the per-venue client. All outputs are unified-schema values that
// have passed the runtime validation gate; all errors carry the taxonomy code.
type Adapter interface {
	// Venue returns the opaque venue id ("binance", "bybit", ...).
	Venue() string

	// LoadMarkets fetches and indexes the market table. It must be called
	// before any symbol-addressed operation; repeated calls refresh the table.
	LoadMarkets(ctx context.Context) (*schema.MarketTable, error)

	// Trading operations.
	CreateOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (schema.Order, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchOrder(ctx context.Context, symbol, orderID string) (schema.Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error)
	FetchClosedOrders(ctx context.Context, symbol string, since int64, limit int) ([]schema.Order, error)
	FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]schema.Trade, error)
	FetchBalance(ctx context.Context) (schema.Balance, error)
	FetchPositions(ctx context.Context, symbols []string) ([]schema.Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode schema.MarginMode) error

	// Market data operations.
	FetchMarkets(ctx context.Context) ([]schema.Market, error)
	FetchTicker(ctx context.Context, symbol string) (schema.Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (schema.OrderBook, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error)
	FetchMarkOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error)
	FetchFundingRate(ctx context.Context, symbol string) (schema.FundingRate, error)
	FetchFundingRateHistory(ctx context.Context, symbol string, since, until int64, limit int) ([]schema.FundingRate, error)
	FetchOpenInterestHistory(ctx context.Context, symbol, period string, since, until int64, limit int) ([]schema.OpenInterest, error)
	FetchTrades(ctx context.Context, symbol string, since int64, limit int) ([]schema.Trade, error)
	FetchAggTrades(ctx context.Context, symbol string, since, until int64, limit int) ([]schema.AggTrade, error)

	// Streaming operations. Events flow through Events().
	SubscribePublic(ctx context.Context, channel, symbol string, params map[string]string) error
	SubscribePrivate(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, sub schema.Subscription) error

	// Events exposes the adapter's event bus.
	Events() *bus.Bus

	// Close shuts down sessions, cancels pending calls, and drains subscribers.
	Close()
}
