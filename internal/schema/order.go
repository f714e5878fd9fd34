package schema

// OrderSide captures the direction of an order or trade.
type OrderSide string

const (
	// SideBuy indicates buy-side orders and fills.
	SideBuy OrderSide = "buy"
	// SideSell indicates sell-side orders and fills.
	SideSell OrderSide = "sell"
)

// OrderType enumerates unified order types.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the best available price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at the stated price.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeStop triggers a market order at the stop price.
	OrderTypeStop OrderType = "stop"
	// OrderTypeStopLimit triggers a limit order at the stop price.
	OrderTypeStopLimit OrderType = "stop_limit"
	// OrderTypeTakeProfit triggers a market order at the take-profit price.
	OrderTypeTakeProfit OrderType = "take_profit"
	// OrderTypeTakeProfitLimit triggers a limit order at the take-profit price.
	OrderTypeTakeProfitLimit OrderType = "take_profit_limit"
	// OrderTypeTrailingStop trails the market by a callback distance.
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// OrderStatus enumerates unified order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending indicates the order has been accepted but not yet working.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusOpen indicates the order is working on the book.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusPartiallyFilled indicates partial execution.
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	// OrderStatusFilled indicates complete execution.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusCanceled indicates cancellation before completion.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusRejected indicates the venue refused the order.
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusExpired indicates time-in-force expiry.
	OrderStatusExpired OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Fee describes a charged fee in a given currency.
type Fee struct {
	Cost     float64 `json:"cost"`
	Currency string  `json:"currency"`
}

// Order is the unified order representation.
//
// Invariant: Filled + Remaining = Amount modulo venue lot rounding, and
// Status == filled implies Remaining == 0.
type Order struct {
	ID                  string      `json:"id"`
	ClientOrderID       string      `json:"clientOrderId,omitempty"`
	Symbol              string      `json:"symbol"`
	Side                OrderSide   `json:"side"`
	Type                OrderType   `json:"type"`
	Status              OrderStatus `json:"status"`
	Price               *float64    `json:"price,omitempty"`
	Average             *float64    `json:"average,omitempty"`
	Amount              float64     `json:"amount"`
	Filled              float64     `json:"filled"`
	Remaining           float64     `json:"remaining"`
	Cost                float64     `json:"cost"`
	Fee                 *Fee        `json:"fee,omitempty"`
	Timestamp           int64       `json:"timestamp"`
	LastUpdateTimestamp int64       `json:"lastUpdateTimestamp,omitempty"`
}

// OrderRequest carries the caller-supplied parameters for createOrder.
type OrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Amount        float64   `json:"amount"`
	Price         *float64  `json:"price,omitempty"`
	StopPrice     *float64  `json:"stopPrice,omitempty"`
	ClientOrderID string    `json:"clientOrderId,omitempty"`
	ReduceOnly    bool      `json:"reduceOnly,omitempty"`
	PostOnly      bool      `json:"postOnly,omitempty"`
	TimeInForce   string    `json:"timeInForce,omitempty"`
}
