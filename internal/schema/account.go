package schema

// PositionSide distinguishes long and short exposure.
type PositionSide string

const (
	// PositionLong indicates positive exposure.
	PositionLong PositionSide = "long"
	// PositionShort indicates negative exposure.
	PositionShort PositionSide = "short"
)

// MarginMode distinguishes cross and isolated margin.
type MarginMode string

const (
	// MarginCross shares margin across positions.
	MarginCross MarginMode = "cross"
	// MarginIsolated dedicates margin per position.
	MarginIsolated MarginMode = "isolated"
)

// Position is the unified derivatives position representation. Amount and
// Contracts are absolute; direction lives in Side. Zero-size positions are
// elided at the adapter boundary.
type Position struct {
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Amount           float64      `json:"amount"`
	Contracts        float64      `json:"contracts"`
	EntryPrice       float64      `json:"entryPrice"`
	MarkPrice        float64      `json:"markPrice"`
	LiquidationPrice *float64     `json:"liquidationPrice,omitempty"`
	UnrealizedPnl    float64      `json:"unrealizedPnl"`
	RealizedPnl      float64      `json:"realizedPnl"`
	MarginMode       MarginMode   `json:"marginMode"`
	Leverage         float64      `json:"leverage"`
	Margin           float64      `json:"margin"`
	Notional         float64      `json:"notional"`
	Timestamp        int64        `json:"timestamp"`
}

// CurrencyBalance holds the per-currency free/used split.
// Invariant: Total = Free + Used.
type CurrencyBalance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// Balance aggregates account balances and margin figures.
type Balance struct {
	Currencies      map[string]CurrencyBalance `json:"currencies"`
	TotalEquity     float64                    `json:"totalEquity"`
	AvailableMargin float64                    `json:"availableMargin"`
	UsedMargin      float64                    `json:"usedMargin"`
	UnrealizedPnl   float64                    `json:"unrealizedPnl"`
	Timestamp       int64                      `json:"timestamp"`
}
