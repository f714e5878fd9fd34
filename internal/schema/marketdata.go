package schema

// Ticker summarizes recent trading activity for one instrument.
type Ticker struct {
	Symbol      string  `json:"symbol"`
	Bid         float64 `json:"bid"`
	BidVolume   float64 `json:"bidVolume"`
	Ask         float64 `json:"ask"`
	AskVolume   float64 `json:"askVolume"`
	Last        float64 `json:"last"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Open        float64 `json:"open"`
	Close       float64 `json:"close"`
	BaseVolume  float64 `json:"baseVolume"`
	QuoteVolume float64 `json:"quoteVolume"`
	Percentage  float64 `json:"percentage"`
	Timestamp   int64   `json:"timestamp"`
}

// BookLevel is one (price, amount) order book level.
type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook holds book depth: bids descending by price, asks ascending.
type OrderBook struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp int64       `json:"timestamp"`
	Nonce     int64       `json:"nonce,omitempty"`
}

// Trade is one public or private execution.
type Trade struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"orderId,omitempty"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Cost      float64   `json:"cost"`
	Fee       *Fee      `json:"fee,omitempty"`
	Maker     bool      `json:"maker,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Kline is one OHLCV candle. Timestamp marks the open time in ms UTC.
type Kline struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// FundingRate is one perpetual funding observation.
type FundingRate struct {
	Symbol      string  `json:"symbol"`
	Rate        float64 `json:"rate"`
	MarkPrice   float64 `json:"markPrice,omitempty"`
	IndexPrice  float64 `json:"indexPrice,omitempty"`
	Timestamp   int64   `json:"timestamp"`
	NextFunding int64   `json:"nextFunding,omitempty"`
}

// OpenInterest is one open-interest sample for a derivatives instrument.
type OpenInterest struct {
	Symbol        string  `json:"symbol"`
	OpenInterest  float64 `json:"openInterest"`
	NotionalValue float64 `json:"notionalValue,omitempty"`
	Timestamp     int64   `json:"timestamp"`
}

// AggTrade is one venue-aggregated public trade used by bulk ingestion.
type AggTrade struct {
	ID         int64   `json:"id"`
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	FirstID    int64   `json:"firstId,omitempty"`
	LastID     int64   `json:"lastId,omitempty"`
	Timestamp  int64   `json:"timestamp"`
	BuyerMaker bool    `json:"buyerMaker"`
}
