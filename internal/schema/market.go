package schema

// MarketKind distinguishes instrument classes a venue lists.
type MarketKind struct {
	Spot   bool `json:"spot"`
	Swap   bool `json:"swap"`
	Future bool `json:"future"`
	Option bool `json:"option"`
}

// Market describes a tradable instrument in venue-independent form.
//
// Precision fields are decimal digit counts; TickSize and LotSize are the
// matching step sizes (TickSize = 10^-PricePrecision).
type Market struct {
	ID              string     `json:"id"`
	Symbol          string     `json:"symbol"`
	Base            string     `json:"base"`
	Quote           string     `json:"quote"`
	Settle          string     `json:"settle,omitempty"`
	Kind            MarketKind `json:"kind"`
	Active          bool       `json:"active"`
	PricePrecision  int        `json:"pricePrecision"`
	AmountPrecision int        `json:"amountPrecision"`
	TickSize        float64    `json:"tickSize"`
	LotSize         float64    `json:"lotSize"`
	MinAmount       float64    `json:"minAmount"`
	ContractSize    float64    `json:"contractSize,omitempty"`
	MakerFee        float64    `json:"makerFee"`
	TakerFee        float64    `json:"takerFee"`
}

// MarketTable indexes loaded markets by canonical symbol and by venue-native id.
// It is loaded once at adapter start and read-only thereafter.
type MarketTable struct {
	bySymbol map[string]Market
	byID     map[string]Market
}

// NewMarketTable builds the lookup table from a loaded market list.
func NewMarketTable(markets []Market) *MarketTable {
	t := &MarketTable{
		bySymbol: make(map[string]Market, len(markets)),
		byID:     make(map[string]Market, len(markets)),
	}
	for _, m := range markets {
		t.bySymbol[m.Symbol] = m
		t.byID[m.ID] = m
	}
	return t
}

// BySymbol resolves a canonical symbol to its market definition.
func (t *MarketTable) BySymbol(symbol string) (Market, bool) {
	if t == nil {
		return Market{}, false
	}
	m, ok := t.bySymbol[symbol]
	return m, ok
}

// ByID resolves a venue-native instrument id to its market definition.
func (t *MarketTable) ByID(id string) (Market, bool) {
	if t == nil {
		return Market{}, false
	}
	m, ok := t.byID[id]
	return m, ok
}

// Symbols lists the canonical symbols in the table.
func (t *MarketTable) Symbols() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.bySymbol))
	for s := range t.bySymbol {
		out = append(out, s)
	}
	return out
}

// Len reports the number of loaded markets.
func (t *MarketTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.bySymbol)
}
