package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/schema"
)

// Endpoint result caps documented by the venue.
const (
	maxKlineLimit        = 1500
	maxFundingLimit      = 1000
	maxAggTradeLimit     = 1000
	maxOpenInterestLimit = 500
)

func (a *Adapter) call(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
			return nil, errs.New(venueName, errs.CodeAuthentication,
				errs.WithMessage("api credentials required"))
		}
		params.Set("timestamp", strconv.FormatInt(a.clock().UnixMilli(), 10))
		params.Set("recvWindow", strconv.FormatInt(a.cfg.RecvWindow.Milliseconds(), 10))
		query = params.Encode()
		mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
		mac.Write([]byte(query))
		query += "&signature=" + hex.EncodeToString(mac.Sum(nil))
	}

	target := a.cfg.RESTBaseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeNetwork,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)
	}
	return a.transport.Do(ctx, req)
}

func (a *Adapter) getJSON(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	body, err := a.call(ctx, http.MethodGet, path, params, signed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode "+path), errs.WithCause(err))
	}
	return nil
}

// ---- markets ----

type exchangeInfoFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
}

type exchangeInfoSymbol struct {
	Symbol       string               `json:"symbol"`
	Status       string               `json:"status"`
	ContractType string               `json:"contractType"`
	BaseAsset    string               `json:"baseAsset"`
	QuoteAsset   string               `json:"quoteAsset"`
	MarginAsset  string               `json:"marginAsset"`
	Filters      []exchangeInfoFilter `json:"filters"`
}

type exchangeInfo struct {
	Symbols []exchangeInfoSymbol `json:"symbols"`
}

// FetchMarkets lists the venue's perpetual instruments in unified form.
// Delivering and already-settled contracts are skipped.
func (a *Adapter) FetchMarkets(ctx context.Context) ([]schema.Market, error) {
	var info exchangeInfo
	if err := a.getJSON(ctx, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return nil, err
	}

	markets := make([]schema.Market, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.ContractType != "PERPETUAL" {
			continue
		}
		m := schema.Market{
			ID:     sym.Symbol,
			Symbol: schema.FormatSymbol(sym.BaseAsset, sym.QuoteAsset, sym.MarginAsset),
			Base:   sym.BaseAsset,
			Quote:  sym.QuoteAsset,
			Settle: sym.MarginAsset,
			Kind:   schema.MarketKind{Swap: true},
			Active: sym.Status == "TRADING",
			// USDⓈ-M perpetuals are linear: one contract is one base unit.
			ContractSize: 1,
		}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.PricePrecision = precisionFromStep(f.TickSize)
				m.TickSize = stepFromPrecision(m.PricePrecision)
			case "LOT_SIZE":
				m.AmountPrecision = precisionFromStep(f.StepSize)
				m.LotSize = stepFromPrecision(m.AmountPrecision)
				minQty, err := parseFloat(f.MinQty)
				if err != nil {
					return nil, err
				}
				m.MinAmount = minQty
			}
		}
		if err := schema.ValidateMarket(m); err != nil {
			a.log.Warn().Err(err).Str("id", m.ID).Msg("skipping malformed market")
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// ---- trading ----

type restOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (a *Adapter) normalizeOrder(m schema.Market, raw restOrder) (schema.Order, error) {
	status, known := normalizeStatus(raw.Status)
	if !known {
		a.log.Warn().Str("status", raw.Status).Str("symbol", m.Symbol).
			Msg("unknown order status, normalizing to open")
	}
	side, err := normalizeSide(raw.Side)
	if err != nil {
		return schema.Order{}, err
	}
	typ, err := normalizeType(raw.Type)
	if err != nil {
		return schema.Order{}, err
	}
	price, err := parseOptionalPrice(raw.Price)
	if err != nil {
		return schema.Order{}, err
	}
	average, err := parseOptionalPrice(raw.AvgPrice)
	if err != nil {
		return schema.Order{}, err
	}
	amount, err := parseFloat(raw.OrigQty)
	if err != nil {
		return schema.Order{}, err
	}
	filled, err := parseFloat(raw.ExecutedQty)
	if err != nil {
		return schema.Order{}, err
	}
	cost, err := parseFloat(raw.CumQuote)
	if err != nil {
		return schema.Order{}, err
	}

	ts := raw.Time
	if ts == 0 {
		ts = raw.UpdateTime
	}
	order := schema.Order{
		ID:                  strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID:       raw.ClientOrderID,
		Symbol:              m.Symbol,
		Side:                side,
		Type:                typ,
		Status:              status,
		Price:               price,
		Average:             average,
		Amount:              amount,
		Filled:              filled,
		Remaining:           amount - filled,
		Cost:                cost,
		Timestamp:           ts,
		LastUpdateTimestamp: raw.UpdateTime,
	}
	if err := schema.ValidateOrder(order, m.LotSize); err != nil {
		return schema.Order{}, err
	}
	return order, nil
}

func formatAmount(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}

// CreateOrder places an order and returns its normalized acknowledgement.
func (a *Adapter) CreateOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	m, err := a.market(req.Symbol)
	if err != nil {
		return schema.Order{}, err
	}
	native, err := nativeType(req.Type)
	if err != nil {
		return schema.Order{}, err
	}

	params := url.Values{}
	params.Set("symbol", m.ID)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", native)
	params.Set("quantity", formatAmount(req.Amount, m.AmountPrecision))
	if req.Price != nil {
		params.Set("price", formatAmount(*req.Price, m.PricePrecision))
	}
	if req.StopPrice != nil {
		params.Set("stopPrice", formatAmount(*req.StopPrice, m.PricePrecision))
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	switch {
	case req.PostOnly:
		params.Set("timeInForce", "GTX")
	case req.TimeInForce != "":
		params.Set("timeInForce", strings.ToUpper(req.TimeInForce))
	case req.Type == schema.OrderTypeLimit || req.Type == schema.OrderTypeStopLimit ||
		req.Type == schema.OrderTypeTakeProfitLimit:
		params.Set("timeInForce", "GTC")
	}

	body, err := a.call(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return schema.Order{}, err
	}
	var raw restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return schema.Order{}, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode order ack"), errs.WithCause(err))
	}
	return a.normalizeOrder(m, raw)
}

// CancelOrder cancels one working order by id.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	params.Set("orderId", orderID)

	body, err := a.call(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		return schema.Order{}, err
	}
	var raw restOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return schema.Order{}, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode cancel ack"), errs.WithCause(err))
	}
	return a.normalizeOrder(m, raw)
}

// CancelAllOrders cancels every working order on the symbol.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	m, err := a.market(symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	_, err = a.call(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}

// FetchOrder retrieves one order by id.
func (a *Adapter) FetchOrder(ctx context.Context, symbol, orderID string) (schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	params.Set("orderId", orderID)

	var raw restOrder
	if err := a.getJSON(ctx, "/fapi/v1/order", params, true, &raw); err != nil {
		return schema.Order{}, err
	}
	return a.normalizeOrder(m, raw)
}

// FetchOpenOrders lists the working orders on the symbol.
func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)

	var raws []restOrder
	if err := a.getJSON(ctx, "/fapi/v1/openOrders", params, true, &raws); err != nil {
		return nil, err
	}
	orders := make([]schema.Order, 0, len(raws))
	for _, raw := range raws {
		order, err := a.normalizeOrder(m, raw)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// FetchClosedOrders lists terminal orders on the symbol, newest last.
func (a *Adapter) FetchClosedOrders(ctx context.Context, symbol string, since int64, limit int) ([]schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raws []restOrder
	if err := a.getJSON(ctx, "/fapi/v1/allOrders", params, true, &raws); err != nil {
		return nil, err
	}
	orders := make([]schema.Order, 0, len(raws))
	for _, raw := range raws {
		order, err := a.normalizeOrder(m, raw)
		if err != nil {
			return nil, err
		}
		if !order.Status.Terminal() {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

type restUserTrade struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Maker           bool   `json:"maker"`
	Time            int64  `json:"time"`
}

// FetchMyTrades lists the account's fills on the symbol.
func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]schema.Trade, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raws []restUserTrade
	if err := a.getJSON(ctx, "/fapi/v1/userTrades", params, true, &raws); err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(raws))
	for _, raw := range raws {
		side, err := normalizeSide(raw.Side)
		if err != nil {
			return nil, err
		}
		price, err := parseFloat(raw.Price)
		if err != nil {
			return nil, err
		}
		amount, err := parseFloat(raw.Qty)
		if err != nil {
			return nil, err
		}
		cost, err := parseFloat(raw.QuoteQty)
		if err != nil {
			return nil, err
		}
		commission, err := parseFloat(raw.Commission)
		if err != nil {
			return nil, err
		}
		trade := schema.Trade{
			ID:        strconv.FormatInt(raw.ID, 10),
			OrderID:   strconv.FormatInt(raw.OrderID, 10),
			Symbol:    m.Symbol,
			Side:      side,
			Price:     price,
			Amount:    amount,
			Cost:      cost,
			Maker:     raw.Maker,
			Timestamp: raw.Time,
		}
		if commission != 0 {
			trade.Fee = &schema.Fee{Cost: commission, Currency: raw.CommissionAsset}
		}
		if err := schema.ValidateTrade(trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

type restAccountAsset struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	MarginBalance    string `json:"marginBalance"`
	AvailableBalance string `json:"availableBalance"`
	UnrealizedProfit string `json:"unrealizedProfit"`
}

type restAccount struct {
	TotalMarginBalance    string             `json:"totalMarginBalance"`
	TotalInitialMargin    string             `json:"totalInitialMargin"`
	AvailableBalance      string             `json:"availableBalance"`
	TotalUnrealizedProfit string             `json:"totalUnrealizedProfit"`
	UpdateTime            int64              `json:"updateTime"`
	Assets                []restAccountAsset `json:"assets"`
}

// FetchBalance retrieves the account margin snapshot.
func (a *Adapter) FetchBalance(ctx context.Context) (schema.Balance, error) {
	var raw restAccount
	if err := a.getJSON(ctx, "/fapi/v2/account", nil, true, &raw); err != nil {
		return schema.Balance{}, err
	}

	balance := schema.Balance{
		Currencies: make(map[string]schema.CurrencyBalance, len(raw.Assets)),
		Timestamp:  raw.UpdateTime,
	}
	if balance.Timestamp == 0 {
		balance.Timestamp = a.clock().UnixMilli()
	}

	var err error
	if balance.TotalEquity, err = parseFloat(raw.TotalMarginBalance); err != nil {
		return schema.Balance{}, err
	}
	if balance.AvailableMargin, err = parseFloat(raw.AvailableBalance); err != nil {
		return schema.Balance{}, err
	}
	if balance.UsedMargin, err = parseFloat(raw.TotalInitialMargin); err != nil {
		return schema.Balance{}, err
	}
	if balance.UnrealizedPnl, err = parseFloat(raw.TotalUnrealizedProfit); err != nil {
		return schema.Balance{}, err
	}

	for _, asset := range raw.Assets {
		total, err := parseFloat(asset.MarginBalance)
		if err != nil {
			return schema.Balance{}, err
		}
		free, err := parseFloat(asset.AvailableBalance)
		if err != nil {
			return schema.Balance{}, err
		}
		if total == 0 && free == 0 {
			continue
		}
		if free > total {
			free = total
		}
		balance.Currencies[asset.Asset] = schema.CurrencyBalance{
			Free:  free,
			Used:  total - free,
			Total: total,
		}
	}
	if err := schema.ValidateBalance(balance); err != nil {
		return schema.Balance{}, err
	}
	return balance, nil
}

type restPosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	IsolatedMargin   string `json:"isolatedMargin"`
	Notional         string `json:"notional"`
	UpdateTime       int64  `json:"updateTime"`
}

// FetchPositions lists open positions. Zero-size entries are elided; an empty
// symbols filter means all.
func (a *Adapter) FetchPositions(ctx context.Context, symbols []string) ([]schema.Position, error) {
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		m, err := a.market(s)
		if err != nil {
			return nil, err
		}
		wanted[m.ID] = struct{}{}
	}

	var raws []restPosition
	if err := a.getJSON(ctx, "/fapi/v2/positionRisk", nil, true, &raws); err != nil {
		return nil, err
	}

	positions := make([]schema.Position, 0, len(raws))
	for _, raw := range raws {
		if len(wanted) > 0 {
			if _, ok := wanted[raw.Symbol]; !ok {
				continue
			}
		}
		m, ok := a.marketByID(raw.Symbol)
		if !ok {
			continue
		}
		amt, err := parseFloat(raw.PositionAmt)
		if err != nil {
			return nil, err
		}
		if amt == 0 {
			continue
		}
		pos, err := a.normalizePosition(m, raw, amt)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (a *Adapter) normalizePosition(m schema.Market, raw restPosition, amt float64) (schema.Position, error) {
	side := schema.PositionLong
	if amt < 0 {
		side = schema.PositionShort
		amt = -amt
	}
	entry, err := parseFloat(raw.EntryPrice)
	if err != nil {
		return schema.Position{}, err
	}
	mark, err := parseFloat(raw.MarkPrice)
	if err != nil {
		return schema.Position{}, err
	}
	liq, err := parseOptionalPrice(raw.LiquidationPrice)
	if err != nil {
		return schema.Position{}, err
	}
	upnl, err := parseFloat(raw.UnrealizedProfit)
	if err != nil {
		return schema.Position{}, err
	}
	leverage, err := parseFloat(raw.Leverage)
	if err != nil {
		return schema.Position{}, err
	}
	margin, err := parseFloat(raw.IsolatedMargin)
	if err != nil {
		return schema.Position{}, err
	}
	notional, err := parseFloat(raw.Notional)
	if err != nil {
		return schema.Position{}, err
	}
	if notional < 0 {
		notional = -notional
	}

	mode := schema.MarginCross
	if strings.EqualFold(raw.MarginType, "isolated") {
		mode = schema.MarginIsolated
	}
	ts := raw.UpdateTime
	if ts == 0 {
		ts = a.clock().UnixMilli()
	}
	pos := schema.Position{
		Symbol:           m.Symbol,
		Side:             side,
		Amount:           amt,
		Contracts:        amt / m.ContractSize,
		EntryPrice:       entry,
		MarkPrice:        mark,
		LiquidationPrice: liq,
		UnrealizedPnl:    upnl,
		MarginMode:       mode,
		Leverage:         leverage,
		Margin:           margin,
		Notional:         notional,
		Timestamp:        ts,
	}
	if err := schema.ValidatePosition(pos); err != nil {
		return schema.Position{}, err
	}
	return pos, nil
}

// SetLeverage changes the leverage applied to the symbol.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m, err := a.market(symbol)
	if err != nil {
		return err
	}
	if leverage < 1 {
		return errs.New(venueName, errs.CodeInvalidOrder,
			errs.WithSymbol(symbol), errs.WithMessage("leverage must be >= 1"))
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err = a.call(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// SetMarginMode switches the symbol between cross and isolated margin. The
// venue rejects a no-op switch with code -4046; that is treated as success.
func (a *Adapter) SetMarginMode(ctx context.Context, symbol string, mode schema.MarginMode) error {
	m, err := a.market(symbol)
	if err != nil {
		return err
	}
	native := "CROSSED"
	if mode == schema.MarginIsolated {
		native = "ISOLATED"
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	params.Set("marginType", native)
	_, err = a.call(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)
	if err != nil {
		var typed *errs.E
		if errors.As(err, &typed) && typed.RawCode == "-4046" {
			return nil
		}
		return err
	}
	return nil
}

// ---- market data ----

type rest24hTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	OpenPrice          string `json:"openPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

// FetchTicker retrieves the 24h rolling ticker.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (schema.Ticker, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.Ticker{}, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)

	var raw rest24hTicker
	if err := a.getJSON(ctx, "/fapi/v1/ticker/24hr", params, false, &raw); err != nil {
		return schema.Ticker{}, err
	}
	return a.normalizeTicker(m, raw)
}

func (a *Adapter) normalizeTicker(m schema.Market, raw rest24hTicker) (schema.Ticker, error) {
	ticker := schema.Ticker{Symbol: m.Symbol, Timestamp: raw.CloseTime}
	var err error
	if ticker.Last, err = parseFloat(raw.LastPrice); err != nil {
		return schema.Ticker{}, err
	}
	ticker.Close = ticker.Last
	if ticker.High, err = parseFloat(raw.HighPrice); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.Low, err = parseFloat(raw.LowPrice); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.Open, err = parseFloat(raw.OpenPrice); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.BaseVolume, err = parseFloat(raw.Volume); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.QuoteVolume, err = parseFloat(raw.QuoteVolume); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.Percentage, err = parseFloat(raw.PriceChangePercent); err != nil {
		return schema.Ticker{}, err
	}
	if err := schema.ValidateTicker(ticker); err != nil {
		return schema.Ticker{}, err
	}
	return ticker, nil
}

type restDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	EventTime    int64       `json:"E"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func parseBookSide(levels [][2]string) ([]schema.BookLevel, error) {
	out := make([]schema.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		price, err := parseFloat(lvl[0])
		if err != nil {
			return nil, err
		}
		amount, err := parseFloat(lvl[1])
		if err != nil {
			return nil, err
		}
		out = append(out, schema.BookLevel{Price: price, Amount: amount})
	}
	return out, nil
}

// FetchOrderBook retrieves a depth snapshot.
func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, limit int) (schema.OrderBook, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.OrderBook{}, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raw restDepth
	if err := a.getJSON(ctx, "/fapi/v1/depth", params, false, &raw); err != nil {
		return schema.OrderBook{}, err
	}
	bids, err := parseBookSide(raw.Bids)
	if err != nil {
		return schema.OrderBook{}, err
	}
	asks, err := parseBookSide(raw.Asks)
	if err != nil {
		return schema.OrderBook{}, err
	}
	ts := raw.EventTime
	if ts == 0 {
		ts = a.clock().UnixMilli()
	}
	book := schema.OrderBook{
		Symbol:    m.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
		Nonce:     raw.LastUpdateID,
	}
	if err := schema.ValidateOrderBook(book); err != nil {
		return schema.OrderBook{}, err
	}
	return book, nil
}

// rawKline is the venue's positional candle encoding:
// [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
type rawKline []json.RawMessage

func (r rawKline) int64At(i int) (int64, error) {
	if i >= len(r) {
		return 0, errs.Parse(venueName, "kline row too short")
	}
	var v int64
	if err := json.Unmarshal(r[i], &v); err != nil {
		return 0, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("kline timestamp"), errs.WithCause(err))
	}
	return v, nil
}

func (r rawKline) floatAt(i int) (float64, error) {
	if i >= len(r) {
		return 0, errs.Parse(venueName, "kline row too short")
	}
	var s string
	if err := json.Unmarshal(r[i], &s); err != nil {
		return 0, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("kline field"), errs.WithCause(err))
	}
	return parseFloat(s)
}

func (a *Adapter) fetchKlines(ctx context.Context, path string, m schema.Market, interval string, since, until int64, limit int) ([]schema.Kline, error) {
	params := url.Values{}
	params.Set("symbol", m.ID)
	params.Set("interval", interval)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if until > 0 {
		params.Set("endTime", strconv.FormatInt(until, 10))
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	var rows []rawKline
	if err := a.getJSON(ctx, path, params, false, &rows); err != nil {
		return nil, err
	}
	klines := make([]schema.Kline, 0, len(rows))
	for _, row := range rows {
		ts, err := row.int64At(0)
		if err != nil {
			return nil, err
		}
		k := schema.Kline{Symbol: m.Symbol, Timestamp: ts}
		for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			if *dst, err = row.floatAt(i + 1); err != nil {
				return nil, err
			}
		}
		if err := schema.ValidateKline(k); err != nil {
			return nil, err
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// FetchOHLCV retrieves trade-price candles.
func (a *Adapter) FetchOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	return a.fetchKlines(ctx, "/fapi/v1/klines", m, interval, since, until, limit)
}

// FetchMarkOHLCV retrieves mark-price candles.
func (a *Adapter) FetchMarkOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	return a.fetchKlines(ctx, "/fapi/v1/markPriceKlines", m, interval, since, until, limit)
}

type restPremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// FetchFundingRate retrieves the live funding observation.
func (a *Adapter) FetchFundingRate(ctx context.Context, symbol string) (schema.FundingRate, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.FundingRate{}, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)

	var raw restPremiumIndex
	if err := a.getJSON(ctx, "/fapi/v1/premiumIndex", params, false, &raw); err != nil {
		return schema.FundingRate{}, err
	}
	fr := schema.FundingRate{
		Symbol:      m.Symbol,
		Timestamp:   raw.Time,
		NextFunding: raw.NextFundingTime,
	}
	if fr.Rate, err = parseFloat(raw.LastFundingRate); err != nil {
		return schema.FundingRate{}, err
	}
	if fr.MarkPrice, err = parseFloat(raw.MarkPrice); err != nil {
		return schema.FundingRate{}, err
	}
	if fr.IndexPrice, err = parseFloat(raw.IndexPrice); err != nil {
		return schema.FundingRate{}, err
	}
	if err := schema.ValidateFundingRate(fr); err != nil {
		return schema.FundingRate{}, err
	}
	return fr, nil
}

type restFundingRate struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
	MarkPrice   string `json:"markPrice"`
}

// FetchFundingRateHistory retrieves settled funding observations ascending by
// time.
func (a *Adapter) FetchFundingRateHistory(ctx context.Context, symbol string, since, until int64, limit int) ([]schema.FundingRate, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if until > 0 {
		params.Set("endTime", strconv.FormatInt(until, 10))
	}
	if limit <= 0 || limit > maxFundingLimit {
		limit = maxFundingLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	var raws []restFundingRate
	if err := a.getJSON(ctx, "/fapi/v1/fundingRate", params, false, &raws); err != nil {
		return nil, err
	}
	rates := make([]schema.FundingRate, 0, len(raws))
	for _, raw := range raws {
		fr := schema.FundingRate{Symbol: m.Symbol, Timestamp: raw.FundingTime}
		if fr.Rate, err = parseFloat(raw.FundingRate); err != nil {
			return nil, err
		}
		if fr.MarkPrice, err = parseFloat(raw.MarkPrice); err != nil {
			return nil, err
		}
		if err := schema.ValidateFundingRate(fr); err != nil {
			return nil, err
		}
		rates = append(rates, fr)
	}
	return rates, nil
}

type restOpenInterest struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

// FetchOpenInterestHistory retrieves aggregate open-interest samples for the
// given sampling period ("5m", "15m", "1h", "1d", ...).
func (a *Adapter) FetchOpenInterestHistory(ctx context.Context, symbol, period string, since, until int64, limit int) ([]schema.OpenInterest, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	params.Set("period", period)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if until > 0 {
		params.Set("endTime", strconv.FormatInt(until, 10))
	}
	if limit <= 0 || limit > maxOpenInterestLimit {
		limit = maxOpenInterestLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	var raws []restOpenInterest
	if err := a.getJSON(ctx, "/futures/data/openInterestHist", params, false, &raws); err != nil {
		return nil, err
	}
	samples := make([]schema.OpenInterest, 0, len(raws))
	for _, raw := range raws {
		oi := schema.OpenInterest{Symbol: m.Symbol, Timestamp: raw.Timestamp}
		if oi.OpenInterest, err = parseFloat(raw.SumOpenInterest); err != nil {
			return nil, err
		}
		if oi.NotionalValue, err = parseFloat(raw.SumOpenInterestValue); err != nil {
			return nil, err
		}
		if err := schema.ValidateOpenInterest(oi); err != nil {
			return nil, err
		}
		samples = append(samples, oi)
	}
	return samples, nil
}

type restPublicTrade struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	QuoteQty     string `json:"quoteQty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// FetchTrades retrieves recent public trades. The endpoint has no time cursor;
// since only filters the returned page.
func (a *Adapter) FetchTrades(ctx context.Context, symbol string, since int64, limit int) ([]schema.Trade, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raws []restPublicTrade
	if err := a.getJSON(ctx, "/fapi/v1/trades", params, false, &raws); err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(raws))
	for _, raw := range raws {
		if since > 0 && raw.Time < since {
			continue
		}
		side := schema.SideBuy
		if raw.IsBuyerMaker {
			side = schema.SideSell
		}
		trade := schema.Trade{
			ID:        strconv.FormatInt(raw.ID, 10),
			Symbol:    m.Symbol,
			Side:      side,
			Timestamp: raw.Time,
		}
		if trade.Price, err = parseFloat(raw.Price); err != nil {
			return nil, err
		}
		if trade.Amount, err = parseFloat(raw.Qty); err != nil {
			return nil, err
		}
		if trade.Cost, err = parseFloat(raw.QuoteQty); err != nil {
			return nil, err
		}
		if err := schema.ValidateTrade(trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

type restAggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	Time         int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// FetchAggTrades retrieves aggregated trades for the window, ascending by
// (timestamp, id).
func (a *Adapter) FetchAggTrades(ctx context.Context, symbol string, since, until int64, limit int) ([]schema.AggTrade, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", m.ID)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if until > 0 {
		params.Set("endTime", strconv.FormatInt(until, 10))
	}
	if limit <= 0 || limit > maxAggTradeLimit {
		limit = maxAggTradeLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	var raws []restAggTrade
	if err := a.getJSON(ctx, "/fapi/v1/aggTrades", params, false, &raws); err != nil {
		return nil, err
	}
	trades := make([]schema.AggTrade, 0, len(raws))
	for _, raw := range raws {
		trade := schema.AggTrade{
			ID:         raw.ID,
			Symbol:     m.Symbol,
			FirstID:    raw.FirstTradeID,
			LastID:     raw.LastTradeID,
			Timestamp:  raw.Time,
			BuyerMaker: raw.IsBuyerMaker,
		}
		if trade.Price, err = parseFloat(raw.Price); err != nil {
			return nil, err
		}
		if trade.Quantity, err = parseFloat(raw.Qty); err != nil {
			return nil, err
		}
		if err := schema.ValidateAggTrade(trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}
