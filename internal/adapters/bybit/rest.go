package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/schema"
)

// Endpoint result caps documented by the venue.
const (
	maxKlineLimit        = 1000
	maxFundingLimit      = 200
	maxOpenInterestLimit = 200
)

// klineIntervals maps unified interval names to v5 interval codes.
var klineIntervals = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

// oiPeriods maps unified sampling periods to v5 intervalTime codes.
var oiPeriods = map[string]string{
	"5m": "5min", "15m": "15min", "30m": "30min",
	"1h": "1h", "4h": "4h", "1d": "1d",
}

func intervalFor(interval string) (string, error) {
	code, ok := klineIntervals[interval]
	if !ok {
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("unsupported kline interval "+interval))
	}
	return code, nil
}

func (a *Adapter) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte(timestamp + a.cfg.APIKey + strconv.FormatInt(a.cfg.RecvWindow.Milliseconds(), 10) + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) setAuthHeaders(req *http.Request, payload string) error {
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return errs.New(venueName, errs.CodeAuthentication,
			errs.WithMessage("api credentials required"))
	}
	timestamp := strconv.FormatInt(a.clock().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", a.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(a.cfg.RecvWindow.Milliseconds(), 10))
	req.Header.Set("X-BAPI-SIGN", a.sign(timestamp, payload))
	return nil
}

// unwrap decodes the v5 envelope, surfacing non-zero retCodes as taxonomy
// errors. Throttle retCodes also grow the limiter backoff since the venue
// reports them with HTTP 200.
func (a *Adapter) unwrap(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode response envelope"), errs.WithCause(err))
	}
	if env.RetCode != 0 {
		typed := classifyRetCode(env.RetCode, env.RetMsg)
		if typed.Code == errs.CodeRateLimit {
			a.limiter.ReportThrottled()
			typed.RetryAfter = a.limiter.RetryAfter()
		}
		return typed
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode result"), errs.WithCause(err))
	}
	return nil
}

func (a *Adapter) get(ctx context.Context, path string, params url.Values, signed bool, out any) error {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	target := a.cfg.RESTBaseURL + path
	if query != "" {
		target += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	if signed {
		if err := a.setAuthHeaders(req, query); err != nil {
			return err
		}
	}
	body, err := a.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	return a.unwrap(body, out)
}

func (a *Adapter) post(ctx context.Context, path string, payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage("encode request"), errs.WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RESTBaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if err := a.setAuthHeaders(req, string(raw)); err != nil {
		return err
	}
	body, err := a.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	return a.unwrap(body, out)
}

// ---- markets ----

type instrumentInfo struct {
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
	BaseCoin     string `json:"baseCoin"`
	QuoteCoin    string `json:"quoteCoin"`
	SettleCoin   string `json:"settleCoin"`
	PriceFilter  struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderQty string `json:"minOrderQty"`
	} `json:"lotSizeFilter"`
}

// FetchMarkets lists linear perpetual instruments in unified form.
func (a *Adapter) FetchMarkets(ctx context.Context) ([]schema.Market, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("limit", "1000")

	var result struct {
		List []instrumentInfo `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}

	markets := make([]schema.Market, 0, len(result.List))
	for _, info := range result.List {
		if info.ContractType != "LinearPerpetual" {
			continue
		}
		m := schema.Market{
			ID:           info.Symbol,
			Symbol:       schema.FormatSymbol(info.BaseCoin, info.QuoteCoin, info.SettleCoin),
			Base:         info.BaseCoin,
			Quote:        info.QuoteCoin,
			Settle:       info.SettleCoin,
			Kind:         schema.MarketKind{Swap: true},
			Active:       info.Status == "Trading",
			ContractSize: 1,
		}
		m.PricePrecision = precisionFromStep(info.PriceFilter.TickSize)
		m.TickSize = stepFromPrecision(m.PricePrecision)
		m.AmountPrecision = precisionFromStep(info.LotSizeFilter.QtyStep)
		m.LotSize = stepFromPrecision(m.AmountPrecision)
		minQty, err := parseFloat(info.LotSizeFilter.MinOrderQty)
		if err != nil {
			return nil, err
		}
		m.MinAmount = minQty
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
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	OrderStatus  string `json:"orderStatus"`
	Price        string `json:"price"`
	AvgPrice     string `json:"avgPrice"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecValue string `json:"cumExecValue"`
	CumExecFee   string `json:"cumExecFee"`
	TriggerPrice string `json:"triggerPrice"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (a *Adapter) normalizeOrder(m schema.Market, raw restOrder) (schema.Order, error) {
	status, known := normalizeStatus(raw.OrderStatus)
	if !known {
		a.log.Warn().Str("status", raw.OrderStatus).Str("symbol", m.Symbol).
			Msg("unknown order status, normalizing to open")
	}
	side, err := normalizeSide(raw.Side)
	if err != nil {
		return schema.Order{}, err
	}
	trigger, err := parseOptionalPrice(raw.TriggerPrice)
	if err != nil {
		return schema.Order{}, err
	}
	typ, err := normalizeType(raw.OrderType, trigger != nil)
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
	amount, err := parseFloat(raw.Qty)
	if err != nil {
		return schema.Order{}, err
	}
	filled, err := parseFloat(raw.CumExecQty)
	if err != nil {
		return schema.Order{}, err
	}
	cost, err := parseFloat(raw.CumExecValue)
	if err != nil {
		return schema.Order{}, err
	}
	fee, err := parseFloat(raw.CumExecFee)
	if err != nil {
		return schema.Order{}, err
	}
	created, err := parseMillis(raw.CreatedTime)
	if err != nil {
		return schema.Order{}, err
	}
	updated, err := parseMillis(raw.UpdatedTime)
	if err != nil {
		return schema.Order{}, err
	}

	ts := created
	if ts == 0 {
		ts = updated
	}
	order := schema.Order{
		ID:                  raw.OrderID,
		ClientOrderID:       raw.OrderLinkID,
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
		LastUpdateTimestamp: updated,
	}
	if fee != 0 {
		order.Fee = &schema.Fee{Cost: fee, Currency: m.Settle}
	}
	if err := schema.ValidateOrder(order, m.LotSize); err != nil {
		return schema.Order{}, err
	}
	return order, nil
}

func formatAmount(v float64, precision int) string {
	return strconv.FormatFloat(v, 'f', precision, 64)
}

// CreateOrder places an order, then reads it back so the acknowledgement
// carries the venue-assigned state.
func (a *Adapter) CreateOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	m, err := a.market(req.Symbol)
	if err != nil {
		return schema.Order{}, err
	}
	orderType, needsTrigger, err := nativeType(req.Type)
	if err != nil {
		return schema.Order{}, err
	}
	if needsTrigger && req.StopPrice == nil {
		return schema.Order{}, errs.New(venueName, errs.CodeInvalidOrder,
			errs.WithSymbol(req.Symbol), errs.WithMessage("stop orders require stopPrice"))
	}

	payload := map[string]any{
		"category":  category,
		"symbol":    m.ID,
		"side":      nativeSide(req.Side),
		"orderType": orderType,
		"qty":       formatAmount(req.Amount, m.AmountPrecision),
	}
	if req.Price != nil {
		payload["price"] = formatAmount(*req.Price, m.PricePrecision)
	}
	if req.StopPrice != nil {
		payload["triggerPrice"] = formatAmount(*req.StopPrice, m.PricePrecision)
	}
	if req.ClientOrderID != "" {
		payload["orderLinkId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	switch {
	case req.PostOnly:
		payload["timeInForce"] = "PostOnly"
	case req.TimeInForce != "":
		payload["timeInForce"] = req.TimeInForce
	}

	var ack struct {
		OrderID string `json:"orderId"`
	}
	if err := a.post(ctx, "/v5/order/create", payload, &ack); err != nil {
		return schema.Order{}, err
	}
	return a.FetchOrder(ctx, req.Symbol, ack.OrderID)
}

// CancelOrder cancels one working order and returns its final state.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) (schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.Order{}, err
	}
	payload := map[string]any{
		"category": category,
		"symbol":   m.ID,
		"orderId":  orderID,
	}
	if err := a.post(ctx, "/v5/order/cancel", payload, nil); err != nil {
		return schema.Order{}, err
	}
	return a.FetchOrder(ctx, symbol, orderID)
}

// CancelAllOrders cancels every working order on the symbol.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) error {
	m, err := a.market(symbol)
	if err != nil {
		return err
	}
	return a.post(ctx, "/v5/order/cancel-all", map[string]any{
		"category": category,
		"symbol":   m.ID,
	}, nil)
}

func (a *Adapter) fetchOrderList(ctx context.Context, path string, params url.Values) ([]restOrder, error) {
	var result struct {
		List []restOrder `json:"list"`
	}
	if err := a.get(ctx, path, params, true, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// FetchOrder retrieves one order by id, falling back to order history once the
// order leaves the realtime window.
func (a *Adapter) FetchOrder(ctx context.Context, symbol, orderID string) (schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.Order{}, err
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)
	params.Set("orderId", orderID)

	list, err := a.fetchOrderList(ctx, "/v5/order/realtime", params)
	if err != nil {
		return schema.Order{}, err
	}
	if len(list) == 0 {
		if list, err = a.fetchOrderList(ctx, "/v5/order/history", params); err != nil {
			return schema.Order{}, err
		}
	}
	if len(list) == 0 {
		return schema.Order{}, errs.New(venueName, errs.CodeOrderNotFound,
			errs.WithSymbol(symbol), errs.WithOrderID(orderID))
	}
	return a.normalizeOrder(m, list[0])
}

// FetchOpenOrders lists working orders on the symbol.
func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)
	params.Set("openOnly", "0")

	list, err := a.fetchOrderList(ctx, "/v5/order/realtime", params)
	if err != nil {
		return nil, err
	}
	orders := make([]schema.Order, 0, len(list))
	for _, raw := range list {
		order, err := a.normalizeOrder(m, raw)
		if err != nil {
			return nil, err
		}
		if order.Status.Terminal() {
			continue
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// FetchClosedOrders lists terminal orders on the symbol.
func (a *Adapter) FetchClosedOrders(ctx context.Context, symbol string, since int64, limit int) ([]schema.Order, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	list, err := a.fetchOrderList(ctx, "/v5/order/history", params)
	if err != nil {
		return nil, err
	}
	orders := make([]schema.Order, 0, len(list))
	for _, raw := range list {
		order, err := a.normalizeOrder(m, raw)
		if err != nil {
			return nil, err
		}
		if !order.Status.Terminal() {
			continue
		}
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Timestamp < orders[j].Timestamp })
	return orders, nil
}

type restExecution struct {
	ExecID    string `json:"execId"`
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	ExecPrice string `json:"execPrice"`
	ExecQty   string `json:"execQty"`
	ExecValue string `json:"execValue"`
	ExecFee   string `json:"execFee"`
	IsMaker   bool   `json:"isMaker"`
	ExecTime  string `json:"execTime"`
}

// FetchMyTrades lists the account's fills on the symbol.
func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]schema.Trade, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var result struct {
		List []restExecution `json:"list"`
	}
	if err := a.get(ctx, "/v5/execution/list", params, true, &result); err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(result.List))
	for _, raw := range result.List {
		side, err := normalizeSide(raw.Side)
		if err != nil {
			return nil, err
		}
		ts, err := parseMillis(raw.ExecTime)
		if err != nil {
			return nil, err
		}
		trade := schema.Trade{
			ID:        raw.ExecID,
			OrderID:   raw.OrderID,
			Symbol:    m.Symbol,
			Side:      side,
			Maker:     raw.IsMaker,
			Timestamp: ts,
		}
		if trade.Price, err = parseFloat(raw.ExecPrice); err != nil {
			return nil, err
		}
		if trade.Amount, err = parseFloat(raw.ExecQty); err != nil {
			return nil, err
		}
		if trade.Cost, err = parseFloat(raw.ExecValue); err != nil {
			return nil, err
		}
		fee, err := parseFloat(raw.ExecFee)
		if err != nil {
			return nil, err
		}
		if fee != 0 {
			trade.Fee = &schema.Fee{Cost: fee, Currency: m.Settle}
		}
		if err := schema.ValidateTrade(trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp < trades[j].Timestamp })
	return trades, nil
}

type walletCoin struct {
	Coin          string `json:"coin"`
	WalletBalance string `json:"walletBalance"`
	Locked        string `json:"locked"`
}

type walletAccount struct {
	TotalEquity           string       `json:"totalEquity"`
	TotalAvailableBalance string       `json:"totalAvailableBalance"`
	TotalInitialMargin    string       `json:"totalInitialMargin"`
	TotalPerpUPL          string       `json:"totalPerpUPL"`
	Coin                  []walletCoin `json:"coin"`
}

// FetchBalance retrieves the unified account balance snapshot.
func (a *Adapter) FetchBalance(ctx context.Context) (schema.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	var result struct {
		List []walletAccount `json:"list"`
	}
	if err := a.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return schema.Balance{}, err
	}
	if len(result.List) == 0 {
		return schema.Balance{}, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("empty wallet balance response"))
	}
	acct := result.List[0]

	balance := schema.Balance{
		Currencies: make(map[string]schema.CurrencyBalance, len(acct.Coin)),
		Timestamp:  a.clock().UnixMilli(),
	}
	var err error
	if balance.TotalEquity, err = parseFloat(acct.TotalEquity); err != nil {
		return schema.Balance{}, err
	}
	if balance.AvailableMargin, err = parseFloat(acct.TotalAvailableBalance); err != nil {
		return schema.Balance{}, err
	}
	if balance.UsedMargin, err = parseFloat(acct.TotalInitialMargin); err != nil {
		return schema.Balance{}, err
	}
	if balance.UnrealizedPnl, err = parseFloat(acct.TotalPerpUPL); err != nil {
		return schema.Balance{}, err
	}
	for _, coin := range acct.Coin {
		total, err := parseFloat(coin.WalletBalance)
		if err != nil {
			return schema.Balance{}, err
		}
		locked, err := parseFloat(coin.Locked)
		if err != nil {
			return schema.Balance{}, err
		}
		if total == 0 {
			continue
		}
		if locked > total {
			locked = total
		}
		balance.Currencies[coin.Coin] = schema.CurrencyBalance{
			Free:  total - locked,
			Used:  locked,
			Total: total,
		}
	}
	if err := schema.ValidateBalance(balance); err != nil {
		return schema.Balance{}, err
	}
	return balance, nil
}

type restPosition struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	AvgPrice       string `json:"avgPrice"`
	MarkPrice      string `json:"markPrice"`
	LiqPrice       string `json:"liqPrice"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	CumRealisedPnl string `json:"cumRealisedPnl"`
	Leverage       string `json:"leverage"`
	TradeMode      int    `json:"tradeMode"`
	PositionValue  string `json:"positionValue"`
	PositionIM     string `json:"positionIM"`
	UpdatedTime    string `json:"updatedTime"`
}

// FetchPositions lists open positions. Zero-size entries are elided; an empty
// symbols filter means all USDT-settled positions.
func (a *Adapter) FetchPositions(ctx context.Context, symbols []string) ([]schema.Position, error) {
	params := url.Values{}
	params.Set("category", category)
	wanted := make(map[string]struct{}, len(symbols))
	switch len(symbols) {
	case 0:
		params.Set("settleCoin", "USDT")
	case 1:
		m, err := a.market(symbols[0])
		if err != nil {
			return nil, err
		}
		params.Set("symbol", m.ID)
		wanted[m.ID] = struct{}{}
	default:
		params.Set("settleCoin", "USDT")
		for _, s := range symbols {
			m, err := a.market(s)
			if err != nil {
				return nil, err
			}
			wanted[m.ID] = struct{}{}
		}
	}

	var result struct {
		List []restPosition `json:"list"`
	}
	if err := a.get(ctx, "/v5/position/list", params, true, &result); err != nil {
		return nil, err
	}

	positions := make([]schema.Position, 0, len(result.List))
	for _, raw := range result.List {
		if len(wanted) > 0 {
			if _, ok := wanted[raw.Symbol]; !ok {
				continue
			}
		}
		m, ok := a.marketByID(raw.Symbol)
		if !ok {
			continue
		}
		size, err := parseFloat(raw.Size)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			continue
		}
		pos, err := a.normalizePosition(m, raw, size)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (a *Adapter) normalizePosition(m schema.Market, raw restPosition, size float64) (schema.Position, error) {
	side := schema.PositionLong
	if raw.Side == "Sell" {
		side = schema.PositionShort
	}
	mode := schema.MarginCross
	if raw.TradeMode == 1 {
		mode = schema.MarginIsolated
	}

	entry, err := parseFloat(raw.AvgPrice)
	if err != nil {
		return schema.Position{}, err
	}
	mark, err := parseFloat(raw.MarkPrice)
	if err != nil {
		return schema.Position{}, err
	}
	liq, err := parseOptionalPrice(raw.LiqPrice)
	if err != nil {
		return schema.Position{}, err
	}
	upnl, err := parseFloat(raw.UnrealisedPnl)
	if err != nil {
		return schema.Position{}, err
	}
	rpnl, err := parseFloat(raw.CumRealisedPnl)
	if err != nil {
		return schema.Position{}, err
	}
	leverage, err := parseFloat(raw.Leverage)
	if err != nil {
		return schema.Position{}, err
	}
	margin, err := parseFloat(raw.PositionIM)
	if err != nil {
		return schema.Position{}, err
	}
	notional, err := parseFloat(raw.PositionValue)
	if err != nil {
		return schema.Position{}, err
	}
	ts, err := parseMillis(raw.UpdatedTime)
	if err != nil {
		return schema.Position{}, err
	}
	if ts == 0 {
		ts = a.clock().UnixMilli()
	}

	pos := schema.Position{
		Symbol:           m.Symbol,
		Side:             side,
		Amount:           size,
		Contracts:        size / m.ContractSize,
		EntryPrice:       entry,
		MarkPrice:        mark,
		LiquidationPrice: liq,
		UnrealizedPnl:    upnl,
		RealizedPnl:      rpnl,
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

// leverageFor reads the symbol's current leverage, defaulting when flat.
func (a *Adapter) leverageFor(ctx context.Context, m schema.Market) (string, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)

	var result struct {
		List []restPosition `json:"list"`
	}
	if err := a.get(ctx, "/v5/position/list", params, true, &result); err != nil {
		return "", err
	}
	if len(result.List) > 0 && result.List[0].Leverage != "" {
		return result.List[0].Leverage, nil
	}
	return "10", nil
}

// SetLeverage changes the leverage applied to the symbol. The venue rejects a
// no-op change with retCode 110043; that is treated as success.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m, err := a.market(symbol)
	if err != nil {
		return err
	}
	if leverage < 1 {
		return errs.New(venueName, errs.CodeInvalidOrder,
			errs.WithSymbol(symbol), errs.WithMessage("leverage must be >= 1"))
	}
	lv := strconv.Itoa(leverage)
	err = a.post(ctx, "/v5/position/set-leverage", map[string]any{
		"category":     category,
		"symbol":       m.ID,
		"buyLeverage":  lv,
		"sellLeverage": lv,
	}, nil)
	if isRetCode(err, "110043") {
		return nil
	}
	return err
}

// SetMarginMode switches the symbol between cross and isolated margin. A
// no-op switch (retCode 110026) is treated as success.
func (a *Adapter) SetMarginMode(ctx context.Context, symbol string, mode schema.MarginMode) error {
	m, err := a.market(symbol)
	if err != nil {
		return err
	}
	leverage, err := a.leverageFor(ctx, m)
	if err != nil {
		return err
	}
	tradeMode := 0
	if mode == schema.MarginIsolated {
		tradeMode = 1
	}
	err = a.post(ctx, "/v5/position/switch-isolated", map[string]any{
		"category":     category,
		"symbol":       m.ID,
		"tradeMode":    tradeMode,
		"buyLeverage":  leverage,
		"sellLeverage": leverage,
	}, nil)
	if isRetCode(err, "110026") {
		return nil
	}
	return err
}

func isRetCode(err error, code string) bool {
	var typed *errs.E
	return errors.As(err, &typed) && typed.RawCode == code
}

// ---- market data ----

type restTicker struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Bid1Size        string `json:"bid1Size"`
	Ask1Price       string `json:"ask1Price"`
	Ask1Size        string `json:"ask1Size"`
	HighPrice24h    string `json:"highPrice24h"`
	LowPrice24h     string `json:"lowPrice24h"`
	PrevPrice24h    string `json:"prevPrice24h"`
	Volume24h       string `json:"volume24h"`
	Turnover24h     string `json:"turnover24h"`
	Price24hPcnt    string `json:"price24hPcnt"`
	FundingRate     string `json:"fundingRate"`
	IndexPrice      string `json:"indexPrice"`
	MarkPrice       string `json:"markPrice"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (a *Adapter) fetchTickerRaw(ctx context.Context, m schema.Market) (restTicker, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)

	var result struct {
		List []restTicker `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return restTicker{}, err
	}
	if len(result.List) == 0 {
		return restTicker{}, errs.InvalidSymbol(venueName, m.Symbol)
	}
	return result.List[0], nil
}

// FetchTicker retrieves the 24h rolling ticker.
func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (schema.Ticker, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.Ticker{}, err
	}
	raw, err := a.fetchTickerRaw(ctx, m)
	if err != nil {
		return schema.Ticker{}, err
	}

	ticker := schema.Ticker{Symbol: m.Symbol, Timestamp: a.clock().UnixMilli()}
	if ticker.Last, err = parseFloat(raw.LastPrice); err != nil {
		return schema.Ticker{}, err
	}
	ticker.Close = ticker.Last
	if ticker.Bid, err = parseFloat(raw.Bid1Price); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.BidVolume, err = parseFloat(raw.Bid1Size); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.Ask, err = parseFloat(raw.Ask1Price); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.AskVolume, err = parseFloat(raw.Ask1Size); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.High, err = parseFloat(raw.HighPrice24h); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.Low, err = parseFloat(raw.LowPrice24h); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.Open, err = parseFloat(raw.PrevPrice24h); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.BaseVolume, err = parseFloat(raw.Volume24h); err != nil {
		return schema.Ticker{}, err
	}
	if ticker.QuoteVolume, err = parseFloat(raw.Turnover24h); err != nil {
		return schema.Ticker{}, err
	}
	pcnt, err := parseFloat(raw.Price24hPcnt)
	if err != nil {
		return schema.Ticker{}, err
	}
	// The venue reports the 24h change as a ratio; the unified field is percent.
	ticker.Percentage = pcnt * 100
	if err := schema.ValidateTicker(ticker); err != nil {
		return schema.Ticker{}, err
	}
	return ticker, nil
}

// FetchFundingRate retrieves the live funding observation from the ticker.
func (a *Adapter) FetchFundingRate(ctx context.Context, symbol string) (schema.FundingRate, error) {
	m, err := a.market(symbol)
	if err != nil {
		return schema.FundingRate{}, err
	}
	raw, err := a.fetchTickerRaw(ctx, m)
	if err != nil {
		return schema.FundingRate{}, err
	}

	fr := schema.FundingRate{Symbol: m.Symbol, Timestamp: a.clock().UnixMilli()}
	if fr.Rate, err = parseFloat(raw.FundingRate); err != nil {
		return schema.FundingRate{}, err
	}
	if fr.MarkPrice, err = parseFloat(raw.MarkPrice); err != nil {
		return schema.FundingRate{}, err
	}
	if fr.IndexPrice, err = parseFloat(raw.IndexPrice); err != nil {
		return schema.FundingRate{}, err
	}
	if fr.NextFunding, err = parseMillis(raw.NextFundingTime); err != nil {
		return schema.FundingRate{}, err
	}
	if err := schema.ValidateFundingRate(fr); err != nil {
		return schema.FundingRate{}, err
	}
	return fr, nil
}

type restOrderBook struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
	Ts     int64       `json:"ts"`
	Nonce  int64       `json:"u"`
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
	params.Set("category", category)
	params.Set("symbol", m.ID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var raw restOrderBook
	if err := a.get(ctx, "/v5/market/orderbook", params, false, &raw); err != nil {
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
	book := schema.OrderBook{
		Symbol:    m.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: raw.Ts,
		Nonce:     raw.Nonce,
	}
	if err := schema.ValidateOrderBook(book); err != nil {
		return schema.OrderBook{}, err
	}
	return book, nil
}

func (a *Adapter) fetchKlines(ctx context.Context, path string, m schema.Market, interval string, since, until int64, limit int) ([]schema.Kline, error) {
	code, err := intervalFor(interval)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)
	params.Set("interval", code)
	if since > 0 {
		params.Set("start", strconv.FormatInt(since, 10))
	}
	if until > 0 {
		params.Set("end", strconv.FormatInt(until, 10))
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	params.Set("limit", strconv.Itoa(limit))

	// Rows are [start, open, high, low, close, volume, turnover]; mark-price
	// rows omit volume and turnover. Newest rows come first.
	var result struct {
		List [][]string `json:"list"`
	}
	if err := a.get(ctx, path, params, false, &result); err != nil {
		return nil, err
	}
	klines := make([]schema.Kline, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 5 {
			return nil, errs.Parse(venueName, "kline row too short")
		}
		ts, err := parseMillis(row[0])
		if err != nil {
			return nil, err
		}
		k := schema.Kline{Symbol: m.Symbol, Timestamp: ts}
		for j, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close} {
			if *dst, err = parseFloat(row[j+1]); err != nil {
				return nil, err
			}
		}
		if len(row) > 5 {
			if k.Volume, err = parseFloat(row[5]); err != nil {
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

// FetchOHLCV retrieves trade-price candles ascending by open time.
func (a *Adapter) FetchOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	return a.fetchKlines(ctx, "/v5/market/kline", m, interval, since, until, limit)
}

// FetchMarkOHLCV retrieves mark-price candles ascending by open time.
func (a *Adapter) FetchMarkOHLCV(ctx context.Context, symbol, interval string, since, until int64, limit int) ([]schema.Kline, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	return a.fetchKlines(ctx, "/v5/market/mark-price-kline", m, interval, since, until, limit)
}

type restFundingHistory struct {
	FundingRate          string `json:"fundingRate"`
	FundingRateTimestamp string `json:"fundingRateTimestamp"`
}

// FetchFundingRateHistory retrieves settled funding observations ascending by
// time.
func (a *Adapter) FetchFundingRateHistory(ctx context.Context, symbol string, since, until int64, limit int) ([]schema.FundingRate, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", category)
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

	var result struct {
		List []restFundingHistory `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/funding/history", params, false, &result); err != nil {
		return nil, err
	}
	rates := make([]schema.FundingRate, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		raw := result.List[i]
		fr := schema.FundingRate{Symbol: m.Symbol}
		if fr.Rate, err = parseFloat(raw.FundingRate); err != nil {
			return nil, err
		}
		if fr.Timestamp, err = parseMillis(raw.FundingRateTimestamp); err != nil {
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
	OpenInterest string `json:"openInterest"`
	Timestamp    string `json:"timestamp"`
}

// FetchOpenInterestHistory retrieves open-interest samples ascending by time.
// Periods use the unified names ("5m", "1h", "1d").
func (a *Adapter) FetchOpenInterestHistory(ctx context.Context, symbol, period string, since, until int64, limit int) ([]schema.OpenInterest, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	intervalTime, ok := oiPeriods[period]
	if !ok {
		intervalTime = period
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)
	params.Set("intervalTime", intervalTime)
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

	var result struct {
		List []restOpenInterest `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/open-interest", params, false, &result); err != nil {
		return nil, err
	}
	samples := make([]schema.OpenInterest, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		raw := result.List[i]
		oi := schema.OpenInterest{Symbol: m.Symbol}
		if oi.OpenInterest, err = parseFloat(raw.OpenInterest); err != nil {
			return nil, err
		}
		if oi.Timestamp, err = parseMillis(raw.Timestamp); err != nil {
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
	ExecID string `json:"execId"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Side   string `json:"side"`
	Time   string `json:"time"`
}

// FetchTrades retrieves recent public trades. The endpoint has no time cursor;
// since only filters the returned page.
func (a *Adapter) FetchTrades(ctx context.Context, symbol string, since int64, limit int) ([]schema.Trade, error) {
	m, err := a.market(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", m.ID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var result struct {
		List []restPublicTrade `json:"list"`
	}
	if err := a.get(ctx, "/v5/market/recent-trade", params, false, &result); err != nil {
		return nil, err
	}
	trades := make([]schema.Trade, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		raw := result.List[i]
		ts, err := parseMillis(raw.Time)
		if err != nil {
			return nil, err
		}
		if since > 0 && ts < since {
			continue
		}
		side, err := normalizeSide(raw.Side)
		if err != nil {
			return nil, err
		}
		trade := schema.Trade{
			ID:        raw.ExecID,
			Symbol:    m.Symbol,
			Side:      side,
			Timestamp: ts,
		}
		if trade.Price, err = parseFloat(raw.Price); err != nil {
			return nil, err
		}
		if trade.Amount, err = parseFloat(raw.Size); err != nil {
			return nil, err
		}
		trade.Cost = trade.Price * trade.Amount
		if err := schema.ValidateTrade(trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// FetchAggTrades is unsupported: the venue exposes no aggregated-trade
// endpoint. Bulk trade ingestion sources agg trades from venues that do.
func (a *Adapter) FetchAggTrades(_ context.Context, symbol string, _, _ int64, _ int) ([]schema.AggTrade, error) {
	return nil, errs.New(venueName, errs.CodeExchange,
		errs.WithSymbol(symbol), errs.WithMessage("aggregated trades not supported"))
}
