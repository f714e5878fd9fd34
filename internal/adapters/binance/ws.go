package binance

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/bus"
	"github.com/keelhq/keel/internal/schema"
	"github.com/keelhq/keel/internal/stream"
)

// Unified stream channels the adapter supports.
const (
	channelTicker    = "ticker"
	channelOrderBook = "orderbook"
	channelTrade     = "trade"
	channelKline     = "kline"
)

// topicFor maps a unified subscription to the venue topic, e.g.
// (kline, BTC/USDT:USDT, interval=5m) -> "btcusdt@kline_5m".
func (a *Adapter) topicFor(sub schema.Subscription) (string, error) {
	m, err := a.market(sub.Symbol)
	if err != nil {
		return "", err
	}
	native := strings.ToLower(m.ID)
	switch sub.Channel {
	case channelTicker:
		return native + "@ticker", nil
	case channelTrade:
		return native + "@aggTrade", nil
	case channelKline:
		interval := sub.Params["interval"]
		if interval == "" {
			interval = "1m"
		}
		return native + "@kline_" + interval, nil
	case channelOrderBook:
		depth := sub.Params["depth"]
		if depth == "" {
			depth = "20"
		}
		return native + "@depth" + depth + "@100ms", nil
	default:
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("unsupported stream channel "+sub.Channel))
	}
}

// controlMessage is the subscribe/unsubscribe frame shape.
type controlMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// publicProtocol speaks the market stream dialect.
type publicProtocol struct {
	adapter *Adapter
	nextID  atomic.Int64
}

func (p *publicProtocol) AuthFrame() ([]byte, error) { return nil, nil }

func (p *publicProtocol) controlFrame(method string, subs []schema.Subscription) ([]byte, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topic, err := p.adapter.topicFor(sub)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return json.Marshal(controlMessage{Method: method, Params: topics, ID: p.nextID.Add(1)})
}

func (p *publicProtocol) SubscribeFrame(subs []schema.Subscription) ([]byte, error) {
	return p.controlFrame("SUBSCRIBE", subs)
}

func (p *publicProtocol) UnsubscribeFrame(subs []schema.Subscription) ([]byte, error) {
	return p.controlFrame("UNSUBSCRIBE", subs)
}

type wsEnvelope struct {
	Event  string          `json:"e"`
	Symbol string          `json:"s"`
	Time   int64           `json:"E"`
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
}

func (p *publicProtocol) ParseFrame(frame []byte) ([]bus.Event, error) {
	var env wsEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode stream frame"), errs.WithCause(err))
	}
	if env.ID != nil {
		// Control acknowledgement.
		return nil, nil
	}

	a := p.adapter
	m, ok := a.marketByID(env.Symbol)
	if !ok {
		// Symbols can be delisted between market loads; drop silently.
		return nil, nil
	}

	switch env.Event {
	case "24hrTicker":
		return a.parseTickerFrame(m, frame)
	case "aggTrade":
		return a.parseAggTradeFrame(m, frame)
	case "kline":
		return a.parseKlineFrame(m, frame)
	case "depthUpdate":
		return a.parseDepthFrame(m, frame)
	default:
		return nil, nil
	}
}

type wsTicker struct {
	Last        string `json:"c"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	Percent     string `json:"P"`
	Time        int64  `json:"E"`
}

func (a *Adapter) parseTickerFrame(m schema.Market, frame []byte) ([]bus.Event, error) {
	var raw wsTicker
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode ticker frame"), errs.WithCause(err))
	}
	ticker := schema.Ticker{Symbol: m.Symbol, Timestamp: raw.Time}
	var err error
	if ticker.Last, err = parseFloat(raw.Last); err != nil {
		return nil, err
	}
	ticker.Close = ticker.Last
	if ticker.Open, err = parseFloat(raw.Open); err != nil {
		return nil, err
	}
	if ticker.High, err = parseFloat(raw.High); err != nil {
		return nil, err
	}
	if ticker.Low, err = parseFloat(raw.Low); err != nil {
		return nil, err
	}
	if ticker.BaseVolume, err = parseFloat(raw.Volume); err != nil {
		return nil, err
	}
	if ticker.QuoteVolume, err = parseFloat(raw.QuoteVolume); err != nil {
		return nil, err
	}
	if ticker.Percentage, err = parseFloat(raw.Percent); err != nil {
		return nil, err
	}
	if err := schema.ValidateTicker(ticker); err != nil {
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Symbol: m.Symbol, Type: bus.EventTicker, Payload: ticker}}, nil
}

type wsAggTrade struct {
	ID           int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	Time         int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (a *Adapter) parseAggTradeFrame(m schema.Market, frame []byte) ([]bus.Event, error) {
	var raw wsAggTrade
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode trade frame"), errs.WithCause(err))
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
	var err error
	if trade.Price, err = parseFloat(raw.Price); err != nil {
		return nil, err
	}
	if trade.Amount, err = parseFloat(raw.Qty); err != nil {
		return nil, err
	}
	trade.Cost = trade.Price * trade.Amount
	if err := schema.ValidateTrade(trade); err != nil {
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Symbol: m.Symbol, Type: bus.EventTrade, Payload: trade}}, nil
}

type wsKlineFrame struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
	} `json:"k"`
}

func (a *Adapter) parseKlineFrame(m schema.Market, frame []byte) ([]bus.Event, error) {
	var raw wsKlineFrame
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode kline frame"), errs.WithCause(err))
	}
	k := schema.Kline{Symbol: m.Symbol, Timestamp: raw.Kline.OpenTime}
	var err error
	for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
		src := []string{raw.Kline.Open, raw.Kline.High, raw.Kline.Low, raw.Kline.Close, raw.Kline.Volume}[i]
		if *dst, err = parseFloat(src); err != nil {
			return nil, err
		}
	}
	if err := schema.ValidateKline(k); err != nil {
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Symbol: m.Symbol, Type: bus.EventKline, Payload: k}}, nil
}

type wsDepth struct {
	TradeTime int64       `json:"T"`
	Time      int64       `json:"E"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

func (a *Adapter) parseDepthFrame(m schema.Market, frame []byte) ([]bus.Event, error) {
	var raw wsDepth
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode depth frame"), errs.WithCause(err))
	}
	bids, err := parseBookSide(raw.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseBookSide(raw.Asks)
	if err != nil {
		return nil, err
	}
	ts := raw.TradeTime
	if ts == 0 {
		ts = raw.Time
	}
	book := schema.OrderBook{Symbol: m.Symbol, Bids: bids, Asks: asks, Timestamp: ts}
	if err := schema.ValidateOrderBook(book); err != nil {
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Symbol: m.Symbol, Type: bus.EventOrderBook, Payload: book}}, nil
}

// privateProtocol speaks the user data stream dialect. Authentication happens
// at dial time via the listen key in the URL, so the wire carries no auth or
// subscribe frames.
type privateProtocol struct {
	adapter *Adapter
}

func (p *privateProtocol) AuthFrame() ([]byte, error) { return nil, nil }

func (p *privateProtocol) SubscribeFrame([]schema.Subscription) ([]byte, error) {
	return nil, nil
}

func (p *privateProtocol) UnsubscribeFrame([]schema.Subscription) ([]byte, error) {
	return nil, nil
}

func (p *privateProtocol) ParseFrame(frame []byte) ([]bus.Event, error) {
	var env wsEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode user stream frame"), errs.WithCause(err))
	}
	a := p.adapter
	switch env.Event {
	case "ORDER_TRADE_UPDATE":
		return a.parseOrderUpdate(frame)
	case "ACCOUNT_UPDATE":
		return a.parseAccountUpdate(frame)
	case "listenKeyExpired":
		return nil, errs.New(venueName, errs.CodeAuthentication,
			errs.WithMessage("listen key expired"))
	default:
		return nil, nil
	}
}

type wsOrderUpdate struct {
	Time  int64 `json:"E"`
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		Qty           string `json:"q"`
		FilledQty     string `json:"z"`
		Commission    string `json:"n"`
		CommissionCcy string `json:"N"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

func (a *Adapter) parseOrderUpdate(frame []byte) ([]bus.Event, error) {
	var raw wsOrderUpdate
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode order update"), errs.WithCause(err))
	}
	m, ok := a.marketByID(raw.Order.Symbol)
	if !ok {
		return nil, nil
	}
	status, known := normalizeStatus(raw.Order.Status)
	if !known {
		a.log.Warn().Str("status", raw.Order.Status).Str("symbol", m.Symbol).
			Msg("unknown order status, normalizing to open")
	}
	side, err := normalizeSide(raw.Order.Side)
	if err != nil {
		return nil, err
	}
	typ, err := normalizeType(raw.Order.Type)
	if err != nil {
		return nil, err
	}
	price, err := parseOptionalPrice(raw.Order.Price)
	if err != nil {
		return nil, err
	}
	average, err := parseOptionalPrice(raw.Order.AvgPrice)
	if err != nil {
		return nil, err
	}
	amount, err := parseFloat(raw.Order.Qty)
	if err != nil {
		return nil, err
	}
	filled, err := parseFloat(raw.Order.FilledQty)
	if err != nil {
		return nil, err
	}
	commission, err := parseFloat(raw.Order.Commission)
	if err != nil {
		return nil, err
	}

	ts := raw.Order.TradeTime
	if ts == 0 {
		ts = raw.Time
	}
	order := schema.Order{
		ID:                  strconv.FormatInt(raw.Order.OrderID, 10),
		ClientOrderID:       raw.Order.ClientOrderID,
		Symbol:              m.Symbol,
		Side:                side,
		Type:                typ,
		Status:              status,
		Price:               price,
		Average:             average,
		Amount:              amount,
		Filled:              filled,
		Remaining:           amount - filled,
		Timestamp:           ts,
		LastUpdateTimestamp: raw.Time,
	}
	if average != nil {
		order.Cost = *average * filled
	}
	if commission != 0 {
		order.Fee = &schema.Fee{Cost: commission, Currency: raw.Order.CommissionCcy}
	}
	if err := schema.ValidateOrder(order, m.LotSize); err != nil {
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Symbol: m.Symbol, Type: bus.EventOrder, Payload: order}}, nil
}

type wsAccountUpdate struct {
	Time int64 `json:"E"`
	Data struct {
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
			CrossWallet   string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol     string `json:"s"`
			Amount     string `json:"pa"`
			EntryPrice string `json:"ep"`
			Unrealized string `json:"up"`
			MarginType string `json:"mt"`
		} `json:"P"`
	} `json:"a"`
}

// parseAccountUpdate emits position deltas from the account event. The event
// omits mark price and leverage, so full position snapshots stay a REST
// concern; the delta carries what the venue pushes.
func (a *Adapter) parseAccountUpdate(frame []byte) ([]bus.Event, error) {
	var raw wsAccountUpdate
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode account update"), errs.WithCause(err))
	}

	events := make([]bus.Event, 0, len(raw.Data.Positions)+1)
	if len(raw.Data.Balances) > 0 {
		balance := schema.Balance{
			Currencies: make(map[string]schema.CurrencyBalance, len(raw.Data.Balances)),
			Timestamp:  raw.Time,
		}
		for _, b := range raw.Data.Balances {
			total, err := parseFloat(b.WalletBalance)
			if err != nil {
				return nil, err
			}
			balance.Currencies[b.Asset] = schema.CurrencyBalance{Free: total, Total: total}
			balance.TotalEquity += total
		}
		if err := schema.ValidateBalance(balance); err != nil {
			return nil, err
		}
		events = append(events, bus.Event{Venue: venueName, Type: bus.EventBalance, Payload: balance})
	}

	for _, p := range raw.Data.Positions {
		m, ok := a.marketByID(p.Symbol)
		if !ok {
			continue
		}
		amt, err := parseFloat(p.Amount)
		if err != nil {
			return nil, err
		}
		entry, err := parseFloat(p.EntryPrice)
		if err != nil {
			return nil, err
		}
		upnl, err := parseFloat(p.Unrealized)
		if err != nil {
			return nil, err
		}
		side := schema.PositionLong
		if amt < 0 {
			side = schema.PositionShort
			amt = -amt
		}
		mode := schema.MarginCross
		if strings.EqualFold(p.MarginType, "isolated") {
			mode = schema.MarginIsolated
		}
		pos := schema.Position{
			Symbol:        m.Symbol,
			Side:          side,
			Amount:        amt,
			Contracts:     amt,
			EntryPrice:    entry,
			UnrealizedPnl: upnl,
			MarginMode:    mode,
			Timestamp:     raw.Time,
		}
		events = append(events, bus.Event{Venue: venueName, Symbol: m.Symbol, Type: bus.EventPosition, Payload: pos})
	}
	return events, nil
}

// ---- session management ----

func (a *Adapter) publicSession(ctx context.Context) (*stream.Session, error) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	if a.public != nil {
		return a.public, nil
	}
	sess := stream.NewSession(stream.SessionConfig{
		Venue:     venueName,
		Reconnect: a.cfg.Reconnect,
	}, stream.WebsocketDialer(venueName, a.cfg.WSBaseURL), &publicProtocol{adapter: a}, a.events, a.log)
	if err := sess.Connect(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	a.public = sess
	return sess, nil
}

func (a *Adapter) privateSession(ctx context.Context) (*stream.Session, error) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	if a.private != nil {
		return a.private, nil
	}

	// Each (re)dial acquires a fresh listen key so an expired key cannot wedge
	// the reconnect loop.
	dial := func(ctx context.Context) (stream.Conn, error) {
		key, err := a.createListenKey(ctx)
		if err != nil {
			return nil, err
		}
		return stream.WebsocketDialer(venueName, a.cfg.WSBaseURL+"/"+key)(ctx)
	}

	sess := stream.NewSession(stream.SessionConfig{
		Venue:     venueName,
		Private:   true,
		Reconnect: a.cfg.Reconnect,
	}, dial, &privateProtocol{adapter: a}, a.events, a.log)
	if err := sess.Connect(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	a.private = sess

	stop := make(chan struct{})
	a.keepStop = stop
	go a.keepAliveLoop(stop)
	return sess, nil
}

func (a *Adapter) createListenKey(ctx context.Context) (string, error) {
	body, err := a.call(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode listen key"), errs.WithCause(err))
	}
	if resp.ListenKey == "" {
		return "", errs.New(venueName, errs.CodeAuthentication,
			errs.WithMessage("empty listen key"))
	}
	return resp.ListenKey, nil
}

// keepAliveLoop extends the listen key lease; the venue expires idle keys
// after 60 minutes.
func (a *Adapter) keepAliveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err := a.call(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, false)
			cancel()
			if err != nil {
				a.log.Warn().Err(err).Msg("listen key keepalive failed")
			}
		}
	}
}

// SubscribePublic subscribes a market data channel for the symbol.
func (a *Adapter) SubscribePublic(ctx context.Context, channel, symbol string, params map[string]string) error {
	sub := schema.Subscription{Channel: channel, Symbol: symbol, Params: params}
	if _, err := a.topicFor(sub); err != nil {
		return err
	}
	sess, err := a.publicSession(ctx)
	if err != nil {
		return err
	}
	return sess.Subscribe(sub)
}

// SubscribePrivate attaches the user data stream. The venue pushes all account
// event kinds on one stream; the channel only scopes local dispatch.
func (a *Adapter) SubscribePrivate(ctx context.Context, channel string) error {
	sess, err := a.privateSession(ctx)
	if err != nil {
		return err
	}
	return sess.Subscribe(schema.Subscription{Channel: channel, IsPrivate: true})
}

// Unsubscribe removes a recorded subscription from its session.
func (a *Adapter) Unsubscribe(_ context.Context, sub schema.Subscription) error {
	a.sessMu.Lock()
	sess := a.public
	if sub.IsPrivate {
		sess = a.private
	}
	a.sessMu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Unsubscribe(sub)
}
