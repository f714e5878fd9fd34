package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/bus"
	"github.com/keelhq/keel/internal/schema"
	"github.com/keelhq/keel/internal/stream"
)

// Unified stream channels and their private counterparts.
const (
	channelTicker    = "ticker"
	channelOrderBook = "orderbook"
	channelTrade     = "trade"
	channelKline     = "kline"

	channelOrder    = "order"
	channelPosition = "position"
	channelWallet   = "balance"
)

// wsAuthWindow bounds how long a signed auth frame stays valid. It must
// outlast the slowest dial and handshake.
const wsAuthWindow = 5 * time.Minute

// topicFor maps a unified subscription to a v5 topic, e.g.
// (kline, BTC/USDT:USDT, interval=5m) -> "kline.5.BTCUSDT".
func (a *Adapter) topicFor(sub schema.Subscription) (string, error) {
	if sub.IsPrivate {
		switch sub.Channel {
		case channelOrder:
			return "order", nil
		case channelPosition:
			return "position", nil
		case channelWallet:
			return "wallet", nil
		default:
			return "", errs.New(venueName, errs.CodeParse,
				errs.WithMessage("unsupported private channel "+sub.Channel))
		}
	}

	m, err := a.market(sub.Symbol)
	if err != nil {
		return "", err
	}
	switch sub.Channel {
	case channelTicker:
		return "tickers." + m.ID, nil
	case channelTrade:
		return "publicTrade." + m.ID, nil
	case channelKline:
		interval := sub.Params["interval"]
		if interval == "" {
			interval = "1m"
		}
		code, err := intervalFor(interval)
		if err != nil {
			return "", err
		}
		return "kline." + code + "." + m.ID, nil
	case channelOrderBook:
		depth := sub.Params["depth"]
		if depth == "" {
			depth = "50"
		}
		return "orderbook." + depth + "." + m.ID, nil
	default:
		return "", errs.New(venueName, errs.CodeParse,
			errs.WithMessage("unsupported stream channel "+sub.Channel))
	}
}

type controlMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

// protocol speaks the v5 stream dialect for both session flavors. Tickers
// arrive as snapshot-then-delta, so the protocol keeps a per-symbol merge
// cache.
type protocol struct {
	adapter *Adapter

	tickerMu sync.Mutex
	tickers  map[string]schema.Ticker
}

func newProtocol(a *Adapter) *protocol {
	return &protocol{adapter: a, tickers: make(map[string]schema.Ticker)}
}

// AuthFrame signs an expiring token over "GET/realtime{expires}".
func (p *protocol) AuthFrame() ([]byte, error) {
	a := p.adapter
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return nil, errs.New(venueName, errs.CodeAuthentication,
			errs.WithMessage("api credentials required"))
	}
	expires := a.clock().Add(wsAuthWindow).UnixMilli()
	mac := hmac.New(sha256.New, []byte(a.cfg.APISecret))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expires, 10)))
	sig := hex.EncodeToString(mac.Sum(nil))

	return json.Marshal(map[string]any{
		"op":   "auth",
		"args": []any{a.cfg.APIKey, expires, sig},
	})
}

func (p *protocol) controlFrame(op string, subs []schema.Subscription) ([]byte, error) {
	topics := make([]string, 0, len(subs))
	for _, sub := range subs {
		topic, err := p.adapter.topicFor(sub)
		if err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return json.Marshal(controlMessage{Op: op, Args: topics})
}

func (p *protocol) SubscribeFrame(subs []schema.Subscription) ([]byte, error) {
	return p.controlFrame("subscribe", subs)
}

func (p *protocol) UnsubscribeFrame(subs []schema.Subscription) ([]byte, error) {
	return p.controlFrame("unsubscribe", subs)
}

type wsEnvelope struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

func (p *protocol) ParseFrame(frame []byte) ([]bus.Event, error) {
	var env wsEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode stream frame"), errs.WithCause(err))
	}

	if env.Op != "" {
		// Operation responses: auth/subscribe acks and pongs.
		if env.Success != nil && !*env.Success {
			code := errs.CodeWebsocket
			if env.Op == "auth" {
				code = errs.CodeAuthentication
			}
			return nil, errs.New(venueName, code,
				errs.WithMessage(env.Op+" rejected"), errs.WithRawMessage(env.RetMsg))
		}
		return nil, nil
	}

	switch {
	case strings.HasPrefix(env.Topic, "tickers."):
		return p.parseTicker(env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return p.parseTrades(env)
	case strings.HasPrefix(env.Topic, "kline."):
		return p.parseKlines(env)
	case strings.HasPrefix(env.Topic, "orderbook."):
		return p.parseOrderBook(env)
	case env.Topic == "order":
		return p.parseOrders(env)
	case env.Topic == "position":
		return p.parsePositions(env)
	case env.Topic == "wallet":
		return p.parseWallet(env)
	default:
		return nil, nil
	}
}

// wsTicker uses pointer fields: delta frames carry only the changed keys.
type wsTicker struct {
	Symbol       string  `json:"symbol"`
	LastPrice    *string `json:"lastPrice"`
	Bid1Price    *string `json:"bid1Price"`
	Bid1Size     *string `json:"bid1Size"`
	Ask1Price    *string `json:"ask1Price"`
	Ask1Size     *string `json:"ask1Size"`
	HighPrice24h *string `json:"highPrice24h"`
	LowPrice24h  *string `json:"lowPrice24h"`
	PrevPrice24h *string `json:"prevPrice24h"`
	Volume24h    *string `json:"volume24h"`
	Turnover24h  *string `json:"turnover24h"`
	Price24hPcnt *string `json:"price24hPcnt"`
}

func mergeField(dst *float64, src *string, scale float64) error {
	if src == nil {
		return nil
	}
	v, err := parseFloat(*src)
	if err != nil {
		return err
	}
	*dst = v * scale
	return nil
}

func (p *protocol) parseTicker(env wsEnvelope) ([]bus.Event, error) {
	var raw wsTicker
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode ticker frame"), errs.WithCause(err))
	}
	m, ok := p.adapter.marketByID(raw.Symbol)
	if !ok {
		return nil, nil
	}

	p.tickerMu.Lock()
	defer p.tickerMu.Unlock()
	ticker := p.tickers[raw.Symbol]
	ticker.Symbol = m.Symbol
	ticker.Timestamp = env.Ts

	for _, f := range []struct {
		dst   *float64
		src   *string
		scale float64
	}{
		{&ticker.Last, raw.LastPrice, 1},
		{&ticker.Bid, raw.Bid1Price, 1},
		{&ticker.BidVolume, raw.Bid1Size, 1},
		{&ticker.Ask, raw.Ask1Price, 1},
		{&ticker.AskVolume, raw.Ask1Size, 1},
		{&ticker.High, raw.HighPrice24h, 1},
		{&ticker.Low, raw.LowPrice24h, 1},
		{&ticker.Open, raw.PrevPrice24h, 1},
		{&ticker.BaseVolume, raw.Volume24h, 1},
		{&ticker.QuoteVolume, raw.Turnover24h, 1},
		{&ticker.Percentage, raw.Price24hPcnt, 100},
	} {
		if err := mergeField(f.dst, f.src, f.scale); err != nil {
			return nil, err
		}
	}
	ticker.Close = ticker.Last
	p.tickers[raw.Symbol] = ticker

	// Deltas arriving before the snapshot cannot form a valid ticker yet.
	if ticker.Last == 0 {
		return nil, nil
	}
	if err := schema.ValidateTicker(ticker); err != nil {
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Symbol: m.Symbol, Type: bus.EventTicker, Payload: ticker}}, nil
}

type wsTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ExecID string `json:"i"`
}

func (p *protocol) parseTrades(env wsEnvelope) ([]bus.Event, error) {
	var raws []wsTrade
	if err := json.Unmarshal(env.Data, &raws); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode trade frame"), errs.WithCause(err))
	}
	events := make([]bus.Event, 0, len(raws))
	for _, raw := range raws {
		m, ok := p.adapter.marketByID(raw.Symbol)
		if !ok {
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
			Timestamp: raw.Time,
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
		events = append(events, bus.Event{Venue: venueName, Symbol: m.Symbol, Type: bus.EventTrade, Payload: trade})
	}
	return events, nil
}

type wsKline struct {
	Start  int64  `json:"start"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func (p *protocol) parseKlines(env wsEnvelope) ([]bus.Event, error) {
	// Topic is "kline.<interval>.<symbol>".
	parts := strings.SplitN(env.Topic, ".", 3)
	if len(parts) != 3 {
		return nil, errs.Parse(venueName, "malformed kline topic "+env.Topic)
	}
	m, ok := p.adapter.marketByID(parts[2])
	if !ok {
		return nil, nil
	}

	var raws []wsKline
	if err := json.Unmarshal(env.Data, &raws); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode kline frame"), errs.WithCause(err))
	}
	events := make([]bus.Event, 0, len(raws))
	for _, raw := range raws {
		k := schema.Kline{Symbol: m.Symbol, Timestamp: raw.Start}
		var err error
		for i, dst := range []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume} {
			src := []string{raw.Open, raw.High, raw.Low, raw.Close, raw.Volume}[i]
			if *dst, err = parseFloat(src); err != nil {
				return nil, err
			}
		}
		if err := schema.ValidateKline(k); err != nil {
			return nil, err
		}
		events = append(events, bus.Event{Venue: venueName, Symbol: m.Symbol, Type: bus.EventKline, Payload: k})
	}
	return events, nil
}

func (p *protocol) parseOrderBook(env wsEnvelope) ([]bus.Event, error) {
	// Snapshot frames carry the full book; delta maintenance is a consumer
	// concern, so only snapshots become events.
	if env.Type != "snapshot" {
		return nil, nil
	}
	var raw restOrderBook
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode orderbook frame"), errs.WithCause(err))
	}
	m, ok := p.adapter.marketByID(raw.Symbol)
	if !ok {
		return nil, nil
	}
	bids, err := parseBookSide(raw.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseBookSide(raw.Asks)
	if err != nil {
		return nil, err
	}
	book := schema.OrderBook{
		Symbol:    m.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: env.Ts,
		Nonce:     raw.Nonce,
	}
	if err := schema.ValidateOrderBook(book); err != nil {
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Symbol: m.Symbol, Type: bus.EventOrderBook, Payload: book}}, nil
}

func (p *protocol) parseOrders(env wsEnvelope) ([]bus.Event, error) {
	var raws []restOrder
	if err := json.Unmarshal(env.Data, &raws); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode order frame"), errs.WithCause(err))
	}
	a := p.adapter
	events := make([]bus.Event, 0, len(raws))
	for _, raw := range raws {
		m, ok := a.marketByID(raw.Symbol)
		if !ok {
			continue
		}
		order, err := a.normalizeOrder(m, raw)
		if err != nil {
			return nil, err
		}
		events = append(events, bus.Event{Venue: venueName, Symbol: m.Symbol, Type: bus.EventOrder, Payload: order})
	}
	return events, nil
}

func (p *protocol) parsePositions(env wsEnvelope) ([]bus.Event, error) {
	var raws []restPosition
	if err := json.Unmarshal(env.Data, &raws); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode position frame"), errs.WithCause(err))
	}
	a := p.adapter
	events := make([]bus.Event, 0, len(raws))
	for _, raw := range raws {
		m, ok := a.marketByID(raw.Symbol)
		if !ok {
			continue
		}
		size, err := parseFloat(raw.Size)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			// Flat update after a close: emit nothing, REST remains the
			// source of truth for the absence of a position.
			continue
		}
		pos, err := a.normalizePosition(m, raw, size)
		if err != nil {
			return nil, err
		}
		events = append(events, bus.Event{Venue: venueName, Symbol: m.Symbol, Type: bus.EventPosition, Payload: pos})
	}
	return events, nil
}

func (p *protocol) parseWallet(env wsEnvelope) ([]bus.Event, error) {
	var raws []walletAccount
	if err := json.Unmarshal(env.Data, &raws); err != nil {
		return nil, errs.New(venueName, errs.CodeParse,
			errs.WithMessage("decode wallet frame"), errs.WithCause(err))
	}
	if len(raws) == 0 {
		return nil, nil
	}
	acct := raws[0]

	balance := schema.Balance{
		Currencies: make(map[string]schema.CurrencyBalance, len(acct.Coin)),
		Timestamp:  env.Ts,
	}
	var err error
	if balance.TotalEquity, err = parseFloat(acct.TotalEquity); err != nil {
		return nil, err
	}
	if balance.AvailableMargin, err = parseFloat(acct.TotalAvailableBalance); err != nil {
		return nil, err
	}
	if balance.UsedMargin, err = parseFloat(acct.TotalInitialMargin); err != nil {
		return nil, err
	}
	if balance.UnrealizedPnl, err = parseFloat(acct.TotalPerpUPL); err != nil {
		return nil, err
	}
	for _, coin := range acct.Coin {
		total, err := parseFloat(coin.WalletBalance)
		if err != nil {
			return nil, err
		}
		locked, err := parseFloat(coin.Locked)
		if err != nil {
			return nil, err
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
		return nil, err
	}
	return []bus.Event{{Venue: venueName, Type: bus.EventBalance, Payload: balance}}, nil
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
	}, stream.WebsocketDialer(venueName, a.cfg.WSPublicURL), newProtocol(a), a.events, a.log)
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
	sess := stream.NewSession(stream.SessionConfig{
		Venue:     venueName,
		Private:   true,
		Reconnect: a.cfg.Reconnect,
	}, stream.WebsocketDialer(venueName, a.cfg.WSPrivateURL), newProtocol(a), a.events, a.log)
	if err := sess.Connect(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	a.private = sess
	return sess, nil
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

// SubscribePrivate subscribes a private channel ("order", "position",
// "balance") on the authenticated session.
func (a *Adapter) SubscribePrivate(ctx context.Context, channel string) error {
	sub := schema.Subscription{Channel: channel, IsPrivate: true}
	if _, err := a.topicFor(sub); err != nil {
		return err
	}
	sess, err := a.privateSession(ctx)
	if err != nil {
		return err
	}
	return sess.Subscribe(sub)
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
