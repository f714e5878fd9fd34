package binance

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/adapters"
	"github.com/keelhq/keel/internal/bus"
	"github.com/keelhq/keel/internal/ratelimit"
	"github.com/keelhq/keel/internal/schema"
	"github.com/keelhq/keel/internal/stream"
)

const (
	defaultRESTBaseURL = "https://fapi.binance.com"
	defaultWSBaseURL   = "wss://fstream.binance.com/ws"
	defaultRecvWindow  = 5 * time.Second
	listenKeyKeepalive = 30 * time.Minute
)

// Config carries the adapter wiring. Credentials are optional for public
// market data and required for trading and the user data stream.
type Config struct {
	APIKey    string
	APISecret string

	RESTBaseURL string
	WSBaseURL   string

	Timeout    time.Duration
	RecvWindow time.Duration
	RateLimit  ratelimit.Config
	Reconnect  stream.ReconnectConfig

	Logger zerolog.Logger
}

func (c Config) normalize() Config {
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = defaultRESTBaseURL
	}
	if c.WSBaseURL == "" {
		c.WSBaseURL = defaultWSBaseURL
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = defaultRecvWindow
	}
	c.RateLimit.Venue = venueName
	return c
}

// Adapter is the Binance USDⓈ-M futures implementation of adapters.Adapter.
type Adapter struct {
	cfg       Config
	transport *adapters.Transport
	limiter   *ratelimit.Limiter
	events    *bus.Bus
	log       zerolog.Logger
	clock     func() time.Time

	marketsMu sync.RWMutex
	markets   *schema.MarketTable

	sessMu   sync.Mutex
	public   *stream.Session
	private  *stream.Session
	keepStop chan struct{}

	closed sync.Once
}

var _ adapters.Adapter = (*Adapter)(nil)

// New constructs the adapter. LoadMarkets must run before symbol-addressed
// operations.
func New(cfg Config) *Adapter {
	cfg = cfg.normalize()
	limiter := ratelimit.New(cfg.RateLimit)
	log := cfg.Logger.With().Str("venue", venueName).Logger()
	return &Adapter{
		cfg:     cfg,
		limiter: limiter,
		transport: adapters.NewTransport(adapters.TransportConfig{
			Venue:      venueName,
			Timeout:    cfg.Timeout,
			Limiter:    limiter,
			Classifier: classify,
			Logger:     log,
		}),
		events: bus.New(0),
		log:    log,
		clock:  time.Now,
	}
}

// Venue returns "binance".
func (a *Adapter) Venue() string { return venueName }

// Events exposes the adapter event bus.
func (a *Adapter) Events() *bus.Bus { return a.events }

// Close stops stream sessions and releases limiter waiters.
func (a *Adapter) Close() {
	a.closed.Do(func() {
		a.sessMu.Lock()
		public, private, keepStop := a.public, a.private, a.keepStop
		a.public, a.private, a.keepStop = nil, nil, nil
		a.sessMu.Unlock()

		if keepStop != nil {
			close(keepStop)
		}
		if public != nil {
			public.Close()
		}
		if private != nil {
			private.Close()
		}
		a.limiter.Close()
		a.events.Close()
	})
}

// LoadMarkets fetches exchangeInfo and (re)builds the market table.
func (a *Adapter) LoadMarkets(ctx context.Context) (*schema.MarketTable, error) {
	markets, err := a.FetchMarkets(ctx)
	if err != nil {
		return nil, err
	}
	table := schema.NewMarketTable(markets)
	a.marketsMu.Lock()
	a.markets = table
	a.marketsMu.Unlock()
	a.log.Info().Int("markets", table.Len()).Msg("market table loaded")
	return table, nil
}

func (a *Adapter) marketTable() *schema.MarketTable {
	a.marketsMu.RLock()
	defer a.marketsMu.RUnlock()
	return a.markets
}

// market resolves a canonical symbol against the loaded table.
func (a *Adapter) market(symbol string) (schema.Market, error) {
	table := a.marketTable()
	if table == nil {
		return schema.Market{}, errs.New(venueName, errs.CodeExchange,
			errs.WithMessage("markets not loaded, call LoadMarkets first"))
	}
	m, ok := table.BySymbol(symbol)
	if !ok {
		return schema.Market{}, errs.InvalidSymbol(venueName, symbol)
	}
	return m, nil
}

func (a *Adapter) marketByID(id string) (schema.Market, bool) {
	table := a.marketTable()
	if table == nil {
		return schema.Market{}, false
	}
	return table.ByID(id)
}

// apiError is the venue error envelope: {"code":-2011,"msg":"..."}.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps documented venue error codes onto the taxonomy.
func classify(status int, body []byte) *errs.E {
	var venueErr apiError
	if err := json.Unmarshal(body, &venueErr); err != nil || venueErr.Code == 0 {
		return nil
	}

	code := errs.CodeExchange
	switch venueErr.Code {
	case -1021, -1022, -2014, -2015:
		code = errs.CodeAuthentication
	case -2011, -2013:
		code = errs.CodeOrderNotFound
	case -2018, -2019:
		code = errs.CodeInsufficientFunds
	case -1111, -1116, -1117, -4164:
		code = errs.CodeInvalidOrder
	case -1121:
		code = errs.CodeInvalidSymbol
	case -1003:
		code = errs.CodeRateLimit
	}
	return errs.New(venueName, code,
		errs.WithHTTP(status),
		errs.WithRawCode(strconv.Itoa(venueErr.Code)),
		errs.WithRawMessage(venueErr.Msg))
}
