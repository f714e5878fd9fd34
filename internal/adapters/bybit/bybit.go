package bybit

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
	defaultRESTBaseURL  = "https://api.bybit.com"
	defaultWSPublicURL  = "wss://stream.bybit.com/v5/public/linear"
	defaultWSPrivateURL = "wss://stream.bybit.com/v5/private"
	defaultRecvWindow   = 5 * time.Second

	category = "linear"
)

// Config carries the adapter wiring. Credentials are optional for public
// market data and required for trading and the private stream.
type Config struct {
	APIKey    string
	APISecret string

	RESTBaseURL  string
	WSPublicURL  string
	WSPrivateURL string

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
	if c.WSPublicURL == "" {
		c.WSPublicURL = defaultWSPublicURL
	}
	if c.WSPrivateURL == "" {
		c.WSPrivateURL = defaultWSPrivateURL
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = defaultRecvWindow
	}
	c.RateLimit.Venue = venueName
	return c
}

// Adapter is the Bybit v5 linear implementation of adapters.Adapter.
type Adapter struct {
	cfg       Config
	transport *adapters.Transport
	limiter   *ratelimit.Limiter
	events    *bus.Bus
	log       zerolog.Logger
	clock     func() time.Time

	marketsMu sync.RWMutex
	markets   *schema.MarketTable

	sessMu  sync.Mutex
	public  *stream.Session
	private *stream.Session

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
			Venue:   venueName,
			Timeout: cfg.Timeout,
			Limiter: limiter,
			Logger:  log,
		}),
		events: bus.New(0),
		log:    log,
		clock:  time.Now,
	}
}

// Venue returns "bybit".
func (a *Adapter) Venue() string { return venueName }

// Events exposes the adapter event bus.
func (a *Adapter) Events() *bus.Bus { return a.events }

// Close stops stream sessions and releases limiter waiters.
func (a *Adapter) Close() {
	a.closed.Do(func() {
		a.sessMu.Lock()
		public, private := a.public, a.private
		a.public, a.private = nil, nil
		a.sessMu.Unlock()

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

// LoadMarkets fetches instrument definitions and (re)builds the market table.
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

// envelope is the v5 REST response wrapper. Venue errors arrive with HTTP 200
// and a non-zero retCode.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// classifyRetCode maps documented v5 return codes onto the taxonomy.
func classifyRetCode(retCode int, retMsg string) *errs.E {
	code := errs.CodeExchange
	switch retCode {
	case 10003, 10004, 10005, 33004:
		code = errs.CodeAuthentication
	case 10006, 10018:
		code = errs.CodeRateLimit
	case 10001:
		code = errs.CodeInvalidOrder
	case 110001, 170213:
		code = errs.CodeOrderNotFound
	case 110007, 110012, 110044:
		code = errs.CodeInsufficientFunds
	case 110003, 110094:
		code = errs.CodeInvalidOrder
	case 10029, 110025:
		code = errs.CodeInvalidSymbol
	}
	return errs.New(venueName, code,
		errs.WithRawCode(strconv.Itoa(retCode)),
		errs.WithRawMessage(retMsg))
}
