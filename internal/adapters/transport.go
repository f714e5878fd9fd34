package adapters

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/keelhq/keel/errs"
	"github.com/keelhq/keel/internal/ratelimit"
)

const defaultCallTimeout = 30 * time.Second

// Classifier maps a venue error response to a taxonomy error. Returning nil
// falls back to status-based classification.
type Classifier func(status int, body []byte) *errs.E

// Transport is the shared REST pipeline: limiter admission, circuit breaker,
// HTTP round trip, throttle signaling, and error classification.
type Transport struct {
	venue    string
	client   *http.Client
	limiter  *ratelimit.Limiter
	breaker  *gobreaker.CircuitBreaker
	classify Classifier
	log      zerolog.Logger
}

// TransportConfig assembles a transport for one venue.
type TransportConfig struct {
	Venue      string
	Timeout    time.Duration
	Limiter    *ratelimit.Limiter
	Classifier Classifier
	Logger     zerolog.Logger
}

// NewTransport builds the venue transport with documented defaults.
func NewTransport(cfg TransportConfig) *Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	client := &http.Client{Timeout: timeout}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     cfg.Venue + "-rest",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Transport{
		venue:    cfg.Venue,
		client:   client,
		limiter:  cfg.Limiter,
		breaker:  breaker,
		classify: cfg.Classifier,
		log:      cfg.Logger.With().Str("venue", cfg.Venue).Logger(),
	}
}

// Do executes the request through the limiter and breaker, returning the
// response body on success. Successful calls report to the limiter; throttle
// rejections grow its backoff and return a retryable error carrying the
// current delay.
func (t *Transport) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := t.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, err
	}

	result, err := t.breaker.Execute(func() (any, error) {
		return t.roundTrip(ctx, req)
	})
	if err != nil {
		var typed *errs.E
		if errors.As(err, &typed) {
			return nil, typed
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errs.New(t.venue, errs.CodeNetwork,
				errs.WithMessage("circuit breaker open"), errs.WithCause(err))
		}
		return nil, errs.New(t.venue, errs.CodeNetwork, errs.WithCause(err))
	}
	t.limiter.ReportSuccess()
	return result.([]byte), nil
}

func (t *Transport) roundTrip(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := t.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errs.New(t.venue, errs.CodeNetwork,
			errs.WithMessage("request failed"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(t.venue, errs.CodeNetwork,
			errs.WithMessage("read response"), errs.WithCause(err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		t.limiter.ReportThrottled()
		opts := []errs.Option{
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("venue throttled request"),
			errs.WithRetryAfter(t.limiter.RetryAfter()),
		}
		if ra := retryAfterHeader(resp); ra > 0 {
			opts = append(opts, errs.WithRetryAfter(ra))
		}
		return nil, errs.New(t.venue, errs.CodeRateLimit, opts...)
	}

	if t.classify != nil {
		if typed := t.classify(resp.StatusCode, body); typed != nil {
			return nil, typed
		}
	}
	return nil, t.fallbackClassify(resp.StatusCode, body)
}

func (t *Transport) fallbackClassify(status int, body []byte) *errs.E {
	code := errs.CodeExchange
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuthentication
	case status == http.StatusNotFound:
		code = errs.CodeOrderNotFound
	case status >= 500:
		code = errs.CodeNetwork
	}
	return errs.New(t.venue, code,
		errs.WithHTTP(status),
		errs.WithRawMessage(truncate(string(body), 512)))
}

func retryAfterHeader(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
