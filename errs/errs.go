// Package errs provides structured error types shared across the Keel runtime.
package errs

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category in the venue error taxonomy.
type Code string

const (
	// CodeAuthentication indicates bad credentials or an expired signature.
	CodeAuthentication Code = "authentication_error"
	// CodeInsufficientFunds indicates the order would exceed balance or margin.
	CodeInsufficientFunds Code = "insufficient_funds"
	// CodeInvalidOrder indicates parameters violate venue constraints.
	CodeInvalidOrder Code = "invalid_order"
	// CodeOrderNotFound indicates an unknown order id.
	CodeOrderNotFound Code = "order_not_found"
	// CodeRateLimit indicates the venue rejected the request with a throttle.
	CodeRateLimit Code = "rate_limit_exceeded"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network_error"
	// CodeExchange indicates a venue-reported semantic error.
	CodeExchange Code = "exchange_error"
	// CodeInvalidSymbol indicates an unknown trading pair.
	CodeInvalidSymbol Code = "invalid_symbol"
	// CodeWebsocket indicates a stream-level failure.
	CodeWebsocket Code = "websocket_error"
	// CodeParse indicates normalization or schema validation failed.
	CodeParse Code = "parse_error"
	// CodeUnknown captures unclassified failures.
	CodeUnknown Code = "unknown_error"
)

// retryable reports whether the category is retryable by taxonomy.
func (c Code) retryable() bool {
	switch c {
	case CodeRateLimit, CodeNetwork, CodeWebsocket:
		return true
	default:
		return false
	}
}

// E captures structured error information produced across the Keel stack.
type E struct {
	Venue      string
	Code       Code
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	Symbol     string
	OrderID    string
	Retryable  bool
	RetryAfter time.Duration

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and error code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:     strings.TrimSpace(venue),
		Code:      code,
		Retryable: code.retryable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw venue error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithSymbol records the canonical symbol the failed call referred to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithOrderID records the order id the failed call referred to.
func WithOrderID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithRetryable overrides the taxonomy-derived retryability of the envelope.
func WithRetryable(retryable bool) Option {
	return func(e *E) {
		e.Retryable = retryable
	}
}

// WithRetryAfter records how long the caller should wait before retrying.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnknown)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.OrderID != "" {
		parts = append(parts, "order_id="+e.OrderID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.Retryable {
		parts = append(parts, "retryable=true")
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is matches errors by taxonomy code so callers can use errors.Is with sentinels.
func (e *E) Is(target error) bool {
	other, ok := target.(*E)
	if !ok || other == nil || e == nil {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the taxonomy code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the error chain carries a retryable envelope.
func IsRetryable(err error) bool {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Retryable
	}
	return false
}

// RetryAfterOf extracts the suggested retry delay from an error chain, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *E
	if errors.As(err, &e) && e != nil && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// Parse returns a standardized normalization failure for the venue.
func Parse(venue, msg string) *E {
	return New(venue, CodeParse, WithMessage(msg))
}

// InvalidSymbol returns a standardized unknown-symbol failure.
func InvalidSymbol(venue, symbol string) *E {
	return New(venue, CodeInvalidSymbol, WithSymbol(symbol), WithMessage("unknown symbol"))
}
