package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := New("binance", CodeInvalidOrder,
		WithHTTP(400),
		WithSymbol("BTC/USDT:USDT"),
		WithOrderID("123"),
		WithMessage("price below tick size"),
		WithRawCode("-4014"),
	)
	msg := err.Error()
	require.Contains(t, msg, "venue=binance")
	require.Contains(t, msg, "code=invalid_order")
	require.Contains(t, msg, "http=400")
	require.Contains(t, msg, "symbol=BTC/USDT:USDT")
	require.Contains(t, msg, "order_id=123")
	require.Contains(t, msg, `raw_code="-4014"`)
	require.NotContains(t, msg, "retryable")
}

func TestRetryableByTaxonomy(t *testing.T) {
	cases := map[Code]bool{
		CodeAuthentication:    false,
		CodeInsufficientFunds: false,
		CodeInvalidOrder:      false,
		CodeOrderNotFound:     false,
		CodeRateLimit:         true,
		CodeNetwork:           true,
		CodeExchange:          false,
		CodeInvalidSymbol:     false,
		CodeWebsocket:         true,
		CodeParse:             false,
		CodeUnknown:           false,
	}
	for code, want := range cases {
		require.Equal(t, want, IsRetryable(New("bybit", code)), "code %s", code)
	}
}

func TestCodeOfUnwrapsChain(t *testing.T) {
	inner := New("binance", CodeRateLimit, WithRetryAfter(2*time.Second))
	wrapped := fmt.Errorf("fetch klines: %w", inner)

	require.Equal(t, CodeRateLimit, CodeOf(wrapped))
	require.True(t, IsRetryable(wrapped))

	after, ok := RetryAfterOf(wrapped)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, after)
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New("okx", CodeOrderNotFound, WithOrderID("42")))
	require.True(t, errors.Is(err, New("", CodeOrderNotFound)))
	require.False(t, errors.Is(err, New("", CodeInvalidOrder)))
}

func TestCodeOfPlainError(t *testing.T) {
	require.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	require.False(t, IsRetryable(errors.New("boom")))
}
