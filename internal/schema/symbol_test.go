package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	parsed, err := ParseSymbol("BTC/USDT:USDT")
	require.NoError(t, err)
	require.Equal(t, ParsedSymbol{Base: "BTC", Quote: "USDT", Settle: "USDT"}, parsed)

	parsed, err = ParseSymbol("ETH/BTC")
	require.NoError(t, err)
	require.Equal(t, ParsedSymbol{Base: "ETH", Quote: "BTC"}, parsed)

	for _, bad := range []string{"", "BTCUSDT", "btc/usdt", "BTC/", "/USDT", "BTC/USDT:"} {
		_, err := ParseSymbol(bad)
		require.Error(t, err, "symbol %q", bad)
	}
}

func TestFormatAndMungeSymbol(t *testing.T) {
	require.Equal(t, "BTC/USDT:USDT", FormatSymbol("btc", "usdt", "usdt"))
	require.Equal(t, "ETH/BTC", FormatSymbol("ETH", "BTC", ""))
	require.Equal(t, "BTC_USDT_USDT", MungeSymbol("BTC/USDT:USDT"))
}

func TestSubscriptionKeyCanonicalParams(t *testing.T) {
	a := Subscription{Channel: "kline", Symbol: "BTC/USDT:USDT", Params: map[string]string{"interval": "1m", "depth": "20"}}
	b := Subscription{Channel: "kline", Symbol: "BTC/USDT:USDT", Params: map[string]string{"depth": "20", "interval": "1m"}}
	require.Equal(t, a.Key(), b.Key())

	c := Subscription{Channel: "kline", Symbol: "ETH/USDT:USDT", Params: map[string]string{"interval": "1m"}}
	require.NotEqual(t, a.Key(), c.Key())
}

func TestMarketTableLookups(t *testing.T) {
	table := NewMarketTable([]Market{
		{ID: "BTCUSDT", Symbol: "BTC/USDT:USDT"},
		{ID: "ETHUSDT", Symbol: "ETH/USDT:USDT"},
	})

	m, ok := table.BySymbol("BTC/USDT:USDT")
	require.True(t, ok)
	require.Equal(t, "BTCUSDT", m.ID)

	m, ok = table.ByID("ETHUSDT")
	require.True(t, ok)
	require.Equal(t, "ETH/USDT:USDT", m.Symbol)

	_, ok = table.BySymbol("DOGE/USDT:USDT")
	require.False(t, ok)
	require.Equal(t, 2, table.Len())
}
