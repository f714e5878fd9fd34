package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultProvidesVenueSettings(t *testing.T) {
	cfg := Default()
	require.Equal(t, "prod", cfg.Environment)

	binance, ok := cfg.Venue("binance")
	require.True(t, ok)
	require.Equal(t, "https://fapi.binance.com", binance.RESTBaseURL)
	require.Equal(t, 30*time.Second, binance.HTTPTimeout.Std())

	bybit, ok := cfg.Venue("BYBIT")
	require.True(t, ok, "venue lookup is case-insensitive")
	require.Equal(t, "https://api.bybit.com", bybit.RESTBaseURL)

	_, ok = cfg.Venue("okx")
	require.False(t, ok)

	require.True(t, cfg.Notify.Console.Enabled)
	require.Equal(t, 3, cfg.Ingest.Concurrency)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
log_level: debug
monitor:
  http_addr: ":9700"
  health_interval: 10s
venues:
  binance:
    rest_base_url: https://binance.test
    http_timeout: 5s
ingest:
  symbols: [BTC/USDT:USDT, ETH/USDT:USDT]
  batch_size: 500
notify:
  webhook:
    enabled: true
    min_level: warning
    url: https://hooks.test/keel
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Environment)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, ":9700", cfg.Monitor.HTTPAddr)
	require.Equal(t, 10*time.Second, cfg.Monitor.HealthInterval.Std())
	// Untouched defaults survive the overlay.
	require.Equal(t, time.Minute, cfg.Monitor.SweepInterval.Std())

	binance, _ := cfg.Venue("binance")
	require.Equal(t, "https://binance.test", binance.RESTBaseURL)
	require.Equal(t, 5*time.Second, binance.HTTPTimeout.Std())

	require.Equal(t, []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}, cfg.Ingest.Symbols)
	require.Equal(t, 500, cfg.Ingest.BatchSize)

	require.True(t, cfg.Notify.Webhook.Enabled)
	require.Equal(t, "warning", cfg.Notify.Webhook.MinLevel)
	require.Equal(t, "https://hooks.test/keel", cfg.Notify.Webhook.URL)
}

func TestLoadRejectsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitor: [not a map"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("KEEL_ENV", "dev")
	t.Setenv("KEEL_HTTP_ADDR", ":9800")
	t.Setenv("KEEL_PG_DSN", "postgres://keel:pw@localhost:5432/keel")
	t.Setenv("BINANCE_API_KEY", "key-from-env")
	t.Setenv("BINANCE_API_SECRET", "secret-from-env")
	t.Setenv("BYBIT_REST_BASE_URL", "https://bybit.test")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "dev", cfg.Environment)
	require.Equal(t, ":9800", cfg.Monitor.HTTPAddr)
	require.Equal(t, "postgres://keel:pw@localhost:5432/keel", cfg.Postgres.DSN)

	binance, _ := cfg.Venue("binance")
	require.Equal(t, "key-from-env", binance.APIKey)
	require.Equal(t, "secret-from-env", binance.APISecret)

	bybit, _ := cfg.Venue("bybit")
	require.Equal(t, "https://bybit.test", bybit.RESTBaseURL)
}

func TestDurationUnmarshalForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
monitor:
  health_interval: 1m30s
  sweep_interval: 5000000000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Monitor.HealthInterval.Std())
	require.Equal(t, 5*time.Second, cfg.Monitor.SweepInterval.Std())

	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  health_interval: fast\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}
