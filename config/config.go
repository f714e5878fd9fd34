// Package config centralises runtime configuration for keel services.
// Settings resolve in three layers: built-in defaults, an optional YAML
// file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML parses either a duration string or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return fmt.Errorf("config: duration must be a string or integer, got %T", raw)
	}
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Venue configures one exchange adapter.
type Venue struct {
	RESTBaseURL  string    `yaml:"rest_base_url"`
	WSPublicURL  string    `yaml:"ws_public_url"`
	WSPrivateURL string    `yaml:"ws_private_url"`
	APIKey       string    `yaml:"api_key"`
	APISecret    string    `yaml:"api_secret"`
	HTTPTimeout  Duration  `yaml:"http_timeout"`
	RecvWindow   Duration  `yaml:"recv_window"`
	RateLimit    RateLimit `yaml:"rate_limit"`
	Reconnect    Reconnect `yaml:"reconnect"`
}

// RateLimit configures the per-venue admission window.
type RateLimit struct {
	MaxRequests    int      `yaml:"max_requests"`
	Window         Duration `yaml:"window"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	MaxRetries     int      `yaml:"max_retries"`
}

// Reconnect configures stream reconnect backoff.
type Reconnect struct {
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Monitor configures the observability core.
type Monitor struct {
	HTTPAddr        string   `yaml:"http_addr"`
	HealthInterval  Duration `yaml:"health_interval"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	DedupeWindow    Duration `yaml:"dedupe_window"`
	MaxAlertHistory int      `yaml:"max_alert_history"`
}

// Telemetry configures the OTLP metric export.
type Telemetry struct {
	OTLPEndpoint   string   `yaml:"otlp_endpoint"`
	ServiceName    string   `yaml:"service_name"`
	ExportInterval Duration `yaml:"export_interval"`
}

// Postgres configures the relational store. The DSN may embed credentials
// and must never be logged.
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// Checkpoint selects the checkpoint backend.
type Checkpoint struct {
	Backend string `yaml:"backend"` // file | postgres
	Dir     string `yaml:"dir"`
}

// Ingest configures the historical download plan.
type Ingest struct {
	Venues       []string `yaml:"venues"`
	Symbols      []string `yaml:"symbols"`
	DataTypes    []string `yaml:"data_types"`
	StartTime    string   `yaml:"start_time"` // RFC 3339
	EndTime      string   `yaml:"end_time"`   // RFC 3339
	BatchSize    int      `yaml:"batch_size"`
	Concurrency  int      `yaml:"concurrency"`
	RequestDelay Duration `yaml:"request_delay"`
}

// ChannelBase is shared by every notification channel.
type ChannelBase struct {
	Enabled  bool   `yaml:"enabled"`
	MinLevel string `yaml:"min_level"`
}

// Notify configures the alert delivery channels.
type Notify struct {
	Console ChannelBase `yaml:"console"`
	Webhook struct {
		ChannelBase `yaml:",inline"`
		URL         string `yaml:"url"`
	} `yaml:"webhook"`
	Email struct {
		ChannelBase `yaml:",inline"`
		Host        string   `yaml:"host"`
		Port        int      `yaml:"port"`
		Username    string   `yaml:"username"`
		Password    string   `yaml:"password"`
		From        string   `yaml:"from"`
		To          []string `yaml:"to"`
	} `yaml:"email"`
	Telegram struct {
		ChannelBase `yaml:",inline"`
		Token       string `yaml:"token"`
		ChatID      string `yaml:"chat_id"`
	} `yaml:"telegram"`
	GroupBot struct {
		ChannelBase `yaml:",inline"`
		WebhookURL  string `yaml:"webhook_url"`
		Secret      string `yaml:"secret"`
	} `yaml:"group_bot"`
}

// Settings is the keel configuration tree.
type Settings struct {
	Environment string           `yaml:"environment"`
	LogLevel    string           `yaml:"log_level"`
	Monitor     Monitor          `yaml:"monitor"`
	Telemetry   Telemetry        `yaml:"telemetry"`
	Postgres    Postgres         `yaml:"postgres"`
	Checkpoint  Checkpoint       `yaml:"checkpoint"`
	Ingest      Ingest           `yaml:"ingest"`
	Venues      map[string]Venue `yaml:"venues"`
	Notify      Notify           `yaml:"notify"`
}

// Default returns the built-in configuration.
func Default() Settings {
	s := Settings{
		Environment: "prod",
		LogLevel:    "info",
		Monitor: Monitor{
			HTTPAddr:        ":9600",
			HealthInterval:  Duration(30 * time.Second),
			SweepInterval:   Duration(time.Minute),
			DedupeWindow:    Duration(5 * time.Minute),
			MaxAlertHistory: 1000,
		},
		Telemetry: Telemetry{
			ServiceName:    "keel",
			ExportInterval: Duration(15 * time.Second),
		},
		Checkpoint: Checkpoint{
			Backend: "file",
			Dir:     "checkpoints",
		},
		Ingest: Ingest{
			DataTypes:    []string{"kline"},
			BatchSize:    1000,
			Concurrency:  3,
			RequestDelay: Duration(200 * time.Millisecond),
		},
		Venues: map[string]Venue{
			"binance": {
				RESTBaseURL:  "https://fapi.binance.com",
				WSPublicURL:  "wss://fstream.binance.com/stream",
				WSPrivateURL: "wss://fstream.binance.com/ws",
				HTTPTimeout:  Duration(30 * time.Second),
				RecvWindow:   Duration(5 * time.Second),
			},
			"bybit": {
				RESTBaseURL:  "https://api.bybit.com",
				WSPublicURL:  "wss://stream.bybit.com/v5/public/linear",
				WSPrivateURL: "wss://stream.bybit.com/v5/private",
				HTTPTimeout:  Duration(30 * time.Second),
				RecvWindow:   Duration(5 * time.Second),
			},
		},
	}
	s.Notify.Console.Enabled = true
	return s
}

// Load resolves settings: defaults, then the YAML file at path (when not
// empty), then environment variables.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	s.applyEnv()
	return s, nil
}

// Venue returns the settings for a venue name, case-insensitively.
func (s Settings) Venue(name string) (Venue, bool) {
	v, ok := s.Venues[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

func (s *Settings) applyEnv() {
	setString(&s.Environment, "KEEL_ENV")
	setString(&s.LogLevel, "KEEL_LOG_LEVEL")
	setString(&s.Monitor.HTTPAddr, "KEEL_HTTP_ADDR")
	setString(&s.Postgres.DSN, "KEEL_PG_DSN")
	setString(&s.Checkpoint.Backend, "KEEL_CHECKPOINT_BACKEND")
	setString(&s.Checkpoint.Dir, "KEEL_CHECKPOINT_DIR")
	setString(&s.Telemetry.OTLPEndpoint, "KEEL_OTLP_ENDPOINT")

	for name, envPrefix := range map[string]string{
		"binance": "BINANCE",
		"bybit":   "BYBIT",
	} {
		v, ok := s.Venues[name]
		if !ok {
			continue
		}
		setString(&v.APIKey, envPrefix+"_API_KEY")
		setString(&v.APISecret, envPrefix+"_API_SECRET")
		setString(&v.RESTBaseURL, envPrefix+"_REST_BASE_URL")
		setString(&v.WSPublicURL, envPrefix+"_WS_PUBLIC_URL")
		setString(&v.WSPrivateURL, envPrefix+"_WS_PRIVATE_URL")
		s.Venues[name] = v
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
