// Package config loads swarm settings from TOML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full set of swarm settings.
type Config struct {
	Auction   AuctionConfig   `toml:"auction"`
	Registry  RegistryConfig  `toml:"registry"`
	Bus       BusConfig       `toml:"bus"`
	Store     StoreConfig     `toml:"store"`
	Results   ResultsConfig   `toml:"results"`
	Alerts    AlertsConfig    `toml:"alerts"`
	Facade    FacadeConfig    `toml:"facade"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// AuctionConfig controls bidding rounds and result waits.
type AuctionConfig struct {
	// Window is how long an auction accepts bids.
	Window Duration `toml:"window"`

	// ResultTimeout is the ceiling on how long a winner may take.
	ResultTimeout Duration `toml:"result_timeout"`

	// EstimateMultiplier scales the winner's estimated duration into its
	// result timeout. Zero means always use ResultTimeout.
	EstimateMultiplier float64 `toml:"estimate_multiplier"`

	// EarlyCloseOnFullParticipation closes an auction as soon as every
	// worker eligible at open time has bid.
	EarlyCloseOnFullParticipation bool `toml:"early_close_on_full_participation"`

	// FallbackToRunnerUp reassigns a timed-out task to the next ranked bid.
	FallbackToRunnerUp bool `toml:"fallback_to_runner_up"`
}

// RegistryConfig controls worker liveness.
type RegistryConfig struct {
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
	SweepInterval    Duration `toml:"sweep_interval"`
}

// BusConfig selects and tunes the message bus.
type BusConfig struct {
	Backend    string `toml:"backend"` // memory | nats
	BufferSize int    `toml:"buffer_size"`
	NATSURL    string `toml:"nats_url"`
	Name       string `toml:"name"`
}

// StoreConfig selects the key-value store behind the registry mirror and results.
type StoreConfig struct {
	Backend string `toml:"backend"` // memory | nats
	Bucket  string `toml:"bucket"`
}

// ResultsConfig controls the outcome archive.
type ResultsConfig struct {
	Retention Duration `toml:"retention"`
}

// AlertsConfig throttles and bounds worker alerts.
type AlertsConfig struct {
	Rate     float64 `toml:"rate"` // per worker, alerts/sec
	Burst    int     `toml:"burst"`
	Capacity int     `toml:"capacity"`
}

// FacadeConfig controls what the facade exposes.
type FacadeConfig struct {
	Visible bool `toml:"visible"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig configures the OTLP trace exporter. An empty endpoint
// disables export.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"` // grpc | http
	ServiceName string  `toml:"service_name"`
	Insecure    bool    `toml:"insecure"`
	SampleRate  float64 `toml:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Auction: AuctionConfig{
			Window:             Duration{5 * time.Second},
			ResultTimeout:      Duration{5 * time.Minute},
			EstimateMultiplier: 2.0,
		},
		Registry: RegistryConfig{
			HeartbeatTimeout: Duration{30 * time.Second},
			SweepInterval:    Duration{5 * time.Second},
		},
		Bus: BusConfig{
			Backend:    "memory",
			BufferSize: 256,
			Name:       "swarmd",
		},
		Store: StoreConfig{
			Backend: "memory",
			Bucket:  "swarm",
		},
		Results: ResultsConfig{
			Retention: Duration{time.Hour},
		},
		Alerts: AlertsConfig{
			Rate:     5,
			Burst:    10,
			Capacity: 1024,
		},
		Log: LogConfig{Level: "INFO"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "swarmd",
			SampleRate:  1.0,
		},
	}
}

// LoadFile reads a TOML file over the defaults, then applies the environment.
func LoadFile(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML content over the defaults, then applies the environment.
func Parse(content string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// FromEnv overlays recognised environment variables onto cfg.
func FromEnv(cfg *Config) error {
	secs := func(name string, dst *Duration) error {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: expected positive seconds, got %q", name, v)
		}
		dst.Duration = time.Duration(n * float64(time.Second))
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
		return nil
	}

	if err := secs("SWARM_AUCTION_TIMEOUT_SECS", &cfg.Auction.Window); err != nil {
		return err
	}
	if err := secs("SWARM_HEARTBEAT_TIMEOUT_SECS", &cfg.Registry.HeartbeatTimeout); err != nil {
		return err
	}
	if err := secs("SWARM_RESULT_TIMEOUT_SECS", &cfg.Auction.ResultTimeout); err != nil {
		return err
	}
	if err := flag("SWARM_EARLY_CLOSE", &cfg.Auction.EarlyCloseOnFullParticipation); err != nil {
		return err
	}
	if err := flag("SWARM_FALLBACK_RUNNER_UP", &cfg.Auction.FallbackToRunnerUp); err != nil {
		return err
	}
	if err := flag("SWARM_VISIBLE", &cfg.Facade.Visible); err != nil {
		return err
	}
	if v := os.Getenv("SWARM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Auction.Window.Duration <= 0:
		return fmt.Errorf("auction.window must be positive")
	case c.Auction.ResultTimeout.Duration <= 0:
		return fmt.Errorf("auction.result_timeout must be positive")
	case c.Auction.EstimateMultiplier < 0:
		return fmt.Errorf("auction.estimate_multiplier must not be negative")
	case c.Registry.HeartbeatTimeout.Duration <= 0:
		return fmt.Errorf("registry.heartbeat_timeout must be positive")
	case c.Registry.SweepInterval.Duration <= 0:
		return fmt.Errorf("registry.sweep_interval must be positive")
	case c.Bus.BufferSize < 1:
		return fmt.Errorf("bus.buffer_size must be at least 1")
	case c.Alerts.Rate <= 0 || c.Alerts.Burst < 1:
		return fmt.Errorf("alerts.rate and alerts.burst must be positive")
	case c.Alerts.Capacity < 1:
		return fmt.Errorf("alerts.capacity must be at least 1")
	case c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1:
		return fmt.Errorf("telemetry.sample_rate must be within [0, 1]")
	}

	switch c.Bus.Backend {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.nats_url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}

	switch c.Store.Backend {
	case "memory":
	case "nats":
		if c.Bus.NATSURL == "" {
			return fmt.Errorf("bus.nats_url is required for the nats store")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("unknown telemetry.protocol %q", c.Telemetry.Protocol)
	}
	return nil
}
