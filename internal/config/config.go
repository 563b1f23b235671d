// Package config loads the service configuration from YAML and applies
// environment overrides. Risk limits live in their own file (see
// risk.LoadFile) so they can be hot-reloaded independently.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/atmx/spot-engine/internal/risk"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Execution venues.
const (
	VenueSimulator = "simulator"
	VenueAlpaca    = "alpaca"
)

var validate = validator.New()

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level service configuration.
type Config struct {
	Server       Server       `yaml:"server"`
	Storage      Storage      `yaml:"storage"`
	Redis        Redis        `yaml:"redis"`
	Execution    Execution    `yaml:"execution"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Ledger       Ledger       `yaml:"ledger"`
	Risk         Risk         `yaml:"risk"`
	Logging      Logging      `yaml:"logging"`
	Tracing      Tracing      `yaml:"tracing"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     risk.Duration `yaml:"read_timeout"`
	WriteTimeout    risk.Duration `yaml:"write_timeout"`
	ShutdownTimeout risk.Duration `yaml:"shutdown_timeout"`
}

// Storage selects the ledger backend. An empty driver is resolved from
// whichever of DatabaseURL and SQLitePath is set, else memory.
type Storage struct {
	Driver      string  `yaml:"driver" validate:"omitempty,oneof=memory sqlite postgres"`
	DatabaseURL string  `yaml:"database_url" validate:"required_if=Driver postgres"`
	SQLitePath  string  `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	InitialCash float64 `yaml:"initial_cash" validate:"gt=0"`
}

// Redis enables the read-through cache in front of the ledger store.
type Redis struct {
	URL string        `yaml:"url"`
	TTL risk.Duration `yaml:"ttl"`
}

// Execution configures the venue adapter and its resilience wrappers.
type Execution struct {
	Venue     string        `yaml:"venue" validate:"oneof=simulator alpaca"`
	FeeRate   float64       `yaml:"fee_rate" validate:"gte=0,lt=1"`
	FillDelay risk.Duration `yaml:"fill_delay"` // simulator only
	Alpaca    Alpaca        `yaml:"alpaca"`
	Breaker   Breaker       `yaml:"breaker"`
	Retry     Retry         `yaml:"retry"`
}

// Alpaca holds credentials and endpoints for the Alpaca trading API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Breaker configures the execution circuit breaker.
type Breaker struct {
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio" validate:"gte=0,lte=1"`
	Interval     risk.Duration `yaml:"interval"`
	Timeout      risk.Duration `yaml:"timeout"`
	MaxRequests  uint32        `yaml:"max_requests"`
}

// Retry configures order placement retries.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	InitialBackoff risk.Duration `yaml:"initial_backoff"`
	MaxBackoff     risk.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter         float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// Orchestrator configures workflow execution.
type Orchestrator struct {
	SignalFraction    float64       `yaml:"signal_fraction" validate:"gt=0,lte=1"`
	Deadline          risk.Duration `yaml:"deadline" validate:"gt=0"`
	PollInterval      risk.Duration `yaml:"poll_interval" validate:"gt=0"`
	ReconcileInterval risk.Duration `yaml:"reconcile_interval" validate:"gt=0"`
	HistorySize       int           `yaml:"history_size" validate:"gt=0"`
}

// Ledger configures peak bookkeeping.
type Ledger struct {
	PersistInterval risk.Duration `yaml:"persist_interval" validate:"gt=0"`
	CurveSize       int           `yaml:"curve_size" validate:"gt=0"`
}

// Risk points at the risk limits file.
type Risk struct {
	ConfigPath string `yaml:"config_path"`
	Watch      bool   `yaml:"watch"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Tracing enables OpenTelemetry export over OTLP/gRPC. An empty endpoint
// leaves tracing off.
type Tracing struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name" validate:"required_with=Endpoint"`
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (l Logging) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     risk.Duration(10 * time.Second),
			WriteTimeout:    risk.Duration(40 * time.Second),
			ShutdownTimeout: risk.Duration(10 * time.Second),
		},
		Storage: Storage{InitialCash: 10000},
		Redis:   Redis{TTL: risk.Duration(30 * time.Second)},
		Execution: Execution{
			Venue:   VenueSimulator,
			FeeRate: 0.001,
			Breaker: Breaker{
				MinRequests:  5,
				FailureRatio: 0.5,
				Interval:     risk.Duration(time.Minute),
				Timeout:      risk.Duration(30 * time.Second),
				MaxRequests:  1,
			},
			Retry: Retry{
				MaxAttempts:    3,
				InitialBackoff: risk.Duration(200 * time.Millisecond),
				MaxBackoff:     risk.Duration(5 * time.Second),
				Multiplier:     2,
				Jitter:         0.1,
			},
		},
		Orchestrator: Orchestrator{
			SignalFraction:    0.02,
			Deadline:          risk.Duration(30 * time.Second),
			PollInterval:      risk.Duration(250 * time.Millisecond),
			ReconcileInterval: risk.Duration(15 * time.Second),
			HistorySize:       1000,
		},
		Ledger: Ledger{
			PersistInterval: risk.Duration(30 * time.Second),
			CurveSize:       10000,
		},
		Risk:    Risk{Watch: true},
		Logging: Logging{Level: "info"},
		Tracing: Tracing{ServiceName: "spot-engine", SampleRatio: 1},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML file at path onto Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.Storage.Driver = cfg.Storage.resolveDriver()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s Storage) resolveDriver() string {
	switch {
	case s.Driver != "":
		return s.Driver
	case s.DatabaseURL != "":
		return DriverPostgres
	case s.SQLitePath != "":
		return DriverSQLite
	default:
		return DriverMemory
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	if v := os.Getenv("EXECUTION_VENUE"); v != "" {
		cfg.Execution.Venue = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Execution.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Execution.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Execution.Alpaca.BaseURL = v
	}
	// Canonical SDK names take priority.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Execution.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Execution.Alpaca.APISecret = v
	}

	if v := os.Getenv("RISK_CONFIG"); v != "" {
		cfg.Risk.ConfigPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	return nil
}
