package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps parse and validation failures.
var ErrInvalidConfig = errors.New("risk: invalid configuration")

var validate = validator.New()

// Duration is a time.Duration that reads and writes as a Go duration string
// ("60s", "1m30s") in both YAML and JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// SymbolLimits overrides portfolio-wide settings for one symbol. Nil fields
// inherit the global value.
type SymbolLimits struct {
	MaxPosition          *float64 `yaml:"max_position,omitempty" json:"max_position,omitempty" validate:"omitempty,gt=0,lte=1"`
	LotSize              *float64 `yaml:"lot_size,omitempty" json:"lot_size,omitempty" validate:"omitempty,gt=0"`
	VolatilityMultiplier *float64 `yaml:"volatility_multiplier,omitempty" json:"volatility_multiplier,omitempty" validate:"omitempty,gt=0"`
	StopLossMultiplier   *float64 `yaml:"stop_loss_multiplier,omitempty" json:"stop_loss_multiplier,omitempty" validate:"omitempty,gt=0"`
	TakeProfitMultiplier *float64 `yaml:"take_profit_multiplier,omitempty" json:"take_profit_multiplier,omitempty" validate:"omitempty,gt=0"`
}

// Config is the full set of risk limits. Fractions are relative to current
// equity. A Config value is immutable once published through Settings.
type Config struct {
	MaxPositionPerSymbol float64  `yaml:"max_position_per_symbol" json:"max_position_per_symbol" validate:"gt=0,lte=1"`
	MaxTotalExposure     float64  `yaml:"max_total_exposure" json:"max_total_exposure" validate:"gt=0,lte=1"`
	MaxSingleTradeSize   float64  `yaml:"max_single_trade_size" json:"max_single_trade_size" validate:"gt=0,lte=1"`
	StopLossPct          float64  `yaml:"stop_loss_pct" json:"stop_loss_pct" validate:"gt=0,lt=1"`
	TakeProfitPct        float64  `yaml:"take_profit_pct" json:"take_profit_pct" validate:"gt=0"`
	MaxDailyDrawdown     float64  `yaml:"max_daily_drawdown" json:"max_daily_drawdown" validate:"gt=0,lte=1"`
	MaxTotalDrawdown     float64  `yaml:"max_total_drawdown" json:"max_total_drawdown" validate:"gt=0,lte=1"`
	MaxTradesPerHour     int      `yaml:"max_trades_per_hour" json:"max_trades_per_hour" validate:"gte=1"`
	MaxTradesPerDay      int      `yaml:"max_trades_per_day" json:"max_trades_per_day" validate:"gte=1"`
	MinTradeInterval     Duration `yaml:"min_trade_interval" json:"min_trade_interval" validate:"gte=0"`
	ConsecutiveLossLimit int      `yaml:"consecutive_loss_limit" json:"consecutive_loss_limit" validate:"gte=1"`
	MinLotSize           float64  `yaml:"min_lot_size" json:"min_lot_size" validate:"gt=0"`
	EmergencyStop        bool     `yaml:"emergency_stop" json:"emergency_stop"`

	// VolatilityMultiplier scales both stop and take distances unless the
	// side-specific multipliers are set.
	VolatilityMultiplier float64 `yaml:"volatility_multiplier" json:"volatility_multiplier" validate:"gt=0"`
	StopLossMultiplier   float64 `yaml:"stop_loss_multiplier,omitempty" json:"stop_loss_multiplier,omitempty" validate:"gte=0"`
	TakeProfitMultiplier float64 `yaml:"take_profit_multiplier,omitempty" json:"take_profit_multiplier,omitempty" validate:"gte=0"`

	Symbols map[string]SymbolLimits `yaml:"symbols,omitempty" json:"symbols,omitempty" validate:"dive"`
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionPerSymbol: 0.10,
		MaxTotalExposure:     0.50,
		MaxSingleTradeSize:   0.02,
		StopLossPct:          0.02,
		TakeProfitPct:        0.04,
		MaxDailyDrawdown:     0.05,
		MaxTotalDrawdown:     0.15,
		MaxTradesPerHour:     10,
		MaxTradesPerDay:      50,
		MinTradeInterval:     Duration(60 * time.Second),
		ConsecutiveLossLimit: 3,
		MinLotSize:           0.00001,
		VolatilityMultiplier: 1,
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	if c.Symbols != nil {
		out.Symbols = maps.Clone(c.Symbols)
	}
	return out
}

// Validate checks every field against its allowed range.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.MaxTradesPerHour > c.MaxTradesPerDay {
		return fmt.Errorf("%w: max_trades_per_hour %d exceeds max_trades_per_day %d",
			ErrInvalidConfig, c.MaxTradesPerHour, c.MaxTradesPerDay)
	}
	return nil
}

// ParseConfig decodes a YAML (or JSON) document onto base and validates the
// result. Unknown keys are rejected. base is not modified.
func ParseConfig(r io.Reader, base Config) (Config, error) {
	cfg := base.Clone()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// symbolLimits returns the overrides for symbol, or the zero value.
func (c Config) symbolLimits(symbol string) SymbolLimits {
	return c.Symbols[symbol]
}

// PositionCap returns the per-symbol cap fraction, honoring overrides.
func (c Config) PositionCap(symbol string) float64 {
	if v := c.symbolLimits(symbol).MaxPosition; v != nil {
		return *v
	}
	return c.MaxPositionPerSymbol
}

// LotSize returns the quantity step for symbol.
func (c Config) LotSize(symbol string) float64 {
	if v := c.symbolLimits(symbol).LotSize; v != nil {
		return *v
	}
	return c.MinLotSize
}

// Multipliers returns the stop-loss and take-profit distance multipliers for
// symbol. Precedence, highest first: symbol side-specific, symbol
// volatility, global side-specific, global volatility.
func (c Config) Multipliers(symbol string) (stop, take float64) {
	stop, take = c.VolatilityMultiplier, c.VolatilityMultiplier
	if stop <= 0 {
		stop, take = 1, 1
	}
	if c.StopLossMultiplier > 0 {
		stop = c.StopLossMultiplier
	}
	if c.TakeProfitMultiplier > 0 {
		take = c.TakeProfitMultiplier
	}

	sl := c.symbolLimits(symbol)
	if v := sl.VolatilityMultiplier; v != nil {
		stop, take = *v, *v
	}
	if sl.StopLossMultiplier != nil {
		stop = *sl.StopLossMultiplier
	}
	if sl.TakeProfitMultiplier != nil {
		take = *sl.TakeProfitMultiplier
	}
	return stop, take
}
