package risk

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Settings publishes the active Config and the emergency-stop flag. Reads are
// lock-free and always see a complete Config; updates are serialised.
type Settings struct {
	cfg    atomic.Pointer[Config]
	halted atomic.Bool
	onHalt atomic.Pointer[func(halted bool, reason string)]
	mu     sync.Mutex
}

// NewSettings publishes cfg. A config with emergency_stop set starts halted.
func NewSettings(cfg Config) *Settings {
	s := &Settings{}
	c := cfg.Clone()
	s.cfg.Store(&c)
	s.halted.Store(cfg.EmergencyStop)
	return s
}

// OnHaltChange registers fn to run after every change of the emergency-stop
// flag, whichever path changed it. It replaces any earlier hook.
func (s *Settings) OnHaltChange(fn func(halted bool, reason string)) {
	s.onHalt.Store(&fn)
}

func (s *Settings) notify(halted bool, reason string) {
	if fn := s.onHalt.Load(); fn != nil {
		(*fn)(halted, reason)
	}
}

// Current returns the active config with the live emergency-stop flag.
func (s *Settings) Current() Config {
	c := *s.cfg.Load()
	c.EmergencyStop = s.halted.Load()
	return c
}

// Update validates and publishes cfg. Setting emergency_stop in cfg halts
// trading; clearing it does not resume a halt, use Resume for that.
func (s *Settings) Update(cfg Config) error {
	s.mu.Lock()
	engaged, err := s.store(cfg)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if engaged {
		s.notify(true, "risk config emergency_stop")
	}
	return nil
}

// store publishes cfg and reports whether it engaged the emergency stop.
// Caller holds s.mu.
func (s *Settings) store(cfg Config) (engaged bool, err error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	c := cfg.Clone()
	s.cfg.Store(&c)
	if cfg.EmergencyStop && !s.halted.Swap(true) {
		engaged = true
		slog.Warn("emergency stop engaged", "reason", "risk config emergency_stop")
	}
	slog.Info("risk config updated",
		"max_total_exposure", c.MaxTotalExposure,
		"max_single_trade_size", c.MaxSingleTradeSize,
		"emergency_stop", s.halted.Load(),
	)
	return engaged, nil
}

// Apply parses a YAML or JSON document onto the current config and
// publishes the result. Concurrent calls do not lose each other's keys.
func (s *Settings) Apply(r io.Reader) (Config, error) {
	s.mu.Lock()
	cfg, err := ParseConfig(r, s.Current())
	var engaged bool
	if err == nil {
		engaged, err = s.store(cfg)
	}
	s.mu.Unlock()
	if err != nil {
		return Config{}, err
	}
	if engaged {
		s.notify(true, "risk config emergency_stop")
	}
	return s.Current(), nil
}

// Halt sets the emergency stop. New workflows are refused and in-flight
// workflows stop before placing orders.
func (s *Settings) Halt(reason string) {
	if !s.halted.Swap(true) {
		slog.Warn("emergency stop engaged", "reason", reason)
		s.notify(true, reason)
	}
}

// Resume clears the emergency stop.
func (s *Settings) Resume() {
	if s.halted.Swap(false) {
		slog.Info("emergency stop cleared")
		s.notify(false, "")
	}
}

// Halted reports whether the emergency stop is set.
func (s *Settings) Halted() bool {
	return s.halted.Load()
}
