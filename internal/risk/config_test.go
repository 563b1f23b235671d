package risk_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atmx/spot-engine/internal/risk"
)

func TestParseConfig_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := risk.ParseConfig(strings.NewReader(""), risk.DefaultConfig())
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	def := risk.DefaultConfig()
	if cfg.MaxTotalExposure != def.MaxTotalExposure || cfg.MinTradeInterval != def.MinTradeInterval {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
	if cfg.MinTradeInterval.Std() != 60*time.Second {
		t.Errorf("min_trade_interval = %s, want 1m0s", cfg.MinTradeInterval)
	}
}

func TestParseConfig_PartialYAML(t *testing.T) {
	doc := `
max_total_exposure: 0.3
min_trade_interval: 30s
symbols:
  BTCUSDT:
    max_position: 0.05
    lot_size: 0.0001
`
	cfg, err := risk.ParseConfig(strings.NewReader(doc), risk.DefaultConfig())
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.MaxTotalExposure != 0.3 {
		t.Errorf("max_total_exposure = %v, want 0.3", cfg.MaxTotalExposure)
	}
	if cfg.MinTradeInterval.Std() != 30*time.Second {
		t.Errorf("min_trade_interval = %s, want 30s", cfg.MinTradeInterval)
	}
	if cfg.MaxSingleTradeSize != 0.02 {
		t.Errorf("unset key changed: max_single_trade_size = %v", cfg.MaxSingleTradeSize)
	}
	if got := cfg.PositionCap("BTCUSDT"); got != 0.05 {
		t.Errorf("BTCUSDT cap = %v, want 0.05", got)
	}
	if got := cfg.PositionCap("ETHUSDT"); got != 0.10 {
		t.Errorf("ETHUSDT cap = %v, want 0.10", got)
	}
	if got := cfg.LotSize("BTCUSDT"); got != 0.0001 {
		t.Errorf("BTCUSDT lot = %v, want 0.0001", got)
	}
}

func TestParseConfig_JSON(t *testing.T) {
	doc := `{"max_single_trade_size": 0.01, "consecutive_loss_limit": 5, "min_trade_interval": "2m"}`
	cfg, err := risk.ParseConfig(strings.NewReader(doc), risk.DefaultConfig())
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.MaxSingleTradeSize != 0.01 || cfg.ConsecutiveLossLimit != 5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MinTradeInterval.Std() != 2*time.Minute {
		t.Errorf("min_trade_interval = %s, want 2m0s", cfg.MinTradeInterval)
	}
}

func TestParseConfig_RejectsUnknownKeys(t *testing.T) {
	_, err := risk.ParseConfig(strings.NewReader("max_exposure: 0.3\n"), risk.DefaultConfig())
	if !errors.Is(err, risk.ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}

	_, err = risk.ParseConfig(strings.NewReader("symbols:\n  BTCUSDT:\n    leverage: 3\n"), risk.DefaultConfig())
	if !errors.Is(err, risk.ErrInvalidConfig) {
		t.Errorf("unknown symbol key: got %v, want ErrInvalidConfig", err)
	}
}

func TestParseConfig_RejectsOutOfRange(t *testing.T) {
	bad := []string{
		"max_total_exposure: 1.5\n",
		"max_single_trade_size: 0\n",
		"max_trades_per_hour: 100\n", // above max_trades_per_day
		"min_trade_interval: soon\n",
		"symbols:\n  BTCUSDT:\n    max_position: -1\n",
	}
	for _, doc := range bad {
		if _, err := risk.ParseConfig(strings.NewReader(doc), risk.DefaultConfig()); !errors.Is(err, risk.ErrInvalidConfig) {
			t.Errorf("ParseConfig(%q): got %v, want ErrInvalidConfig", doc, err)
		}
	}
}

func TestParseConfig_DoesNotMutateBase(t *testing.T) {
	base := risk.DefaultConfig()
	base.Symbols = map[string]risk.SymbolLimits{"ETHUSDT": {MaxPosition: f64(0.2)}}

	_, err := risk.ParseConfig(strings.NewReader("symbols:\n  BTCUSDT:\n    max_position: 0.05\n"), base)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if _, ok := base.Symbols["BTCUSDT"]; ok {
		t.Error("base config was mutated")
	}
}

func TestSettings_UpdateAndHalt(t *testing.T) {
	s := risk.NewSettings(risk.DefaultConfig())

	cfg := risk.DefaultConfig()
	cfg.MaxTotalExposure = 0.25
	if err := s.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.Current().MaxTotalExposure != 0.25 {
		t.Errorf("current exposure = %v, want 0.25", s.Current().MaxTotalExposure)
	}

	cfg.MaxTotalExposure = 2
	if err := s.Update(cfg); err == nil {
		t.Error("invalid update accepted")
	}
	if s.Current().MaxTotalExposure != 0.25 {
		t.Error("invalid update replaced the active config")
	}

	s.Halt("manual")
	if !s.Halted() || !s.Current().EmergencyStop {
		t.Error("halt not reflected in Current")
	}

	// A config without emergency_stop does not clear a manual halt.
	cfg.MaxTotalExposure = 0.3
	s.Update(cfg)
	if !s.Halted() {
		t.Error("update cleared the halt")
	}
	s.Resume()
	if s.Halted() {
		t.Error("still halted after Resume")
	}
}

func TestSettings_Apply(t *testing.T) {
	s := risk.NewSettings(risk.DefaultConfig())

	cfg, err := s.Apply(strings.NewReader(`{"emergency_stop": true, "max_trades_per_hour": 5}`))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cfg.MaxTradesPerHour != 5 || !s.Halted() {
		t.Errorf("cfg = %+v, halted = %v", cfg, s.Halted())
	}
}

func TestSettings_HaltHookSeesEveryPath(t *testing.T) {
	s := risk.NewSettings(risk.DefaultConfig())
	var changes []bool
	s.OnHaltChange(func(halted bool, _ string) { changes = append(changes, halted) })

	cfg := risk.DefaultConfig()
	cfg.EmergencyStop = true
	if err := s.Update(cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s.Halt("already halted") // no change
	s.Resume()
	if _, err := s.Apply(strings.NewReader(`emergency_stop: true`)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := []bool{true, false, true}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes = %v, want %v", changes, want)
			break
		}
	}
}

func TestSettings_ConcurrentApplyKeepsBothKeys(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := risk.NewSettings(risk.DefaultConfig())
		var wg sync.WaitGroup
		for _, doc := range []string{`{"max_trades_per_hour": 7}`, `{"max_trades_per_day": 70}`} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Apply(strings.NewReader(doc)); err != nil {
					t.Errorf("Apply(%s): %v", doc, err)
				}
			}()
		}
		wg.Wait()

		if c := s.Current(); c.MaxTradesPerHour != 7 || c.MaxTradesPerDay != 70 {
			t.Fatalf("run %d: hour = %d day = %d, want 7 and 70", i, c.MaxTradesPerHour, c.MaxTradesPerDay)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "risk.yaml")
	if err := os.WriteFile(path, []byte("max_total_exposure: 0.4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	initial, err := risk.LoadFile(path, risk.DefaultConfig())
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	s := risk.NewSettings(initial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- risk.Watch(ctx, path, s) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Current().MaxTotalExposure != 0.2 {
		if time.Now().After(deadline) {
			t.Fatalf("config not reloaded, exposure = %v", s.Current().MaxTotalExposure)
		}
		os.WriteFile(path, []byte("max_total_exposure: 0.2\n"), 0o644)
		time.Sleep(300 * time.Millisecond)
	}

	// An invalid file keeps the previous config.
	os.WriteFile(path, []byte("max_total_exposure: 7\n"), 0o644)
	time.Sleep(600 * time.Millisecond)
	if got := s.Current().MaxTotalExposure; got != 0.2 {
		t.Errorf("exposure after invalid write = %v, want 0.2", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}
