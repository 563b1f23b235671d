package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/spot-engine/internal/api"
	"github.com/atmx/spot-engine/internal/config"
	"github.com/atmx/spot-engine/internal/execution"
	"github.com/atmx/spot-engine/internal/ledger"
	"github.com/atmx/spot-engine/internal/metrics"
	"github.com/atmx/spot-engine/internal/orchestrator"
	"github.com/atmx/spot-engine/internal/retry"
	"github.com/atmx/spot-engine/internal/risk"
	"github.com/atmx/spot-engine/internal/store"
	"github.com/atmx/spot-engine/internal/tracing"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the service config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("spot-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("spot-engine stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	if cfg.Tracing.Endpoint != "" {
		shutdown, err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracer shutdown failed", "err", err)
			}
		}()
	}

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if err := st.InitAccount(ctx, decimal.NewFromFloat(cfg.Storage.InitialCash)); err != nil {
		return fmt.Errorf("init account: %w", err)
	}

	// --- Ledger ---
	l := ledger.New(st,
		ledger.WithLogger(slog.Default().With("component", "ledger")),
		ledger.WithCurveSize(cfg.Ledger.CurveSize),
	)
	if err := l.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	// --- Risk settings ---
	riskCfg := risk.DefaultConfig()
	if cfg.Risk.ConfigPath != "" {
		if riskCfg, err = risk.LoadFile(cfg.Risk.ConfigPath, riskCfg); err != nil {
			return err
		}
		slog.Info("risk config loaded", "path", cfg.Risk.ConfigPath)
	}
	settings := risk.NewSettings(riskCfg)

	// --- Execution adapter ---
	adapter := newAdapter(cfg)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()

	// --- Orchestrator ---
	rc := cfg.Execution.Retry
	orch := orchestrator.New(l, risk.NewEngine(settings), adapter, orchestrator.Options{
		SignalFraction: cfg.Orchestrator.SignalFraction,
		Deadline:       cfg.Orchestrator.Deadline.Std(),
		PollInterval:   cfg.Orchestrator.PollInterval.Std(),
		Retry: retry.Policy{
			MaxAttempts:    rc.MaxAttempts,
			InitialBackoff: rc.InitialBackoff.Std(),
			MaxBackoff:     rc.MaxBackoff.Std(),
			Multiplier:     rc.Multiplier,
			Jitter:         rc.Jitter,
		},
		HistorySize: cfg.Orchestrator.HistorySize,
		Sink:        wsHub,
		Logger:      slog.Default().With("component", "orchestrator"),
	})
	if settings.Halted() {
		metrics.Halted.Set(1)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for operator dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"spot-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", api.NewHandler(orch, l, settings, wsHub).Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("spot-engine listening", "port", cfg.Server.Port, "venue", cfg.Execution.Venue, "storage", cfg.Storage.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return wsHub.Run(gctx) })

	if cfg.Risk.ConfigPath != "" && cfg.Risk.Watch {
		g.Go(func() error { return risk.Watch(gctx, cfg.Risk.ConfigPath, settings) })
	}

	g.Go(func() error {
		maintain(gctx, orch, l, cfg.Orchestrator.ReconcileInterval.Std(), cfg.Ledger.PersistInterval.Std())
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down spot-engine...")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		if err := l.Persist(sctx); err != nil {
			slog.Error("final peak persist failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// openStore selects the ledger backend and optionally wraps it with the
// Redis read-through cache.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, []func(), error) {
	var st store.Store
	var cleanup []func()

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		ps := store.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		st = ps
		slog.Info("connected to PostgreSQL")

	case config.DriverSQLite:
		ss, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		cleanup = append(cleanup, func() { ss.Close() })
		st = ss
		slog.Info("opened SQLite ledger", "path", cfg.Storage.SQLitePath)

	default:
		slog.Warn("no storage configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			for _, fn := range cleanup {
				fn()
			}
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Std())
		slog.Info("Redis cache enabled")
	}
	return st, cleanup, nil
}

// newAdapter builds the configured venue adapter behind a circuit breaker.
func newAdapter(cfg *config.Config) execution.Adapter {
	ec := cfg.Execution
	fee := decimal.NewFromFloat(ec.FeeRate)

	var venue execution.Adapter
	switch ec.Venue {
	case config.VenueAlpaca:
		venue = execution.NewAlpacaAdapter(execution.AlpacaOptions{
			APIKey:    ec.Alpaca.APIKey,
			APISecret: ec.Alpaca.APISecret,
			BaseURL:   ec.Alpaca.BaseURL,
			FeeRate:   fee,
		})
	default:
		sim := execution.NewSimulator(fee)
		sim.FillDelay = ec.FillDelay.Std()
		venue = sim
		slog.Warn("using simulated execution venue")
	}

	return execution.NewBreaker(venue, execution.BreakerSettings{
		Name:         ec.Venue,
		MinRequests:  ec.Breaker.MinRequests,
		FailureRatio: ec.Breaker.FailureRatio,
		Interval:     ec.Breaker.Interval.Std(),
		Timeout:      ec.Breaker.Timeout.Std(),
		MaxRequests:  ec.Breaker.MaxRequests,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			slog.Warn("execution breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// maintain periodically replays pending fills, persists peak equity and
// refreshes the equity gauge.
func maintain(ctx context.Context, orch *orchestrator.Orchestrator, l *ledger.Ledger, reconcileEvery, persistEvery time.Duration) {
	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()
	persist := time.NewTicker(persistEvery)
	defer persist.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-reconcile.C:
			if len(orch.Pending()) == 0 {
				continue
			}
			n, err := orch.Reconcile(ctx)
			if err != nil {
				slog.Warn("reconciliation incomplete", "applied", n, "remaining", len(orch.Pending()), "err", err)
			} else if n > 0 {
				slog.Info("reconciliation applied pending fills", "applied", n)
			}

		case <-persist.C:
			snap := l.Snapshot(ctx, nil)
			eq, _ := snap.Equity.Float64()
			metrics.Equity.Set(eq)
			if err := l.Persist(ctx); err != nil {
				slog.Warn("peak persist failed", "err", err)
			}
		}
	}
}
