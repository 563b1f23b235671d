// Command ledger-export writes the committed trade log to a Parquet file for
// offline analysis.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/spot-engine/internal/config"
	"github.com/atmx/spot-engine/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the service config file")
	out := flag.String("out", fmt.Sprintf("trades-%s.parquet", time.Now().UTC().Format("20060102")), "output Parquet file")
	symbol := flag.String("symbol", "", "export only this symbol")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := export(ctx, cfg, *out, *symbol)
	if err != nil {
		slog.Error("export failed", "err", err)
		os.Exit(1)
	}
	slog.Info("trades exported", "count", n, "path", *out)
}

func export(ctx context.Context, cfg *config.Config, out, symbol string) (int, error) {
	var st store.Store
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return 0, fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		st = store.NewPostgresStore(pool)
	case config.DriverSQLite:
		ss, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return 0, fmt.Errorf("open sqlite: %w", err)
		}
		defer ss.Close()
		st = ss
	default:
		return 0, fmt.Errorf("storage driver %q has no persistent trade log to export", cfg.Storage.Driver)
	}

	trades, err := st.ListTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("list trades: %w", err)
	}
	if symbol != "" {
		filtered := trades[:0]
		for _, t := range trades {
			if t.Symbol == symbol {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	if err := store.ExportTrades(out, trades); err != nil {
		return 0, err
	}
	return len(trades), nil
}
