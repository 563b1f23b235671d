package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS account (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	cash            TEXT NOT NULL,
	peak_equity     TEXT NOT NULL,
	day_peak_equity TEXT NOT NULL,
	day             INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	side            TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	stop_loss       TEXT NOT NULL,
	take_profit     TEXT NOT NULL,
	opened_at       INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id             INTEGER PRIMARY KEY,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       TEXT NOT NULL,
	price          TEXT NOT NULL,
	fee            TEXT NOT NULL,
	realized_pnl   TEXT NOT NULL,
	correlation_id TEXT NOT NULL UNIQUE,
	order_id       TEXT NOT NULL,
	timestamp      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_symbol_idx ON trades (symbol, id);
`

// SQLiteStore implements Store backed by a single SQLite database file.
// Decimals are stored as TEXT and timestamps as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// ledger tables and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single writer connection keeps transactions serialised and avoids
	// SQLITE_BUSY under concurrent commits.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InitAccount(ctx context.Context, cash decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO account (id, cash, peak_equity, day_peak_equity, day)
		 VALUES (1, ?, ?, ?, ?)`,
		cash.String(), cash.String(), cash.String(), dayOf(time.Now()).UnixNano(),
	)
	return err
}

func (s *SQLiteStore) LoadAccount(ctx context.Context) (*model.Account, error) {
	var cash, peak, dayPeak string
	var day int64

	err := s.db.QueryRowContext(ctx,
		`SELECT cash, peak_equity, day_peak_equity, day FROM account WHERE id = 1`).
		Scan(&cash, &peak, &dayPeak, &day)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	a := &model.Account{Day: time.Unix(0, day).UTC()}
	a.Cash, _ = decimal.NewFromString(cash)
	a.PeakEquity, _ = decimal.NewFromString(peak)
	a.DayPeakEquity, _ = decimal.NewFromString(dayPeak)
	return a, nil
}

func (s *SQLiteStore) SaveEquityMarks(ctx context.Context, peak, dayPeak decimal.Decimal, day time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE account SET peak_equity = ?, day_peak_equity = ?, day = ? WHERE id = 1`,
		peak.String(), dayPeak.String(), day.UnixNano(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, side, quantity, avg_entry_price, stop_loss, take_profit, opened_at, updated_at
		 FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var side, qty, avg, stop, take string
		var opened, updated int64
		if err := rows.Scan(&p.Symbol, &side, &qty, &avg, &stop, &take, &opened, &updated); err != nil {
			return nil, err
		}
		p.Side = model.PositionSide(side)
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AvgEntryPrice, _ = decimal.NewFromString(avg)
		p.StopLoss, _ = decimal.NewFromString(stop)
		p.TakeProfit, _ = decimal.NewFromString(take)
		p.OpenedAt = time.Unix(0, opened).UTC()
		p.UpdatedAt = time.Unix(0, updated).UTC()
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, side, quantity, price, fee, realized_pnl, correlation_id, order_id, timestamp
		 FROM trades ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qty, price, fee, pnl string
		var ts int64
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &qty, &price, &fee, &pnl,
			&t.CorrelationID, &t.OrderID, &ts); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.Fee, _ = decimal.NewFromString(fee)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		t.Timestamp = time.Unix(0, ts).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) CommitTrade(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	t := c.Trade
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trades (id, symbol, side, quantity, price, fee, realized_pnl, correlation_id, order_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, string(t.Side),
		t.Quantity.String(), t.Price.String(), t.Fee.String(), t.RealizedPnL.String(),
		t.CorrelationID, t.OrderID, t.Timestamp.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: trades.correlation_id") {
			return ErrDuplicateCorrelation
		}
		return fmt.Errorf("insert trade %d: %w", t.ID, err)
	}

	if p := c.Position; p != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO positions (symbol, side, quantity, avg_entry_price, stop_loss, take_profit, opened_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (symbol) DO UPDATE SET
			     side = excluded.side, quantity = excluded.quantity,
			     avg_entry_price = excluded.avg_entry_price,
			     stop_loss = excluded.stop_loss, take_profit = excluded.take_profit,
			     updated_at = excluded.updated_at`,
			p.Symbol, string(p.Side), p.Quantity.String(), p.AvgEntryPrice.String(),
			p.StopLoss.String(), p.TakeProfit.String(), p.OpenedAt.UnixNano(), p.UpdatedAt.UnixNano(),
		)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, t.Symbol)
	}
	if err != nil {
		return fmt.Errorf("write position %s: %w", t.Symbol, err)
	}

	// Cash is summed in Go: SQLite has no exact decimal type.
	var cash string
	if err := tx.QueryRowContext(ctx, `SELECT cash FROM account WHERE id = 1`).Scan(&cash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("read cash: %w", err)
	}
	current, err := decimal.NewFromString(cash)
	if err != nil {
		return fmt.Errorf("parse cash %q: %w", cash, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE account SET cash = ? WHERE id = 1`,
		current.Add(c.CashDelta).String()); err != nil {
		return fmt.Errorf("update cash: %w", err)
	}

	return tx.Commit()
}
