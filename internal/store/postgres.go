package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS account (
	id              SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	cash            NUMERIC NOT NULL,
	peak_equity     NUMERIC NOT NULL,
	day_peak_equity NUMERIC NOT NULL,
	day             TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	side            TEXT NOT NULL,
	quantity        NUMERIC NOT NULL CHECK (quantity > 0),
	avg_entry_price NUMERIC NOT NULL,
	stop_loss       NUMERIC NOT NULL,
	take_profit     NUMERIC NOT NULL,
	opened_at       TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id             BIGINT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       NUMERIC NOT NULL,
	price          NUMERIC NOT NULL,
	fee            NUMERIC NOT NULL,
	realized_pnl   NUMERIC NOT NULL,
	correlation_id TEXT NOT NULL UNIQUE,
	order_id       TEXT NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_symbol_idx ON trades (symbol, id);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) InitAccount(ctx context.Context, cash decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account (id, cash, peak_equity, day_peak_equity, day)
		 VALUES (1, $1::NUMERIC, $1::NUMERIC, $1::NUMERIC, $2)
		 ON CONFLICT (id) DO NOTHING`,
		cash.String(), dayOf(time.Now()),
	)
	return err
}

func (s *PostgresStore) LoadAccount(ctx context.Context) (*model.Account, error) {
	var a model.Account
	var cash, peak, dayPeak string

	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT, peak_equity::TEXT, day_peak_equity::TEXT, day
		 FROM account WHERE id = 1`).
		Scan(&cash, &peak, &dayPeak, &a.Day)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	a.Cash, _ = decimal.NewFromString(cash)
	a.PeakEquity, _ = decimal.NewFromString(peak)
	a.DayPeakEquity, _ = decimal.NewFromString(dayPeak)
	a.Day = a.Day.UTC()
	return &a, nil
}

func (s *PostgresStore) SaveEquityMarks(ctx context.Context, peak, dayPeak decimal.Decimal, day time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE account SET peak_equity = $1::NUMERIC, day_peak_equity = $2::NUMERIC, day = $3
		 WHERE id = 1`,
		peak.String(), dayPeak.String(), day,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, side, quantity::TEXT, avg_entry_price::TEXT,
		        stop_loss::TEXT, take_profit::TEXT, opened_at, updated_at
		 FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var side, qty, avg, stop, take string
		if err := rows.Scan(&p.Symbol, &side, &qty, &avg, &stop, &take, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Side = model.PositionSide(side)
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AvgEntryPrice, _ = decimal.NewFromString(avg)
		p.StopLoss, _ = decimal.NewFromString(stop)
		p.TakeProfit, _ = decimal.NewFromString(take)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, side, quantity::TEXT, price::TEXT, fee::TEXT,
		        realized_pnl::TEXT, correlation_id, order_id, timestamp
		 FROM trades ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qty, price, fee, pnl string
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &qty, &price, &fee, &pnl,
			&t.CorrelationID, &t.OrderID, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.Fee, _ = decimal.NewFromString(fee)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) CommitTrade(ctx context.Context, c Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	t := c.Trade
	_, err = tx.Exec(ctx,
		`INSERT INTO trades (id, symbol, side, quantity, price, fee, realized_pnl, correlation_id, order_id, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		t.ID, t.Symbol, string(t.Side),
		t.Quantity.String(), t.Price.String(), t.Fee.String(), t.RealizedPnL.String(),
		t.CorrelationID, t.OrderID, t.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "trades_correlation_id_key" {
			return ErrDuplicateCorrelation
		}
		return fmt.Errorf("insert trade %d: %w", t.ID, err)
	}

	if p := c.Position; p != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (symbol, side, quantity, avg_entry_price, stop_loss, take_profit, opened_at, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
			 ON CONFLICT (symbol) DO UPDATE SET
			     side = EXCLUDED.side, quantity = EXCLUDED.quantity,
			     avg_entry_price = EXCLUDED.avg_entry_price,
			     stop_loss = EXCLUDED.stop_loss, take_profit = EXCLUDED.take_profit,
			     updated_at = EXCLUDED.updated_at`,
			p.Symbol, string(p.Side), p.Quantity.String(), p.AvgEntryPrice.String(),
			p.StopLoss.String(), p.TakeProfit.String(), p.OpenedAt, p.UpdatedAt,
		)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, t.Symbol)
	}
	if err != nil {
		return fmt.Errorf("write position %s: %w", t.Symbol, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE account SET cash = cash + $1::NUMERIC WHERE id = 1`, c.CashDelta.String())
	if err != nil {
		return fmt.Errorf("update cash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit(ctx)
}
