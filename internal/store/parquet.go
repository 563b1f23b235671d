package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// TradeRecord is the Parquet schema for exported trade history. Decimals
// are kept as strings so no precision is lost in the export.
type TradeRecord struct {
	ID            int64  `parquet:"id"`
	Symbol        string `parquet:"symbol"`
	Side          string `parquet:"side"`
	Quantity      string `parquet:"quantity"`
	Price         string `parquet:"price"`
	Fee           string `parquet:"fee"`
	RealizedPnL   string `parquet:"realized_pnl"`
	CorrelationID string `parquet:"correlation_id"`
	OrderID       string `parquet:"order_id"`
	Timestamp     int64  `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// ExportTrades writes trades to a Parquet file at path, creating parent
// directories as needed.
func ExportTrades(path string, trades []model.Trade) error {
	records := make([]TradeRecord, 0, len(trades))
	for _, t := range trades {
		records = append(records, TradeRecord{
			ID:            t.ID,
			Symbol:        t.Symbol,
			Side:          string(t.Side),
			Quantity:      t.Quantity.String(),
			Price:         t.Price.String(),
			Fee:           t.Fee.String(),
			RealizedPnL:   t.RealizedPnL.String(),
			CorrelationID: t.CorrelationID,
			OrderID:       t.OrderID,
			Timestamp:     t.Timestamp.UnixMilli(),
		})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("writing trade export %s: %w", path, err)
	}
	return nil
}

// ReadTradeExport reads a file produced by ExportTrades. Timestamps come
// back with millisecond precision.
func ReadTradeExport(path string) ([]model.Trade, error) {
	records, err := parquet.ReadFile[TradeRecord](path)
	if err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(records))
	for _, r := range records {
		t := model.Trade{
			ID:            r.ID,
			Symbol:        r.Symbol,
			Side:          model.Side(r.Side),
			CorrelationID: r.CorrelationID,
			OrderID:       r.OrderID,
			Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
		}
		t.Quantity, _ = decimal.NewFromString(r.Quantity)
		t.Price, _ = decimal.NewFromString(r.Price)
		t.Fee, _ = decimal.NewFromString(r.Fee)
		t.RealizedPnL, _ = decimal.NewFromString(r.RealizedPnL)
		trades = append(trades, t)
	}
	return trades, nil
}
