package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	account       *model.Account
	positions     map[string]model.Position
	trades        []model.Trade
	byCorrelation map[string]int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:     make(map[string]model.Position),
		byCorrelation: make(map[string]int64),
	}
}

func (s *MemoryStore) InitAccount(_ context.Context, cash decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.account != nil {
		return nil
	}
	s.account = &model.Account{
		Cash:          cash,
		PeakEquity:    cash,
		DayPeakEquity: cash,
		Day:           dayOf(time.Now()),
	}
	return nil
}

func (s *MemoryStore) LoadAccount(_ context.Context) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.account == nil {
		return nil, ErrAccountNotFound
	}
	copy := *s.account
	return &copy, nil
}

func (s *MemoryStore) SaveEquityMarks(_ context.Context, peak, dayPeak decimal.Decimal, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.account == nil {
		return ErrAccountNotFound
	}
	s.account.PeakEquity = peak
	s.account.DayPeakEquity = dayPeak
	s.account.Day = day
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]model.Trade, len(s.trades))
	copy(trades, s.trades)
	return trades, nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.account == nil {
		return ErrAccountNotFound
	}
	if _, ok := s.byCorrelation[c.Trade.CorrelationID]; ok {
		return ErrDuplicateCorrelation
	}

	s.trades = append(s.trades, c.Trade)
	sort.SliceStable(s.trades, func(i, j int) bool { return s.trades[i].ID < s.trades[j].ID })
	s.byCorrelation[c.Trade.CorrelationID] = c.Trade.ID

	if c.Position == nil {
		delete(s.positions, c.Trade.Symbol)
	} else {
		s.positions[c.Position.Symbol] = *c.Position
	}
	s.account.Cash = s.account.Cash.Add(c.CashDelta)
	return nil
}

// dayOf truncates t to UTC midnight.
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
