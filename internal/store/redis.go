package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/spot-engine/internal/model"
)

const (
	accountKey   = "ledger:account"
	positionsKey = "ledger:positions"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InitAccount(ctx context.Context, cash decimal.Decimal) error {
	if err := s.primary.InitAccount(ctx, cash); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey)
	return nil
}

func (s *CachedStore) SaveEquityMarks(ctx context.Context, peak, dayPeak decimal.Decimal, day time.Time) error {
	if err := s.primary.SaveEquityMarks(ctx, peak, dayPeak, day); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey)
	return nil
}

func (s *CachedStore) CommitTrade(ctx context.Context, c Commit) error {
	if err := s.primary.CommitTrade(ctx, c); err != nil {
		return err
	}
	// Invalidate both views; next read will re-populate.
	s.rdb.Del(ctx, accountKey, positionsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadAccount(ctx context.Context) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey, data, s.ttl)
	}
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey, data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx)
}
