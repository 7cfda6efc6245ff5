package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parcelshare/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: property lookups (every buy/sell prices
// against them) and per-user position lists (portfolio pages). Writes go to
// the primary store and invalidate the affected keys.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	data, err := s.rdb.Get(ctx, propertyKey(id)).Bytes()
	if err == nil {
		var p model.Property
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetProperty(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheProperty(ctx, p)
	return p, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateProperty(ctx context.Context, p *model.Property) error {
	if err := s.primary.CreateProperty(ctx, p); err != nil {
		return err
	}
	s.cacheProperty(ctx, p)
	return nil
}

// Commit invalidates every cached key the ChangeSet touches; the next read
// re-populates from the primary.
func (s *CachedStore) Commit(ctx context.Context, cs *ChangeSet) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}

	if cs.Property != nil {
		s.rdb.Del(ctx, propertyKey(cs.Property.ID))
	}
	if cs.Position != nil {
		s.rdb.Del(ctx, positionsKey(cs.Position.UserID))
	}
	if cs.DeletePosition != "" {
		if userID, _, err := model.ParsePositionID(cs.DeletePosition); err == nil {
			s.rdb.Del(ctx, positionsKey(userID))
		}
	}
	for _, p := range cs.Positions {
		s.rdb.Del(ctx, positionsKey(p.UserID))
	}
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListProperties(ctx context.Context) ([]model.Property, error) {
	return s.primary.ListProperties(ctx)
}

func (s *CachedStore) CreateAccount(ctx context.Context, userID string) error {
	return s.primary.CreateAccount(ctx, userID)
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.primary.GetWallet(ctx, userID)
}

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	return s.primary.GetPortfolio(ctx, userID)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, propertyID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, propertyID)
}

func (s *CachedStore) ListPositionsByProperty(ctx context.Context, propertyID string) ([]model.Position, error) {
	return s.primary.ListPositionsByProperty(ctx, propertyID)
}

func (s *CachedStore) ListPendingSells(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPendingSells(ctx)
}

func (s *CachedStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	return s.primary.GetPayment(ctx, id)
}

func (s *CachedStore) GetPaymentByGatewayRef(ctx context.Context, ref string) (*model.Payment, error) {
	return s.primary.GetPaymentByGatewayRef(ctx, ref)
}

func (s *CachedStore) ListPaymentsByUser(ctx context.Context, userID string) ([]model.Payment, error) {
	return s.primary.ListPaymentsByUser(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheProperty(ctx context.Context, p *model.Property) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, propertyKey(p.ID), data, s.ttl)
	}
}

func propertyKey(id string) string   { return fmt.Sprintf("property:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
