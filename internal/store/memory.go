package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	properties map[string]*model.Property
	wallets    map[string]*model.Wallet
	portfolios map[string]*model.Portfolio
	positions  map[string]*model.Position // keyed by model.PositionID
	payments   map[string]*model.Payment
	byRef      map[string]string // gateway ref → payment id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		properties: make(map[string]*model.Property),
		wallets:    make(map[string]*model.Wallet),
		portfolios: make(map[string]*model.Portfolio),
		positions:  make(map[string]*model.Position),
		payments:   make(map[string]*model.Payment),
		byRef:      make(map[string]string),
	}
}

func (s *MemoryStore) CreateProperty(_ context.Context, p *model.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.properties[p.ID]; ok {
		return fmt.Errorf("property %s already exists", p.ID)
	}
	cp := *p
	s.properties[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProperty(_ context.Context, id string) (*model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.properties[id]
	if !ok {
		return nil, fmt.Errorf("%w: property %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProperties(_ context.Context) ([]model.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	props := make([]model.Property, 0, len(s.properties))
	for _, p := range s.properties {
		props = append(props, *p)
	}
	sort.Slice(props, func(i, j int) bool {
		return props[i].CreatedAt.After(props[j].CreatedAt)
	})
	return props, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[userID]; ok {
		return fmt.Errorf("account %s already exists", userID)
	}
	now := time.Now().UTC()
	s.wallets[userID] = &model.Wallet{
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.portfolios[userID] = &model.Portfolio{
		UserID:         userID,
		TotalInvested:  decimal.Zero,
		RealizedProfit: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio for user %s", ErrNotFound, userID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, propertyID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[model.PositionID(userID, propertyID)]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, model.PositionID(userID, propertyID))
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) ListPositionsByProperty(_ context.Context, propertyID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.PropertyID == propertyID {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) ListPendingSells(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.SellPending {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPaymentByGatewayRef(_ context.Context, ref string) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("%w: payment with gateway ref %s", ErrNotFound, ref)
	}
	cp := *s.payments[id]
	return &cp, nil
}

func (s *MemoryStore) ListPaymentsByUser(_ context.Context, userID string) ([]model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Commit applies the whole ChangeSet inside one lock section, so readers
// never observe a half-applied operation.
func (s *MemoryStore) Commit(_ context.Context, cs *ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.Property != nil {
		cp := *cs.Property
		s.properties[cp.ID] = &cp
	}
	if cs.Position != nil {
		cp := *cs.Position
		s.positions[cp.ID] = &cp
	}
	if cs.DeletePosition != "" {
		delete(s.positions, cs.DeletePosition)
	}
	for _, p := range cs.Positions {
		cp := p
		s.positions[cp.ID] = &cp
	}
	if cs.Wallet != nil {
		cp := *cs.Wallet
		s.wallets[cp.UserID] = &cp
	}
	if cs.Portfolio != nil {
		cp := *cs.Portfolio
		s.portfolios[cp.UserID] = &cp
	}
	if cs.InsertPayment != nil {
		cp := *cs.InsertPayment
		s.payments[cp.ID] = &cp
		if cp.GatewayRef != "" {
			s.byRef[cp.GatewayRef] = cp.ID
		}
	}
	if cs.UpdatePayment != nil {
		cp := *cs.UpdatePayment
		if _, ok := s.payments[cp.ID]; !ok {
			return fmt.Errorf("%w: payment %s", ErrNotFound, cp.ID)
		}
		s.payments[cp.ID] = &cp
		if cp.GatewayRef != "" {
			s.byRef[cp.GatewayRef] = cp.ID
		}
	}
	return nil
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
