// Package ledger implements the investment ledger and settlement engine:
// share purchases, the request/approve sell workflow, direct sales,
// property revaluation, and the portfolio valuation read path.
//
// Every operation loads the aggregates it needs, mutates them in memory,
// and commits once through a store.ChangeSet. Operations touching the same
// user or property are serialized with keyed mutexes, always acquired in
// user→property order.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/keylock"
	"github.com/parcelshare/ledger-engine/internal/metrics"
	"github.com/parcelshare/ledger-engine/internal/model"
	"github.com/parcelshare/ledger-engine/internal/store"
)

// maxCommitRetries bounds the internal retry loop on commit conflicts
// before the failure surfaces to the caller.
const maxCommitRetries = 3

// Service is the sole writer of positions, portfolios and property share
// inventory. Wallet balances are also written by the payment service, which
// shares the same keyed locks.
type Service struct {
	store store.Store
	locks *keylock.Map
	hub   *Hub // optional WebSocket hub for dashboard broadcasts
}

// NewService creates a ledger service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, locks *keylock.Map, hub *Hub) *Service {
	return &Service{
		store: st,
		locks: locks,
		hub:   hub,
	}
}

// Settlement reports the financials of one completed sale.
type Settlement struct {
	UserID           string          `json:"user_id"`
	PropertyID       string          `json:"property_id"`
	SharesSold       int64           `json:"shares_sold"`
	SharePrice       decimal.Decimal `json:"share_price"`
	Proceeds         decimal.Decimal `json:"proceeds"`
	CostBasisRemoved decimal.Decimal `json:"cost_basis_removed"`
	RealizedDelta    decimal.Decimal `json:"realized_delta"`
	RemainingShares  int64           `json:"remaining_shares"`
	PositionClosed   bool            `json:"position_closed"`
}

// Valuation is the read-side portfolio summary for one user. Values carry
// full precision; rounding happens at the presentation boundary.
type Valuation struct {
	UserID         string          `json:"user_id"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	TotalInvested  decimal.Decimal `json:"total_invested"`
	UnrealizedGain decimal.Decimal `json:"unrealized_gain"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	AllTimeProfit  decimal.Decimal `json:"all_time_profit"`
	Positions      []PositionValue `json:"positions"`
}

// PositionValue is one position marked to the current share price.
type PositionValue struct {
	PropertyID          string          `json:"property_id"`
	Shares              int64           `json:"shares"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	MarketValue         decimal.Decimal `json:"market_value"`
	UnrealizedGain      decimal.Decimal `json:"unrealized_gain"`
	SellPending         bool            `json:"sell_pending"`
	PendingSharesToSell int64           `json:"pending_shares_to_sell"`
}

// lockUserProperty serializes operations for one (user, property) pair.
// Lock order is always user before property so ledger and payment
// operations can never deadlock against each other.
func (s *Service) lockUserProperty(userID, propertyID string) func() {
	userMu := s.locks.Get("user:" + userID)
	propMu := s.locks.Get("property:" + propertyID)
	userMu.Lock()
	propMu.Lock()
	return func() {
		propMu.Unlock()
		userMu.Unlock()
	}
}

// withRetry re-runs fn on commit conflicts, a bounded number of times.
func withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxCommitRetries; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		metrics.CommitConflictsTotal.Inc()
		slog.Warn("commit conflict, retrying", "attempt", attempt)
	}
	return err
}

// Buy purchases numShares of a property with wallet funds. The purchase
// folds into the user's existing position under the weighted-average
// cost-basis policy: shares and total dollars paid accumulate, so the unit
// cost is the running average across all buys.
func (s *Service) Buy(ctx context.Context, userID, propertyID string, numShares int64) (*model.Position, *model.Payment, error) {
	if userID == "" || propertyID == "" {
		return nil, nil, fmt.Errorf("%w: user and property are required", ErrValidation)
	}
	if numShares <= 0 {
		return nil, nil, fmt.Errorf("%w: shares must be a positive integer", ErrValidation)
	}

	unlock := s.lockUserProperty(userID, propertyID)
	defer unlock()

	var position *model.Position
	var payment *model.Payment

	err := withRetry(func() error {
		prop, err := s.store.GetProperty(ctx, propertyID)
		if err != nil {
			return fmt.Errorf("%w: property %s", ErrNotFound, propertyID)
		}
		if !prop.InvestmentsEnabled {
			return ErrInvestmentsDisabled
		}
		if prop.AvailableShares < numShares {
			return fmt.Errorf("%w: %d available, %d requested", ErrInsufficientShares, prop.AvailableShares, numShares)
		}

		totalCost := prop.SharePrice.Mul(decimal.NewFromInt(numShares))

		wallet, err := s.store.GetWallet(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		if wallet.Balance.LessThan(totalCost) {
			return fmt.Errorf("%w: balance %s, cost %s", ErrInsufficientFunds, wallet.Balance, totalCost)
		}

		portfolio, err := s.store.GetPortfolio(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: portfolio for user %s", ErrNotFound, userID)
		}

		now := time.Now().UTC()

		position, err = s.store.GetPosition(ctx, userID, propertyID)
		switch {
		case err == nil:
			position.Shares += numShares
			position.CostBasis = position.CostBasis.Add(totalCost)
		case errors.Is(err, store.ErrNotFound):
			position = &model.Position{
				ID:         model.PositionID(userID, propertyID),
				UserID:     userID,
				PropertyID: propertyID,
				Shares:     numShares,
				CostBasis:  totalCost,
				CreatedAt:  now,
			}
		default:
			return err
		}
		position.MarketValue = prop.SharePrice.Mul(decimal.NewFromInt(position.Shares))
		position.UpdatedAt = now

		wallet.Balance = wallet.Balance.Sub(totalCost)
		wallet.UpdatedAt = now
		prop.AvailableShares -= numShares
		prop.UpdatedAt = now
		portfolio.TotalInvested = portfolio.TotalInvested.Add(totalCost)
		portfolio.UpdatedAt = now

		payment = model.NewInvestmentPayment(userID, totalCost)

		return s.store.Commit(ctx, &store.ChangeSet{
			Property:      prop,
			Position:      position,
			Wallet:        wallet,
			Portfolio:     portfolio,
			InsertPayment: payment,
		})
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.InvestmentsTotal.Inc()
	metrics.PaymentsTotal.WithLabelValues(string(model.PaymentInvestment), string(model.PaymentCompleted)).Inc()
	slog.Info("shares purchased",
		"user", userID,
		"property", propertyID,
		"shares", numShares,
		"cost", payment.Amount.String(),
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:       "investment_executed",
			PropertyID: propertyID,
			UserID:     userID,
			Shares:     numShares,
			Amount:     payment.Amount.String(),
		})
	}
	return position, payment, nil
}

// RequestSell records a user's intent to sell. Requests accumulate across
// calls; nothing moves until an admin approves. The eventual settlement
// prices at the share price current at approval time, not request time —
// admin discretion over the approval moment is part of the product design.
func (s *Service) RequestSell(ctx context.Context, userID, propertyID string, shares int64) (*model.Position, error) {
	if shares <= 0 {
		return nil, fmt.Errorf("%w: shares must be a positive integer", ErrValidation)
	}

	unlock := s.lockUserProperty(userID, propertyID)
	defer unlock()

	var position *model.Position
	err := withRetry(func() error {
		var err error
		position, err = s.store.GetPosition(ctx, userID, propertyID)
		if err != nil {
			return fmt.Errorf("%w: user %s property %s", ErrPositionNotFound, userID, propertyID)
		}
		if position.PendingSharesToSell+shares > position.Shares {
			return fmt.Errorf("%w: %d held, %d already pending, %d more requested",
				ErrInsufficientShares, position.Shares, position.PendingSharesToSell, shares)
		}

		position.PendingSharesToSell += shares
		position.SellPending = true
		position.UpdatedAt = time.Now().UTC()

		return s.store.Commit(ctx, &store.ChangeSet{Position: position})
	})
	if err != nil {
		return nil, err
	}

	metrics.SellRequestsTotal.Inc()
	slog.Info("sell requested",
		"user", userID,
		"property", propertyID,
		"shares", shares,
		"total_pending", position.PendingSharesToSell,
	)
	return position, nil
}

// ApproveSell settles a pending sell request at the current share price.
// The pending flag is cleared and persisted before the settlement runs, so
// a request is never settled twice.
func (s *Service) ApproveSell(ctx context.Context, userID, propertyID string) (*Settlement, error) {
	unlock := s.lockUserProperty(userID, propertyID)
	defer unlock()

	var sharesToSettle int64
	err := withRetry(func() error {
		position, err := s.store.GetPosition(ctx, userID, propertyID)
		if err != nil {
			return fmt.Errorf("%w: user %s property %s", ErrPositionNotFound, userID, propertyID)
		}
		if !position.SellPending || position.PendingSharesToSell <= 0 {
			return fmt.Errorf("%w: user %s property %s", ErrNoPendingRequest, userID, propertyID)
		}

		sharesToSettle = position.PendingSharesToSell
		position.PendingSharesToSell = 0
		position.SellPending = false
		position.UpdatedAt = time.Now().UTC()

		return s.store.Commit(ctx, &store.ChangeSet{Position: position})
	})
	if err != nil {
		return nil, err
	}

	settlement, err := s.settle(ctx, userID, propertyID, sharesToSettle)
	if err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("approved").Inc()
	return settlement, nil
}

// Sell settles an admin-initiated immediate sale, bypassing the
// request/approve workflow.
func (s *Service) Sell(ctx context.Context, userID, propertyID string, shares int64) (*Settlement, error) {
	if shares <= 0 {
		return nil, fmt.Errorf("%w: shares must be a positive integer", ErrValidation)
	}

	unlock := s.lockUserProperty(userID, propertyID)
	defer unlock()

	settlement, err := s.settle(ctx, userID, propertyID, shares)
	if err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("direct").Inc()
	return settlement, nil
}

// settle converts shares into cash at the current share price. Callers
// hold the user and property locks.
//
// The cost basis removed is sharesToSell × the position's weighted-average
// unit cost; the difference against proceeds books as realized profit.
func (s *Service) settle(ctx context.Context, userID, propertyID string, sharesToSell int64) (*Settlement, error) {
	var settlement *Settlement

	err := withRetry(func() error {
		position, err := s.store.GetPosition(ctx, userID, propertyID)
		if err != nil {
			return fmt.Errorf("%w: user %s property %s", ErrPositionNotFound, userID, propertyID)
		}
		if sharesToSell > position.Shares {
			return fmt.Errorf("%w: %d held, %d requested", ErrInsufficientShares, position.Shares, sharesToSell)
		}

		prop, err := s.store.GetProperty(ctx, propertyID)
		if err != nil {
			return fmt.Errorf("%w: property %s", ErrNotFound, propertyID)
		}
		wallet, err := s.store.GetWallet(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		portfolio, err := s.store.GetPortfolio(ctx, userID)
		if err != nil {
			return fmt.Errorf("%w: portfolio for user %s", ErrNotFound, userID)
		}

		n := decimal.NewFromInt(sharesToSell)
		unitCost := position.UnitCost()
		proceeds := prop.SharePrice.Mul(n)
		costBasisRemoved := unitCost.Mul(n)
		realizedDelta := proceeds.Sub(costBasisRemoved)

		if portfolio.TotalInvested.LessThan(costBasisRemoved) {
			return fmt.Errorf("portfolio invested total %s cannot absorb cost basis %s for user %s",
				portfolio.TotalInvested, costBasisRemoved, userID)
		}

		now := time.Now().UTC()
		cs := &store.ChangeSet{}

		position.Shares -= sharesToSell
		position.CostBasis = position.CostBasis.Sub(costBasisRemoved)
		position.UpdatedAt = now
		if position.Shares == 0 {
			cs.DeletePosition = position.ID
		} else {
			position.MarketValue = prop.SharePrice.Mul(decimal.NewFromInt(position.Shares))
			cs.Position = position
		}

		wallet.Balance = wallet.Balance.Add(proceeds)
		wallet.UpdatedAt = now
		portfolio.TotalInvested = portfolio.TotalInvested.Sub(costBasisRemoved)
		portfolio.RealizedProfit = portfolio.RealizedProfit.Add(realizedDelta)
		portfolio.UpdatedAt = now
		prop.AvailableShares += sharesToSell
		prop.UpdatedAt = now

		cs.Wallet = wallet
		cs.Portfolio = portfolio
		cs.Property = prop

		if err := s.store.Commit(ctx, cs); err != nil {
			return err
		}

		settlement = &Settlement{
			UserID:           userID,
			PropertyID:       propertyID,
			SharesSold:       sharesToSell,
			SharePrice:       prop.SharePrice,
			Proceeds:         proceeds,
			CostBasisRemoved: costBasisRemoved,
			RealizedDelta:    realizedDelta,
			RemainingShares:  position.Shares,
			PositionClosed:   position.Shares == 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("shares settled",
		"user", userID,
		"property", propertyID,
		"shares", settlement.SharesSold,
		"proceeds", settlement.Proceeds.String(),
		"realized", settlement.RealizedDelta.String(),
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:       "sell_settled",
			PropertyID: propertyID,
			UserID:     userID,
			Shares:     settlement.SharesSold,
			Amount:     settlement.Proceeds.String(),
		})
	}
	return settlement, nil
}

// RevalueProperty refreshes the cached market value of every position
// referencing the property at the current share price. Cost basis, wallets
// and portfolio totals are untouched; running it repeatedly is harmless.
// Returns the number of positions refreshed.
func (s *Service) RevalueProperty(ctx context.Context, propertyID string) (int, error) {
	mu := s.locks.Get("property:" + propertyID)
	mu.Lock()
	defer mu.Unlock()

	var count int
	err := withRetry(func() error {
		prop, err := s.store.GetProperty(ctx, propertyID)
		if err != nil {
			return fmt.Errorf("%w: property %s", ErrNotFound, propertyID)
		}
		positions, err := s.store.ListPositionsByProperty(ctx, propertyID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range positions {
			positions[i].MarketValue = prop.SharePrice.Mul(decimal.NewFromInt(positions[i].Shares))
			positions[i].UpdatedAt = now
		}
		count = len(positions)

		return s.store.Commit(ctx, &store.ChangeSet{Positions: positions})
	})
	if err != nil {
		return 0, err
	}

	metrics.RevaluationsTotal.Inc()
	slog.Info("property revalued", "property", propertyID, "positions", count)
	return count, nil
}

// CreateProperty lists a new property. The share price derives from the
// current value and total share count.
func (s *Service) CreateProperty(ctx context.Context, name, address, location, description string, value decimal.Decimal, totalShares int64) (*model.Property, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if value.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: value must be positive", ErrValidation)
	}
	if totalShares <= 0 {
		totalShares = model.DefaultTotalShares
	}

	now := time.Now().UTC()
	prop := &model.Property{
		ID:                 uuid.New().String(),
		Name:               name,
		Address:            address,
		Location:           location,
		Description:        description,
		OriginalValue:      value,
		CurrentValue:       value,
		SharePrice:         value.Div(decimal.NewFromInt(totalShares)),
		TotalShares:        totalShares,
		AvailableShares:    totalShares,
		InvestmentsEnabled: true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateProperty(ctx, prop); err != nil {
		return nil, err
	}

	slog.Info("property listed",
		"id", prop.ID,
		"name", name,
		"value", value.String(),
		"total_shares", totalShares,
	)
	return prop, nil
}

// UpdatePropertyValue sets a new current value, derives the new share
// price, and revalues every open position in the same unit of work.
func (s *Service) UpdatePropertyValue(ctx context.Context, propertyID string, value decimal.Decimal) (*model.Property, error) {
	if value.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: value must be positive", ErrValidation)
	}

	mu := s.locks.Get("property:" + propertyID)
	mu.Lock()
	defer mu.Unlock()

	var prop *model.Property
	err := withRetry(func() error {
		var err error
		prop, err = s.store.GetProperty(ctx, propertyID)
		if err != nil {
			return fmt.Errorf("%w: property %s", ErrNotFound, propertyID)
		}
		prop.Reprice(value)

		positions, err := s.store.ListPositionsByProperty(ctx, propertyID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range positions {
			positions[i].MarketValue = prop.SharePrice.Mul(decimal.NewFromInt(positions[i].Shares))
			positions[i].UpdatedAt = now
		}

		return s.store.Commit(ctx, &store.ChangeSet{Property: prop, Positions: positions})
	})
	if err != nil {
		return nil, err
	}

	metrics.RevaluationsTotal.Inc()
	slog.Info("property value updated",
		"property", propertyID,
		"value", value.String(),
		"share_price", prop.SharePrice.String(),
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:       "property_revalued",
			PropertyID: propertyID,
			SharePrice: prop.SharePrice.String(),
		})
	}
	return prop, nil
}

// SetInvestmentsEnabled toggles whether a property accepts new purchases.
func (s *Service) SetInvestmentsEnabled(ctx context.Context, propertyID string, enabled bool) (*model.Property, error) {
	mu := s.locks.Get("property:" + propertyID)
	mu.Lock()
	defer mu.Unlock()

	var prop *model.Property
	err := withRetry(func() error {
		var err error
		prop, err = s.store.GetProperty(ctx, propertyID)
		if err != nil {
			return fmt.Errorf("%w: property %s", ErrNotFound, propertyID)
		}
		prop.InvestmentsEnabled = enabled
		prop.UpdatedAt = time.Now().UTC()
		return s.store.Commit(ctx, &store.ChangeSet{Property: prop})
	})
	if err != nil {
		return nil, err
	}
	return prop, nil
}

// Valuation marks the user's positions to current share prices and
// composes the portfolio summary. Read-only.
func (s *Service) Valuation(ctx context.Context, userID string) (*Valuation, error) {
	portfolio, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: portfolio for user %s", ErrNotFound, userID)
	}
	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	v := &Valuation{
		UserID:         userID,
		PortfolioValue: decimal.Zero,
		TotalInvested:  portfolio.TotalInvested,
		RealizedProfit: portfolio.RealizedProfit,
		Positions:      make([]PositionValue, 0, len(positions)),
	}

	for _, pos := range positions {
		prop, err := s.store.GetProperty(ctx, pos.PropertyID)
		if err != nil {
			return nil, fmt.Errorf("%w: property %s", ErrNotFound, pos.PropertyID)
		}
		marketValue := prop.SharePrice.Mul(decimal.NewFromInt(pos.Shares))
		v.PortfolioValue = v.PortfolioValue.Add(marketValue)
		v.Positions = append(v.Positions, PositionValue{
			PropertyID:          pos.PropertyID,
			Shares:              pos.Shares,
			CostBasis:           pos.CostBasis,
			MarketValue:         marketValue,
			UnrealizedGain:      marketValue.Sub(pos.CostBasis),
			SellPending:         pos.SellPending,
			PendingSharesToSell: pos.PendingSharesToSell,
		})
	}

	v.UnrealizedGain = v.PortfolioValue.Sub(v.TotalInvested)
	v.AllTimeProfit = v.UnrealizedGain.Add(v.RealizedProfit)
	return v, nil
}
