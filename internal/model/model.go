// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTotalShares is the share count a property is divided into when the
// admin does not specify one.
const DefaultTotalShares int64 = 20000

// Property is the share inventory for one listed property.
//
// Invariant: AvailableShares + Σ(Position.Shares over this property) ==
// TotalShares at all times. SharePrice is always CurrentValue / TotalShares.
type Property struct {
	ID                 string          `json:"id" db:"id"`
	Name               string          `json:"name" db:"name"`
	Address            string          `json:"address" db:"address"`
	Location           string          `json:"location" db:"location"`
	Description        string          `json:"description" db:"description"`
	OriginalValue      decimal.Decimal `json:"original_value" db:"original_value"`
	CurrentValue       decimal.Decimal `json:"current_value" db:"current_value"`
	SharePrice         decimal.Decimal `json:"share_price" db:"share_price"`
	TotalShares        int64           `json:"total_shares" db:"total_shares"`
	AvailableShares    int64           `json:"available_shares" db:"available_shares"`
	InvestmentsEnabled bool            `json:"investments_enabled" db:"investments_enabled"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Reprice sets a new current value and derives the share price from it.
func (p *Property) Reprice(currentValue decimal.Decimal) {
	p.CurrentValue = currentValue
	p.SharePrice = currentValue.Div(decimal.NewFromInt(p.TotalShares))
	p.UpdatedAt = time.Now().UTC()
}

// Position is one user's holding in one property. The accounting policy is
// weighted-average cost basis: every buy folds into a single running
// (Shares, CostBasis) pair, so the unit cost is always CostBasis / Shares.
// There is no lot tracking.
type Position struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	PropertyID          string          `json:"property_id"`
	Shares              int64           `json:"shares"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	PendingSharesToSell int64           `json:"pending_shares_to_sell"`
	SellPending         bool            `json:"sell_pending"`
	MarketValue         decimal.Decimal `json:"market_value"` // Shares × SharePrice, refreshed on revaluation
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// UnitCost is the weighted-average purchase price of the held shares.
// Undefined when no shares are held.
func (p *Position) UnitCost() decimal.Decimal {
	if p.Shares == 0 {
		return decimal.Zero
	}
	return p.CostBasis.Div(decimal.NewFromInt(p.Shares))
}

// PositionID derives the deterministic identity of a position from its
// (user, property) pair. One position row exists per pair; there is no
// surrogate key.
func PositionID(userID, propertyID string) string {
	return userID + ":" + propertyID
}

// ParsePositionID splits a position id back into its (user, property) pair.
func ParsePositionID(id string) (userID, propertyID string, err error) {
	userID, propertyID, ok := strings.Cut(id, ":")
	if !ok || userID == "" || propertyID == "" {
		return "", "", fmt.Errorf("malformed position id %q", id)
	}
	return userID, propertyID, nil
}

// Wallet is a user's cash balance. Balance is never allowed to go negative;
// every mutation path checks before committing. GatewayAccountID is the
// user's account with the external payment processor, empty until
// onboarding has started.
type Wallet struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	GatewayAccountID string          `json:"gateway_account_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Portfolio is a user's cross-property aggregate. TotalInvested is the sum
// of cost basis across active positions; RealizedProfit is the signed
// cumulative gain or loss booked by completed sales.
type Portfolio struct {
	UserID         string          `json:"user_id"`
	TotalInvested  decimal.Decimal `json:"total_invested"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// PaymentType classifies a cash movement.
type PaymentType string

const (
	PaymentDeposit    PaymentType = "deposit"
	PaymentWithdrawal PaymentType = "withdrawal"
	PaymentInvestment PaymentType = "investment"
	PaymentRefund     PaymentType = "refund"
)

// PaymentStatus is the settlement state of a cash movement.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment records one cash movement. Deposits against the external gateway
// start Pending and transition exactly once via the gateway callback;
// investments, refunds and completed withdrawals settle from
// already-verified wallet funds and are created Completed. A Payment is
// immutable once Completed or Failed.
type Payment struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Type       PaymentType     `json:"type"`
	Status     PaymentStatus   `json:"status"`
	GatewayRef string          `json:"gateway_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func newPayment(userID string, amount decimal.Decimal, typ PaymentType, status PaymentStatus, gatewayRef string) *Payment {
	now := time.Now().UTC()
	return &Payment{
		ID:         uuid.New().String(),
		UserID:     userID,
		Amount:     amount,
		Type:       typ,
		Status:     status,
		GatewayRef: gatewayRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewDepositPayment records a deposit awaiting gateway confirmation.
func NewDepositPayment(userID string, amount decimal.Decimal, gatewayRef string) *Payment {
	return newPayment(userID, amount, PaymentDeposit, PaymentPending, gatewayRef)
}

// NewWithdrawalPayment records a withdrawal whose transfer already succeeded.
func NewWithdrawalPayment(userID string, amount decimal.Decimal) *Payment {
	return newPayment(userID, amount, PaymentWithdrawal, PaymentCompleted, "")
}

// NewInvestmentPayment records a share purchase funded from the wallet.
func NewInvestmentPayment(userID string, amount decimal.Decimal) *Payment {
	return newPayment(userID, amount, PaymentInvestment, PaymentCompleted, "")
}

// NewRefundPayment records a refund the gateway has already accepted.
func NewRefundPayment(userID string, amount decimal.Decimal, gatewayRef string) *Payment {
	return newPayment(userID, amount, PaymentRefund, PaymentCompleted, gatewayRef)
}
