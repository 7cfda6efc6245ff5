// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/parcelshare/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested aggregate does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a commit loses a concurrent-modification
	// race. Callers retry a bounded number of times.
	ErrConflict = errors.New("store: concurrent modification")
)

// ChangeSet is one atomic unit of work. Ledger and payment operations load
// the aggregates they need, mutate them in memory, and commit everything
// through a single ChangeSet — partial application is never observable.
// Nil fields are untouched.
type ChangeSet struct {
	Property       *model.Property
	Position       *model.Position
	DeletePosition string           // position id to remove, "" for none
	Positions      []model.Position // batch upsert (property revaluation)
	Wallet         *model.Wallet
	Portfolio      *model.Portfolio
	InsertPayment  *model.Payment
	UpdatePayment  *model.Payment
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. All reads return copies.
type Store interface {
	// --- Property inventory ---

	// CreateProperty persists a newly listed property.
	CreateProperty(ctx context.Context, p *model.Property) error

	// GetProperty retrieves a property by its id.
	GetProperty(ctx context.Context, id string) (*model.Property, error)

	// ListProperties returns all properties, newest first.
	ListProperties(ctx context.Context) ([]model.Property, error)

	// --- Accounts ---

	// CreateAccount provisions the wallet and portfolio for a new user.
	CreateAccount(ctx context.Context, userID string) error

	// GetWallet retrieves a user's wallet.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// GetPortfolio retrieves a user's portfolio aggregate.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// --- Positions ---

	// GetPosition retrieves the position for a (user, property) pair.
	GetPosition(ctx context.Context, userID, propertyID string) (*model.Position, error)

	// ListPositionsByUser returns all of a user's positions.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// ListPositionsByProperty returns all positions referencing a property.
	ListPositionsByProperty(ctx context.Context, propertyID string) ([]model.Position, error)

	// ListPendingSells returns every position with a sell request awaiting
	// approval.
	ListPendingSells(ctx context.Context) ([]model.Position, error)

	// --- Payments ---

	// GetPayment retrieves a payment by its id.
	GetPayment(ctx context.Context, id string) (*model.Payment, error)

	// GetPaymentByGatewayRef retrieves a payment by its external gateway
	// reference (webhook lookups).
	GetPaymentByGatewayRef(ctx context.Context, ref string) (*model.Payment, error)

	// ListPaymentsByUser returns a user's payments, newest first.
	ListPaymentsByUser(ctx context.Context, userID string) ([]model.Payment, error)

	// --- Unit of work ---

	// Commit applies a ChangeSet atomically.
	Commit(ctx context.Context, cs *ChangeSet) error
}
