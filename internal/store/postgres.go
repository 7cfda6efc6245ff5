package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Commit runs the whole ChangeSet inside one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const propertyColumns = `id, name, address, location, description,
	original_value::TEXT, current_value::TEXT, share_price::TEXT,
	total_shares, available_shares, investments_enabled, created_at, updated_at`

func scanProperty(row pgx.Row) (*model.Property, error) {
	var p model.Property
	var originalValue, currentValue, sharePrice string

	err := row.Scan(&p.ID, &p.Name, &p.Address, &p.Location, &p.Description,
		&originalValue, &currentValue, &sharePrice,
		&p.TotalShares, &p.AvailableShares, &p.InvestmentsEnabled,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.OriginalValue, _ = decimal.NewFromString(originalValue)
	p.CurrentValue, _ = decimal.NewFromString(currentValue)
	p.SharePrice, _ = decimal.NewFromString(sharePrice)
	return &p, nil
}

func (s *PostgresStore) CreateProperty(ctx context.Context, p *model.Property) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO properties (id, name, address, location, description,
		     original_value, current_value, share_price,
		     total_shares, available_shares, investments_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		p.ID, p.Name, p.Address, p.Location, p.Description,
		p.OriginalValue.String(), p.CurrentValue.String(), p.SharePrice.String(),
		p.TotalShares, p.AvailableShares, p.InvestmentsEnabled, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetProperty(ctx context.Context, id string) (*model.Property, error) {
	p, err := scanProperty(s.pool.QueryRow(ctx,
		`SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: property %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get property %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListProperties(ctx context.Context) ([]model.Property, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+propertyColumns+` FROM properties ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var props []model.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		props = append(props, *p)
	}
	return props, rows.Err()
}

func (s *PostgresStore) CreateAccount(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, gateway_account_id, created_at, updated_at)
		 VALUES ($1, 0, '', now(), now())`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO portfolios (user_id, total_invested, realized_profit, created_at, updated_at)
		 VALUES ($1, 0, 0, now(), now())`, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, gateway_account_id, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &balance, &w.GatewayAccountID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}

	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var invested, realized string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, total_invested::TEXT, realized_profit::TEXT, created_at, updated_at
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &invested, &realized, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: portfolio for user %s", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	p.TotalInvested, _ = decimal.NewFromString(invested)
	p.RealizedProfit, _ = decimal.NewFromString(realized)
	return &p, nil
}

const positionColumns = `id, user_id, property_id, shares, cost_basis::TEXT,
	pending_shares_to_sell, sell_pending, market_value::TEXT, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var costBasis, marketValue string

	err := row.Scan(&p.ID, &p.UserID, &p.PropertyID, &p.Shares, &costBasis,
		&p.PendingSharesToSell, &p.SellPending, &marketValue,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.CostBasis, _ = decimal.NewFromString(costBasis)
	p.MarketValue, _ = decimal.NewFromString(marketValue)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, propertyID string) (*model.Position, error) {
	id := model.PositionID(userID, propertyID)
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY id`, userID)
}

func (s *PostgresStore) ListPositionsByProperty(ctx context.Context, propertyID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE property_id = $1 ORDER BY id`, propertyID)
}

func (s *PostgresStore) ListPendingSells(ctx context.Context) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE sell_pending ORDER BY id`)
}

const paymentColumns = `id, user_id, amount::TEXT, type, status, gateway_ref, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var p model.Payment
	var amount string

	err := row.Scan(&p.ID, &p.UserID, &amount, &p.Type, &p.Status,
		&p.GatewayRef, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Amount, _ = decimal.NewFromString(amount)
	return &p, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*model.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPaymentByGatewayRef(ctx context.Context, ref string) (*model.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE gateway_ref = $1`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment with gateway ref %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("get payment by ref %s: %w", ref, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPaymentsByUser(ctx context.Context, userID string) ([]model.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// Commit applies the ChangeSet in one transaction. Serialization failures
// and deadlocks surface as ErrConflict so callers can retry.
func (s *PostgresStore) Commit(ctx context.Context, cs *ChangeSet) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if cs.Property != nil {
		if err := upsertProperty(ctx, tx, cs.Property); err != nil {
			return commitErr(err)
		}
	}
	if cs.Position != nil {
		if err := upsertPosition(ctx, tx, cs.Position); err != nil {
			return commitErr(err)
		}
	}
	if cs.DeletePosition != "" {
		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE id = $1`, cs.DeletePosition); err != nil {
			return commitErr(err)
		}
	}
	for i := range cs.Positions {
		if err := upsertPosition(ctx, tx, &cs.Positions[i]); err != nil {
			return commitErr(err)
		}
	}
	if cs.Wallet != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE wallets SET balance = $2::NUMERIC, gateway_account_id = $3, updated_at = $4
			 WHERE user_id = $1`,
			cs.Wallet.UserID, cs.Wallet.Balance.String(),
			cs.Wallet.GatewayAccountID, cs.Wallet.UpdatedAt); err != nil {
			return commitErr(err)
		}
	}
	if cs.Portfolio != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE portfolios SET total_invested = $2::NUMERIC, realized_profit = $3::NUMERIC, updated_at = $4
			 WHERE user_id = $1`,
			cs.Portfolio.UserID, cs.Portfolio.TotalInvested.String(),
			cs.Portfolio.RealizedProfit.String(), cs.Portfolio.UpdatedAt); err != nil {
			return commitErr(err)
		}
	}
	if cs.InsertPayment != nil {
		p := cs.InsertPayment
		if _, err := tx.Exec(ctx,
			`INSERT INTO payments (id, user_id, amount, type, status, gateway_ref, created_at, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8)`,
			p.ID, p.UserID, p.Amount.String(), p.Type, p.Status,
			p.GatewayRef, p.CreatedAt, p.UpdatedAt); err != nil {
			return commitErr(err)
		}
	}
	if cs.UpdatePayment != nil {
		p := cs.UpdatePayment
		if _, err := tx.Exec(ctx,
			`UPDATE payments SET status = $2, gateway_ref = $3, updated_at = $4 WHERE id = $1`,
			p.ID, p.Status, p.GatewayRef, p.UpdatedAt); err != nil {
			return commitErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return commitErr(err)
	}
	return nil
}

func upsertProperty(ctx context.Context, tx pgx.Tx, p *model.Property) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO properties (id, name, address, location, description,
		     original_value, current_value, share_price,
		     total_shares, available_shares, investments_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		     name = EXCLUDED.name,
		     address = EXCLUDED.address,
		     location = EXCLUDED.location,
		     description = EXCLUDED.description,
		     current_value = EXCLUDED.current_value,
		     share_price = EXCLUDED.share_price,
		     available_shares = EXCLUDED.available_shares,
		     investments_enabled = EXCLUDED.investments_enabled,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Address, p.Location, p.Description,
		p.OriginalValue.String(), p.CurrentValue.String(), p.SharePrice.String(),
		p.TotalShares, p.AvailableShares, p.InvestmentsEnabled, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, property_id, shares, cost_basis,
		     pending_shares_to_sell, sell_pending, market_value, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     shares = EXCLUDED.shares,
		     cost_basis = EXCLUDED.cost_basis,
		     pending_shares_to_sell = EXCLUDED.pending_shares_to_sell,
		     sell_pending = EXCLUDED.sell_pending,
		     market_value = EXCLUDED.market_value,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.PropertyID, p.Shares, p.CostBasis.String(),
		p.PendingSharesToSell, p.SellPending, p.MarketValue.String(),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// commitErr translates transaction-level concurrency failures into
// ErrConflict. SQLSTATE 40001 is serialization_failure, 40P01 deadlock.
func commitErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
	}
	return err
}
