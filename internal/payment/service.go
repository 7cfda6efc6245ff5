package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/keylock"
	"github.com/parcelshare/ledger-engine/internal/metrics"
	"github.com/parcelshare/ledger-engine/internal/model"
	"github.com/parcelshare/ledger-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("payment: amount must be positive")

	// ErrNotFound is returned when the wallet or payment does not exist.
	ErrNotFound = errors.New("payment: not found")

	// ErrInsufficientFunds is returned when the wallet cannot cover a
	// withdrawal or refund.
	ErrInsufficientFunds = errors.New("payment: insufficient wallet balance")

	// ErrOnboardingRequired is returned by Withdraw when the user has no
	// completed gateway account to receive the funds.
	ErrOnboardingRequired = errors.New("payment: gateway onboarding required")

	// ErrGateway wraps failures from the external payment processor.
	ErrGateway = errors.New("payment: gateway error")

	// ErrWithdrawalFailed is returned when the gateway rejected a transfer
	// after the wallet was debited; the debit has been reversed.
	ErrWithdrawalFailed = errors.New("payment: withdrawal failed, balance restored")
)

// gatewayTimeout bounds every outbound gateway call so a hung processor
// cannot pin a user lock indefinitely.
const gatewayTimeout = 30 * time.Second

// Service implements the two-phase cash protocol: deposits settle only on
// gateway confirmation, withdrawals debit optimistically and compensate on
// gateway failure, refunds clear the gateway before touching the wallet.
type Service struct {
	store store.Store
	gw    Gateway
	locks *keylock.Map
}

// NewService creates a payment service sharing the ledger's keyed locks so
// cash and share operations on the same user serialize against each other.
func NewService(st store.Store, gw Gateway, locks *keylock.Map) *Service {
	return &Service{store: st, gw: gw, locks: locks}
}

func (s *Service) lockUser(userID string) func() {
	mu := s.locks.Get("user:" + userID)
	mu.Lock()
	return mu.Unlock
}

// DepositResult is what a deposit attempt produced: either a pending
// payment with a client secret to confirm, or an onboarding URL the user
// must visit first.
type DepositResult struct {
	PaymentID     string `json:"payment_id,omitempty"`
	ClientSecret  string `json:"client_secret,omitempty"`
	OnboardingURL string `json:"onboarding_url,omitempty"`
	Message       string `json:"message"`
}

// Deposit starts a deposit. First-time users are sent through gateway
// onboarding; returning users whose account is still incomplete get a
// fresh onboarding link. The wallet is NOT credited here — that happens in
// UpdateDepositStatus when the gateway confirms the charge.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*DepositResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.lockUser(userID)
	defer unlock()

	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	// First deposit ever: provision a gateway account and remember it.
	if wallet.GatewayAccountID == "" {
		ob, err := s.gw.CreateOnboarding(gctx, userID)
		if err != nil {
			metrics.GatewayErrorsTotal.Inc()
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}

		wallet.GatewayAccountID = ob.AccountID
		wallet.UpdatedAt = time.Now().UTC()
		if err := s.store.Commit(ctx, &store.ChangeSet{Wallet: wallet}); err != nil {
			return nil, err
		}

		slog.Info("gateway onboarding started", "user_id", userID, "account_id", ob.AccountID)
		return &DepositResult{
			OnboardingURL: ob.URL,
			Message:       "complete onboarding before depositing",
		}, nil
	}

	// Returning user with an unfinished account: re-issue the link.
	complete, err := s.gw.AccountComplete(gctx, wallet.GatewayAccountID)
	if err != nil {
		metrics.GatewayErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if !complete {
		url, err := s.gw.OnboardingLink(gctx, wallet.GatewayAccountID)
		if err != nil {
			metrics.GatewayErrorsTotal.Inc()
			return nil, fmt.Errorf("%w: %v", ErrGateway, err)
		}
		return &DepositResult{
			OnboardingURL: url,
			Message:       "onboarding incomplete, finish setup before depositing",
		}, nil
	}

	intent, err := s.gw.CreatePaymentIntent(gctx, amount)
	if err != nil {
		metrics.GatewayErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	payment := model.NewDepositPayment(userID, amount, intent.ID)
	if err := s.store.Commit(ctx, &store.ChangeSet{InsertPayment: payment}); err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(payment.Type), string(payment.Status)).Inc()
	slog.Info("deposit initiated",
		"user_id", userID,
		"payment_id", payment.ID,
		"amount", amount.String())

	return &DepositResult{
		PaymentID:    payment.ID,
		ClientSecret: intent.ClientSecret,
		Message:      "confirm the payment to complete the deposit",
	}, nil
}

// UpdateDepositStatus is the webhook path: the gateway reports whether the
// charge referenced by gatewayRef succeeded. Re-delivery is a no-op — a
// payment transitions out of Pending exactly once, so the wallet can never
// be credited twice for the same charge.
func (s *Service) UpdateDepositStatus(ctx context.Context, gatewayRef string, success bool) error {
	p, err := s.store.GetPaymentByGatewayRef(ctx, gatewayRef)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: payment with gateway ref %s", ErrNotFound, gatewayRef)
		}
		return err
	}

	unlock := s.lockUser(p.UserID)
	defer unlock()

	// Re-fetch under the lock: another delivery may have settled it.
	p, err = s.store.GetPayment(ctx, p.ID)
	if err != nil {
		return err
	}
	if p.Status != model.PaymentPending {
		slog.Info("deposit webhook replay ignored",
			"payment_id", p.ID, "status", string(p.Status))
		return nil
	}

	p.UpdatedAt = time.Now().UTC()
	cs := &store.ChangeSet{UpdatePayment: p}

	if success {
		wallet, err := s.store.GetWallet(ctx, p.UserID)
		if err != nil {
			return err
		}
		wallet.Balance = wallet.Balance.Add(p.Amount)
		wallet.UpdatedAt = p.UpdatedAt
		p.Status = model.PaymentCompleted
		cs.Wallet = wallet
	} else {
		p.Status = model.PaymentFailed
	}

	if err := s.store.Commit(ctx, cs); err != nil {
		return err
	}

	metrics.PaymentsTotal.WithLabelValues(string(p.Type), string(p.Status)).Inc()
	slog.Info("deposit settled",
		"payment_id", p.ID,
		"user_id", p.UserID,
		"status", string(p.Status),
		"amount", p.Amount.String())
	return nil
}

// Withdraw moves wallet funds out to the user's gateway account. The
// wallet is debited first so concurrent withdrawals cannot both pass the
// balance check; if the gateway then rejects the transfer the debit is
// compensated and ErrWithdrawalFailed is returned.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Payment, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.lockUser(userID)
	defer unlock()

	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: wallet for user %s", ErrNotFound, userID)
		}
		return nil, err
	}
	if wallet.GatewayAccountID == "" {
		return nil, ErrOnboardingRequired
	}
	if wallet.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, requested %s",
			ErrInsufficientFunds, wallet.Balance.String(), amount.String())
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	complete, err := s.gw.AccountComplete(gctx, wallet.GatewayAccountID)
	if err != nil {
		metrics.GatewayErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if !complete {
		return nil, ErrOnboardingRequired
	}

	// Debit before calling out so the balance check cannot be raced.
	wallet.Balance = wallet.Balance.Sub(amount)
	wallet.UpdatedAt = time.Now().UTC()
	if err := s.store.Commit(ctx, &store.ChangeSet{Wallet: wallet}); err != nil {
		return nil, err
	}

	transferErr := s.gw.Transfer(gctx, amount, wallet.GatewayAccountID)
	if transferErr == nil {
		transferErr = s.gw.Payout(gctx, amount, wallet.GatewayAccountID)
	}
	if transferErr != nil {
		metrics.GatewayErrorsTotal.Inc()

		// Compensate: restore the debit.
		wallet.Balance = wallet.Balance.Add(amount)
		wallet.UpdatedAt = time.Now().UTC()
		if err := s.store.Commit(ctx, &store.ChangeSet{Wallet: wallet}); err != nil {
			slog.Error("withdrawal compensation failed",
				"user_id", userID, "amount", amount.String(), "err", err)
			return nil, fmt.Errorf("restore balance after failed withdrawal: %w", err)
		}

		slog.Warn("withdrawal rejected by gateway, balance restored",
			"user_id", userID, "amount", amount.String(), "err", transferErr)
		return nil, fmt.Errorf("%w: %v", ErrWithdrawalFailed, transferErr)
	}

	payment := model.NewWithdrawalPayment(userID, amount)
	if err := s.store.Commit(ctx, &store.ChangeSet{InsertPayment: payment}); err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(payment.Type), string(payment.Status)).Inc()
	slog.Info("withdrawal completed",
		"user_id", userID,
		"payment_id", payment.ID,
		"amount", amount.String())
	return payment, nil
}

// Refund reverses a completed deposit back to the user's card. The wallet
// balance is checked before the gateway is called, and debited only after
// the gateway accepts the refund — the gateway moves first, the ledger
// follows.
func (s *Service) Refund(ctx context.Context, userID, depositPaymentID string) (*model.Payment, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	deposit, err := s.store.GetPayment(ctx, depositPaymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment %s", ErrNotFound, depositPaymentID)
		}
		return nil, err
	}
	if deposit.UserID != userID {
		return nil, fmt.Errorf("%w: payment %s", ErrNotFound, depositPaymentID)
	}
	if deposit.Type != model.PaymentDeposit || deposit.Status != model.PaymentCompleted {
		return nil, fmt.Errorf("payment: only completed deposits are refundable, got %s/%s",
			deposit.Type, deposit.Status)
	}

	wallet, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance.LessThan(deposit.Amount) {
		return nil, fmt.Errorf("%w: balance %s, refund %s",
			ErrInsufficientFunds, wallet.Balance.String(), deposit.Amount.String())
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	refundRef, err := s.gw.Refund(gctx, deposit.GatewayRef, deposit.Amount)
	if err != nil {
		metrics.GatewayErrorsTotal.Inc()
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	wallet.Balance = wallet.Balance.Sub(deposit.Amount)
	wallet.UpdatedAt = time.Now().UTC()
	payment := model.NewRefundPayment(userID, deposit.Amount, refundRef)

	if err := s.store.Commit(ctx, &store.ChangeSet{Wallet: wallet, InsertPayment: payment}); err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(string(payment.Type), string(payment.Status)).Inc()
	slog.Info("refund completed",
		"user_id", userID,
		"payment_id", payment.ID,
		"deposit_id", deposit.ID,
		"amount", deposit.Amount.String())
	return payment, nil
}

// ListPayments returns a user's payment history, newest first.
func (s *Service) ListPayments(ctx context.Context, userID string) ([]model.Payment, error) {
	return s.store.ListPaymentsByUser(ctx, userID)
}
