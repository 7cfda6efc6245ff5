package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/keylock"
	"github.com/parcelshare/ledger-engine/internal/model"
	"github.com/parcelshare/ledger-engine/internal/payment"
	"github.com/parcelshare/ledger-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeGateway records calls and can be told to fail specific operations.
type fakeGateway struct {
	accounts     map[string]bool // accountID → onboarding complete
	intents      int
	transfers    []string
	payouts      []string
	refunds      []string
	failTransfer bool
	failPayout   bool
	failRefund   bool
	failOnboard  bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{accounts: make(map[string]bool)}
}

func (g *fakeGateway) CreateOnboarding(_ context.Context, userID string) (*payment.Onboarding, error) {
	if g.failOnboard {
		return nil, errors.New("gateway down")
	}
	id := "acct_" + userID
	g.accounts[id] = false
	return &payment.Onboarding{AccountID: id, URL: "https://gateway.test/onboard/" + id}, nil
}

func (g *fakeGateway) OnboardingLink(_ context.Context, accountID string) (string, error) {
	return "https://gateway.test/onboard/" + accountID, nil
}

func (g *fakeGateway) AccountComplete(_ context.Context, accountID string) (bool, error) {
	return g.accounts[accountID], nil
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, amount decimal.Decimal) (*payment.PaymentIntent, error) {
	g.intents++
	id := fmt.Sprintf("pi_%d", g.intents)
	return &payment.PaymentIntent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (g *fakeGateway) Transfer(_ context.Context, amount decimal.Decimal, accountID string) error {
	if g.failTransfer {
		return errors.New("transfer rejected")
	}
	g.transfers = append(g.transfers, accountID+":"+amount.String())
	return nil
}

func (g *fakeGateway) Payout(_ context.Context, amount decimal.Decimal, accountID string) error {
	if g.failPayout {
		return errors.New("payout rejected")
	}
	g.payouts = append(g.payouts, accountID+":"+amount.String())
	return nil
}

func (g *fakeGateway) Refund(_ context.Context, gatewayRef string, amount decimal.Decimal) (string, error) {
	if g.failRefund {
		return "", errors.New("refund rejected")
	}
	ref := "re_" + gatewayRef
	g.refunds = append(g.refunds, ref)
	return ref, nil
}

func newTestEnv(t *testing.T) (*payment.Service, *store.MemoryStore, *fakeGateway) {
	t.Helper()
	ms := store.NewMemoryStore()
	gw := newFakeGateway()
	svc := payment.NewService(ms, gw, keylock.NewMap())
	return svc, ms, gw
}

// seedAccount creates a user, optionally with a completed gateway account.
func seedAccount(t *testing.T, ms *store.MemoryStore, gw *fakeGateway, userID string, balance decimal.Decimal, onboarded bool) {
	t.Helper()
	ctx := context.Background()
	if err := ms.CreateAccount(ctx, userID); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	wallet, err := ms.GetWallet(ctx, userID)
	if err != nil {
		t.Fatalf("failed to load wallet: %v", err)
	}
	wallet.Balance = balance
	if onboarded {
		wallet.GatewayAccountID = "acct_" + userID
		gw.accounts[wallet.GatewayAccountID] = true
	}
	if err := ms.Commit(ctx, &store.ChangeSet{Wallet: wallet}); err != nil {
		t.Fatalf("failed to seed wallet: %v", err)
	}
}

func wantDecimal(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %s, want %s", name, got, want)
	}
}

// --- Deposit tests ---

func TestDeposit_FirstTimeStartsOnboarding(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), false)
	ctx := context.Background()

	result, err := svc.Deposit(ctx, "user1", d(100))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if result.OnboardingURL == "" {
		t.Error("expected onboarding URL for first deposit")
	}
	if result.PaymentID != "" || result.ClientSecret != "" {
		t.Errorf("no payment should exist before onboarding: %+v", result)
	}

	// Account id is remembered on the wallet.
	wallet, _ := ms.GetWallet(ctx, "user1")
	if wallet.GatewayAccountID != "acct_user1" {
		t.Errorf("gateway account not saved: %q", wallet.GatewayAccountID)
	}
	wantDecimal(t, "balance untouched", wallet.Balance, d(0))
}

func TestDeposit_IncompleteAccountGetsFreshLink(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), false)
	ctx := context.Background()

	// First call provisions the account.
	if _, err := svc.Deposit(ctx, "user1", d(100)); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}

	// Onboarding still incomplete: second attempt re-issues a link, does
	// not create an intent.
	result, err := svc.Deposit(ctx, "user1", d(100))
	if err != nil {
		t.Fatalf("second deposit failed: %v", err)
	}
	if result.OnboardingURL == "" {
		t.Error("expected re-issued onboarding URL")
	}
	if gw.intents != 0 {
		t.Errorf("no intent should be created before onboarding completes, got %d", gw.intents)
	}
}

func TestDeposit_CreatesPendingPayment(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	result, err := svc.Deposit(ctx, "user1", d(250))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if result.PaymentID == "" || result.ClientSecret == "" {
		t.Fatalf("expected pending payment with client secret: %+v", result)
	}

	p, err := ms.GetPayment(ctx, result.PaymentID)
	if err != nil {
		t.Fatalf("payment not stored: %v", err)
	}
	if p.Type != model.PaymentDeposit || p.Status != model.PaymentPending {
		t.Errorf("payment type/status: got %s/%s", p.Type, p.Status)
	}
	wantDecimal(t, "payment amount", p.Amount, d(250))

	// Money does not move until the gateway confirms.
	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance before webhook", wallet.Balance, d(0))
}

func TestDeposit_RejectsNonPositiveAmount(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)

	for _, amt := range []decimal.Decimal{d(0), d(-10)} {
		_, err := svc.Deposit(context.Background(), "user1", amt)
		if !errors.Is(err, payment.ErrInvalidAmount) {
			t.Errorf("amount %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

// --- Webhook tests ---

func TestUpdateDepositStatus_CreditsExactlyOnce(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	result, err := svc.Deposit(ctx, "user1", d(250))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	p, _ := ms.GetPayment(ctx, result.PaymentID)

	// First delivery credits the wallet.
	if err := svc.UpdateDepositStatus(ctx, p.GatewayRef, true); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance after webhook", wallet.Balance, d(250))

	// Replays are accepted but change nothing.
	for i := 0; i < 3; i++ {
		if err := svc.UpdateDepositStatus(ctx, p.GatewayRef, true); err != nil {
			t.Fatalf("replay %d returned error: %v", i, err)
		}
	}
	wallet, _ = ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance after replays", wallet.Balance, d(250))

	p, _ = ms.GetPayment(ctx, result.PaymentID)
	if p.Status != model.PaymentCompleted {
		t.Errorf("payment status: got %s, want completed", p.Status)
	}
}

func TestUpdateDepositStatus_FailureLeavesWallet(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	result, _ := svc.Deposit(ctx, "user1", d(250))
	p, _ := ms.GetPayment(ctx, result.PaymentID)

	if err := svc.UpdateDepositStatus(ctx, p.GatewayRef, false); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance", wallet.Balance, d(0))

	p, _ = ms.GetPayment(ctx, result.PaymentID)
	if p.Status != model.PaymentFailed {
		t.Errorf("payment status: got %s, want failed", p.Status)
	}

	// A later success delivery for the same charge is ignored: the payment
	// already left Pending.
	if err := svc.UpdateDepositStatus(ctx, p.GatewayRef, true); err != nil {
		t.Fatalf("late success delivery returned error: %v", err)
	}
	wallet, _ = ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance after late success", wallet.Balance, d(0))
}

func TestUpdateDepositStatus_UnknownRef(t *testing.T) {
	svc, _, _ := newTestEnv(t)

	err := svc.UpdateDepositStatus(context.Background(), "pi_unknown", true)
	if !errors.Is(err, payment.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Withdraw tests ---

func TestWithdraw_Success(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(500), true)
	ctx := context.Background()

	p, err := svc.Withdraw(ctx, "user1", d(200))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if p.Type != model.PaymentWithdrawal || p.Status != model.PaymentCompleted {
		t.Errorf("payment type/status: got %s/%s", p.Type, p.Status)
	}

	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance", wallet.Balance, d(300))

	if len(gw.transfers) != 1 || len(gw.payouts) != 1 {
		t.Errorf("gateway calls: transfers=%d payouts=%d, want 1 each", len(gw.transfers), len(gw.payouts))
	}
}

func TestWithdraw_GatewayFailureRestoresBalance(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(500), true)
	gw.failTransfer = true
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, "user1", d(200))
	if !errors.Is(err, payment.ErrWithdrawalFailed) {
		t.Fatalf("expected ErrWithdrawalFailed, got %v", err)
	}

	// The optimistic debit was compensated.
	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance restored", wallet.Balance, d(500))

	// No payment row for the failed attempt.
	payments, _ := ms.ListPaymentsByUser(ctx, "user1")
	if len(payments) != 0 {
		t.Errorf("payments: got %d, want 0", len(payments))
	}
}

func TestWithdraw_PayoutFailureRestoresBalance(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(500), true)
	gw.failPayout = true
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, "user1", d(200))
	if !errors.Is(err, payment.ErrWithdrawalFailed) {
		t.Fatalf("expected ErrWithdrawalFailed, got %v", err)
	}
	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance restored", wallet.Balance, d(500))
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(100), true)

	_, err := svc.Withdraw(context.Background(), "user1", d(200))
	if !errors.Is(err, payment.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestWithdraw_RequiresOnboarding(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(500), false)

	_, err := svc.Withdraw(context.Background(), "user1", d(100))
	if !errors.Is(err, payment.ErrOnboardingRequired) {
		t.Fatalf("expected ErrOnboardingRequired, got %v", err)
	}

	wallet, _ := ms.GetWallet(context.Background(), "user1")
	wantDecimal(t, "balance untouched", wallet.Balance, d(500))
}

// --- Refund tests ---

// completedDeposit runs a deposit through the webhook so it is refundable.
func completedDeposit(t *testing.T, svc *payment.Service, ms *store.MemoryStore, userID string, amount decimal.Decimal) *model.Payment {
	t.Helper()
	ctx := context.Background()
	result, err := svc.Deposit(ctx, userID, amount)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	p, _ := ms.GetPayment(ctx, result.PaymentID)
	if err := svc.UpdateDepositStatus(ctx, p.GatewayRef, true); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}
	p, _ = ms.GetPayment(ctx, result.PaymentID)
	return p
}

func TestRefund_Success(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	deposit := completedDeposit(t, svc, ms, "user1", d(250))

	p, err := svc.Refund(ctx, "user1", deposit.ID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if p.Type != model.PaymentRefund || p.Status != model.PaymentCompleted {
		t.Errorf("payment type/status: got %s/%s", p.Type, p.Status)
	}
	if p.GatewayRef != "re_"+deposit.GatewayRef {
		t.Errorf("refund ref: got %q", p.GatewayRef)
	}

	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance", wallet.Balance, d(0))

	if len(gw.refunds) != 1 {
		t.Errorf("gateway refunds: got %d, want 1", len(gw.refunds))
	}
}

func TestRefund_InsufficientBalanceSkipsGateway(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	deposit := completedDeposit(t, svc, ms, "user1", d(250))

	// Spend the deposited cash so the wallet cannot cover the refund.
	wallet, _ := ms.GetWallet(ctx, "user1")
	wallet.Balance = d(100)
	if err := ms.Commit(ctx, &store.ChangeSet{Wallet: wallet}); err != nil {
		t.Fatalf("failed to drain wallet: %v", err)
	}

	_, err := svc.Refund(ctx, "user1", deposit.ID)
	if !errors.Is(err, payment.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	// The gateway must not have been called.
	if len(gw.refunds) != 0 {
		t.Errorf("gateway refunds: got %d, want 0", len(gw.refunds))
	}
}

func TestRefund_GatewayFailureLeavesWallet(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	deposit := completedDeposit(t, svc, ms, "user1", d(250))
	gw.failRefund = true

	_, err := svc.Refund(ctx, "user1", deposit.ID)
	if !errors.Is(err, payment.ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance untouched", wallet.Balance, d(250))
}

func TestRefund_OnlyCompletedDeposits(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(1000), true)
	ctx := context.Background()

	// A pending deposit is not refundable.
	result, err := svc.Deposit(ctx, "user1", d(250))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := svc.Refund(ctx, "user1", result.PaymentID); err == nil {
		t.Error("expected error refunding a pending deposit")
	}

	// Another user's deposit is invisible.
	seedAccount(t, ms, gw, "user2", d(0), true)
	deposit := completedDeposit(t, svc, ms, "user1", d(100))
	if _, err := svc.Refund(ctx, "user2", deposit.ID); !errors.Is(err, payment.ErrNotFound) {
		t.Errorf("cross-user refund: expected ErrNotFound, got %v", err)
	}
}

// --- Webhook over HTTP ---

func TestHandleWebhook(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	result, _ := svc.Deposit(ctx, "user1", d(250))
	p, _ := ms.GetPayment(ctx, result.PaymentID)

	r := chi.NewRouter()
	r.Post("/api/v1/payments/webhook", svc.HandleWebhook)

	deliver := func(ref string, success bool) *httptest.ResponseRecorder {
		body, _ := json.Marshal(payment.WebhookRequest{GatewayRef: ref, Success: success})
		req := httptest.NewRequest("POST", "/api/v1/payments/webhook", bytes.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := deliver(p.GatewayRef, true); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	// Replay still returns 200.
	if w := deliver(p.GatewayRef, true); w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", w.Code)
	}
	if w := deliver("pi_unknown", true); w.Code != http.StatusNotFound {
		t.Errorf("unknown ref: expected 404, got %d", w.Code)
	}
	if w := deliver("", true); w.Code != http.StatusBadRequest {
		t.Errorf("missing ref: expected 400, got %d", w.Code)
	}

	wallet, _ := ms.GetWallet(ctx, "user1")
	wantDecimal(t, "balance", wallet.Balance, d(250))
}

func TestListPayments_NewestFirst(t *testing.T) {
	svc, ms, gw := newTestEnv(t)
	seedAccount(t, ms, gw, "user1", d(0), true)
	ctx := context.Background()

	completedDeposit(t, svc, ms, "user1", d(100))
	completedDeposit(t, svc, ms, "user1", d(200))
	if _, err := svc.Withdraw(ctx, "user1", d(50)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	payments, err := svc.ListPayments(ctx, "user1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(payments) != 3 {
		t.Fatalf("payments: got %d, want 3", len(payments))
	}
	if payments[0].Type != model.PaymentWithdrawal {
		t.Errorf("newest payment type: got %s, want withdrawal", payments[0].Type)
	}
}
