package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/model"
	"github.com/parcelshare/ledger-engine/internal/store"
)

func seedProperty(t *testing.T, ms *store.MemoryStore, id string) *model.Property {
	t.Helper()
	now := time.Now().UTC()
	p := &model.Property{
		ID:                 id,
		Name:               "Test Property " + id,
		OriginalValue:      decimal.NewFromInt(100000),
		CurrentValue:       decimal.NewFromInt(100000),
		SharePrice:         decimal.NewFromInt(5),
		TotalShares:        20000,
		AvailableShares:    20000,
		InvestmentsEnabled: true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := ms.CreateProperty(context.Background(), p); err != nil {
		t.Fatalf("failed to seed property: %v", err)
	}
	return p
}

func TestCreateAccount_ProvisionsWalletAndPortfolio(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.CreateAccount(ctx, "user1"); err != nil {
		t.Fatalf("create account failed: %v", err)
	}

	wallet, err := ms.GetWallet(ctx, "user1")
	if err != nil {
		t.Fatalf("wallet missing: %v", err)
	}
	if !wallet.Balance.IsZero() {
		t.Errorf("new wallet balance: got %s, want 0", wallet.Balance)
	}

	portfolio, err := ms.GetPortfolio(ctx, "user1")
	if err != nil {
		t.Fatalf("portfolio missing: %v", err)
	}
	if !portfolio.TotalInvested.IsZero() || !portfolio.RealizedProfit.IsZero() {
		t.Errorf("new portfolio not zeroed: %+v", portfolio)
	}

	// Double provisioning is rejected.
	if err := ms.CreateAccount(ctx, "user1"); err == nil {
		t.Error("expected error creating duplicate account")
	}
}

func TestGet_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.GetProperty(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("property: expected ErrNotFound, got %v", err)
	}
	if _, err := ms.GetWallet(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wallet: expected ErrNotFound, got %v", err)
	}
	if _, err := ms.GetPosition(ctx, "u", "p"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position: expected ErrNotFound, got %v", err)
	}
	if _, err := ms.GetPaymentByGatewayRef(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("payment by ref: expected ErrNotFound, got %v", err)
	}
}

func TestCommit_AppliesWholeChangeSet(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	prop := seedProperty(t, ms, "prop1")
	if err := ms.CreateAccount(ctx, "user1"); err != nil {
		t.Fatalf("create account failed: %v", err)
	}

	now := time.Now().UTC()
	prop.AvailableShares -= 100

	wallet, _ := ms.GetWallet(ctx, "user1")
	wallet.Balance = decimal.NewFromInt(500)

	portfolio, _ := ms.GetPortfolio(ctx, "user1")
	portfolio.TotalInvested = decimal.NewFromInt(500)

	pos := &model.Position{
		ID:         model.PositionID("user1", "prop1"),
		UserID:     "user1",
		PropertyID: "prop1",
		Shares:     100,
		CostBasis:  decimal.NewFromInt(500),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	payment := model.NewInvestmentPayment("user1", decimal.NewFromInt(500))

	err := ms.Commit(ctx, &store.ChangeSet{
		Property:      prop,
		Position:      pos,
		Wallet:        wallet,
		Portfolio:     portfolio,
		InsertPayment: payment,
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	got, _ := ms.GetProperty(ctx, "prop1")
	if got.AvailableShares != 19900 {
		t.Errorf("available shares: got %d", got.AvailableShares)
	}
	if _, err := ms.GetPosition(ctx, "user1", "prop1"); err != nil {
		t.Errorf("position not stored: %v", err)
	}
	if _, err := ms.GetPayment(ctx, payment.ID); err != nil {
		t.Errorf("payment not stored: %v", err)
	}
}

func TestCommit_DeletePosition(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	pos := &model.Position{
		ID:         model.PositionID("user1", "prop1"),
		UserID:     "user1",
		PropertyID: "prop1",
		Shares:     10,
		CostBasis:  decimal.NewFromInt(50),
	}
	if err := ms.Commit(ctx, &store.ChangeSet{Position: pos}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if err := ms.Commit(ctx, &store.ChangeSet{DeletePosition: pos.ID}); err != nil {
		t.Fatalf("delete commit failed: %v", err)
	}
	if _, err := ms.GetPosition(ctx, "user1", "prop1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position should be gone, got err=%v", err)
	}
}

func TestCommit_GatewayRefIndex(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	p := model.NewDepositPayment("user1", decimal.NewFromInt(100), "pi_123")
	if err := ms.Commit(ctx, &store.ChangeSet{InsertPayment: p}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	got, err := ms.GetPaymentByGatewayRef(ctx, "pi_123")
	if err != nil {
		t.Fatalf("lookup by ref failed: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("ref lookup: got payment %s, want %s", got.ID, p.ID)
	}
}

func TestCommit_UpdateUnknownPayment(t *testing.T) {
	ms := store.NewMemoryStore()

	ghost := model.NewDepositPayment("user1", decimal.NewFromInt(100), "pi_ghost")
	err := ms.Commit(context.Background(), &store.ChangeSet{UpdatePayment: ghost})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReads_ReturnCopies(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	seedProperty(t, ms, "prop1")

	a, _ := ms.GetProperty(ctx, "prop1")
	a.AvailableShares = 0

	b, _ := ms.GetProperty(ctx, "prop1")
	if b.AvailableShares != 20000 {
		t.Errorf("mutating a read leaked into the store: %d", b.AvailableShares)
	}
}

func TestListPendingSells_FiltersFlag(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	for i, pending := range []bool{true, false, true} {
		pos := &model.Position{
			ID:          model.PositionID("user"+string(rune('a'+i)), "prop1"),
			UserID:      "user" + string(rune('a'+i)),
			PropertyID:  "prop1",
			Shares:      10,
			SellPending: pending,
		}
		if pending {
			pos.PendingSharesToSell = 5
		}
		if err := ms.Commit(ctx, &store.ChangeSet{Position: pos}); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	pending, err := ms.ListPendingSells(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending: got %d, want 2", len(pending))
	}
	for _, p := range pending {
		if !p.SellPending {
			t.Errorf("non-pending position returned: %+v", p)
		}
	}
}
