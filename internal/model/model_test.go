package model_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/parcelshare/ledger-engine/internal/model"
)

func TestPositionID_RoundTrip(t *testing.T) {
	id := model.PositionID("user1", "prop-42")
	userID, propertyID, err := model.ParsePositionID(id)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if userID != "user1" || propertyID != "prop-42" {
		t.Errorf("got (%q, %q)", userID, propertyID)
	}

	// Same pair always derives the same id.
	if model.PositionID("user1", "prop-42") != id {
		t.Error("position id is not deterministic")
	}
}

func TestParsePositionID_Malformed(t *testing.T) {
	for _, id := range []string{"", "nocolon", ":prop", "user:"} {
		if _, _, err := model.ParsePositionID(id); err == nil {
			t.Errorf("id %q: expected error", id)
		}
	}
}

func TestReprice_DerivesSharePrice(t *testing.T) {
	p := &model.Property{
		TotalShares: 20000,
	}
	p.Reprice(decimal.NewFromInt(260000))

	if !p.CurrentValue.Equal(decimal.NewFromInt(260000)) {
		t.Errorf("current value: got %s", p.CurrentValue)
	}
	if !p.SharePrice.Equal(decimal.NewFromInt(13)) {
		t.Errorf("share price: got %s, want 13", p.SharePrice)
	}
}

func TestUnitCost(t *testing.T) {
	pos := &model.Position{
		Shares:    150,
		CostBasis: decimal.NewFromInt(1700),
	}
	want := decimal.NewFromInt(1700).Div(decimal.NewFromInt(150))
	if !pos.UnitCost().Equal(want) {
		t.Errorf("unit cost: got %s, want %s", pos.UnitCost(), want)
	}

	empty := &model.Position{}
	if !empty.UnitCost().IsZero() {
		t.Errorf("empty position unit cost: got %s, want 0", empty.UnitCost())
	}
}

func TestPaymentFactories(t *testing.T) {
	amt := decimal.NewFromInt(100)

	dep := model.NewDepositPayment("u", amt, "pi_1")
	if dep.Status != model.PaymentPending || dep.Type != model.PaymentDeposit || dep.GatewayRef != "pi_1" {
		t.Errorf("deposit: %+v", dep)
	}

	wd := model.NewWithdrawalPayment("u", amt)
	if wd.Status != model.PaymentCompleted || wd.Type != model.PaymentWithdrawal {
		t.Errorf("withdrawal: %+v", wd)
	}

	inv := model.NewInvestmentPayment("u", amt)
	if inv.Status != model.PaymentCompleted || inv.Type != model.PaymentInvestment {
		t.Errorf("investment: %+v", inv)
	}

	ref := model.NewRefundPayment("u", amt, "re_1")
	if ref.Status != model.PaymentCompleted || ref.Type != model.PaymentRefund || ref.GatewayRef != "re_1" {
		t.Errorf("refund: %+v", ref)
	}

	if dep.ID == wd.ID {
		t.Error("payment ids should be unique")
	}
}
