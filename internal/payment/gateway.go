// Package payment implements the cash side of the ledger: deposits through
// an external payment gateway, withdrawals to the user's gateway account,
// and gateway-first refunds. The wallet is only ever credited after the
// gateway confirms money actually moved.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Onboarding is the result of provisioning a new gateway account: the
// account id to remember and the URL the user must visit to finish setup.
type Onboarding struct {
	AccountID string
	URL       string
}

// PaymentIntent is a gateway charge awaiting client-side confirmation.
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

// Gateway abstracts the external payment processor. The production
// implementation is Stripe Connect; tests substitute a fake.
type Gateway interface {
	// CreateOnboarding provisions a new connected account for the user and
	// returns the hosted onboarding link.
	CreateOnboarding(ctx context.Context, userID string) (*Onboarding, error)

	// OnboardingLink returns a fresh hosted onboarding link for an existing
	// account that has not completed its requirements.
	OnboardingLink(ctx context.Context, accountID string) (string, error)

	// AccountComplete reports whether the account has finished onboarding
	// and can receive transfers.
	AccountComplete(ctx context.Context, accountID string) (bool, error)

	// CreatePaymentIntent opens a charge for the given amount and returns
	// the client secret the frontend needs to confirm it.
	CreatePaymentIntent(ctx context.Context, amount decimal.Decimal) (*PaymentIntent, error)

	// Transfer moves funds from the platform balance to a connected account.
	Transfer(ctx context.Context, amount decimal.Decimal, accountID string) error

	// Payout pays out a connected account's balance to its bank.
	Payout(ctx context.Context, amount decimal.Decimal, accountID string) error

	// Refund reverses a captured charge and returns the gateway's refund
	// reference.
	Refund(ctx context.Context, gatewayRef string, amount decimal.Decimal) (string, error)
}
