package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/account"
	"github.com/stripe/stripe-go/v78/accountlink"
	"github.com/stripe/stripe-go/v78/paymentintent"
	"github.com/stripe/stripe-go/v78/payout"
	"github.com/stripe/stripe-go/v78/refund"
	"github.com/stripe/stripe-go/v78/transfer"
)

// StripeGateway implements Gateway against Stripe Connect express accounts.
type StripeGateway struct {
	refreshURL string // where Stripe sends users whose onboarding link expired
	returnURL  string // where Stripe sends users after onboarding completes
	currency   string
}

// NewStripeGateway configures the Stripe client. The secret key is global
// to the stripe-go package.
func NewStripeGateway(secretKey, refreshURL, returnURL string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{
		refreshURL: refreshURL,
		returnURL:  returnURL,
		currency:   string(stripe.CurrencyUSD),
	}
}

// cents converts a decimal dollar amount to Stripe's integer cents.
func cents(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

func (g *StripeGateway) CreateOnboarding(ctx context.Context, userID string) (*Onboarding, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
		Metadata: map[string]string{"user_id": userID},
	}
	params.Context = ctx

	acct, err := account.New(params)
	if err != nil {
		return nil, fmt.Errorf("create connected account: %w", err)
	}

	url, err := g.OnboardingLink(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	return &Onboarding{AccountID: acct.ID, URL: url}, nil
}

func (g *StripeGateway) OnboardingLink(ctx context.Context, accountID string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(g.refreshURL),
		ReturnURL:  stripe.String(g.returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	link, err := accountlink.New(params)
	if err != nil {
		return "", fmt.Errorf("create onboarding link: %w", err)
	}
	return link.URL, nil
}

func (g *StripeGateway) AccountComplete(ctx context.Context, accountID string) (bool, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	acct, err := account.GetByID(accountID, params)
	if err != nil {
		return false, fmt.Errorf("fetch account %s: %w", accountID, err)
	}
	if acct.Requirements != nil &&
		(len(acct.Requirements.CurrentlyDue) > 0 || len(acct.Requirements.PastDue) > 0) {
		return false, nil
	}
	return true, nil
}

func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, amount decimal.Decimal) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(cents(amount)),
		Currency: stripe.String(g.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (g *StripeGateway) Transfer(ctx context.Context, amount decimal.Decimal, accountID string) error {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(cents(amount)),
		Currency:    stripe.String(g.currency),
		Destination: stripe.String(accountID),
	}
	params.Context = ctx

	if _, err := transfer.New(params); err != nil {
		return fmt.Errorf("transfer to %s: %w", accountID, err)
	}
	return nil
}

func (g *StripeGateway) Payout(ctx context.Context, amount decimal.Decimal, accountID string) error {
	params := &stripe.PayoutParams{
		Amount:   stripe.Int64(cents(amount)),
		Currency: stripe.String(g.currency),
	}
	params.Context = ctx
	params.SetStripeAccount(accountID)

	if _, err := payout.New(params); err != nil {
		return fmt.Errorf("payout for %s: %w", accountID, err)
	}
	return nil
}

func (g *StripeGateway) Refund(ctx context.Context, gatewayRef string, amount decimal.Decimal) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(gatewayRef),
		Amount:        stripe.Int64(cents(amount)),
	}
	params.Context = ctx

	ref, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("refund %s: %w", gatewayRef, err)
	}
	return ref.ID, nil
}
