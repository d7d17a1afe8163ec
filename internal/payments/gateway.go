// Package payments bridges the escrow ledger to the payment gateway:
// capture notifications coming in, refund executions going out.
package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/refund"

	"github.com/tradeweave/settlement/internal/idgen"
)

// Gateway executes refunds against the payment provider. ExecuteRefund
// returns the provider's reference for the refund.
type Gateway interface {
	ExecuteRefund(ctx context.Context, paymentRef string, amount int64) (string, error)
}

// StripeGateway executes refunds through Stripe. Stripe refunds are
// synchronous for card payments, so a successful call is treated as
// executed.
type StripeGateway struct{}

// NewStripeGateway configures the Stripe client with the given API key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (g *StripeGateway) ExecuteRefund(ctx context.Context, paymentRef string, amount int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amount),
	}
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe refund failed: %w", err)
	}
	return r.ID, nil
}

// StaticGateway fakes refund execution for development and tests.
type StaticGateway struct{}

func (g *StaticGateway) ExecuteRefund(_ context.Context, _ string, _ int64) (string, error) {
	return "re_" + idgen.Hex(12), nil
}
