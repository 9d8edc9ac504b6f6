package payments

import (
	"context"
	"fmt"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeProcessor collects card fares through stripe PaymentIntents at
// ride completion and reverses them on post-payment cancellation. Cash
// and mobile-money rides never reach it.
type StripeProcessor struct {
	Currency string
}

// NewStripeProcessor initializes the stripe client with the
// STRIPE_API_KEY env var. Amounts are charged in the currency's minor
// unit; RWF has none, so the rounded fare is used as-is.
func NewStripeProcessor(currency string) *StripeProcessor {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	if currency == "" {
		currency = "rwf"
	}
	return &StripeProcessor{Currency: currency}
}

// Capture charges the ride's total fare and records the PaymentIntent
// id on the ride for later refunds.
func (s *StripeProcessor) Capture(ctx context.Context, ride *models.Ride) error {
	amount := ride.TotalFare.Round(0).IntPart()
	if amount <= 0 {
		return fmt.Errorf("non-positive fare %s for ride %s", ride.TotalFare, ride.ID)
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.Currency),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", ride.ID.String())
	params.AddMetadata("customer_id", ride.CustomerID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	ride.PaymentRef = pi.ID
	return nil
}

// Refund reverses a previously captured payment.
func (s *StripeProcessor) Refund(ctx context.Context, ride *models.Ride) error {
	if ride.PaymentRef == "" {
		return fmt.Errorf("ride %s has no payment to refund", ride.ID)
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ride.PaymentRef),
	}
	params.Context = ctx
	_, err := refund.New(params)
	return err
}
