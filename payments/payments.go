// Package payments wraps the payment collaborator. The core only ever asks
// it to authorize an amount at booking creation; capture and refunds are
// handled elsewhere.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/paymentintent"
)

var ErrDeclined = errors.New("payment authorization declined")

// Authorizer places a hold for amount (smallest currency unit) against the
// payer and returns an opaque authorization reference. CreateCustomer
// registers a payer and returns the reference Authorize expects; callers
// store it on the account and reuse it.
type Authorizer interface {
	Authorize(ctx context.Context, amount int64, payerRef string) (string, error)
	CreateCustomer(ctx context.Context, email string) (string, error)
}

// StripeAuthorizer authorizes through a manual-capture PaymentIntent.
type StripeAuthorizer struct{}

func NewStripeAuthorizer(apiKey string) *StripeAuthorizer {
	stripe.Key = apiKey
	return &StripeAuthorizer{}
}

func (a *StripeAuthorizer) Authorize(ctx context.Context, amount int64, payerRef string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(string(stripe.CurrencyEUR)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	if payerRef != "" {
		params.Customer = stripe.String(payerRef)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		if declined(err) {
			return "", fmt.Errorf("%w: %v", ErrDeclined, err)
		}
		return "", err
	}
	return pi.ID, nil
}

func (a *StripeAuthorizer) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	cus, err := customer.New(params)
	if err != nil {
		return "", err
	}
	return cus.ID, nil
}

// declined reports whether err is the card being refused. Transport and
// configuration failures are not declines and pass through unwrapped.
func declined(err error) bool {
	var sErr *stripe.Error
	return errors.As(err, &sErr) && sErr.Type == stripe.ErrorTypeCard
}
