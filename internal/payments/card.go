// Package payments implements the escrow fee rails: card charges through
// Stripe, crypto invoices through NOWPayments, and a sandbox rail for
// development.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/channelescrow/internal/circuitbreaker"
	"github.com/mbd888/channelescrow/internal/deals"
	"github.com/mbd888/channelescrow/internal/logging"
)

// paymentIntents is the part of the Stripe client the card rail uses.
type paymentIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// CardRail charges the escrow fee to a card with a confirmed PaymentIntent.
// It is synchronous: the fee is paid when the intent succeeds.
type CardRail struct {
	intents paymentIntents
	breaker *circuitbreaker.Breaker
}

// NewCardRail creates a card rail using the Stripe secret key.
func NewCardRail(secretKey string, breaker *circuitbreaker.Breaker) *CardRail {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return newCardRail(sc.PaymentIntents, breaker)
}

func newCardRail(intents paymentIntents, breaker *circuitbreaker.Breaker) *CardRail {
	if breaker == nil {
		breaker = circuitbreaker.New(5, 0)
	}
	return &CardRail{intents: intents, breaker: breaker}
}

func (r *CardRail) Name() string         { return "card" }
func (r *CardRail) Mode() deals.RailMode { return deals.RailSync }

// Charge creates and confirms a PaymentIntent for the fee. The idempotency
// key makes a retried request return the original intent instead of
// charging twice.
func (r *CardRail) Charge(ctx context.Context, c deals.FeeCharge) (*deals.FeeReceipt, error) {
	if c.PaymentToken == "" {
		return nil, fmt.Errorf("%w: payment_token is required for card payments", deals.ErrValidation)
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(c.Amount.Shift(2).IntPart()),
		Currency:      stripe.String(strings.ToLower(c.Currency)),
		PaymentMethod: stripe.String(c.PaymentToken),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(c.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(c.IdempotencyKey)
	params.AddMetadata("deal_id", c.DealID)
	params.AddMetadata("transaction_id", c.TransactionID)
	params.AddMetadata("payer_role", string(c.PayerRole))

	var pi *stripe.PaymentIntent
	err := r.breaker.Execute("stripe", func() error {
		var err error
		pi, err = r.intents.New(params)
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Type == stripe.ErrorTypeCard {
			// Declines are the cardholder's problem, not Stripe's.
			return circuitbreaker.Ignore(fmt.Errorf("card declined: %s", serr.Msg))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	confirmed := pi.Status == stripe.PaymentIntentStatusSucceeded
	if !confirmed {
		logging.L(ctx).Warn("card payment intent not succeeded",
			"intent", pi.ID, "status", pi.Status, "deal_id", c.DealID)
	}
	return &deals.FeeReceipt{Reference: pi.ID, Confirmed: confirmed, Status: string(pi.Status)}, nil
}

var _ deals.FeeRail = (*CardRail)(nil)
