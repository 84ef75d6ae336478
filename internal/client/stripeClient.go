package client

import (
	"context"
	"fmt"

	"github.com/GY-Bai/baidaohui5/internal/config"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	stripeclient "github.com/stripe/stripe-go/v76/client"
)

const (
	productName       = "Fortune reading"
	maxDescriptionLen = 250
)

type CheckoutRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Description string
	Metadata    map[string]string
}

type CheckoutSession struct {
	SessionID string
	URL       string
}

type PaymentClient interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// Refund returns the full captured amount of a payment intent.
	Refund(ctx context.Context, paymentIntentID string) error
}

type stripeClientImpl struct {
	api         *stripeclient.API
	currency    string
	frontendURL string
}

func NewStripeClient(cfg *config.Stripe, frontendURL string) PaymentClient {
	api := &stripeclient.API{}
	api.Init(cfg.SecretKey, nil)

	return &stripeClientImpl{
		api:         api,
		currency:    cfg.Currency,
		frontendURL: frontendURL,
	}
}

func (c *stripeClientImpl) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	// Stripe expects the minor unit: "50.00" -> 5000
	cents := req.Amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(c.currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(productName),
						Description: stripe.String(truncate(req.Description, maxDescriptionLen)),
					},
					UnitAmount: stripe.Int64(cents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(c.frontendURL + "/fortune/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(c.frontendURL + "/fortune/cancel"),
	}
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + req.OrderID)
	params.AddMetadata("order_id", req.OrderID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}

	return &CheckoutSession{
		SessionID: session.ID,
		URL:       session.URL,
	}, nil
}

func (c *stripeClientImpl) Refund(ctx context.Context, paymentIntentID string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentIntentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + paymentIntentID)

	if _, err := c.api.Refunds.New(params); err != nil {
		return fmt.Errorf("stripe refund %s: %w", paymentIntentID, err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
