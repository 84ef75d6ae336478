package model

// Stripe event types the queue reacts to.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventChargeRefunded    = "charge.refunded"
)

type PaymentObject struct {
	ID            string            `json:"id"`
	Object        string            `json:"object"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	Metadata      map[string]string `json:"metadata"`
}

// OrderID returns the order reference stamped on the checkout session.
func (o PaymentObject) OrderID() string {
	if o.Metadata == nil {
		return ""
	}
	return o.Metadata["order_id"]
}

type PaymentEventData struct {
	Object PaymentObject `json:"object"`
}

type PaymentEvent struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Created  int64            `json:"created"`
	Livemode bool             `json:"livemode"`
	Data     PaymentEventData `json:"data"`
}
