package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/client"
	"github.com/GY-Bai/baidaohui5/internal/config"
	"github.com/GY-Bai/baidaohui5/internal/dedup"
	"github.com/GY-Bai/baidaohui5/internal/dto"
	"github.com/GY-Bai/baidaohui5/internal/lock"
	"github.com/GY-Bai/baidaohui5/internal/logger"
	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/payment"
	"github.com/GY-Bai/baidaohui5/internal/repository"
	"github.com/GY-Bai/baidaohui5/internal/statemachine"
	"github.com/GY-Bai/baidaohui5/internal/webhook"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_service_test"

type fakePayments struct {
	mu        sync.Mutex
	sessions  []client.CheckoutRequest
	refunds   []string
	createErr error
	refundErr error
}

func (f *fakePayments) CreateCheckoutSession(_ context.Context, req client.CheckoutRequest) (*client.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.sessions = append(f.sessions, req)
	return &client.CheckoutSession{
		SessionID: "cs_" + req.OrderID,
		URL:       "https://checkout.example/" + req.OrderID,
	}, nil
}

func (f *fakePayments) Refund(_ context.Context, paymentIntentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return f.refundErr
	}
	f.refunds = append(f.refunds, paymentIntentID)
	return nil
}

type queueListener struct {
	mu    sync.Mutex
	calls int
}

func (l *queueListener) OnQueueChanged(context.Context, *model.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
}

func (l *queueListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type fixture struct {
	svc      OrderService
	repo     repository.OrderRepository
	payments *fakePayments
	listener *queueListener
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := client.InitDBClient(config.Database{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "service.db"),
	})
	require.NoError(t, err)

	log := logger.Discard()
	repo := repository.NewOrderRepository(db)
	listener := &queueListener{}
	machine := statemachine.NewMachine(repo, listener, nil, log)
	payments := &fakePayments{}

	f := &fixture{
		repo:     repo,
		payments: payments,
		listener: listener,
		clock:    time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	svc := NewOrderService(
		repo,
		machine,
		payments,
		webhook.NewVerifier(webhookSecret, 0, nil),
		payment.NewProcessor(repo, machine, log),
		dedup.NewMemoryStore(nil),
		0,
		lock.NewMemoryLocker(),
		log,
	)
	// strictly increasing creation times keep the tiebreak deterministic
	svc.(*orderServiceImpl).now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	f.svc = svc
	return f
}

func (f *fixture) create(t *testing.T, amount string, urgent bool) *model.Order {
	t.Helper()
	res, err := f.svc.CreateOrder(context.Background(), &dto.CreateOrderRequest{
		UserID:   "user-1",
		Amount:   decimal.RequireFromString(amount),
		Message:  "what does next year hold",
		IsUrgent: urgent,
	})
	require.NoError(t, err)
	return res.Order
}

func signedEvent(t *testing.T, event model.PaymentEvent) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload, webhook.Sign(webhookSecret, time.Now(), payload)
}

func checkoutEvent(eventID string, order *model.Order) model.PaymentEvent {
	return model.PaymentEvent{
		ID:   eventID,
		Type: model.EventCheckoutCompleted,
		Data: model.PaymentEventData{Object: model.PaymentObject{
			ID:            order.CheckoutSessionID,
			Object:        "checkout.session",
			PaymentIntent: "pi_" + order.ID,
			PaymentStatus: "paid",
			Metadata:      map[string]string{"order_id": order.ID},
		}},
	}
}

func (f *fixture) pay(t *testing.T, order *model.Order) {
	t.Helper()
	payload, header := signedEvent(t, checkoutEvent("evt_"+order.ID, order))
	res, err := f.svc.ApplyPaymentWebhook(context.Background(), payload, header)
	require.NoError(t, err)
	require.True(t, res.Received)
}

func (f *fixture) rank(t *testing.T, amount string, urgent bool) int {
	t.Helper()
	res, err := f.svc.GetRank(context.Background(), decimal.RequireFromString(amount), urgent)
	require.NoError(t, err)
	return res.Rank
}

func TestCreateOrder_PendingWithCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateOrder(ctx, &dto.CreateOrderRequest{
		UserID:  "user-1",
		Amount:  decimal.RequireFromString("49.9"),
		Message: "love",
		Images:  []string{"https://img.example/palm.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, res.Order.Status)
	assert.Equal(t, "49.90", res.Order.Amount.StringFixed(2))
	assert.Equal(t, "cs_"+res.Order.ID, res.Order.CheckoutSessionID)
	assert.Equal(t, "https://checkout.example/"+res.Order.ID, res.CheckoutURL)

	require.Len(t, f.payments.sessions, 1)
	assert.Equal(t, res.Order.ID, f.payments.sessions[0].OrderID)
	assert.Equal(t, "love", f.payments.sessions[0].Description)
	assert.Zero(t, f.listener.count(), "pending orders are not in the queue")
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		req   dto.CreateOrderRequest
		field string
	}{
		{"zero amount", dto.CreateOrderRequest{UserID: "u", Amount: decimal.Zero}, "amount"},
		{"negative amount", dto.CreateOrderRequest{UserID: "u", Amount: decimal.NewFromInt(-1)}, "amount"},
		{"below one cent", dto.CreateOrderRequest{UserID: "u", Amount: decimal.RequireFromString("0.001")}, "amount"},
		{"sub-cent precision", dto.CreateOrderRequest{UserID: "u", Amount: decimal.RequireFromString("49.999")}, "amount"},
		{"sub-cent over limit", dto.CreateOrderRequest{UserID: "u", Amount: decimal.RequireFromString("10000.004")}, "amount"},
		{"over limit", dto.CreateOrderRequest{UserID: "u", Amount: decimal.RequireFromString("10000.01")}, "amount"},
		{"message too long", dto.CreateOrderRequest{UserID: "u", Amount: decimal.NewFromInt(5), Message: strings.Repeat("命", 2501)}, "message"},
		{"missing user", dto.CreateOrderRequest{Amount: decimal.NewFromInt(5)}, "user_id"},
		{"bad image", dto.CreateOrderRequest{UserID: "u", Amount: decimal.NewFromInt(5), Images: []string{"not a url"}}, "images[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), &tt.req)
			require.Error(t, err)

			var verr *apperror.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	assert.Empty(t, f.payments.sessions)
}

func TestCreateOrder_BoundariesAccepted(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), &dto.CreateOrderRequest{
		UserID:  "u",
		Amount:  decimal.NewFromInt(10000),
		Message: strings.Repeat("命", 2500),
	})
	assert.NoError(t, err)

	_, err = f.svc.CreateOrder(context.Background(), &dto.CreateOrderRequest{
		UserID: "u",
		Amount: decimal.RequireFromString("0.01"),
	})
	assert.NoError(t, err)
}

func TestCreateOrder_CheckoutFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	f.payments.createErr = errors.New("stripe unavailable")

	_, err := f.svc.CreateOrder(context.Background(), &dto.CreateOrderRequest{
		UserID: "user-1",
		Amount: decimal.NewFromInt(50),
	})
	require.Error(t, err)

	list, err := f.svc.ListOrders(context.Background(), model.StatusPending, 1, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, list.Total)
	assert.Empty(t, list.Orders[0].CheckoutSessionID)
	assert.Equal(t, 1, f.rank(t, "1", false), "a stuck pending order never ranks")
}

func TestScenarioA_WebhookQueuesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "50", false)
	assert.Equal(t, model.StatusPending, order.Status)
	assert.Equal(t, 1, f.rank(t, "50", false))

	f.pay(t, order)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaidQueued, got.Status)
	assert.Equal(t, "pi_"+order.ID, got.PaymentIntentID)
	assert.Equal(t, 2, f.rank(t, "50", false), "the paid order is now ahead of a new one")
	assert.Equal(t, 1, f.listener.count())
}

func TestScenarioB_UrgencyDominatesAmount(t *testing.T) {
	f := newFixture(t)

	a := f.create(t, "100", true)
	b := f.create(t, "500", false)
	f.pay(t, a)
	f.pay(t, b)

	list, err := f.svc.ListOrders(context.Background(), "", 1, 10)
	require.NoError(t, err)
	require.Len(t, list.Orders, 2)
	assert.Equal(t, a.ID, list.Orders[0].ID)
	assert.Equal(t, b.ID, list.Orders[1].ID)

	assert.Equal(t, 1, f.rank(t, "100.01", true))
	assert.Equal(t, 2, f.rank(t, "100", true), "a new order ties on keys and sorts behind A")
	assert.Equal(t, 2, f.rank(t, "501", false))
	assert.Equal(t, 3, f.rank(t, "500", false))
}

func TestScenarioC_ReplyCompletesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "80", false)
	f.pay(t, order)

	done, err := f.svc.OperatorTransition(ctx, order.ID, statemachine.ActionReply, &dto.OperatorActionRequest{
		Reply:       "  a calm year ahead  ",
		ReplyImages: []string{"https://img.example/chart.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, "a calm year ahead", done.Reply)
	assert.Equal(t, []string{"https://img.example/chart.png"}, done.ReplyImages)
	require.NotNil(t, done.CompletedAt)

	_, err = f.svc.OperatorTransition(ctx, order.ID, statemachine.ActionReply, &dto.OperatorActionRequest{Reply: "again"})
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "a calm year ahead", got.Reply)
	assert.Equal(t, done.CompletedAt.Unix(), got.CompletedAt.Unix())
}

func TestScenarioD_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "50", false)
	payload, header := signedEvent(t, checkoutEvent("evt_dup", order))

	first, err := f.svc.ApplyPaymentWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, &dto.WebhookResponse{Received: true}, first)

	afterFirst, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)

	second, err := f.svc.ApplyPaymentWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.Equal(t, &dto.WebhookResponse{Duplicate: true}, second)

	afterSecond, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.Status, afterSecond.Status)
	assert.Equal(t, afterFirst.UpdatedAt.UnixNano(), afterSecond.UpdatedAt.UnixNano())
	assert.Equal(t, 1, f.listener.count(), "no second queue notification")
}

func TestWebhook_RedeliveryUnderNewIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "50", false)
	f.pay(t, order)

	// same session, different event id: dedup misses, the status check holds
	payload, header := signedEvent(t, checkoutEvent("evt_other", order))
	res, err := f.svc.ApplyPaymentWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.True(t, res.Received)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaidQueued, got.Status)
	assert.Equal(t, 1, f.listener.count())
}

func TestWebhook_BadSignatureLeavesNoClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "50", false)
	payload, header := signedEvent(t, checkoutEvent("evt_retry", order))

	_, err := f.svc.ApplyPaymentWebhook(ctx, payload, webhook.Sign("wrong", time.Now(), payload))
	require.ErrorIs(t, err, apperror.ErrVerification)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	res, err := f.svc.ApplyPaymentWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.True(t, res.Received, "a correctly signed retry is not a duplicate")
}

func TestWebhook_UnknownOrderIsSwallowed(t *testing.T) {
	f := newFixture(t)

	payload, header := signedEvent(t, model.PaymentEvent{
		ID:   "evt_ghost",
		Type: model.EventCheckoutCompleted,
		Data: model.PaymentEventData{Object: model.PaymentObject{ID: "cs_ghost"}},
	})

	res, err := f.svc.ApplyPaymentWebhook(context.Background(), payload, header)
	require.NoError(t, err)
	assert.True(t, res.Received)
}

func TestOperator_BeginProcessingThenReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "50", false)
	f.pay(t, order)

	started, err := f.svc.OperatorTransition(ctx, order.ID, statemachine.ActionBeginProcessing, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, started.Status)
	assert.Equal(t, 2, f.rank(t, "50", false), "processing orders still rank")

	_, err = f.svc.OperatorTransition(ctx, order.ID, statemachine.ActionReply, &dto.OperatorActionRequest{Reply: "   "})
	var verr *apperror.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "reply")

	done, err := f.svc.OperatorTransition(ctx, order.ID, statemachine.ActionReply, &dto.OperatorActionRequest{Reply: "done"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, 1, f.rank(t, "50", false))
}

func TestOperator_UnknownAction(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "50", false)

	_, err := f.svc.OperatorTransition(context.Background(), order.ID, statemachine.ActionConfirmPayment, nil)
	assert.True(t, apperror.IsValidation(err))
}

func TestOperator_RefundCallsProcessorFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "50", false)
	f.pay(t, order)

	refunded, err := f.svc.OperatorTransition(ctx, order.ID, statemachine.ActionRefund, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, refunded.Status)
	assert.Equal(t, []string{"pi_" + order.ID}, f.payments.refunds)

	// the processor's own refund notification arrives afterwards
	payload, header := signedEvent(t, model.PaymentEvent{
		ID:   "evt_refund",
		Type: model.EventChargeRefunded,
		Data: model.PaymentEventData{Object: model.PaymentObject{
			ID:            "ch_1",
			Object:        "charge",
			PaymentIntent: "pi_" + order.ID,
		}},
	})
	res, err := f.svc.ApplyPaymentWebhook(ctx, payload, header)
	require.NoError(t, err)
	assert.True(t, res.Received)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRefunded, got.Status)
}

func TestOperator_RefundFailureLeavesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.create(t, "50", false)
	f.pay(t, order)
	f.payments.refundErr = errors.New("card network down")

	_, err := f.svc.OperatorTransition(ctx, order.ID, statemachine.ActionRefund, nil)
	require.Error(t, err)

	got, err := f.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaidQueued, got.Status)
}

func TestOperator_RefundPendingRejectedWithoutCallingProcessor(t *testing.T) {
	f := newFixture(t)
	order := f.create(t, "50", false)

	_, err := f.svc.OperatorTransition(context.Background(), order.ID, statemachine.ActionRefund, nil)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
	assert.Empty(t, f.payments.refunds)
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestListOrders_RejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ListOrders(context.Background(), "lost", 1, 10)
	assert.True(t, apperror.IsValidation(err))
}

func TestGetRank_ValidatesAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetRank(context.Background(), decimal.Zero, false)
	assert.True(t, apperror.IsValidation(err))
}
