package service

import (
	"context"
	"fmt"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/client"
	"github.com/GY-Bai/baidaohui5/internal/dedup"
	"github.com/GY-Bai/baidaohui5/internal/dto"
	"github.com/GY-Bai/baidaohui5/internal/lock"
	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/payment"
	"github.com/GY-Bai/baidaohui5/internal/ranking"
	"github.com/GY-Bai/baidaohui5/internal/repository"
	"github.com/GY-Bai/baidaohui5/internal/statemachine"
	"github.com/GY-Bai/baidaohui5/internal/webhook"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultDescription = "Fortune consultation"
	defaultPageSize    = 20
	maxPageSize        = 100
	defaultDedupTTL    = 24 * time.Hour
)

type OrderService interface {
	CreateOrder(ctx context.Context, req *dto.CreateOrderRequest) (*dto.CreateOrderResponse, error)
	GetRank(ctx context.Context, amount decimal.Decimal, isUrgent bool) (*dto.RankResponse, error)
	ApplyPaymentWebhook(ctx context.Context, payload []byte, signatureHeader string) (*dto.WebhookResponse, error)
	// OperatorTransition expects the caller to have checked the operator role.
	OperatorTransition(ctx context.Context, orderID string, action statemachine.Action, req *dto.OperatorActionRequest) (*model.Order, error)
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	ListOrders(ctx context.Context, status model.OrderStatus, page, limit int) (*dto.ListOrdersResponse, error)
}

type orderServiceImpl struct {
	orderRepo     repository.OrderRepository
	machine       *statemachine.Machine
	paymentClient client.PaymentClient
	verifier      *webhook.Verifier
	processor     payment.Processor
	dedupStore    dedup.Store
	dedupTTL      time.Duration
	locker        lock.Locker
	logger        logrus.FieldLogger
	now           func() time.Time
}

func NewOrderService(
	orderRepo repository.OrderRepository,
	machine *statemachine.Machine,
	paymentClient client.PaymentClient,
	verifier *webhook.Verifier,
	processor payment.Processor,
	dedupStore dedup.Store,
	dedupTTL time.Duration,
	locker lock.Locker,
	logger logrus.FieldLogger,
) OrderService {
	if dedupTTL <= 0 {
		dedupTTL = defaultDedupTTL
	}
	return &orderServiceImpl{
		orderRepo:     orderRepo,
		machine:       machine,
		paymentClient: paymentClient,
		verifier:      verifier,
		processor:     processor,
		dedupStore:    dedupStore,
		dedupTTL:      dedupTTL,
		locker:        locker,
		logger:        logger,
		now:           time.Now,
	}
}

// CreateOrder stores a pending order and opens a checkout session for it.
// When the payment collaborator fails the pending order stays behind; it
// has no effect on ranking.
func (s *orderServiceImpl) CreateOrder(ctx context.Context, req *dto.CreateOrderRequest) (*dto.CreateOrderResponse, error) {
	amount, err := validateCreateOrder(req)
	if err != nil {
		return nil, err
	}

	images := req.Images
	if images == nil {
		images = []string{}
	}

	now := s.now()
	order := &model.Order{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Amount:      amount,
		Message:     req.Message,
		IsUrgent:    req.IsUrgent,
		Images:      images,
		ReplyImages: []string{},
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orderRepo.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("store order in db: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"user_id":  order.UserID,
	})

	description := order.Message
	if description == "" {
		description = defaultDescription
	}
	session, err := s.paymentClient.CreateCheckoutSession(ctx, client.CheckoutRequest{
		OrderID:     order.ID,
		Amount:      order.Amount,
		Description: description,
	})
	if err != nil {
		log.WithError(err).Error("create checkout session; order left pending")
		return nil, fmt.Errorf("create checkout session for order %s: %w", order.ID, err)
	}

	updated, err := s.machine.FireOn(ctx, order, statemachine.Transition{
		Action:            statemachine.ActionAttachCheckout,
		CheckoutSessionID: session.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("attach checkout session: %w", err)
	}

	log.WithField("checkout_session_id", session.SessionID).Info("order created")

	return &dto.CreateOrderResponse{
		Order:       updated,
		CheckoutURL: session.URL,
	}, nil
}

// GetRank is the position a new order with these keys would take now.
func (s *orderServiceImpl) GetRank(ctx context.Context, amount decimal.Decimal, isUrgent bool) (*dto.RankResponse, error) {
	amount, err := validateAmount(amount)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.orderRepo.ListQueued(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	rank := ranking.Rank(ranking.Candidate{Amount: amount, IsUrgent: isUrgent}, snapshot)

	return &dto.RankResponse{
		Amount:   amount.StringFixed(2),
		IsUrgent: isUrgent,
		Rank:     rank,
	}, nil
}

func (s *orderServiceImpl) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return order, nil
}

func (s *orderServiceImpl) ListOrders(ctx context.Context, status model.OrderStatus, page, limit int) (*dto.ListOrdersResponse, error) {
	if status != "" && !status.Valid() {
		return nil, newFieldError("status", "unknown status")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	orders, total, err := s.orderRepo.List(ctx, status, page, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if orders == nil {
		orders = []model.Order{}
	}

	return &dto.ListOrdersResponse{
		Orders: orders,
		Total:  total,
		Page:   page,
		Limit:  limit,
	}, nil
}
