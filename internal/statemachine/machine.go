// Package statemachine owns every write to an order after creation.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/repository"

	"github.com/sirupsen/logrus"
)

type Action string

const (
	ActionAttachCheckout  Action = "attach_checkout"
	ActionConfirmPayment  Action = "confirm_payment"
	ActionPaymentFailed   Action = "payment_failed"
	ActionBeginProcessing Action = "begin_processing"
	ActionReply           Action = "reply"
	ActionRefund          Action = "refund"
)

type move struct {
	from model.OrderStatus
	to   model.OrderStatus
}

var transitions = map[Action][]move{
	ActionAttachCheckout: {
		{model.StatusPending, model.StatusPending},
	},
	ActionConfirmPayment: {
		{model.StatusPending, model.StatusPaidQueued},
	},
	// a failed payment leaves the order pending; only the intent is cleared
	ActionPaymentFailed: {
		{model.StatusPending, model.StatusPending},
	},
	ActionBeginProcessing: {
		{model.StatusPaidQueued, model.StatusProcessing},
	},
	ActionReply: {
		{model.StatusPaidQueued, model.StatusCompleted},
		{model.StatusProcessing, model.StatusCompleted},
	},
	ActionRefund: {
		{model.StatusPaidQueued, model.StatusRefunded},
		{model.StatusProcessing, model.StatusRefunded},
	},
}

// Next returns the status an order in from reaches through action.
func Next(from model.OrderStatus, action Action) (model.OrderStatus, error) {
	for _, m := range transitions[action] {
		if m.from == from {
			return m.to, nil
		}
	}
	return "", fmt.Errorf("%s from %s: %w", action, from, apperror.ErrInvalidTransition)
}

// Transition is an action plus the data its side effect stores.
type Transition struct {
	Action            Action
	CheckoutSessionID string
	PaymentIntentID   string
	Reply             string
	ReplyImages       []string
}

// QueueListener is told about orders entering or leaving the queue.
type QueueListener interface {
	OnQueueChanged(ctx context.Context, order *model.Order)
}

type Machine struct {
	repo     repository.OrderRepository
	listener QueueListener
	now      func() time.Time
	logger   logrus.FieldLogger
}

func NewMachine(repo repository.OrderRepository, listener QueueListener, now func() time.Time, logger logrus.FieldLogger) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{
		repo:     repo,
		listener: listener,
		now:      now,
		logger:   logger,
	}
}

// Fire applies t to the order. The write is conditional on the status the
// order was loaded with, so a concurrent transition makes this one fail
// with ErrInvalidTransition and nothing is written.
func (m *Machine) Fire(ctx context.Context, orderID string, t Transition) (*model.Order, error) {
	order, err := m.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return m.FireOn(ctx, order, t)
}

// FireOn is Fire for an order the caller already loaded.
func (m *Machine) FireOn(ctx context.Context, order *model.Order, t Transition) (*model.Order, error) {
	from := order.Status
	to, err := Next(from, t.Action)
	if err != nil {
		return nil, fmt.Errorf("order %s: %w", order.ID, err)
	}

	now := m.now()
	patch, columns := buildPatch(t, to, now)

	changed, err := m.repo.UpdateIfStatus(ctx, order.ID, from, patch, columns...)
	if err != nil {
		return nil, fmt.Errorf("update order %s: %w", order.ID, err)
	}
	if !changed {
		return nil, fmt.Errorf("order %s changed while applying %s: %w", order.ID, t.Action, apperror.ErrInvalidTransition)
	}

	updated, err := m.repo.FindByID(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("reload order %s: %w", order.ID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"action":   t.Action,
		"from":     from,
		"to":       to,
	}).Info("order transitioned")

	if m.listener != nil && from.InQueue() != to.InQueue() {
		m.listener.OnQueueChanged(ctx, updated)
	}

	return updated, nil
}

func buildPatch(t Transition, to model.OrderStatus, now time.Time) (*model.Order, []string) {
	patch := &model.Order{Status: to, UpdatedAt: now}
	columns := []string{"status", "updated_at"}

	switch t.Action {
	case ActionAttachCheckout:
		patch.CheckoutSessionID = t.CheckoutSessionID
		columns = append(columns, "checkout_session_id")
	case ActionConfirmPayment:
		patch.PaymentIntentID = t.PaymentIntentID
		columns = append(columns, "payment_intent_id")
	case ActionPaymentFailed:
		patch.PaymentIntentID = ""
		columns = append(columns, "payment_intent_id")
	case ActionReply:
		images := t.ReplyImages
		if images == nil {
			images = []string{}
		}
		patch.Reply = t.Reply
		patch.ReplyImages = images
		patch.CompletedAt = &now
		columns = append(columns, "reply", "reply_images", "completed_at")
	}

	return patch, columns
}

// IsInvalidTransition is shorthand for errors.Is(err, ErrInvalidTransition).
func IsInvalidTransition(err error) bool {
	return errors.Is(err, apperror.ErrInvalidTransition)
}
