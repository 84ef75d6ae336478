// Package payment turns verified processor events into order transitions.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/repository"
	"github.com/GY-Bai/baidaohui5/internal/statemachine"

	"github.com/sirupsen/logrus"
)

type Processor interface {
	// Apply returns apperror.ErrNotFound when the event names no known
	// order. Events that arrive after the order already moved on are
	// treated as applied and return nil.
	Apply(ctx context.Context, event *model.PaymentEvent) error
}

type processorImpl struct {
	orderRepo repository.OrderRepository
	machine   *statemachine.Machine
	logger    logrus.FieldLogger
}

func NewProcessor(orderRepo repository.OrderRepository, machine *statemachine.Machine, logger logrus.FieldLogger) Processor {
	return &processorImpl{
		orderRepo: orderRepo,
		machine:   machine,
		logger:    logger,
	}
}

func (p *processorImpl) Apply(ctx context.Context, event *model.PaymentEvent) error {
	log := p.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	switch event.Type {
	case model.EventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, log, event.Data.Object)
	case model.EventPaymentFailed:
		return p.handlePaymentFailed(ctx, log, event.Data.Object)
	case model.EventChargeRefunded:
		return p.handleChargeRefunded(ctx, log, event.Data.Object)
	}

	log.Debug("ignoring unhandled event type")
	return nil
}

func (p *processorImpl) handleCheckoutCompleted(ctx context.Context, log logrus.FieldLogger, obj model.PaymentObject) error {
	order, err := p.orderRepo.FindByCheckoutSessionID(ctx, obj.ID)
	if errors.Is(err, apperror.ErrNotFound) && obj.OrderID() != "" {
		order, err = p.orderRepo.FindByID(ctx, obj.OrderID())
	}
	if err != nil {
		return fmt.Errorf("find order for session %s: %w", obj.ID, err)
	}

	log = log.WithField("order_id", order.ID)
	if order.CheckoutSessionID != "" && order.CheckoutSessionID != obj.ID {
		log.WithField("session_id", obj.ID).Warn("checkout session does not match order, dropping")
		return nil
	}
	if order.Status != model.StatusPending {
		log.WithField("status", order.Status).Info("payment already applied")
		return nil
	}

	_, err = p.machine.FireOn(ctx, order, statemachine.Transition{
		Action:          statemachine.ActionConfirmPayment,
		PaymentIntentID: obj.PaymentIntent,
	})
	return p.settled(log, err)
}

func (p *processorImpl) handlePaymentFailed(ctx context.Context, log logrus.FieldLogger, obj model.PaymentObject) error {
	order, err := p.orderRepo.FindByPaymentIntentID(ctx, obj.ID)
	if errors.Is(err, apperror.ErrNotFound) && obj.OrderID() != "" {
		order, err = p.orderRepo.FindByID(ctx, obj.OrderID())
	}
	if err != nil {
		return fmt.Errorf("find order for payment intent %s: %w", obj.ID, err)
	}

	log = log.WithField("order_id", order.ID)
	if order.Status != model.StatusPending {
		log.WithField("status", order.Status).Info("payment failure for settled order, dropping")
		return nil
	}

	_, err = p.machine.FireOn(ctx, order, statemachine.Transition{Action: statemachine.ActionPaymentFailed})
	return p.settled(log, err)
}

func (p *processorImpl) handleChargeRefunded(ctx context.Context, log logrus.FieldLogger, obj model.PaymentObject) error {
	order, err := p.orderRepo.FindByPaymentIntentID(ctx, obj.PaymentIntent)
	if err != nil {
		return fmt.Errorf("find order for payment intent %s: %w", obj.PaymentIntent, err)
	}

	log = log.WithField("order_id", order.ID)
	if !order.Status.InQueue() {
		log.WithField("status", order.Status).Info("refund for order outside queue, dropping")
		return nil
	}

	_, err = p.machine.FireOn(ctx, order, statemachine.Transition{Action: statemachine.ActionRefund})
	return p.settled(log, err)
}

// settled maps a lost race onto success: another delivery got there first.
func (p *processorImpl) settled(log logrus.FieldLogger, err error) error {
	if statemachine.IsInvalidTransition(err) {
		log.WithError(err).Info("order moved concurrently, treating event as applied")
		return nil
	}
	return err
}
