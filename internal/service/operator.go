package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/dto"
	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/statemachine"
)

const orderLockTTL = 30 * time.Second

// OperatorTransition runs every operator action under the order's lock so
// a refund in flight at the payment processor cannot race a reply.
func (s *orderServiceImpl) OperatorTransition(ctx context.Context, orderID string, action statemachine.Action, req *dto.OperatorActionRequest) (*model.Order, error) {
	if req == nil {
		req = &dto.OperatorActionRequest{}
	}

	var t statemachine.Transition
	switch action {
	case statemachine.ActionBeginProcessing:
		t = statemachine.Transition{Action: action}
	case statemachine.ActionReply:
		reply := strings.TrimSpace(req.Reply)
		if reply == "" {
			return nil, newFieldError("reply", "is required")
		}
		if err := validateOperatorRequest(req); err != nil {
			return nil, err
		}
		t = statemachine.Transition{Action: action, Reply: reply, ReplyImages: req.ReplyImages}
	case statemachine.ActionRefund:
		t = statemachine.Transition{Action: action}
	default:
		return nil, newFieldError("action", "unsupported action")
	}

	release, err := s.locker.Obtain(ctx, "order:"+orderID, orderLockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}
	defer release()

	order, err := s.orderRepo.FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	if action == statemachine.ActionRefund {
		return s.refund(ctx, order)
	}
	return s.machine.FireOn(ctx, order, t)
}

// refund returns the money first and writes refunded second. If the
// processor call fails nothing is written; the charge.refunded webhook the
// processor sends afterwards finds the order already refunded.
func (s *orderServiceImpl) refund(ctx context.Context, order *model.Order) (*model.Order, error) {
	if _, err := statemachine.Next(order.Status, statemachine.ActionRefund); err != nil {
		return nil, fmt.Errorf("order %s: %w", order.ID, err)
	}

	log := s.logger.WithField("order_id", order.ID)
	if order.PaymentIntentID == "" {
		log.Warn("refunding order without payment intent; no money is returned")
	} else if err := s.paymentClient.Refund(ctx, order.PaymentIntentID); err != nil {
		return nil, fmt.Errorf("refund order %s: %w", order.ID, err)
	}

	updated, err := s.machine.FireOn(ctx, order, statemachine.Transition{Action: statemachine.ActionRefund})
	if statemachine.IsInvalidTransition(err) {
		// the refund webhook may have landed between the call and the write
		current, ferr := s.orderRepo.FindByID(ctx, order.ID)
		if ferr == nil && current.Status == model.StatusRefunded {
			return current, nil
		}
	}
	return updated, err
}
