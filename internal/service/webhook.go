package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/dto"

	"github.com/sirupsen/logrus"
)

// ApplyPaymentWebhook verifies a delivery, claims its event id and applies
// it. A delivery whose id was already claimed is answered as a duplicate
// without touching any order.
func (s *orderServiceImpl) ApplyPaymentWebhook(ctx context.Context, payload []byte, signatureHeader string) (*dto.WebhookResponse, error) {
	event, err := s.verifier.Verify(payload, signatureHeader)
	if err != nil {
		s.logger.WithError(err).WithField("security", true).Warn("rejected payment webhook")
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})

	if err := s.claimEvent(ctx, event.ID); err != nil {
		if errors.Is(err, apperror.ErrDuplicateEvent) {
			log.Info("payment webhook already processed")
			return &dto.WebhookResponse{Duplicate: true}, nil
		}
		return nil, err
	}

	if err := s.processor.Apply(ctx, event); err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// answering 2xx stops the processor from retrying forever
			log.WithError(err).Warn("payment webhook references unknown order")
			return &dto.WebhookResponse{Received: true}, nil
		}

		if derr := s.dedupStore.Delete(ctx, event.ID); derr != nil {
			log.WithError(derr).Error("release webhook event claim")
		}
		return nil, fmt.Errorf("apply event %s: %w", event.ID, err)
	}

	return &dto.WebhookResponse{Received: true}, nil
}

func (s *orderServiceImpl) claimEvent(ctx context.Context, eventID string) error {
	inserted, err := s.dedupStore.Put(ctx, eventID, s.dedupTTL)
	if err != nil {
		return fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if !inserted {
		return fmt.Errorf("event %s: %w", eventID, apperror.ErrDuplicateEvent)
	}
	return nil
}
