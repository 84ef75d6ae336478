package repository

import (
	"context"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEventRepository keeps processed payment event ids in the orders
// database. It satisfies dedup.Store, so several API instances sharing one
// database also share one dedup set.
type WebhookEventRepository interface {
	Has(ctx context.Context, eventID string) (bool, error)
	Put(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, eventID string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

type webhookEventRepositoryImpl struct {
	db  *gorm.DB
	now func() time.Time
}

func NewWebhookEventRepository(db *gorm.DB, now func() time.Time) WebhookEventRepository {
	if now == nil {
		now = time.Now
	}
	return &webhookEventRepositoryImpl{db: db, now: now}
}

func (r *webhookEventRepositoryImpl) Has(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ? AND expires_at > ?", eventID, r.now()).
		Count(&count).Error

	return count > 0, err
}

// Put records eventID unless a live record already exists. The insert is
// conflict-guarded on the primary key, so concurrent callers racing on the
// same id see exactly one true.
func (r *webhookEventRepositoryImpl) Put(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	now := r.now()
	inserted := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ? AND expires_at <= ?", eventID, now).
			Delete(&model.WebhookEvent{}).Error; err != nil {
			return err
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.WebhookEvent{
			EventID:    eventID,
			ReceivedAt: now,
			ExpiresAt:  now.Add(ttl),
		})
		if result.Error != nil {
			return result.Error
		}

		inserted = result.RowsAffected == 1
		return nil
	})

	return inserted, err
}

func (r *webhookEventRepositoryImpl) Delete(ctx context.Context, eventID string) error {
	return r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Delete(&model.WebhookEvent{}).Error
}

func (r *webhookEventRepositoryImpl) PurgeExpired(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", r.now()).
		Delete(&model.WebhookEvent{})

	return result.RowsAffected, result.Error
}
