package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/model"

	"gorm.io/gorm"
)

// OrderRepository stores orders. There is no delete and no method that
// writes amount or is_urgent after creation.
type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	FindByID(ctx context.Context, orderID string) (*model.Order, error)
	FindByCheckoutSessionID(ctx context.Context, sessionID string) (*model.Order, error)
	FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Order, error)
	// ListQueued returns every paid-queued/processing order in queue order.
	ListQueued(ctx context.Context) ([]model.Order, error)
	List(ctx context.Context, status model.OrderStatus, page, limit int) ([]model.Order, int64, error)
	// UpdateIfStatus writes the selected columns from patch only while the
	// order still has the expected status. It reports whether a row changed.
	UpdateIfStatus(ctx context.Context, orderID string, expected model.OrderStatus, patch *model.Order, columns ...string) (bool, error)
}

type orderRepoImpl struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepoImpl{
		db: db,
	}
}

const queueOrder = "is_urgent DESC, amount DESC, created_at ASC, id ASC"

func (r *orderRepoImpl) Create(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepoImpl) FindByID(ctx context.Context, orderID string) (*model.Order, error) {
	return r.findOne(ctx, "id = ?", orderID)
}

func (r *orderRepoImpl) FindByCheckoutSessionID(ctx context.Context, sessionID string) (*model.Order, error) {
	if sessionID == "" {
		return nil, apperror.ErrNotFound
	}
	return r.findOne(ctx, "checkout_session_id = ?", sessionID)
}

func (r *orderRepoImpl) FindByPaymentIntentID(ctx context.Context, paymentIntentID string) (*model.Order, error) {
	if paymentIntentID == "" {
		return nil, apperror.ErrNotFound
	}
	return r.findOne(ctx, "payment_intent_id = ?", paymentIntentID)
}

func (r *orderRepoImpl) findOne(ctx context.Context, query string, arg string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).
		Where(query, arg).
		First(&order).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", arg, apperror.ErrNotFound)
		}
		return nil, err
	}

	return &order, nil
}

func (r *orderRepoImpl) ListQueued(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	err := r.db.WithContext(ctx).
		Where("status IN ?", model.QueuedStatuses).
		Order(queueOrder).
		Find(&orders).Error

	if err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *orderRepoImpl) List(ctx context.Context, status model.OrderStatus, page, limit int) ([]model.Order, int64, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	query := r.db.WithContext(ctx).Model(&model.Order{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orders []model.Order
	err := query.
		Order(queueOrder).
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&orders).Error

	if err != nil {
		return nil, 0, err
	}

	return orders, total, nil
}

func (r *orderRepoImpl) UpdateIfStatus(ctx context.Context, orderID string, expected model.OrderStatus, patch *model.Order, columns ...string) (bool, error) {
	if len(columns) == 0 {
		return false, fmt.Errorf("update order %s: no columns selected", orderID)
	}

	result := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, expected).
		Select(columns).
		Updates(patch)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}
