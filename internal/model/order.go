package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MaxAmount caps a single order, in the payment currency.
var MaxAmount = decimal.NewFromInt(10000)

var (
	ErrAmountNotPositive = errors.New("must be greater than 0")
	ErrAmountTooLarge    = errors.New("must not exceed " + MaxAmount.String())
	ErrAmountPrecision   = errors.New("must have at most 2 decimal places")
)

// CheckAmount reports whether amount is a valid order amount: whole cents
// in (0, MaxAmount].
func CheckAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return ErrAmountNotPositive
	case !amount.Equal(amount.Truncate(2)):
		return ErrAmountPrecision
	case amount.GreaterThan(MaxAmount):
		return ErrAmountTooLarge
	}
	return nil
}

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusPaidQueued OrderStatus = "paid-queued"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusRefunded   OrderStatus = "refunded"
)

// QueuedStatuses are the statuses that take part in ranking.
var QueuedStatuses = []OrderStatus{StatusPaidQueued, StatusProcessing}

func (s OrderStatus) InQueue() bool {
	return s == StatusPaidQueued || s == StatusProcessing
}

func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaidQueued, StatusProcessing, StatusCompleted, StatusRefunded:
		return true
	}
	return false
}

type Order struct {
	ID                string          `gorm:"primaryKey;size:64;not null" json:"id"`
	UserID            string          `gorm:"size:64;index;not null" json:"user_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"` // immutable, ranks the order
	Message           string          `gorm:"type:text" json:"message"`
	IsUrgent          bool            `gorm:"not null;default:false" json:"is_urgent"` // immutable, ranks the order
	Images            []string        `gorm:"serializer:json;type:text" json:"images"`
	Status            OrderStatus     `gorm:"size:32;index;not null" json:"status"`
	CheckoutSessionID string          `gorm:"size:128;index" json:"checkout_session_id,omitempty"`
	PaymentIntentID   string          `gorm:"size:128;index" json:"payment_intent_id,omitempty"`
	Reply             string          `gorm:"type:text" json:"reply,omitempty"`
	ReplyImages       []string        `gorm:"serializer:json;type:text" json:"reply_images"`
	CreatedAt         time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

type WebhookEvent struct {
	EventID    string    `gorm:"primaryKey;size:128;not null"`
	ReceivedAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
}
