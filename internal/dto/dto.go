package dto

import (
	"github.com/GY-Bai/baidaohui5/internal/model"

	"github.com/shopspring/decimal"
)

type CreateOrderRequest struct {
	UserID   string          `json:"user_id" validate:"required,max=64"`
	Amount   decimal.Decimal `json:"amount"`
	Message  string          `json:"message" validate:"max=2500"`
	IsUrgent bool            `json:"is_urgent"`
	Images   []string        `json:"images" validate:"max=9,dive,url"`
}

type CreateOrderResponse struct {
	Order       *model.Order `json:"order"`
	CheckoutURL string       `json:"checkout_url"`
}

type RankResponse struct {
	Amount   string `json:"amount"`
	IsUrgent bool   `json:"is_urgent"`
	Rank     int    `json:"rank"`
}

type WebhookResponse struct {
	Received  bool `json:"received,omitempty"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type OperatorActionRequest struct {
	Reply       string   `json:"reply"`
	ReplyImages []string `json:"reply_images" validate:"max=9,dive,url"`
}

type ListOrdersResponse struct {
	Orders []model.Order `json:"orders"`
	Total  int64         `json:"total"`
	Page   int           `json:"page"`
	Limit  int           `json:"limit"`
}

type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
