package handler

import (
	"io"
	"net/http"

	"github.com/GY-Bai/baidaohui5/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxWebhookBody  = 1 << 16
)

type WebhookHandler struct {
	orderService service.OrderService
	logger       logrus.FieldLogger
}

func NewWebhookHandler(orderService service.OrderService, logger logrus.FieldLogger) *WebhookHandler {
	return &WebhookHandler{
		orderService: orderService,
		logger:       logger,
	}
}

// StripeWebhook hands the body to the service exactly as received; the
// signature covers those bytes.
func (h *WebhookHandler) StripeWebhook(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	result, err := h.orderService.ApplyPaymentWebhook(ctx, body, c.Request().Header.Get(SignatureHeader))
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, result)
}
