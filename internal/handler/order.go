package handler

import (
	"net/http"
	"strconv"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/dto"
	"github.com/GY-Bai/baidaohui5/internal/middleware"
	"github.com/GY-Bai/baidaohui5/internal/service"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type OrderHandler struct {
	orderService service.OrderService
	logger       logrus.FieldLogger
}

func NewOrderHandler(orderService service.OrderService, logger logrus.FieldLogger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		logger:       logger,
	}
}

func (h *OrderHandler) CreateOrder(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}
	// the owner is always the caller, never the body
	req.UserID = middleware.UserID(c)

	result, err := h.orderService.CreateOrder(ctx, &req)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// GetOrder answers 404 for orders of other users so ids cannot be probed.
func (h *OrderHandler) GetOrder(c echo.Context) error {
	ctx := c.Request().Context()

	order, err := h.orderService.GetOrder(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}

	if order.UserID != middleware.UserID(c) && !middleware.HasRole(c, middleware.OperatorRoles...) {
		return writeError(c, h.logger, apperror.ErrNotFound)
	}

	return c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) GetRank(c echo.Context) error {
	ctx := c.Request().Context()

	amount, err := decimal.NewFromString(c.QueryParam("amount"))
	if err != nil {
		return writeError(c, h.logger, badRequest("amount", "must be a number"))
	}

	isUrgent := false
	if raw := c.QueryParam("is_urgent"); raw != "" {
		isUrgent, err = strconv.ParseBool(raw)
		if err != nil {
			return writeError(c, h.logger, badRequest("is_urgent", "must be a boolean"))
		}
	}

	result, err := h.orderService.GetRank(ctx, amount, isUrgent)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, result)
}
