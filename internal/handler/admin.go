package handler

import (
	"net/http"
	"strconv"

	"github.com/GY-Bai/baidaohui5/internal/dto"
	"github.com/GY-Bai/baidaohui5/internal/middleware"
	"github.com/GY-Bai/baidaohui5/internal/model"
	"github.com/GY-Bai/baidaohui5/internal/service"
	"github.com/GY-Bai/baidaohui5/internal/statemachine"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

// AdminHandler serves operator routes; the router puts them behind
// middleware.RequireRole.
type AdminHandler struct {
	orderService service.OrderService
	logger       logrus.FieldLogger
}

func NewAdminHandler(orderService service.OrderService, logger logrus.FieldLogger) *AdminHandler {
	return &AdminHandler{
		orderService: orderService,
		logger:       logger,
	}
}

func (h *AdminHandler) ListOrders(c echo.Context) error {
	ctx := c.Request().Context()

	page, err := intQuery(c, "page")
	if err != nil {
		return writeError(c, h.logger, err)
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		return writeError(c, h.logger, err)
	}

	result, err := h.orderService.ListOrders(ctx, model.OrderStatus(c.QueryParam("status")), page, limit)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return c.JSON(http.StatusOK, result)
}

func (h *AdminHandler) Transition(c echo.Context) error {
	ctx := c.Request().Context()

	var req dto.OperatorActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid req body")
	}

	orderID := c.Param("id")
	action := statemachine.Action(c.Param("action"))

	order, err := h.orderService.OperatorTransition(ctx, orderID, action, &req)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	h.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"action":   action,
		"operator": middleware.UserID(c),
	}).Info("operator action applied")

	return c.JSON(http.StatusOK, order)
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, badRequest(name, "must be an integer")
	}
	return n, nil
}
