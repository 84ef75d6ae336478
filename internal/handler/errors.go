package handler

import (
	"errors"
	"net/http"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/dto"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const msgStateChanged = "state changed, please refresh"

// writeError renders err with its HTTP status. Unknown errors are logged
// and answered with a generic message.
func writeError(c echo.Context, logger logrus.FieldLogger, err error) error {
	var verr *apperror.ValidationError
	var herr *echo.HTTPError

	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, apperror.ErrVerification):
		return c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "invalid signature"})
	case errors.Is(err, apperror.ErrInvalidTransition):
		logger.WithError(err).Info("rejected order transition")
		return c.JSON(http.StatusConflict, dto.ErrorResponse{Error: msgStateChanged})
	case errors.Is(err, apperror.ErrNotFound):
		return c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "order not found"})
	case errors.As(err, &herr):
		return herr
	}

	logger.WithError(err).WithField("path", c.Path()).Error("request failed")
	return c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
}

func badRequest(field, msg string) error {
	verr := apperror.NewValidationError()
	verr.Add(field, msg)
	return verr
}
