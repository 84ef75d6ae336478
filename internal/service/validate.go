package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/GY-Bai/baidaohui5/internal/apperror"
	"github.com/GY-Bai/baidaohui5/internal/dto"
	"github.com/GY-Bai/baidaohui5/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func newFieldError(field, msg string) *apperror.ValidationError {
	verr := apperror.NewValidationError()
	verr.Add(field, msg)
	return verr
}

// validateCreateOrder returns the amount in fixed two-decimal form.
func validateCreateOrder(req *dto.CreateOrderRequest) (decimal.Decimal, error) {
	verr := apperror.NewValidationError()
	if err := collectStruct(verr, req); err != nil {
		return decimal.Zero, err
	}

	amount, err := validateAmount(req.Amount)
	var amountErr *apperror.ValidationError
	if errors.As(err, &amountErr) {
		for k, v := range amountErr.Fields {
			verr.Add(k, v)
		}
	}

	if verr.HasErrors() {
		return decimal.Zero, verr
	}
	return amount, nil
}

func validateAmount(amount decimal.Decimal) (decimal.Decimal, error) {
	if err := model.CheckAmount(amount); err != nil {
		return decimal.Zero, newFieldError("amount", err.Error())
	}
	return amount.Round(2), nil
}

func validateOperatorRequest(req *dto.OperatorActionRequest) error {
	verr := apperror.NewValidationError()
	if err := collectStruct(verr, req); err != nil {
		return err
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// collectStruct adds validator field failures to verr. Only an unusable
// input (not a struct) is returned as an error.
func collectStruct(verr *apperror.ValidationError, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	for _, fe := range fieldErrs {
		verr.Add(fe.Field(), fieldMessage(fe))
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		if fe.Kind() == reflect.String {
			return "must be at most " + fe.Param() + " characters"
		}
		return "must have at most " + fe.Param() + " items"
	case "url":
		return "must be a valid URL"
	}
	return "is invalid"
}
