package utils

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// ValidateStruct validates struct
func ValidateStruct(obj interface{}) error {
	if err := binding.Validator.ValidateStruct(obj); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// BindingError converts a gin binding failure into an AppError.
func BindingError(err error) error {
	return formatValidationError(err)
}

func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return NewError(CodeInvalidParam, strings.Join(messages, "; "))
	}
	return NewErrorWithErr(CodeInvalidParam, "invalid request body", err)
}

func getFieldErrorMessage(fieldError validator.FieldError) string {
	field := fieldError.Field()
	param := fieldError.Param()

	switch fieldError.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "dive":
		return fmt.Sprintf("%s contains an invalid element", field)
	case "nonnegative_decimal":
		return fmt.Sprintf("%s must be a non-negative amount", field)
	default:
		return fmt.Sprintf("%s validation failed", field)
	}
}

// RegisterCustomValidators registers the decimal validator and reports json
// field names in messages.
func RegisterCustomValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}

	_ = v.RegisterValidation("nonnegative_decimal", validateNonNegativeDecimal)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

func validateNonNegativeDecimal(fl validator.FieldLevel) bool {
	d, ok := fl.Field().Interface().(decimal.Decimal)
	if !ok {
		return false
	}
	return !d.IsNegative()
}

// ParseID parses a positive numeric path parameter.
func ParseID(id string) (uint64, error) {
	if id == "" {
		return 0, NewError(CodeInvalidParam, "ID cannot be empty")
	}

	value, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, NewError(CodeInvalidParam, "ID must be a valid integer")
	}
	if value == 0 {
		return 0, NewError(CodeInvalidParam, "ID must be positive")
	}
	return value, nil
}

// ParseIDList parses a comma separated list of ids, e.g. "1,2,3".
func ParseIDList(raw string) ([]uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, NewError(CodeInvalidParam, "id list cannot be empty")
	}

	parts := strings.Split(raw, ",")
	ids := make([]uint64, 0, len(parts))
	for _, part := range parts {
		id, err := ParseID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
