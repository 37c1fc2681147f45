package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ResponseCode business response code
type ResponseCode int

const (
	CodeSuccess ResponseCode = 0

	// Validation
	CodeInvalidParam        ResponseCode = 10001
	CodeNegativeStock       ResponseCode = 10002
	CodePriceMismatch       ResponseCode = 10003
	CodeReservationMismatch ResponseCode = 10004
	CodeAlreadyProcessed    ResponseCode = 10005
	CodeUnauthorized        ResponseCode = 10006
	CodeForbidden           ResponseCode = 10007

	// Not found (often retry-later in the saga)
	CodeOrderNotFound       ResponseCode = 20001
	CodeStockNotFound       ResponseCode = 20002
	CodeReservationNotFound ResponseCode = 20003
	CodePaymentNotFound     ResponseCode = 20004
	CodeProductNotFound     ResponseCode = 20005

	// Conflict / insufficient resource
	CodeConflictingPayment ResponseCode = 30001
	CodeInsufficientStock  ResponseCode = 30002

	// Transient infrastructure
	CodeLockBusy            ResponseCode = 40001
	CodeGatewayUnavailable  ResponseCode = 40002
	CodeUpstreamUnavailable ResponseCode = 40003
	CodePublishFailed       ResponseCode = 40004
	CodeRateLimit           ResponseCode = 40005

	CodeInternalError ResponseCode = 50000
	CodeDatabaseError ResponseCode = 50001
)

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so a detailed error built
// with NewErrorWithErr still satisfies errors.Is against the predefined one.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewErrorWithErr create application error with original error
func NewErrorWithErr(code ResponseCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps err with the code and message of a predefined error.
func WrapError(base *AppError, err error) *AppError {
	return &AppError{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// Predefined errors
var (
	ErrInvalidParam        = NewError(CodeInvalidParam, "invalid parameter")
	ErrNegativeStock       = NewError(CodeNegativeStock, "stock cannot be negative")
	ErrPriceMismatch       = NewError(CodePriceMismatch, "price mismatch detected in order items")
	ErrReservationMismatch = NewError(CodeReservationMismatch, "order items do not match reserved stock")
	ErrAlreadyProcessed    = NewError(CodeAlreadyProcessed, "payment already processed for this order")
	ErrUnauthorized        = NewError(CodeUnauthorized, "unauthorized")
	ErrForbidden           = NewError(CodeForbidden, "forbidden")

	ErrOrderNotFound       = NewError(CodeOrderNotFound, "order not found")
	ErrStockNotFound       = NewError(CodeStockNotFound, "stock not found")
	ErrReservationNotFound = NewError(CodeReservationNotFound, "no reserved stock found for order")
	ErrPaymentNotFound     = NewError(CodePaymentNotFound, "payment not found")
	ErrProductNotFound     = NewError(CodeProductNotFound, "product not found")

	ErrConflictingPayment = NewError(CodeConflictingPayment, "payment already exists with different details")
	ErrInsufficientStock  = NewError(CodeInsufficientStock, "insufficient stock")

	ErrLockBusy            = NewError(CodeLockBusy, "resource is locked, retry later")
	ErrGatewayUnavailable  = NewError(CodeGatewayUnavailable, "payment gateway unavailable")
	ErrUpstreamUnavailable = NewError(CodeUpstreamUnavailable, "upstream service unavailable")
	ErrPublishFailed       = NewError(CodePublishFailed, "failed to publish event")
	ErrRateLimit           = NewError(CodeRateLimit, "rate limit exceeded")

	ErrInternalError = NewError(CodeInternalError, "internal server error")
	ErrDatabaseError = NewError(CodeDatabaseError, "database error")
)

// IsAppError check if it's an application error
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage get error message
func GetErrorMessage(err error) string {
	if appErr, ok := IsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}

// IsNotFound reports whether err belongs to the not-found family.
func IsNotFound(err error) bool {
	code := GetErrorCode(err)
	return code >= 20000 && code < 30000
}

// IsTransient reports whether err is an infrastructure failure worth retrying.
func IsTransient(err error) bool {
	code := GetErrorCode(err)
	return code >= 40000 && code < 50000
}

// HTTPStatus maps an error to the HTTP status returned to callers.
func HTTPStatus(err error) int {
	code := GetErrorCode(err)
	switch {
	case code == CodeUnauthorized:
		return http.StatusUnauthorized
	case code == CodeForbidden:
		return http.StatusForbidden
	case code == CodeRateLimit:
		return http.StatusTooManyRequests
	case code >= 10000 && code < 20000:
		return http.StatusBadRequest
	case code >= 20000 && code < 30000:
		return http.StatusNotFound
	case code >= 30000 && code < 40000:
		return http.StatusConflict
	case code >= 40000 && code < 50000:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
