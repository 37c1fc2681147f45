package utils

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response standard response structure
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// RawResponse is Response as seen by an HTTP client, with data left undecoded.
type RawResponse struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      int(CodeSuccess),
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// CreatedResponse returns 201 with data
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:      int(CodeSuccess),
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse returns error response
func ErrorResponse(c *gin.Context, httpCode int, message string) {
	c.JSON(httpCode, Response{
		Code:      httpCode,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// AppErrorResponse writes err with the HTTP status and business code it maps to.
func AppErrorResponse(c *gin.Context, err error) {
	c.JSON(HTTPStatus(err), Response{
		Code:      int(GetErrorCode(err)),
		Message:   GetErrorMessage(err),
		Timestamp: time.Now().Unix(),
	})
}
