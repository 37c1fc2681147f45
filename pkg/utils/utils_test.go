package utils

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestAppError test application error
func TestAppError(t *testing.T) {
	t.Run("NewError", func(t *testing.T) {
		err := NewError(CodeInvalidParam, "test error")
		assert.Equal(t, CodeInvalidParam, err.Code)
		assert.Equal(t, "test error", err.Message)
		assert.Nil(t, err.Err)
		assert.Equal(t, "code: 10001, message: test error", err.Error())
	})

	t.Run("NewErrorWithErr", func(t *testing.T) {
		originalErr := errors.New("original error")
		err := NewErrorWithErr(CodeDatabaseError, "database error", originalErr)
		assert.Equal(t, CodeDatabaseError, err.Code)
		assert.Equal(t, originalErr, err.Err)
		assert.Contains(t, err.Error(), "original error")
		assert.ErrorIs(t, err, originalErr)
	})

	t.Run("WrapError keeps identity", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := WrapError(ErrPublishFailed, cause)
		assert.ErrorIs(t, err, ErrPublishFailed)
		assert.ErrorIs(t, err, cause)
		assert.NotErrorIs(t, err, ErrLockBusy)
	})

	t.Run("errors.Is through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("reserve: %w", ErrInsufficientStock)
		assert.ErrorIs(t, err, ErrInsufficientStock)
		assert.Equal(t, CodeInsufficientStock, GetErrorCode(err))
	})

	t.Run("GetErrorCode", func(t *testing.T) {
		assert.Equal(t, CodeInvalidParam, GetErrorCode(ErrInvalidParam))
		assert.Equal(t, CodeInternalError, GetErrorCode(errors.New("normal error")))
	})

	t.Run("GetErrorMessage", func(t *testing.T) {
		assert.Equal(t, "order not found", GetErrorMessage(ErrOrderNotFound))
		assert.Equal(t, "normal error", GetErrorMessage(errors.New("normal error")))
	})
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		err       error
		status    int
		notFound  bool
		transient bool
	}{
		{ErrInvalidParam, http.StatusBadRequest, false, false},
		{ErrNegativeStock, http.StatusBadRequest, false, false},
		{ErrPriceMismatch, http.StatusBadRequest, false, false},
		{ErrReservationMismatch, http.StatusBadRequest, false, false},
		{ErrAlreadyProcessed, http.StatusBadRequest, false, false},
		{ErrUnauthorized, http.StatusUnauthorized, false, false},
		{ErrOrderNotFound, http.StatusNotFound, true, false},
		{ErrReservationNotFound, http.StatusNotFound, true, false},
		{ErrConflictingPayment, http.StatusConflict, false, false},
		{ErrInsufficientStock, http.StatusConflict, false, false},
		{ErrLockBusy, http.StatusServiceUnavailable, false, true},
		{ErrGatewayUnavailable, http.StatusServiceUnavailable, false, true},
		{ErrRateLimit, http.StatusTooManyRequests, false, true},
		{errors.New("boom"), http.StatusInternalServerError, false, false},
	}

	for _, tt := range tests {
		t.Run(GetErrorMessage(tt.err), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		input     string
		expected  uint64
		wantError bool
	}{
		{"123", 123, false},
		{"0", 0, true},
		{"-1", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{"123.45", 0, true},
	}

	for _, tt := range tests {
		result, err := ParseID(tt.input)
		if tt.wantError {
			assert.Error(t, err)
			assert.Equal(t, CodeInvalidParam, GetErrorCode(err))
		} else {
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		}
	}
}

func TestParseIDList(t *testing.T) {
	ids, err := ParseIDList("3, 1,2")
	assert.NoError(t, err)
	assert.Equal(t, []uint64{3, 1, 2}, ids)

	_, err = ParseIDList("")
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = ParseIDList("1,x")
	assert.Error(t, err)
}
