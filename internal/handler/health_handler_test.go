package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	healthy := func(ctx context.Context) error { return nil }
	broken := func(ctx context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]Checker
		status int
		state  string
	}{
		{name: "no checks", checks: nil, status: http.StatusOK, state: "healthy"},
		{name: "all healthy", checks: map[string]Checker{"mysql": healthy, "redis": healthy}, status: http.StatusOK, state: "healthy"},
		{name: "one broken", checks: map[string]Checker{"mysql": healthy, "redis": broken}, status: http.StatusServiceUnavailable, state: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			NewHealthHandler("inventory", tt.checks).Register(r)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.status, w.Code)

			var body struct {
				Status  string            `json:"status"`
				Service string            `json:"service"`
				Checks  map[string]string `json:"checks"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.state, body.Status)
			assert.Equal(t, "inventory", body.Service)
			for name := range tt.checks {
				assert.Contains(t, body.Checks, name)
			}
		})
	}

	t.Run("ping", func(t *testing.T) {
		r := gin.New()
		NewHealthHandler("order", nil).Register(r)

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
	})
}
