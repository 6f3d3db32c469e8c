package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/retention/backend/internal/interfaces/http/dto"
)

func TestHandleValidationError(t *testing.T) {
	type scheduleBody struct {
		IntervalMinutes int               `json:"interval_minutes" binding:"required,min=5"`
		Name            string            `json:"name" binding:"required,max=5"`
		Credentials     map[string]string `json:"credentials" binding:"required,min=1"`
	}

	SetupValidator()

	router := gin.New()
	router.Use(RequestID())
	router.POST("/test", func(c *gin.Context) {
		var req scheduleBody
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.Status(http.StatusOK)
	})

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(RequestIDHeader, "req-42")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	t.Run("field errors use json names", func(t *testing.T) {
		rec := send(`{"interval_minutes": 1, "name": "far too long", "credentials": {}}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		errInfo := decodeError(t, rec)
		assert.Equal(t, dto.ErrCodeValidation, errInfo.Code)
		assert.Equal(t, "req-42", errInfo.RequestID)

		messages := map[string]string{}
		for _, d := range errInfo.Details {
			messages[d.Field] = d.Message
		}
		assert.Equal(t, "Must be at least 5", messages["interval_minutes"])
		assert.Equal(t, "Must be at most 5 characters", messages["name"])
		assert.Equal(t, "Must contain at least 1 entries", messages["credentials"])
	})

	t.Run("malformed json has no details", func(t *testing.T) {
		rec := send(`{"interval_minutes":`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		errInfo := decodeError(t, rec)
		assert.Equal(t, "Malformed request body", errInfo.Message)
		assert.Empty(t, errInfo.Details)
	})

	t.Run("valid body passes", func(t *testing.T) {
		rec := send(`{"interval_minutes": 60, "name": "ok", "credentials": {"k": "v"}}`)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
