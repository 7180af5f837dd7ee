package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erp/marketsync/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bodyLimitRouter(limit int64) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), BodyLimit(limit))
	router.POST("/orders/:id/documents", func(c *gin.Context) {
		var req struct {
			DocRef string `json:"doc_ref"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			if IsBodyTooLarge(err) {
				AbortBodyTooLarge(c)
				return
			}
			c.Status(http.StatusBadRequest)
			return
		}
		c.String(http.StatusOK, req.DocRef)
	})
	router.GET("/orders/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestBodyLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := bodyLimitRouter(64)

	t.Run("accepts a body within the limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/orders/o-1/documents", strings.NewReader(`{"doc_ref":"INV-1"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "INV-1", w.Body.String())
	})

	t.Run("refuses a declared length over the limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/orders/o-1/documents", strings.NewReader(strings.Repeat("x", 200)))
		req.Header.Set(RequestIDHeader, "req-7")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		var resp dto.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeRequestTooLarge, resp.Error.Code)
		assert.Equal(t, "req-7", resp.Error.RequestID)
	})

	t.Run("cuts off a streamed body", func(t *testing.T) {
		body := `{"doc_ref":"` + strings.Repeat("x", 200) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/orders/o-1/documents", strings.NewReader(body))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("leaves bodiless requests alone", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/o-1", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestIsBodyTooLarge(t *testing.T) {
	assert.True(t, IsBodyTooLarge(&http.MaxBytesError{Limit: 10}))
	assert.False(t, IsBodyTooLarge(assert.AnError))
	assert.False(t, IsBodyTooLarge(nil))
}
