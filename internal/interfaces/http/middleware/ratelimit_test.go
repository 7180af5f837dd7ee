package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestRateLimiter(rps float64, burst int) (*RateLimiter, func(time.Duration)) {
	rl := NewRateLimiter(rps, burst)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, advance := newTestRateLimiter(1, 2)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst exhausted")
	assert.True(t, rl.Allow("b"), "keys are independent")

	advance(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiter_Remaining(t *testing.T) {
	rl, advance := newTestRateLimiter(1, 3)

	assert.Equal(t, 3, rl.Remaining("a"))
	rl.Allow("a")
	rl.Allow("a")
	assert.Equal(t, 1, rl.Remaining("a"))

	advance(10 * time.Second)
	assert.Equal(t, 3, rl.Remaining("a"))
}

func TestRateLimiter_SweepsIdleKeys(t *testing.T) {
	rl, advance := newTestRateLimiter(1, 1)

	rl.Allow("a")
	advance(rl.idleTTL + time.Second)
	rl.Allow("b")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.clients, "a")
	assert.Contains(t, rl.clients, "b")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestRateLimiter(1, 1)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if op := c.GetHeader("X-Test-Operator"); op != "" {
			c.Set(JWTOperatorKey, op)
		}
		c.Next()
	})
	router.Use(RateLimit(rl))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	request := func(operator string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		if operator != "" {
			req.Header.Set("X-Test-Operator", operator)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := request("alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = request("alice")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "ERR_RATE_LIMITED")

	assert.Equal(t, http.StatusOK, request("bob").Code)
	assert.Equal(t, http.StatusOK, request("").Code, "anonymous requests are keyed by IP")
}
