package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safetrade/internal/identity"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, perMinute, burst int) (*Limiter, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Minute}).WithClock(clk.Now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clk := newLimiter(t, 60, 5)

	for i := range 5 {
		assert.True(t, l.Allow("buyer-1"), "request %d within burst", i)
	}
	ok, wait := l.Take("buyer-1")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	clk.Advance(time.Second)
	assert.True(t, l.Allow("buyer-1"))
	assert.False(t, l.Allow("buyer-1"), "only one token refilled")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newLimiter(t, 60, 3)

	for range 3 {
		l.Allow("client-a")
	}
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
}

func TestLimiter_BurstCapsRefill(t *testing.T) {
	l, clk := newLimiter(t, 600, 2)
	l.Allow("k")
	clk.Advance(time.Hour)

	allowed := 0
	for range 5 {
		if l.Allow("k") {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestLimiter_RejectionDoesNotSpendToken(t *testing.T) {
	l, clk := newLimiter(t, 60, 1)
	require.True(t, l.Allow("k"))
	for range 10 {
		assert.False(t, l.Allow("k"))
	}
	clk.Advance(time.Second)
	assert.True(t, l.Allow("k"))
}

func TestLimiter_Prune(t *testing.T) {
	l, clk := newLimiter(t, 60, 1)
	l.Allow("idle")
	clk.Advance(5 * time.Minute)
	l.Allow("active")
	l.prune(clk.Now().Add(-2 * time.Minute))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "idle")
	assert.Contains(t, l.buckets, "active")
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 60, 1)

	r := gin.New()
	r.Use(identity.Middleware(identity.StaticResolver{
		"buyer-token": {ID: "buyer-1", Role: identity.RoleBuyer},
		"admin-token": {ID: "admin-1", Role: identity.RoleAdmin},
	}))
	r.Use(l.Middleware())
	r.GET("/v1/orders", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/orders", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	first := get("buyer-token")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "60", first.Header().Get("X-RateLimit-Limit"))

	w := get("buyer-token")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), `"error":"rate_limited"`)

	for i := range 3 {
		assert.Equal(t, http.StatusOK, get("admin-token").Code, "admin request %d", i)
	}
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, Config{RequestsPerMinute: 120, BurstSize: 20, CleanupInterval: time.Minute}, DefaultConfig())
}
