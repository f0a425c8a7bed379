package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateLimiter(client, cfg, nil), mr
}

func TestCheck_FixedWindow(t *testing.T) {
	rl, mr := newLimiter(t, RateLimitConfig{ImportsPerMinute: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := rl.Check(ctx, ClassImport, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := rl.Check(ctx, ClassImport, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	other, err := rl.Check(ctx, ClassImport, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "limits are per client")

	mr.FastForward(time.Minute + time.Second)
	res, err = rl.Check(ctx, ClassImport, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "window expired")
}

func TestCheck_ZeroLimitDisablesClass(t *testing.T) {
	rl, mr := newLimiter(t, RateLimitConfig{ImportsPerMinute: 1})
	for i := 0; i < 5; i++ {
		res, err := rl.Check(context.Background(), ClassQuery, "c")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	assert.Empty(t, mr.Keys())
}

func TestCheck_RedisDownFailsOpen(t *testing.T) {
	rl, mr := newLimiter(t, RateLimitConfig{ImportsPerMinute: 1})
	mr.Close()

	res, err := rl.Check(context.Background(), ClassImport, "c")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMiddleware(t *testing.T) {
	rl, _ := newLimiter(t, RateLimitConfig{QueriesPerMinute: 1, IncludeHeaders: true})
	h := rl.Middleware(ClassQuery)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil)
	req.RemoteAddr = "192.0.2.7:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", clientIP(req))

	req.RemoteAddr = "192.0.2.8"
	assert.Equal(t, "192.0.2.8", clientIP(req))
}
