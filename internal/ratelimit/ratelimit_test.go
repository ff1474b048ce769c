package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/feedbox/billing/internal/config"
	"github.com/feedbox/billing/internal/http/api/middleware"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	limiter := NewMemoryLimiter()
	now := time.Date(2026, time.March, 1, 10, 0, 5, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "t:1", 3, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
		assert.Equal(t, time.Date(2026, time.March, 1, 10, 1, 0, 0, time.UTC), res.Reset)
	}
	res, err := limiter.Allow(ctx, "t:1", 3, time.Minute, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, "t:2", 3, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "keys are independent")

	res, err = limiter.Allow(ctx, "t:1", 3, time.Minute, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, res.Allowed, "next window resets the count")
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := NewRedisLimiter(client, "feedbox:rl")
	now := time.Date(2026, time.March, 1, 10, 0, 5, 0, time.UTC)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "ip:203.0.113.7", 2, time.Minute, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := limiter.Allow(ctx, "ip:203.0.113.7", 2, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	index, _ := windowBounds(now, time.Minute)
	key := limiter.buildKey("ip:203.0.113.7", index)
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 61*time.Second, mr.TTL(key))
}

func TestManager_FallsBackToMemoryWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := SettingsFromConfig(config.RateLimitConfig{
		TenantLimit:  1,
		Window:       time.Minute,
		RedisEnabled: true,
		RedisAddr:    mr.Addr(),
	})
	m := NewManager(StaticSettings(settings), nil, nil)
	ctx := context.Background()
	decision := settings.DecisionFor(ScopeTenant)

	res, err := m.Allow(ctx, "t:1", decision)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NotEmpty(t, mr.Keys(), "redis backend used while available")

	mr.Close()
	res, err = m.Allow(ctx, "t:2", decision)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "memory fallback keeps serving")
	res, err = m.Allow(ctx, "t:2", decision)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestKeyForDecision(t *testing.T) {
	assert.Equal(t, "t:7", KeyForDecision("7", Decision{Limit: 1, Scope: ScopeTenant}))
	assert.Equal(t, "ip:10.0.0.1", KeyForDecision("10.0.0.1", Decision{Limit: 1, Scope: ScopeIP}))
	assert.Empty(t, KeyForDecision("7", Decision{Limit: 0, Scope: ScopeTenant}))
	assert.Empty(t, KeyForDecision("", Decision{Limit: 1, Scope: ScopeIP}))
	assert.Empty(t, KeyForDecision("7", Decision{Limit: 1}))
}

func TestSettingsFromConfig(t *testing.T) {
	settings := SettingsFromConfig(config.RateLimitConfig{TenantLimit: -1, WebhookLimit: 5, RedisDB: -2})
	assert.Zero(t, settings.TenantLimit)
	assert.Equal(t, 5, settings.WebhookLimit)
	assert.Equal(t, config.DefaultRateLimitWindow, settings.Window)
	assert.Equal(t, config.DefaultRateLimitPrefix, settings.RedisPrefix)
	assert.Zero(t, settings.RedisDB)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fixed := time.Now().Truncate(time.Minute).Add(10 * time.Second)
	m := NewManager(StaticSettings(SettingsFromConfig(config.RateLimitConfig{TenantLimit: 1, WebhookLimit: 2, Window: time.Minute})), func() time.Time { return fixed }, nil)

	r := gin.New()
	r.GET("/tenant", func(c *gin.Context) {
		c.Set(middleware.ContextEnterpriseID, uint64(42))
		c.Next()
	}, Middleware(m, ScopeTenant), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/hook", Middleware(m, ScopeIP), func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenant", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tenant", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/hook", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
