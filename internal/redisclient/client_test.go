package redisclient

import (
	"context"
	"testing"
	"time"

	"replenishment-engine/internal/forecast"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func setupRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := newClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestForecastCacheRoundTrip(t *testing.T) {
	c, mr := setupRedis(t)
	cache := NewForecastCache(c, 6*time.Hour)
	ctx := context.Background()

	_, hit, err := cache.GetForecast(ctx, 1, 2, asOf)
	require.NoError(t, err)
	assert.False(t, hit)

	fc := &forecast.Forecast{
		ProductID:          1,
		LocationID:         2,
		AverageDailyDemand: 12.5,
		Trend:              forecast.TrendIncreasing,
		Confidence:         0.8,
		PredictedSeries:    []int{12, 13, 14},
		SampleCount:        60,
		AsOf:               asOf,
	}
	require.NoError(t, cache.SetForecast(ctx, fc))

	got, hit, err := cache.GetForecast(ctx, 1, 2, asOf.Add(9*time.Hour))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, fc.PredictedSeries, got.PredictedSeries)
	assert.Equal(t, forecast.TrendIncreasing, got.Trend)
	assert.InDelta(t, 12.5, got.AverageDailyDemand, 1e-9)
	assert.True(t, asOf.Equal(got.AsOf))

	assert.Equal(t, 6*time.Hour, mr.TTL(forecast.CacheKey(1, 2, asOf)))

	_, hit, err = cache.GetForecast(ctx, 1, 2, asOf.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.False(t, hit)

	mr.FastForward(7 * time.Hour)
	_, hit, err = cache.GetForecast(ctx, 1, 2, asOf)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestForecastCacheClampsTTL(t *testing.T) {
	c, mr := setupRedis(t)
	cache := NewForecastCache(c, 72*time.Hour)

	require.NoError(t, cache.SetForecast(context.Background(), &forecast.Forecast{ProductID: 3, LocationID: 4, AsOf: asOf}))
	assert.Equal(t, forecast.MaxCacheTTL, mr.TTL(forecast.CacheKey(3, 4, asOf)))
}

func TestForecastCacheRejectsCorruptEntry(t *testing.T) {
	c, mr := setupRedis(t)
	cache := NewForecastCache(c, time.Hour)
	require.NoError(t, mr.Set(forecast.CacheKey(1, 1, asOf), "{not json"))

	_, hit, err := cache.GetForecast(context.Background(), 1, 1, asOf)
	assert.Error(t, err)
	assert.False(t, hit)
}

func TestTryLockIsExclusive(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()

	unlock, ok, err := c.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("lock:run"))

	_, ok, err = c.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("lock:run"))

	_, ok, err = c.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockLeavesLockTakenOverAfterExpiry(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()

	unlock, ok, err := c.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.TryLock(ctx, "run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	owner, err := mr.Get("lock:run")
	require.NoError(t, err)

	require.NoError(t, unlock(ctx))
	current, err := mr.Get("lock:run")
	require.NoError(t, err)
	assert.Equal(t, owner, current)
}

func TestIdempotencyKeys(t *testing.T) {
	c, mr := setupRedis(t)
	ctx := context.Background()

	seen, err := c.CheckIdempotencyKey(ctx, "decision:d1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, c.SetIdempotencyKey(ctx, "decision:d1", "run-1", time.Hour))
	seen, err = c.CheckIdempotencyKey(ctx, "decision:d1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, mr.TTL("idempotency:decision:d1"))
}

func TestNoopCacheNeverHits(t *testing.T) {
	cache := NewNoopForecastCache()
	require.NoError(t, cache.SetForecast(context.Background(), &forecast.Forecast{ProductID: 1, LocationID: 1, AsOf: asOf}))

	_, hit, err := cache.GetForecast(context.Background(), 1, 1, asOf)
	require.NoError(t, err)
	assert.False(t, hit)
}
