package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"replenishment-engine/internal/forecast"

	"github.com/go-redis/redis/v8"
)

// ForecastCache stores forecasts per (product, location, as-of day)
type ForecastCache interface {
	GetForecast(ctx context.Context, productID, locationID int64, asOf time.Time) (*forecast.Forecast, bool, error)
	SetForecast(ctx context.Context, fc *forecast.Forecast) error
}

type redisForecastCache struct {
	client *Client
	ttl    time.Duration
}

type noopForecastCache struct{}

// NewForecastCache returns a redis-backed cache; ttl is clamped to forecast.MaxCacheTTL
func NewForecastCache(client *Client, ttl time.Duration) ForecastCache {
	return &redisForecastCache{client: client, ttl: forecast.ClampTTL(ttl)}
}

// NewNoopForecastCache returns a cache that never hits
func NewNoopForecastCache() ForecastCache {
	return &noopForecastCache{}
}

func (c *redisForecastCache) GetForecast(ctx context.Context, productID, locationID int64, asOf time.Time) (*forecast.Forecast, bool, error) {
	key := forecast.CacheKey(productID, locationID, asOf)

	payload, err := c.client.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var fc forecast.Forecast
	if err := json.Unmarshal(payload, &fc); err != nil {
		return nil, false, fmt.Errorf("decode forecast cache: %w", err)
	}
	return &fc, true, nil
}

func (c *redisForecastCache) SetForecast(ctx context.Context, fc *forecast.Forecast) error {
	key := forecast.CacheKey(fc.ProductID, fc.LocationID, fc.AsOf)
	payload, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode forecast cache: %w", err)
	}

	if err := c.client.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (n *noopForecastCache) GetForecast(ctx context.Context, productID, locationID int64, asOf time.Time) (*forecast.Forecast, bool, error) {
	return nil, false, nil
}

func (n *noopForecastCache) SetForecast(ctx context.Context, fc *forecast.Forecast) error {
	return nil
}
