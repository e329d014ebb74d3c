package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 12*time.Hour, cfg.Redis.ForecastCacheTTL)
	assert.Equal(t, 90, cfg.Engine.ForecastWindowDays)
	assert.Equal(t, 30, cfg.Engine.ForecastHorizonDays)
	assert.Equal(t, "50", cfg.Engine.OrderCost.String())
	assert.Equal(t, 0.25, cfg.Engine.HoldingCostRate)
	assert.Equal(t, 10, cfg.Engine.MaxInFlight)
	assert.Equal(t, 200*time.Millisecond, cfg.Engine.RetryBackoff)
	assert.Equal(t, time.Hour, cfg.Engine.RunInterval)
	assert.Equal(t, 30*time.Minute, cfg.Engine.RunTimeout)
	assert.Nil(t, cfg.Engine.WeeklySeasonality)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("ORDER_COST", "72.50")
	t.Setenv("MAX_IN_FLIGHT", "3")
	t.Setenv("RUN_INTERVAL_MINUTES", "0")
	t.Setenv("WEEKLY_SEASONALITY", "1.1,1.1,1.1,1.1,1.1,0.75,0.75")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "72.5", cfg.Engine.OrderCost.String())
	assert.Equal(t, 3, cfg.Engine.MaxInFlight)
	assert.Zero(t, cfg.Engine.RunInterval)
	assert.Len(t, cfg.Engine.WeeklySeasonality, 7)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MAX_IN_FLIGHT", "many")
	_, err := Load()
	assert.ErrorContains(t, err, "MAX_IN_FLIGHT")

	t.Setenv("MAX_IN_FLIGHT", "4")
	t.Setenv("WEEKLY_SEASONALITY", "1,1,1")
	_, err = Load()
	assert.ErrorContains(t, err, "WEEKLY_SEASONALITY")

	t.Setenv("WEEKLY_SEASONALITY", "")
	t.Setenv("STORE_DRIVER", "sqlite")
	_, err = Load()
	assert.Error(t, err)
}
