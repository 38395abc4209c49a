package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_MemoryDriverSkipsDatabase(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("GATEWAY_URL", "http://gateway:8000")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("OFFER_WINDOW", "10m")
	t.Setenv("SWEEP_BATCH", "0")

	cfg := Load()
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 10*time.Minute, cfg.OfferWindow)
	assert.Equal(t, 2*time.Minute, cfg.SagaLease)
	assert.Equal(t, 5*time.Second, cfg.CollaboratorTimeout)
	assert.Equal(t, "@every 30s", cfg.SweepSchedule)
	assert.Equal(t, 100, cfg.SweepBatch)
	assert.Equal(t, "notification_topic", cfg.NotifyExchange)
	assert.Equal(t, "SGD", cfg.Currency)
	assert.True(t, cfg.IsDev())
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "off")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	rl := LoadRateLimitConfig()
	assert.False(t, rl.Enabled)
	assert.Equal(t, 5, rl.Capacity)
	assert.Equal(t, 1, rl.RefillTokens)
	assert.Equal(t, 2*time.Second, rl.RefillInterval)
	assert.Equal(t, 10*time.Second, rl.TTL, "ttl is raised to five refill intervals")
	assert.Equal(t, "user_route", rl.KeyStrategy)
}

func TestLoadRedisConfig(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("REDIS_DB", "2")
	rc := LoadRedisConfig()
	assert.Equal(t, "cache:6380", rc.Addr)
	assert.Equal(t, 2, rc.DB)
	assert.Nil(t, rc.TLSConfig)

	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("REDIS_TLS", "1")
	rc = LoadRedisConfig()
	assert.Equal(t, "redis:6379", rc.Addr)
	assert.NotNil(t, rc.TLSConfig)
}
