package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iho/payledger/internal/infrastructure/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 15, cfg.PlatformFeePercent)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	assert.Equal(t, 50.0, cfg.WebhookRateLimit)
	assert.Equal(t, 100, cfg.WebhookRateBurst)
	assert.Equal(t, "payments.events", cfg.KafkaTopic)
	assert.Equal(t, 2*time.Hour, cfg.ReconciliationStuckThreshold)
	assert.Equal(t, 5, cfg.QueueMaxAttempts)
	assert.False(t, cfg.KafkaEnabled())
	assert.False(t, cfg.MigrateOnStart)
	assert.Equal(t, 42*24*time.Hour, cfg.EscrowHoldPeriod)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("REDIS_URL", "redis://example")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("DATABASE_TIMEOUT", "45s")
	t.Setenv("WEBHOOK_SECRET", "whsec_test")
	t.Setenv("PLATFORM_FEE_PERCENT", "10")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("RECONCILIATION_LOOKBACK", "48h")
	t.Setenv("MIGRATE_ON_START", "true")
	t.Setenv("ESCROW_HOLD_PERIOD", "72h")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://example", cfg.DatabaseURL)
	assert.Equal(t, "redis://example", cfg.RedisURL)
	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.DatabaseTimeout)
	assert.Equal(t, "whsec_test", cfg.WebhookSecret)
	assert.Equal(t, 10, cfg.PlatformFeePercent)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.KafkaEnabled())
	assert.Equal(t, 48*time.Hour, cfg.ReconciliationLookback)
	assert.True(t, cfg.MigrateOnStart)
	assert.Equal(t, 72*time.Hour, cfg.EscrowHoldPeriod)
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "not-a-duration")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"fee above 100", "PLATFORM_FEE_PERCENT", "101"},
		{"negative fee", "PLATFORM_FEE_PERCENT", "-1"},
		{"zero attempts", "QUEUE_MAX_ATTEMPTS", "0"},
		{"zero concurrency", "QUEUE_CONCURRENCY", "0"},
		{"min above max conns", "DATABASE_MIN_CONNS", "100"},
		{"negative hold period", "ESCROW_HOLD_PERIOD", "-1h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := config.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}
