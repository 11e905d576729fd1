package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	// 清除环境变量
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "farmsense", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "", cfg.Redis.Password)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "ingest:readings:stream", cfg.Ingest.Streams.Readings)
	assert.Equal(t, "provision:devices:stream", cfg.Ingest.Streams.Provisioning)
	assert.Equal(t, "ingest:deadletter:stream", cfg.Ingest.Streams.DeadLetter)
	assert.Equal(t, "farmsense-ingest-group", cfg.Ingest.ConsumerGroup)
	assert.Equal(t, 5*time.Second, cfg.Ingest.FlushWindow)
	assert.Equal(t, 5000, cfg.Ingest.MaxBatchSize)

	assert.Equal(t, 30*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, 2.0, cfg.Liveness.GraceMultiplier)

	assert.Equal(t, 72*time.Hour, cfg.Partition.LookAhead)
	assert.Equal(t, 7*24*time.Hour, cfg.Partition.AggregateAfter)
	assert.Equal(t, 90*24*time.Hour, cfg.Partition.Retention)

	assert.Equal(t, "alerts:events:stream", cfg.Alerts.Stream)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_NAME", "test-db")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("STREAM_READINGS", "test:readings")
	os.Setenv("LIVENESS_GRACE_MULTIPLIER", "3.5")
	os.Setenv("INGEST_FLUSH_WINDOW", "2s")
	os.Setenv("LOG_LEVEL", "debug")
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-db", cfg.Database.Database)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "test:readings", cfg.Ingest.Streams.Readings)
	assert.Equal(t, 3.5, cfg.Liveness.GraceMultiplier)
	assert.Equal(t, 2*time.Second, cfg.Ingest.FlushWindow)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsGraceMultiplierBelowTwo(t *testing.T) {
	os.Clearenv()
	os.Setenv("LIVENESS_GRACE_MULTIPLIER", "1.5")
	defer os.Clearenv()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIVENESS_GRACE_MULTIPLIER")
}
