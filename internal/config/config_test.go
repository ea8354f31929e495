package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.GracePeriod)
	assert.Equal(t, "0 */5 * * * *", cfg.Reconcile.Schedule)
	assert.Equal(t, 100, cfg.Reconcile.BatchLimit)
	assert.Equal(t, 1, cfg.Reconcile.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.OrderTimeout)
	assert.Equal(t, []string{"log"}, cfg.Release.Hooks)
	assert.Equal(t, 10, cfg.Release.MaxAttempts)
	assert.Equal(t, "release_retries", cfg.AWS.ReleasesTable)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("ORDER_GRACE_PERIOD", "45m")
	t.Setenv("RECONCILE_SCHEDULE", "30 * * * * *")
	t.Setenv("RECONCILE_CONCURRENCY", "4")
	t.Setenv("RELEASE_HOOKS", "log,kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, cfg.GracePeriod)
	assert.Equal(t, 4, cfg.Reconcile.Concurrency)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Release.KafkaBrokers)
	assert.Contains(t, cfg.Release.Hooks, HookKafka)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("RECONCILE_BATCH_LIMIT", "0")
	t.Setenv("RECONCILE_SCHEDULE", "sometimes")
	t.Setenv("RELEASE_HOOKS", "redis,carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorContains(t, err, "STORE_BACKEND")
	assert.ErrorContains(t, err, "RECONCILE_BATCH_LIMIT")
	assert.ErrorContains(t, err, "RECONCILE_SCHEDULE")
	assert.ErrorContains(t, err, "REDIS_ADDR")
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestDSN(t *testing.T) {
	c := DBConfig{Host: "db", Port: "5432", Database: "memorial", Username: "app", Password: "s3cret", Schema: "public"}
	assert.Equal(t, "postgres://app:s3cret@db:5432/memorial?search_path=public&sslmode=disable", c.DSN())

	c.URL = "postgres://override/x"
	assert.Equal(t, "postgres://override/x", c.DSN())
}

func TestValidateDynamoTables(t *testing.T) {
	t.Setenv("STORE_BACKEND", "dynamodb")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.AWS.ReleasesTable = ""
	assert.ErrorContains(t, cfg.Validate(), "DYNAMO_RELEASES_TABLE")
}
