package ledger

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()
	c, err := redis.NewClient(config.RedisConfig{
		Addr:     envOrDefault("TEST_REDIS_ADDR", "localhost:6379"),
		PoolSize: 2,
	})
	if err != nil {
		t.Skipf("skipping: redis unavailable: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	port, _ := strconv.Atoi(envOrDefault("TEST_POSTGRES_PORT", "5432"))
	db, err := postgres.New(config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            port,
		Database:        envOrDefault("TEST_POSTGRES_DB", "tenantsearch_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "tenantsearch"),
		Password:        envOrDefault("TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleEntry(key string) Entry {
	return Entry{
		IdempotencyKey: key,
		TenantKey:      "u1",
		IndexID:        "idx-u1-" + key,
		SearchAppID:    "app-u1-" + key,
		BatchID:        "batch-1",
		ProvisionedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// exerciseLedger runs the behaviour every backend must share.
func exerciseLedger(t *testing.T, l Ledger, key string) {
	ctx := context.Background()

	got, err := l.Lookup(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)

	first := sampleEntry(key)
	require.NoError(t, l.Record(ctx, first))

	second := first
	second.IndexID = "idx-other"
	require.NoError(t, l.Record(ctx, second))

	got, err = l.Lookup(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.IndexID, got.IndexID, "first record wins")
	assert.Equal(t, first.SearchAppID, got.SearchAppID)
	assert.Equal(t, "u1", got.TenantKey)
	assert.True(t, first.ProvisionedAt.Equal(got.ProvisionedAt))
}

func TestMemoryLedger(t *testing.T) {
	m := NewMemory()
	exerciseLedger(t, m, "abc123")
	assert.Equal(t, 1, m.Len())
}

func TestRedisLedger(t *testing.T) {
	c := skipIfNoRedis(t)
	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() { c.Del(context.Background(), redisKeyPrefix+key) })
	exerciseLedger(t, NewRedis(c, time.Minute), key)
}

func TestPostgresLedger(t *testing.T) {
	db := skipIfNoPostgres(t)
	l := NewPostgres(db)
	require.NoError(t, l.EnsureSchema(context.Background()))

	key := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		db.DB.Exec(`DELETE FROM provisioned_resources WHERE idempotency_key = $1`, key)
	})
	exerciseLedger(t, l, key)
}
