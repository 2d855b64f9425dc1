package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/redis"
)

const redisKeyPrefix = "tsp:ledger:"

// RedisLedger stores entries as JSON values that expire after ttl.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) Lookup(ctx context.Context, idempotencyKey string) (*Entry, error) {
	raw, err := l.client.Get(ctx, redisKeyPrefix+idempotencyKey)
	if redis.IsNilError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger entry %s: %w", idempotencyKey, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decoding ledger entry %s: %w", idempotencyKey, err)
	}
	return &e, nil
}

func (l *RedisLedger) Record(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding ledger entry: %w", err)
	}
	if _, err := l.client.SetNX(ctx, redisKeyPrefix+entry.IdempotencyKey, data, l.ttl); err != nil {
		return fmt.Errorf("writing ledger entry %s: %w", entry.IdempotencyKey, err)
	}
	return nil
}
