package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "nagare:rl:"

// casAttempts bounds optimistic-transaction retries under contention.
const casAttempts = 5

// RedisStore keeps rate-limit records in Redis so multiple instances share
// limits. Updates use WATCH/MULTI/EXEC compare-and-set; records expire via
// TTL so Sweep has nothing to do.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis at url (redis:// form) and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Apply performs an optimistic read-modify-write on key, retrying a bounded
// number of times when a concurrent writer invalidates the transaction.
func (s *RedisStore) Apply(ctx context.Context, key string, ttl time.Duration, fn func(rec Record, exists bool) Record) (Record, error) {
	rkey := redisKeyPrefix + key

	var out Record
	txf := func(tx *redis.Tx) error {
		var rec Record
		exists := true
		raw, err := tx.Get(ctx, rkey).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &rec); err != nil {
				// Corrupt record: treat as absent rather than wedging the key.
				exists = false
			}
		}

		out = fn(rec, exists)
		data, err := json.Marshal(out)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, data, ttl)
			return nil
		})
		return err
	}

	for range casAttempts {
		err := s.client.Watch(ctx, txf, rkey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Record{}, fmt.Errorf("ratelimit: redis apply: %w", err)
	}
	return Record{}, fmt.Errorf("ratelimit: redis apply: %w", redis.TxFailedErr)
}

// Sweep is a no-op: Redis expires records via TTL.
func (s *RedisStore) Sweep(context.Context, int) (int, error) { return 0, nil }

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }
