package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisCounterStore implements domain.CounterStore on Redis. INCR gives
// the linearizable cross-process increment; SET NX gives the atomic
// set-if-absent for seeding and for the idempotency window.
type RedisCounterStore struct {
	client      *redis.Client
	serviceName string
}

// NewRedisCounterStore creates a new RedisCounterStore
func NewRedisCounterStore(client *redis.Client, serviceName string) *RedisCounterStore {
	return &RedisCounterStore{
		client:      client,
		serviceName: serviceName,
	}
}

func (r *RedisCounterStore) counterKey(counter string) string {
	return fmt.Sprintf("%s:counter:%s", r.serviceName, counter)
}

func (r *RedisCounterStore) transactionKey(transactionID string) string {
	return fmt.Sprintf("%s:issued:%s", r.serviceName, transactionID)
}

// Seed sets the counter to value only if the key does not exist
func (r *RedisCounterStore) Seed(ctx context.Context, counter string, value int64) error {
	if err := r.client.SetNX(ctx, r.counterKey(counter), value, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to seed counter")
	}
	return nil
}

// Increment atomically increments the counter
func (r *RedisCounterStore) Increment(ctx context.Context, counter string) (int64, error) {
	value, err := r.client.Incr(ctx, r.counterKey(counter)).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment counter")
	}
	return value, nil
}

// GetTransaction returns the value previously issued for the transaction ID
func (r *RedisCounterStore) GetTransaction(ctx context.Context, transactionID string) (int64, bool, error) {
	raw, err := r.client.Get(ctx, r.transactionKey(transactionID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to read idempotency record")
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, errors.Wrap(err, "corrupt idempotency record")
	}

	return value, true, nil
}

// PutTransaction stores transactionID -> value with a TTL in a single
// SET NX GET round trip; when the key already exists it returns the
// existing value and stored=false
func (r *RedisCounterStore) PutTransaction(ctx context.Context, transactionID string, value int64, ttl time.Duration) (int64, bool, error) {
	raw, err := r.client.SetArgs(ctx, r.transactionKey(transactionID), value, redis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
		Get:  true,
	}).Result()
	if err == redis.Nil {
		// Key was absent, our value is now stored
		return value, true, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to store idempotency record")
	}

	existing, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, errors.Wrap(err, "corrupt idempotency record")
	}

	return existing, false, nil
}
