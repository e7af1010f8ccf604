package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when the token still matches, so
// an expired holder cannot release a lease re-acquired by somebody else.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// RedisJobLock implements domain.JobLock as a Redis lease: SET NX with a
// TTL bounds the hold time, a compare-and-delete script releases.
type RedisJobLock struct {
	client      *redis.Client
	serviceName string
}

// NewRedisJobLock creates a new RedisJobLock
func NewRedisJobLock(client *redis.Client, serviceName string) *RedisJobLock {
	return &RedisJobLock{
		client:      client,
		serviceName: serviceName,
	}
}

func (l *RedisJobLock) key(job string) string {
	return fmt.Sprintf("%s:lock:%s", l.serviceName, job)
}

// Acquire attempts to take the lease for job. acquired=false means
// another instance holds it.
func (l *RedisJobLock) Acquire(ctx context.Context, job string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.New().String()
	key := l.key(job)

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to acquire job lock")
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return errors.Wrap(err, "failed to release job lock")
		}
		return nil
	}

	return release, true, nil
}
