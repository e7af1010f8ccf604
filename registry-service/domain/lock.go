package domain

import (
	"context"
	"time"
)

// JobLock is a cluster-wide mutual-exclusion primitive with a bounded
// lease, so a crashed holder cannot starve a job forever. Acquire
// returns acquired=false without error when another holder owns the
// lease.
type JobLock interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}
