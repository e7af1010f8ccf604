package domain

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrUpstreamUnavailable is returned when the authoritative high-water
// mark cannot be reached on cold start; no safe sequence value can be
// derived without it.
var ErrUpstreamUnavailable = errors.New("sequence upstream unavailable")

// CounterStore is the shared counter primitive behind the sequence
// generator. Increment must be linearizable across all process
// instances; PutTransaction must be a single atomic set-if-absent.
type CounterStore interface {
	// Seed sets the counter to value only if it has never been set.
	Seed(ctx context.Context, counter string, value int64) error
	// Increment atomically increments the counter and returns the
	// post-increment value.
	Increment(ctx context.Context, counter string) (int64, error)
	// GetTransaction returns the value previously issued for the
	// transaction ID, if any.
	GetTransaction(ctx context.Context, transactionID string) (int64, bool, error)
	// PutTransaction stores transactionID -> value with a TTL unless a
	// value is already present, in which case it returns the existing
	// value and stored=false.
	PutTransaction(ctx context.Context, transactionID string, value int64, ttl time.Duration) (existing int64, stored bool, err error)
}

// HighWaterSource exposes the last issued value from the external
// authoritative source, used once to seed the shared counter.
type HighWaterSource interface {
	LastIssued(ctx context.Context) (int64, error)
}
