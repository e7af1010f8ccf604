package application

import (
	"context"
	"sync"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/pkg/errors"
)

// SequenceGenerator issues globally unique, strictly increasing student
// numbers. The shared counter lives in the counter store so the atomic
// increment holds across process instances; repeated requests with one
// transaction ID inside the idempotency window return the value first
// issued for it.
type SequenceGenerator struct {
	counter domain.CounterStore
	source  domain.HighWaterSource
	name    string
	window  time.Duration

	mu     sync.Mutex
	seeded bool
}

// NewSequenceGenerator creates a generator over the named counter
func NewSequenceGenerator(counter domain.CounterStore, source domain.HighWaterSource, name string, window time.Duration) *SequenceGenerator {
	return &SequenceGenerator{
		counter: counter,
		source:  source,
		name:    name,
		window:  window,
	}
}

// NextValue returns the sequence value for the transaction ID. A repeat
// call within the idempotency window returns the same value; a fresh ID
// gets the next counter value.
func (g *SequenceGenerator) NextValue(ctx context.Context, transactionID string) (int64, error) {
	if transactionID == "" {
		return 0, errors.New("transaction ID is required")
	}

	if err := g.seed(ctx); err != nil {
		return 0, err
	}

	if existing, ok, err := g.counter.GetTransaction(ctx, transactionID); err != nil {
		return 0, errors.Wrap(err, "failed to check idempotency window")
	} else if ok {
		return existing, nil
	}

	value, err := g.counter.Increment(ctx, g.name)
	if err != nil {
		return 0, errors.Wrap(err, "failed to increment sequence counter")
	}

	// A concurrent retry of the same transaction may have won the race
	// between the check above and here; the set-if-absent settles it and
	// the loser's incremented value is simply never issued.
	existing, stored, err := g.counter.PutTransaction(ctx, transactionID, value, g.window)
	if err != nil {
		return 0, errors.Wrap(err, "failed to record issued value")
	}
	if !stored {
		return existing, nil
	}

	return value, nil
}

// seed initializes the shared counter from the authoritative high-water
// mark exactly once per process; the set-if-absent semantics of Seed
// make concurrent seeding across processes harmless.
func (g *SequenceGenerator) seed(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seeded {
		return nil
	}

	last, err := g.source.LastIssued(ctx)
	if err != nil {
		return errors.Wrapf(domain.ErrUpstreamUnavailable, "cannot seed sequence counter: %v", err)
	}

	if err := g.counter.Seed(ctx, g.name, last); err != nil {
		return errors.Wrap(err, "failed to seed sequence counter")
	}

	g.seeded = true
	return nil
}
