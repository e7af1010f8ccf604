package infrastructure

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/pkg/errors"
)

// ReferenceCache is a read-through cache over reference code tables.
// Refresh replaces each set's map wholesale under the write lock; readers
// take the read lock. The refresh interval is injected, there are no
// implicit background timers beyond the loop Start owns.
type ReferenceCache struct {
	source   domain.CodeSource
	sets     []string
	interval time.Duration

	mu   sync.RWMutex
	data map[string]map[string]string
}

var _ domain.CodeLookup = (*ReferenceCache)(nil)

// NewReferenceCache creates a cache for the given code sets
func NewReferenceCache(source domain.CodeSource, sets []string, interval time.Duration) *ReferenceCache {
	return &ReferenceCache{
		source:   source,
		sets:     sets,
		interval: interval,
		data:     make(map[string]map[string]string),
	}
}

// Refresh reloads every configured code set. A set that fails to load
// keeps its previous contents.
func (c *ReferenceCache) Refresh(ctx context.Context) error {
	var firstErr error

	for _, set := range c.sets {
		codes, err := c.source.LoadCodeSet(ctx, set)
		if err != nil {
			slog.ErrorContext(ctx, "failed to refresh code set", "code_set", set, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		c.mu.Lock()
		c.data[set] = codes
		c.mu.Unlock()
	}

	return errors.Wrap(firstErr, "reference cache refresh")
}

// Start loads the cache once, then refreshes on the configured interval
// until the context is cancelled
func (c *ReferenceCache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					slog.ErrorContext(ctx, "reference cache refresh failed", "error", err)
				}
			}
		}
	}()

	return nil
}

// Lookup returns the description for a code within a set
func (c *ReferenceCache) Lookup(set, code string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes, ok := c.data[set]
	if !ok {
		return "", false
	}

	description, ok := codes[code]
	return description, ok
}
