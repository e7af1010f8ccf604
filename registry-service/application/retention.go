package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
)

const retentionJobName = "saga-retention"

// RetentionJob purges terminal sagas, their event rows, and published
// outbox records past the retention period. Event rows go first so a
// crash mid-pass never leaves orphaned children behind.
type RetentionJob struct {
	store     domain.SagaStore
	outbox    domain.OutboxStore
	lock      domain.JobLock
	interval  time.Duration
	retention time.Duration
}

// NewRetentionJob creates a new RetentionJob
func NewRetentionJob(store domain.SagaStore, outbox domain.OutboxStore, lock domain.JobLock, interval, retention time.Duration) *RetentionJob {
	return &RetentionJob{
		store:     store,
		outbox:    outbox,
		lock:      lock,
		interval:  interval,
		retention: retention,
	}
}

// Start runs the retention loop until the context is canceled
func (j *RetentionJob) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "retention pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one purge pass under the distributed lock
func (j *RetentionJob) RunOnce(ctx context.Context) error {
	release, acquired, err := j.lock.Acquire(ctx, retentionJobName, j.interval*2)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := release(ctx); err != nil {
			slog.WarnContext(ctx, "failed to release retention lock", "error", err)
		}
	}()

	cutoff := time.Now().Add(-j.retention)

	events, err := j.store.DeleteEventsOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	sagas, err := j.store.DeleteSagasOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	published, err := j.outbox.DeletePublishedOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	if events > 0 || sagas > 0 || published > 0 {
		slog.InfoContext(ctx, "retention pass purged rows",
			"saga_events", events,
			"sagas", sagas,
			"outbox_records", published,
		)
	}

	return nil
}
