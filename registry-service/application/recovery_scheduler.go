package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/orchestration"
	"github.com/edulink/registry-system/shared/telemetry"
)

const recoveryJobName = "saga-recovery"

// RecoveryScheduler periodically replays sagas that stayed non-terminal
// past the stuck threshold. Only one instance runs a pass at a time,
// enforced through a distributed lock held for the pass duration.
type RecoveryScheduler struct {
	store    domain.SagaStore
	registry *orchestration.Registry
	lock     domain.JobLock
	interval time.Duration
	minAge   time.Duration
	lockTTL  time.Duration
}

// NewRecoveryScheduler creates a new RecoveryScheduler
func NewRecoveryScheduler(store domain.SagaStore, registry *orchestration.Registry, lock domain.JobLock, interval, minAge time.Duration) *RecoveryScheduler {
	return &RecoveryScheduler{
		store:    store,
		registry: registry,
		lock:     lock,
		interval: interval,
		minAge:   minAge,
		lockTTL:  interval * 2,
	}
}

// Start runs the recovery loop until the context is canceled
func (s *RecoveryScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "recovery pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one recovery pass. When another instance holds the
// lock the pass is skipped silently.
func (s *RecoveryScheduler) RunOnce(ctx context.Context) error {
	release, acquired, err := s.lock.Acquire(ctx, recoveryJobName, s.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := release(ctx); err != nil {
			slog.WarnContext(ctx, "failed to release recovery lock", "error", err)
		}
	}()

	cutoff := time.Now().Add(-s.minAge)
	stuck, err := s.store.FindIncomplete(ctx, []domain.SagaStatus{domain.SagaStatusStarted, domain.SagaStatusInProgress}, cutoff)
	if err != nil {
		return err
	}

	for _, saga := range stuck {
		orchestrator, ok := s.registry.Lookup(saga.SagaName)
		if !ok {
			slog.ErrorContext(ctx, "stuck saga has no registered orchestrator",
				"saga_id", saga.ID.String(),
				"saga_name", saga.SagaName,
			)
			continue
		}

		// One broken saga must not starve the rest of the pass
		if err := orchestrator.Replay(ctx, saga); err != nil {
			slog.ErrorContext(ctx, "saga replay failed",
				"saga_id", saga.ID.String(),
				"saga_name", saga.SagaName,
				"error", err,
			)
			continue
		}

		telemetry.RecordCounter(ctx, "saga_replays_total", "Stuck sagas replayed by the recovery scheduler", 1)
		slog.InfoContext(ctx, "replayed stuck saga",
			"saga_id", saga.ID.String(),
			"saga_name", saga.SagaName,
			"state", saga.SagaState,
		)
	}

	return nil
}
