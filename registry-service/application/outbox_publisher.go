package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/telemetry"
)

// OutboxPublisher drains pending outbox records to the bus. Records are
// published one at a time and only marked MESSAGE_PUBLISHED after the
// broker accepted the message, so a crash between the two leaves the
// record pending and the event is delivered again on the next pass.
type OutboxPublisher struct {
	outbox    domain.OutboxStore
	publisher events.Publisher
	interval  time.Duration
	batchSize int
}

// NewOutboxPublisher creates a new OutboxPublisher
func NewOutboxPublisher(outbox domain.OutboxStore, publisher events.Publisher, interval time.Duration, batchSize int) *OutboxPublisher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &OutboxPublisher{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs the publish loop until the context is canceled
func (p *OutboxPublisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				slog.ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

// Drain publishes all currently pending records, oldest first
func (p *OutboxPublisher) Drain(ctx context.Context) error {
	pending, err := p.outbox.FindPending(ctx, p.batchSize)
	if err != nil {
		return err
	}

	for _, record := range pending {
		event := events.NewEvent(record.CorrelationID, events.Topic(record.Topic), record.Payload).
			WithCorrelationID(record.CorrelationID)

		if err := p.publisher.Publish(ctx, event); err != nil {
			// Leave the record pending; later records would be published
			// out of order so stop the pass here.
			slog.WarnContext(ctx, "outbox publish failed, will retry",
				"outbox_id", record.ID.String(),
				"topic", record.Topic,
				"error", err,
			)
			return err
		}

		if err := p.outbox.MarkPublished(ctx, record.ID); err != nil {
			return err
		}

		telemetry.RecordCounter(ctx, "outbox_published_total", "Outbox records published to the bus", 1)
	}

	return nil
}
