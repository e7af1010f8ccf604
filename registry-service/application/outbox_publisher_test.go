package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/registry-service/mocks"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxPublisher_Drain(t *testing.T) {
	ctx := context.Background()

	pendingRecord := func(topic string) *domain.ServicesEvent {
		return domain.NewServicesEvent(topic, json.RawMessage(`{"saga_id":"s1"}`), models.GenerateUUID())
	}

	t.Run("publishes pending records and marks them published", func(t *testing.T) {
		outbox := mocks.NewMemoryOutboxStore()
		publisher := mocks.NewCapturingPublisher()
		require.NoError(t, outbox.Append(ctx, pendingRecord(events.WorkflowStartedTopic)))
		require.NoError(t, outbox.Append(ctx, pendingRecord(events.WorkflowCompletedTopic)))

		drainer := NewOutboxPublisher(outbox, publisher, time.Second, 50)
		require.NoError(t, drainer.Drain(ctx))

		assert.Len(t, publisher.Published, 2)
		for _, record := range outbox.Records {
			assert.Equal(t, domain.OutboxStatusMessagePublished, record.Status)
		}
	})

	t.Run("published records carry topic, payload and correlation", func(t *testing.T) {
		outbox := mocks.NewMemoryOutboxStore()
		publisher := mocks.NewCapturingPublisher()
		record := pendingRecord(events.WorkflowStartedTopic)
		require.NoError(t, outbox.Append(ctx, record))

		drainer := NewOutboxPublisher(outbox, publisher, time.Second, 50)
		require.NoError(t, drainer.Drain(ctx))

		require.Len(t, publisher.Published, 1)
		published := publisher.Published[0]
		assert.Equal(t, events.WorkflowStartedTopic, published.Topic.String())
		assert.Equal(t, record.CorrelationID, published.CorrelationID)
		assert.JSONEq(t, string(record.Payload), string(published.Data))
	})

	t.Run("a broker failure leaves the record pending for the next pass", func(t *testing.T) {
		outbox := mocks.NewMemoryOutboxStore()
		publisher := mocks.NewCapturingPublisher()
		publisher.Err = errors.New("sns unavailable")
		require.NoError(t, outbox.Append(ctx, pendingRecord(events.WorkflowStartedTopic)))

		drainer := NewOutboxPublisher(outbox, publisher, time.Second, 50)
		require.Error(t, drainer.Drain(ctx))

		assert.Equal(t, domain.OutboxStatusDBCommitted, outbox.Records[0].Status)

		// The record is delivered on the next pass once the broker is back
		publisher.Err = nil
		require.NoError(t, drainer.Drain(ctx))
		assert.Equal(t, domain.OutboxStatusMessagePublished, outbox.Records[0].Status)
		assert.Len(t, publisher.Published, 1)
	})

	t.Run("already published records are not re-sent", func(t *testing.T) {
		outbox := mocks.NewMemoryOutboxStore()
		publisher := mocks.NewCapturingPublisher()
		record := pendingRecord(events.WorkflowStartedTopic)
		require.NoError(t, outbox.Append(ctx, record))

		drainer := NewOutboxPublisher(outbox, publisher, time.Second, 50)
		require.NoError(t, drainer.Drain(ctx))
		require.NoError(t, drainer.Drain(ctx))

		assert.Len(t, publisher.Published, 1)
	})
}
