package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueueURL = "https://sqs.local/registry-events"

// fakeSQSClient serves queued messages once and records every settle call
type fakeSQSClient struct {
	mu         sync.Mutex
	messages   []types.Message
	receiveErr error
	receives   int
	deleted    []string
	extended   []int32
}

func (f *fakeSQSClient) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.receives++
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}

	if len(f.messages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}

	output := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return output, nil
}

func (f *fakeSQSClient) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQSClient) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.extended = append(f.extended, params.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQSClient) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeSQSClient) extendedTimeouts() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.extended...)
}

func staticFactory(client SQSClient) ClientFactory {
	return func(context.Context) (SQSClient, error) {
		return client, nil
	}
}

func queuedMessage(receiptHandle, receiveCount string) types.Message {
	body, _ := json.Marshal(&snsMessage{
		ID:            models.GenerateUUID().String(),
		AggregateID:   models.GenerateUUID().String(),
		CorrelationID: models.GenerateUUID().String(),
		Topic:         "registry.workflow.started",
		Payload:       json.RawMessage(`{"saga_id":"abc"}`),
		Timestamp:     time.Now(),
	})

	return types.Message{
		MessageId:     aws.String(models.GenerateUUID().String()),
		ReceiptHandle: aws.String(receiptHandle),
		Body:          aws.String(string(body)),
		Attributes:    map[string]string{"ApproximateReceiveCount": receiveCount},
	}
}

// countingHandler records handled events and returns a fixed error
type countingHandler struct {
	mu      sync.Mutex
	handled []*events.Event
	err     error
}

func (h *countingHandler) HandlerID() string { return "subscriber-test-handler" }

func (h *countingHandler) Handle(_ context.Context, event *events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, event)
	return h.err
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func startSubscriber(t *testing.T, factory ClientFactory, handler events.EventHandler, opts ...SQSSubscriberOption) *SQSEventSubscriber {
	t.Helper()

	opts = append([]SQSSubscriberOption{
		WithSleepAfterEmptyReceive(5 * time.Millisecond),
		WithReconnectBackoff(5*time.Millisecond, 20*time.Millisecond),
	}, opts...)

	subscriber, err := NewSQSEventSubscriber(factory, testQueueURL, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, subscriber.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, subscriber.Stop(context.Background()))
	})
	return subscriber
}

func TestNewSQSEventSubscriber_RequiresHandler(t *testing.T) {
	_, err := NewSQSEventSubscriber(staticFactory(&fakeSQSClient{}), testQueueURL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler is required")
}

func TestSQSEventSubscriber_DeliversAndAcknowledges(t *testing.T) {
	client := &fakeSQSClient{messages: []types.Message{queuedMessage("rh-1", "1")}}
	handler := &countingHandler{}

	startSubscriber(t, staticFactory(client), handler)

	require.Eventually(t, func() bool {
		return handler.count() == 1 && len(client.deletedHandles()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"rh-1"}, client.deletedHandles())
	assert.Empty(t, client.extendedTimeouts())
}

func TestSQSEventSubscriber_AcknowledgesOnlyAfterHandlerCommits(t *testing.T) {
	client := &fakeSQSClient{messages: []types.Message{queuedMessage("rh-1", "1")}}

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := events.NewEventHandlerFunc("ordering-test", func(context.Context, *events.Event) error {
		close(entered)
		<-release
		return nil
	})

	startSubscriber(t, staticFactory(client), handler)

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	// The handler has the message but has not returned: no ack yet
	assert.Empty(t, client.deletedHandles())

	close(release)
	require.Eventually(t, func() bool {
		return len(client.deletedHandles()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSQSEventSubscriber_ReconnectThenResume(t *testing.T) {
	failing := &fakeSQSClient{receiveErr: errors.New("connection reset by peer")}
	healthy := &fakeSQSClient{messages: []types.Message{queuedMessage("rh-1", "1")}}

	var builds atomic.Int32
	rebuild := make(chan struct{})
	factory := func(context.Context) (SQSClient, error) {
		if builds.Add(1) == 1 {
			return failing, nil
		}
		<-rebuild
		return healthy, nil
	}

	handler := &countingHandler{}
	subscriber := startSubscriber(t, factory, handler)

	// The first receive failure drops the subscription out of connected,
	// and it stays there until a rebuilt client can actually receive
	require.Eventually(t, func() bool {
		return !subscriber.Connected()
	}, 2*time.Second, time.Millisecond)

	close(rebuild)

	// Connected returns only after a receive succeeds on the rebuilt
	// client, and delivery resumes from where it left off
	require.Eventually(t, func() bool {
		return subscriber.Connected() && handler.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, builds.Load(), int32(2))
	assert.Equal(t, []string{"rh-1"}, healthy.deletedHandles())
}

func TestSQSEventSubscriber_HandlerFailureExtendsVisibility(t *testing.T) {
	client := &fakeSQSClient{messages: []types.Message{queuedMessage("rh-1", "2")}}
	handler := &countingHandler{err: errors.New("downstream unavailable")}

	startSubscriber(t, staticFactory(client), handler)

	require.Eventually(t, func() bool {
		return len(client.extendedTimeouts()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Redelivery, not acknowledgement
	assert.Empty(t, client.deletedHandles())
}

func TestSQSEventSubscriber_DeadLettersAfterMaxReceives(t *testing.T) {
	client := &fakeSQSClient{messages: []types.Message{queuedMessage("rh-1", "3")}}
	handler := &countingHandler{err: errors.New("downstream unavailable")}

	startSubscriber(t, staticFactory(client), handler, WithMaxReceiveCount(3))

	require.Eventually(t, func() bool {
		return len(client.deletedHandles()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Acknowledged and logged, never extended for another round
	assert.Empty(t, client.extendedTimeouts())
}

func TestSQSEventSubscriber_FireAndForgetDropsFailures(t *testing.T) {
	client := &fakeSQSClient{messages: []types.Message{queuedMessage("rh-1", "1")}}
	handler := &countingHandler{err: errors.New("downstream unavailable")}

	startSubscriber(t, staticFactory(client), handler, WithDeliveryMode(ModeFireAndForget))

	require.Eventually(t, func() bool {
		return len(client.deletedHandles()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, handler.count())
	assert.Empty(t, client.extendedTimeouts())
}

func TestSQSEventSubscriber_SettlesMalformedMessages(t *testing.T) {
	malformed := types.Message{
		MessageId:     aws.String(models.GenerateUUID().String()),
		ReceiptHandle: aws.String("rh-poison"),
		Body:          aws.String("this is not an event envelope"),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}
	client := &fakeSQSClient{messages: []types.Message{malformed}}
	handler := &countingHandler{}

	startSubscriber(t, staticFactory(client), handler)

	require.Eventually(t, func() bool {
		return len(client.deletedHandles()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A payload that cannot parse never reaches the handler
	assert.Zero(t, handler.count())
	assert.Equal(t, []string{"rh-poison"}, client.deletedHandles())
}
