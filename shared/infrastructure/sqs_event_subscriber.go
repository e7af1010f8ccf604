package infrastructure

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/models"
	"github.com/pkg/errors"
)

const (
	SQSMessageIDKey     = "sqs_message_id"
	SQSReceiptHandleKey = "sqs_receipt_handle"
)

// Delivery modes supported by the subscriber.
type DeliveryMode int

const (
	// ModeAcknowledged deletes a message only after the handler returns
	// without error; handler failure extends visibility so the broker
	// redelivers.
	ModeAcknowledged DeliveryMode = iota
	// ModeFireAndForget deletes every message after one delivery; handler
	// failures are logged and dropped.
	ModeFireAndForget
)

// Connection states of the subscription.
const (
	stateConnected int32 = iota
	stateReconnecting
)

type sqsMessage struct {
	Message types.Message
	Event   *events.Event
	Err     error
	poison  bool
}

// SQSClient is the slice of the SQS API the subscriber consumes.
// *sqs.Client satisfies it.
type SQSClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// ClientFactory builds an SQS client. The subscriber calls it again
// whenever it has to rebuild a lost connection.
type ClientFactory func(ctx context.Context) (SQSClient, error)

// SQSEventSubscriber consumes a durable SQS queue and delivers events to
// a handler through a bounded worker pool. Acknowledgement is a manual
// DeleteMessage issued only after the handler has committed its work.
type SQSEventSubscriber struct {
	mux              sync.RWMutex
	inboundMessages  chan *sqsMessage
	outboundMessages chan *sqsMessage
	cancel           context.CancelFunc
	running          atomic.Bool
	connState        atomic.Int32
	options          *sqsSubscriberOptions

	client        SQSClient
	clientFactory ClientFactory
	queueURL      string
	handler       events.EventHandler
}

type sqsSubscriberOptions struct {
	workers                 int32
	readers                 int32
	cleaners                int32
	maxNumberOfMessages     int32
	waitTimeSeconds         int32
	visibilityTimeout       int32
	sleepAfterEmptyReceive  time.Duration
	mode                    DeliveryMode
	receiveCountRange       int32
	visibilityTimeoutOffset int32
	maxVisibilityTimeout    int32
	maxReceiveCount         int
	reconnectMinBackoff     time.Duration
	reconnectMaxBackoff     time.Duration
}

type SQSSubscriberOption func(*sqsSubscriberOptions)

func WithWorkers(workers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.workers = workers
	}
}

func WithReaders(readers int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.readers = readers
	}
}

func WithVisibilityTimeout(timeout int32) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.visibilityTimeout = timeout
	}
}

func WithDeliveryMode(mode DeliveryMode) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.mode = mode
	}
}

func WithMaxReceiveCount(count int) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.maxReceiveCount = count
	}
}

func WithReconnectBackoff(min, max time.Duration) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.reconnectMinBackoff = min
		o.reconnectMaxBackoff = max
	}
}

func WithSleepAfterEmptyReceive(sleep time.Duration) SQSSubscriberOption {
	return func(o *sqsSubscriberOptions) {
		o.sleepAfterEmptyReceive = sleep
	}
}

// NewSQSEventSubscriber creates a new SQS event subscriber
func NewSQSEventSubscriber(
	factory ClientFactory,
	queueURL string,
	handler events.EventHandler,
	opts ...SQSSubscriberOption,
) (*SQSEventSubscriber, error) {
	options := &sqsSubscriberOptions{
		workers:                 30,
		readers:                 1,
		cleaners:                2,
		maxNumberOfMessages:     5,
		waitTimeSeconds:         15,
		visibilityTimeout:       30,
		sleepAfterEmptyReceive:  10 * time.Second,
		mode:                    ModeAcknowledged,
		receiveCountRange:       3,
		visibilityTimeoutOffset: 30,
		maxVisibilityTimeout:    900, // 15 minutes
		maxReceiveCount:         12,
		reconnectMinBackoff:     time.Second,
		reconnectMaxBackoff:     30 * time.Second,
	}

	for _, opt := range opts {
		opt(options)
	}

	if handler == nil {
		return nil, errors.New("event handler is required")
	}

	client, err := factory(context.Background())
	if err != nil {
		return nil, errors.Wrap(err, "failed to build SQS client")
	}

	return &SQSEventSubscriber{
		client:           client,
		clientFactory:    factory,
		queueURL:         queueURL,
		handler:          handler,
		inboundMessages:  make(chan *sqsMessage, 10),
		outboundMessages: make(chan *sqsMessage, 10),
		options:          options,
	}, nil
}

// Start starts the reader, worker, and cleaner pools
func (s *SQSEventSubscriber) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.inboundMessages = make(chan *sqsMessage, 10)
	s.outboundMessages = make(chan *sqsMessage, 10)
	s.cancel = cancel
	s.connState.Store(stateConnected)

	for i := 0; i < int(s.options.workers); i++ {
		go s.startWorker(ctx)
	}

	for i := 0; i < int(s.options.readers); i++ {
		go s.startReader(ctx)
	}

	for i := 0; i < int(s.options.cleaners); i++ {
		go s.startCleaner(ctx)
	}

	s.running.Store(true)

	return nil
}

// Stop stops the subscriber
func (s *SQSEventSubscriber) Stop(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	s.cancel = nil
	s.running.Store(false)

	return nil
}

// Connected reports whether the subscription is currently established
func (s *SQSEventSubscriber) Connected() bool {
	return s.connState.Load() == stateConnected
}

func (s *SQSEventSubscriber) startWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.inboundMessages:
			if message == nil {
				continue
			}
			s.handle(ctx, message)
		}
	}
}

func (s *SQSEventSubscriber) startReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := s.read(ctx); err != nil {
				s.reconnect(ctx)
			}
		}
	}
}

// reconnect rebuilds the client and re-establishes the subscription. The
// state only returns to connected after a receive succeeds on the new
// client; a bare client rebuild is not enough to trust the connection.
func (s *SQSEventSubscriber) reconnect(ctx context.Context) {
	s.connState.Store(stateReconnecting)
	backoff := s.options.reconnectMinBackoff

	for attempt := 1; ; attempt++ {
		slog.WarnContext(ctx, "sqs subscription lost, rebuilding",
			"queue_url", s.queueURL,
			"attempt", attempt,
			"backoff", backoff.String(),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if backoff < s.options.reconnectMaxBackoff {
			backoff *= 2
			if backoff > s.options.reconnectMaxBackoff {
				backoff = s.options.reconnectMaxBackoff
			}
		}

		client, err := s.clientFactory(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to rebuild sqs client", "error", err)
			continue
		}

		s.mux.Lock()
		s.client = client
		s.mux.Unlock()

		if err := s.read(ctx); err != nil {
			slog.ErrorContext(ctx, "receive still failing after rebuild", "error", err)
			continue
		}

		s.connState.Store(stateConnected)
		slog.InfoContext(ctx, "sqs subscription restored", "queue_url", s.queueURL, "attempts", attempt)
		return
	}
}

func (s *SQSEventSubscriber) startCleaner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.outboundMessages:
			if message == nil {
				continue
			}
			if err := s.clean(ctx, message); err != nil {
				slog.ErrorContext(ctx, "failed to settle sqs message", "error", err)
				continue
			}
		}
	}
}

func (s *SQSEventSubscriber) read(ctx context.Context) error {
	s.mux.RLock()
	client := s.client
	s.mux.RUnlock()

	output, err := client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.options.maxNumberOfMessages,
		WaitTimeSeconds:     s.options.waitTimeSeconds,
		VisibilityTimeout:   s.options.visibilityTimeout,
		AttributeNames: []types.QueueAttributeName{
			"ApproximateReceiveCount",
			"ApproximateFirstReceiveTimestamp",
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to receive message from SQS")
	}

	if len(output.Messages) == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.options.sleepAfterEmptyReceive):
		}
		return nil
	}

	for _, message := range output.Messages {
		event, err := s.decode(message)
		if err != nil {
			// A payload that cannot parse will never parse on redelivery.
			// Settle it so the queue does not spin on it forever.
			slog.ErrorContext(ctx, "dropping malformed message",
				"queue_url", s.queueURL,
				"sqs_message_id", aws.ToString(message.MessageId),
				"error", err,
			)
			s.dispatch(ctx, &sqsMessage{Message: message, poison: true})
			continue
		}

		select {
		case s.inboundMessages <- &sqsMessage{
			Message: message,
			Event:   event,
		}:
		case <-ctx.Done():
			return nil
		}
	}

	return nil
}

func (s *SQSEventSubscriber) decode(message types.Message) (*events.Event, error) {
	var envelope snsMessage
	if err := json.Unmarshal([]byte(aws.ToString(message.Body)), &envelope); err != nil {
		return nil, errors.Wrap(err, "invalid message body")
	}

	if envelope.Topic == "" {
		return nil, errors.New("message has no topic")
	}

	metadata := envelope.Metadata
	if metadata == nil {
		metadata = make(events.Metadata)
	}

	metadata.Set(SQSMessageIDKey, aws.ToString(message.MessageId))
	if message.ReceiptHandle != nil {
		metadata.Set(SQSReceiptHandleKey, *message.ReceiptHandle)
	}

	for k, v := range message.MessageAttributes {
		if v.StringValue != nil {
			metadata.Set(k, *v.StringValue)
		}
	}

	return &events.Event{
		ID:            models.ID(envelope.ID),
		AggregateID:   models.ID(envelope.AggregateID),
		Topic:         events.Topic(envelope.Topic),
		Version:       "1.0",
		Data:          envelope.Payload,
		Metadata:      metadata,
		Timestamp:     envelope.Timestamp,
		CorrelationID: models.ID(envelope.CorrelationID),
	}, nil
}

func (s *SQSEventSubscriber) handle(ctx context.Context, message *sqsMessage) {
	s.mux.RLock()
	handler := s.handler
	s.mux.RUnlock()

	message.Err = handler.Handle(ctx, message.Event)

	if message.Err != nil && s.options.mode == ModeFireAndForget {
		slog.ErrorContext(ctx, "handler failed, dropping message",
			"handler_id", handler.HandlerID(),
			"topic", message.Event.Topic.String(),
			"error", message.Err,
		)
		message.Err = nil
	}

	s.dispatch(ctx, message)
}

func (s *SQSEventSubscriber) dispatch(ctx context.Context, message *sqsMessage) {
	select {
	case s.outboundMessages <- message:
	case <-ctx.Done():
	}
}

func (s *SQSEventSubscriber) clean(ctx context.Context, message *sqsMessage) error {
	receiveCount, err := strconv.Atoi(message.Message.Attributes["ApproximateReceiveCount"])
	if err != nil {
		receiveCount = 1
	}

	if message.Err != nil {
		if receiveCount >= s.options.maxReceiveCount {
			// Dead-letter policy: acknowledge and log, the broker would
			// otherwise redeliver forever.
			slog.ErrorContext(ctx, "message exhausted redeliveries, dead-lettering",
				"queue_url", s.queueURL,
				"sqs_message_id", aws.ToString(message.Message.MessageId),
				"receive_count", receiveCount,
				"error", message.Err,
			)
			return s.delete(ctx, message)
		}

		visibilityTimeout := s.options.visibilityTimeout
		visibilityTimeout += (int32(receiveCount) / s.options.receiveCountRange) * s.options.visibilityTimeoutOffset

		if visibilityTimeout > s.options.maxVisibilityTimeout {
			visibilityTimeout = s.options.maxVisibilityTimeout
		}

		s.mux.RLock()
		client := s.client
		s.mux.RUnlock()

		_, err = client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          &s.queueURL,
			ReceiptHandle:     message.Message.ReceiptHandle,
			VisibilityTimeout: visibilityTimeout,
		})
		if err != nil {
			return errors.Wrap(err, "failed to extend visibility timeout")
		}
		return nil
	}

	return s.delete(ctx, message)
}

func (s *SQSEventSubscriber) delete(ctx context.Context, message *sqsMessage) error {
	s.mux.RLock()
	client := s.client
	s.mux.RUnlock()

	_, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &s.queueURL,
		ReceiptHandle: message.Message.ReceiptHandle,
	})
	if err != nil {
		return errors.Wrap(err, "failed to delete message from SQS")
	}

	return nil
}
