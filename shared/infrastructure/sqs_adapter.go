package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/edulink/registry-system/shared/events"
	"github.com/pkg/errors"
)

// SQSSubscriberAdapter wires an SQSEventSubscriber behind events.Subscriber
type SQSSubscriberAdapter struct {
	sqsSubscriber *SQSEventSubscriber
	isRunning     bool
	queueURL      string
	opts          []SQSSubscriberOption
}

// NewSQSSubscriberAdapter creates a subscriber against the given queue URL
func NewSQSSubscriberAdapter(queueURL string, opts ...SQSSubscriberOption) (*SQSSubscriberAdapter, error) {
	return &SQSSubscriberAdapter{
		queueURL: queueURL,
		opts:     opts,
	}, nil
}

// Subscribe implements events.Subscriber. It blocks only for setup; the
// consuming pools run until the context is cancelled or Close is called.
func (s *SQSSubscriberAdapter) Subscribe(ctx context.Context, handler events.EventHandler) error {
	if s.isRunning {
		return errors.New("subscriber is already running")
	}

	factory := func(ctx context.Context) (SQSClient, error) {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load AWS config")
		}
		return sqs.NewFromConfig(cfg), nil
	}

	subscriber, err := NewSQSEventSubscriber(factory, s.queueURL, handler, s.opts...)
	if err != nil {
		return errors.Wrap(err, "failed to create SQS subscriber")
	}
	s.sqsSubscriber = subscriber

	if err := s.sqsSubscriber.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start SQS subscriber")
	}

	s.isRunning = true
	return nil
}

// Close stops the subscriber
func (s *SQSSubscriberAdapter) Close() error {
	if !s.isRunning || s.sqsSubscriber == nil {
		return nil
	}

	if err := s.sqsSubscriber.Stop(context.Background()); err != nil {
		return errors.Wrap(err, "failed to stop SQS subscriber")
	}

	s.isRunning = false
	return nil
}
