package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/edulink/registry-system/shared/models"
)

var (
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrInvalidReceiver = errors.New("receiver should be a pointer")
)

// Topic represents an event topic with segment-wildcard matching support.
// Patterns are dot-separated; "*" matches one segment, a trailing "#"
// matches any remainder.
type Topic string

func NewTopic(topic string) (Topic, error) {
	if topic == "" {
		return "", ErrInvalidTopic
	}
	return Topic(topic), nil
}

func (t Topic) String() string {
	return string(t)
}

func (t Topic) Matches(pattern Topic) bool {
	return matchSegments(strings.Split(string(pattern), "."), strings.Split(string(t), "."))
}

func matchSegments(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}

	if pattern[0] == "#" {
		return true
	}

	if len(topic) == 0 {
		return false
	}

	if pattern[0] == "*" || pattern[0] == topic[0] {
		return matchSegments(pattern[1:], topic[1:])
	}

	return false
}

// Metadata represents event metadata
type Metadata map[string]string

func (m Metadata) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m Metadata) Set(key string, value string) {
	m[key] = value
}

func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

func (m Metadata) Clone() Metadata {
	clone := make(Metadata, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

// Event represents a message on the bus: either a directed saga step
// (request or reply, correlated by saga ID) or a broadcast fact.
type Event struct {
	ID            models.ID       `json:"id"`
	AggregateID   models.ID       `json:"aggregate_id"`
	Topic         Topic           `json:"topic"`
	Version       string          `json:"version"`
	Data          json.RawMessage `json:"data"`
	Metadata      Metadata        `json:"metadata"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID models.ID       `json:"correlation_id"`
}

// Publisher publishes events
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

// Subscriber delivers inbound events to a handler
type Subscriber interface {
	Subscribe(ctx context.Context, handler EventHandler) error
}

// EventHandler handles inbound events
type EventHandler interface {
	HandlerID() string
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc adapts a function to the EventHandler interface
type EventHandlerFunc struct {
	id string
	fn func(ctx context.Context, event *Event) error
}

func NewEventHandlerFunc(id string, fn func(ctx context.Context, event *Event) error) *EventHandlerFunc {
	return &EventHandlerFunc{id: id, fn: fn}
}

func (h *EventHandlerFunc) HandlerID() string {
	return h.id
}

func (h *EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return h.fn(ctx, event)
}

// NewEvent creates a new event with a marshaled payload. Marshal errors
// surface on publish, not here, so construction stays chainable.
func NewEvent(aggregateID models.ID, topic Topic, data interface{}) *Event {
	raw, _ := json.Marshal(data)
	return &Event{
		ID:          models.GenerateUUID(),
		AggregateID: aggregateID,
		Topic:       topic,
		Version:     "1.0",
		Data:        raw,
		Metadata:    make(Metadata),
		Timestamp:   time.Now(),
	}
}

// WithCorrelationID sets correlation ID
func (e *Event) WithCorrelationID(correlationID models.ID) *Event {
	e.CorrelationID = correlationID
	return e
}

// WithMetadata adds metadata
func (e *Event) WithMetadata(key string, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
	e.Metadata.Set(key, value)
	return e
}

// UnmarshalData unmarshals the event payload into the given pointer
func (e *Event) UnmarshalData(v interface{}) error {
	if v == nil {
		return ErrInvalidReceiver
	}
	return json.Unmarshal(e.Data, v)
}

// ToJSON converts event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON creates event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}

// Event topics
const (
	// Student registration saga: step requests published to remote
	// services, replies arrive on the registration reply topic.
	StudentRegisterRequestedTopic = "student.register.requested"
	SchoolLinkRequestedTopic      = "student.school.link.requested"
	ProfilePublishRequestedTopic  = "student.profile.publish.requested"
	RegistrationReplyTopic        = "student.registration.reply"

	// Student merge saga
	EnrolmentMoveRequestedTopic   = "student.enrolment.move.requested"
	DuplicateRetireRequestedTopic = "student.duplicate.retire.requested"
	MergeReplyTopic               = "student.merge.reply"

	// Broadcast facts published through the outbox
	WorkflowStartedTopic      = "workflow.started"
	WorkflowCompletedTopic    = "workflow.completed"
	WorkflowFailedTopic       = "workflow.failed"
	WorkflowForceStoppedTopic = "workflow.force.stopped"
)
