// Package mocks provides in-memory test doubles for the registry
// service's store and transport interfaces.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/events"
	"github.com/edulink/registry-system/shared/models"
)

// MemorySagaStore is an in-memory domain.SagaStore. Outbox records passed
// to CreateSaga/UpdateSaga land in Outbox, mirroring the transactional
// write of the real store.
type MemorySagaStore struct {
	mu     sync.Mutex
	Sagas  map[models.ID]*domain.Saga
	Events []*domain.SagaEventState
	Outbox []*domain.ServicesEvent

	// Optional error injections
	UpdateErr error
	FindErr   error
}

func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{Sagas: make(map[models.ID]*domain.Saga)}
}

func (s *MemorySagaStore) CreateSaga(_ context.Context, saga *domain.Saga, outbox *domain.ServicesEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *saga
	s.Sagas[saga.ID] = &copied
	if outbox != nil {
		s.Outbox = append(s.Outbox, outbox)
	}
	return nil
}

func (s *MemorySagaStore) UpdateSaga(_ context.Context, saga *domain.Saga, outbox *domain.ServicesEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpdateErr != nil {
		return s.UpdateErr
	}

	copied := *saga
	s.Sagas[saga.ID] = &copied
	if outbox != nil {
		s.Outbox = append(s.Outbox, outbox)
	}
	return nil
}

func (s *MemorySagaStore) AppendEvent(_ context.Context, event *domain.SagaEventState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Events = append(s.Events, event)
	return nil
}

func (s *MemorySagaStore) FindByID(_ context.Context, id models.ID) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FindErr != nil {
		return nil, s.FindErr
	}

	saga, ok := s.Sagas[id]
	if !ok {
		return nil, nil
	}
	copied := *saga
	return &copied, nil
}

func (s *MemorySagaStore) FindByCorrelation(_ context.Context, studentID, sagaName string) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, saga := range s.Sagas {
		if saga.StudentID == studentID && saga.SagaName == sagaName && !saga.Status.Terminal() {
			copied := *saga
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemorySagaStore) FindIncomplete(_ context.Context, statuses []domain.SagaStatus, olderThan time.Time) ([]*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*domain.Saga
	for _, saga := range s.Sagas {
		for _, status := range statuses {
			if saga.Status == status && saga.Timestamps.CreatedAt.Before(olderThan) {
				copied := *saga
				found = append(found, &copied)
				break
			}
		}
	}
	return found, nil
}

func (s *MemorySagaStore) FindEvent(_ context.Context, sagaID models.ID, outcome, state string, step int) (*domain.SagaEventState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range s.Events {
		if event.SagaID == sagaID && event.EventOutcome == outcome && event.EventState == state && event.StepNumber == step {
			return event, nil
		}
	}
	return nil, nil
}

func (s *MemorySagaStore) ListEvents(_ context.Context, sagaID models.ID) ([]*domain.SagaEventState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []*domain.SagaEventState
	for _, event := range s.Events {
		if event.SagaID == sagaID {
			rows = append(rows, event)
		}
	}
	return rows, nil
}

func (s *MemorySagaStore) DeleteEventsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*domain.SagaEventState
	var deleted int64
	for _, event := range s.Events {
		saga, ok := s.Sagas[event.SagaID]
		if ok && saga.Status.Terminal() && saga.Timestamps.UpdatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	s.Events = kept
	return deleted, nil
}

func (s *MemorySagaStore) DeleteSagasOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, saga := range s.Sagas {
		if saga.Status.Terminal() && saga.Timestamps.UpdatedAt.Before(cutoff) {
			delete(s.Sagas, id)
			deleted++
		}
	}
	return deleted, nil
}

// MemoryOutboxStore is an in-memory domain.OutboxStore
type MemoryOutboxStore struct {
	mu      sync.Mutex
	Records []*domain.ServicesEvent

	MarkErr error
}

func NewMemoryOutboxStore() *MemoryOutboxStore {
	return &MemoryOutboxStore{}
}

func (s *MemoryOutboxStore) Append(_ context.Context, event *domain.ServicesEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Records = append(s.Records, event)
	return nil
}

func (s *MemoryOutboxStore) FindPending(_ context.Context, limit int) ([]*domain.ServicesEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*domain.ServicesEvent
	for _, record := range s.Records {
		if record.Status == domain.OutboxStatusDBCommitted {
			pending = append(pending, record)
			if len(pending) == limit {
				break
			}
		}
	}
	return pending, nil
}

func (s *MemoryOutboxStore) MarkPublished(_ context.Context, id models.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MarkErr != nil {
		return s.MarkErr
	}

	for _, record := range s.Records {
		if record.ID == id {
			record.Status = domain.OutboxStatusMessagePublished
			return nil
		}
	}
	return nil
}

func (s *MemoryOutboxStore) DeletePublishedOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*domain.ServicesEvent
	var deleted int64
	for _, record := range s.Records {
		if record.Status == domain.OutboxStatusMessagePublished && record.Timestamps.UpdatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, record)
	}
	s.Records = kept
	return deleted, nil
}

// CapturingPublisher records published events and optionally fails
type CapturingPublisher struct {
	mu        sync.Mutex
	Published []*events.Event

	Err error
}

func NewCapturingPublisher() *CapturingPublisher {
	return &CapturingPublisher{}
}

func (p *CapturingPublisher) Publish(_ context.Context, evts ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}

	p.Published = append(p.Published, evts...)
	return nil
}

// ByTopic returns published events matching the given topic
func (p *CapturingPublisher) ByTopic(topic string) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []*events.Event
	for _, event := range p.Published {
		if event.Topic.String() == topic {
			matched = append(matched, event)
		}
	}
	return matched
}

// MemoryJobLock is an in-process domain.JobLock
type MemoryJobLock struct {
	mu       sync.Mutex
	held     map[string]bool
	Acquires int
}

func NewMemoryJobLock() *MemoryJobLock {
	return &MemoryJobLock{held: make(map[string]bool)}
}

func (l *MemoryJobLock) Acquire(_ context.Context, job string, _ time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[job] {
		return nil, false, nil
	}

	l.held[job] = true
	l.Acquires++
	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, job)
		return nil
	}
	return release, true, nil
}

// MemoryCounterStore is an in-memory domain.CounterStore
type MemoryCounterStore struct {
	mu           sync.Mutex
	counters     map[string]int64
	transactions map[string]int64
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters:     make(map[string]int64),
		transactions: make(map[string]int64),
	}
}

func (s *MemoryCounterStore) Seed(_ context.Context, counter string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.counters[counter]; !ok {
		s.counters[counter] = value
	}
	return nil
}

func (s *MemoryCounterStore) Increment(_ context.Context, counter string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[counter]++
	return s.counters[counter], nil
}

func (s *MemoryCounterStore) GetTransaction(_ context.Context, transactionID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.transactions[transactionID]
	return value, ok, nil
}

func (s *MemoryCounterStore) PutTransaction(_ context.Context, transactionID string, value int64, _ time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transactions[transactionID]; ok {
		return existing, false, nil
	}
	s.transactions[transactionID] = value
	return value, true, nil
}

// StaticHighWater is a fixed domain.HighWaterSource
type StaticHighWater struct {
	Value int64
	Err   error
	Calls int
}

func (s *StaticHighWater) LastIssued(context.Context) (int64, error) {
	s.Calls++
	if s.Err != nil {
		return 0, s.Err
	}
	return s.Value, nil
}

// StaticCodeLookup is a fixed domain.CodeLookup backed by a nested map
// of code set to code to description
type StaticCodeLookup map[string]map[string]string

func (l StaticCodeLookup) Lookup(set, code string) (string, bool) {
	codes, ok := l[set]
	if !ok {
		return "", false
	}
	description, ok := codes[code]
	return description, ok
}
