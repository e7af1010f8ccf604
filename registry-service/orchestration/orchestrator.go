package orchestration

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/edulink/registry-system/shared/events"
	"github.com/puzpuzpuz/xsync/v3"
)

// StepOutcome values reported by remote services in step replies
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeError   = "ERROR"
)

// StepReply is the payload of a reply message on a saga's listening topic
type StepReply struct {
	Step     string `json:"step"`
	Outcome  string `json:"outcome"`
	EntityID string `json:"entity_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// StepRequest is the payload of a step-request message published to a
// remote service's well-known topic
type StepRequest struct {
	SagaID    string          `json:"saga_id"`
	StudentID string          `json:"student_id"`
	Step      string          `json:"step"`
	EntityID  string          `json:"entity_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// systemActor is the audit user recorded for orchestrator-driven mutations
const systemActor = "saga-orchestrator"

type stepKey struct {
	State   string
	Outcome string
}

// stepTable maps (current step, outcome) to the next step
type stepTable map[stepKey]string

// Registry maps saga names to their orchestrators, populated at startup
type Registry struct {
	orchestrators *xsync.MapOf[string, domain.Orchestrator]
}

// NewRegistry creates an empty orchestrator registry
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: xsync.NewMapOf[string, domain.Orchestrator](),
	}
}

// Register adds an orchestrator under its saga name
func (r *Registry) Register(orchestrator domain.Orchestrator) {
	r.orchestrators.Store(orchestrator.SagaName(), orchestrator)
}

// Lookup finds the orchestrator owning a saga name
func (r *Registry) Lookup(sagaName string) (domain.Orchestrator, bool) {
	return r.orchestrators.Load(sagaName)
}

// Dispatcher routes inbound step replies to the owning orchestrator.
// Replies for different sagas run in parallel; replies for the same saga
// ID are serialized through a per-saga mutex so two concurrently
// delivered replies cannot race one state transition.
type Dispatcher struct {
	store     domain.SagaStore
	registry  *Registry
	sagaLocks *xsync.MapOf[string, *sync.Mutex]
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(store domain.SagaStore, registry *Registry) *Dispatcher {
	return &Dispatcher{
		store:     store,
		registry:  registry,
		sagaLocks: xsync.NewMapOf[string, *sync.Mutex](),
	}
}

// HandleReply advances the saga correlated with the event. Unknown
// correlation IDs and terminal sagas are ignored: both are expected under
// at-least-once delivery.
func (d *Dispatcher) HandleReply(ctx context.Context, event *events.Event) error {
	if event.CorrelationID == "" {
		slog.WarnContext(ctx, "reply without correlation id, dropping", "topic", event.Topic.String())
		return nil
	}

	lock, _ := d.sagaLocks.LoadOrStore(event.CorrelationID.String(), &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	// Load under the lock so this handler sees the previous reply's write
	saga, err := d.store.FindByID(ctx, event.CorrelationID)
	if err != nil {
		return err
	}

	if saga == nil {
		slog.WarnContext(ctx, "reply for unknown saga, dropping",
			"correlation_id", event.CorrelationID.String(),
			"topic", event.Topic.String(),
		)
		return nil
	}

	if saga.Status.Terminal() {
		// A terminal saga can never transition again, so its
		// serialization lock has no further use.
		d.sagaLocks.Delete(saga.ID.String())
		return nil
	}

	orchestrator, ok := d.registry.Lookup(saga.SagaName)
	if !ok {
		slog.ErrorContext(ctx, "no orchestrator registered for saga",
			"saga_id", saga.ID.String(),
			"saga_name", saga.SagaName,
		)
		return nil
	}

	if err := orchestrator.HandleReply(ctx, saga, event); err != nil {
		return err
	}

	if saga.Status.Terminal() {
		d.sagaLocks.Delete(saga.ID.String())
	}

	return nil
}
