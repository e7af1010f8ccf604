package handlers

import (
	"context"
	"log/slog"

	"github.com/edulink/registry-system/registry-service/orchestration"
	"github.com/edulink/registry-system/shared/events"
)

// RegistryEventHandlers routes inbound bus messages for the registry service
type RegistryEventHandlers struct {
	dispatcher *orchestration.Dispatcher
}

// NewRegistryEventHandlers creates new registry event handlers
func NewRegistryEventHandlers(dispatcher *orchestration.Dispatcher) *RegistryEventHandlers {
	return &RegistryEventHandlers{dispatcher: dispatcher}
}

// HandlerID returns the unique identifier for this event handler
func (h *RegistryEventHandlers) HandlerID() string {
	return "registry-service-event-handler"
}

// Handle implements the events.EventHandler interface
func (h *RegistryEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.Topic.String() {
	case events.RegistrationReplyTopic, events.MergeReplyTopic:
		return h.dispatcher.HandleReply(ctx, event)
	default:
		slog.DebugContext(ctx, "ignoring event on unhandled topic", "topic", event.Topic.String())
		return nil
	}
}
