package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/edulink/registry-system/registry-service/application"
	"github.com/edulink/registry-system/registry-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// RegistryHandlers contains registry HTTP handlers
type RegistryHandlers struct {
	startWorkflow     *application.StartWorkflow
	getWorkflow       *application.GetWorkflow
	forceStopWorkflow *application.ForceStopWorkflow
	ruleChain         *application.RuleChain
	sequence          *application.SequenceGenerator
}

// NewRegistryHandlers creates new registry handlers
func NewRegistryHandlers(
	startWorkflow *application.StartWorkflow,
	getWorkflow *application.GetWorkflow,
	forceStopWorkflow *application.ForceStopWorkflow,
	ruleChain *application.RuleChain,
	sequence *application.SequenceGenerator,
) *RegistryHandlers {
	return &RegistryHandlers{
		startWorkflow:     startWorkflow,
		getWorkflow:       getWorkflow,
		forceStopWorkflow: forceStopWorkflow,
		ruleChain:         ruleChain,
		sequence:          sequence,
	}
}

// StartWorkflow handles workflow start requests
func (h *RegistryHandlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var cmd application.StartWorkflowCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	response, err := h.startWorkflow.Execute(r.Context(), &cmd)
	if err != nil {
		if strings.Contains(err.Error(), "invalid command") || strings.Contains(err.Error(), "unknown saga type") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(response)
}

// GetWorkflow handles workflow detail requests
func (h *RegistryHandlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	if workflowID == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	view, err := h.getWorkflow.Execute(r.Context(), workflowID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if view == nil {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

// ForceStopWorkflow handles operator force-stop requests
func (h *RegistryHandlers) ForceStopWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	if workflowID == "" {
		http.Error(w, "Workflow ID is required", http.StatusBadRequest)
		return
	}

	var cmd application.ForceStopWorkflowCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	cmd.SagaID = workflowID

	if err := h.forceStopWorkflow.Execute(r.Context(), &cmd); err != nil {
		if errors.Is(err, domain.ErrTerminalSaga) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ValidateStudent runs the full rule chain over a candidate record
func (h *RegistryHandlers) ValidateStudent(w http.ResponseWriter, r *http.Request) {
	var record domain.StudentRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	issues := h.ruleChain.Evaluate(r.Context(), &record)

	valid := true
	for _, issue := range issues {
		if issue.Severity == domain.SeverityError {
			valid = false
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"valid":  valid,
		"issues": issues,
	})
}

// NextSequence issues the next student number for a transaction ID
func (h *RegistryHandlers) NextSequence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransactionID == "" {
		http.Error(w, "Transaction ID is required", http.StatusBadRequest)
		return
	}

	value, err := h.sequence.NextValue(r.Context(), req.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamUnavailable) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transaction_id": req.TransactionID,
		"value":          value,
	})
}

// RegisterRoutes registers registry routes
func (h *RegistryHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.StartWorkflow)
			r.Get("/{id}", h.GetWorkflow)
			r.Post("/{id}/force-stop", h.ForceStopWorkflow)
		})
		r.Post("/students/validate", h.ValidateStudent)
		r.Post("/sequence/next", h.NextSequence)
	})
}
