// Package workflowapi exposes the incident workflow over HTTP.
package workflowapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/quell/internal/approval"
	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/snapcache"
	"github.com/linnemanlabs/quell/internal/workflow"
)

// idempotencyHeader carries the caller's dedup key for event delivery.
const idempotencyHeader = "Idempotency-Key"

// WorkflowService defines the business operations workflowapi needs.
type WorkflowService interface {
	CreateIncident(ctx context.Context, opts workflow.CreateOptions) (*incident.Incident, error)
	AdvanceWorkflow(ctx context.Context, incidentID, event string, payload map[string]any, idemKey, actor string) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	Steps(ctx context.Context, id string) ([]*incident.StepRecord, error)
}

// DecisionPreviewer reports what the approval rules would decide for an
// incident without spending the auto-approval budget.
type DecisionPreviewer interface {
	Preview(in approval.Input) approval.Decision
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       WorkflowService
	cache     *snapcache.Cache
	previewer DecisionPreviewer
}

// New creates a new API handler. cache may be nil to disable read
// caching; previewer may be nil to disable the decision endpoint.
func New(logger log.Logger, svc WorkflowService, cache *snapcache.Cache, previewer DecisionPreviewer) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("workflow service is required"))
	}
	return &API{
		logger:    logger,
		svc:       svc,
		cache:     cache,
		previewer: previewer,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/incidents", a.handleCreateIncident)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/incidents/{id}/steps", a.handleListSteps)
		r.Get("/incidents/{id}/decision", a.handleGetDecision)
		r.Post("/incidents/{id}/events", a.handlePostEvent)
		r.Post("/incidents/{id}/approval", a.handlePostApproval)
	})
}

type createIncidentRequest struct {
	Severity string         `json:"severity"`
	Source   string         `json:"source"`
	Context  map[string]any `json:"context"`
}

func (a *API) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	in, err := a.svc.CreateIncident(r.Context(), workflow.CreateOptions{
		Severity:       incident.Severity(req.Severity),
		Source:         req.Source,
		Context:        req.Context,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		a.writeError(w, r, err, "failed to create incident")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("quell.incident.id", in.ID))

	writeJSON(w, http.StatusCreated, in)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("quell.incident.id", id))

	if a.cache != nil {
		if in, ok := a.cache.GetIncident(id); ok {
			writeJSON(w, http.StatusOK, in)
			return
		}
	}

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get incident")
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if a.cache != nil {
		a.cache.PutIncident(in)
	}

	span.SetAttributes(attribute.String("quell.incident.state", string(in.State)))

	writeJSON(w, http.StatusOK, in)
}

func (a *API) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok, err := a.svc.Get(r.Context(), id); err != nil {
		a.writeError(w, r, err, "failed to get incident")
		return
	} else if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	steps, err := a.svc.Steps(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to list steps")
		return
	}
	if steps == nil {
		steps = []*incident.StepRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// handleGetDecision previews the approval outcome for an incident's
// current proposal. Read only; the rate budget is untouched and nothing
// transitions.
func (a *API) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	if a.previewer == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	id := chi.URLParam(r, "id")

	if a.cache != nil {
		if d, ok := a.cache.GetDecision(id); ok {
			writeJSON(w, http.StatusOK, d)
			return
		}
	}

	in, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get incident")
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	d := a.previewer.Preview(approval.Input{
		IncidentID: in.ID,
		Severity:   string(in.Severity),
		Confidence: in.Confidence,
		Risk:       in.Risk,
		Actions:    in.ActionNames(),
		Context:    in.Context,
	})
	if a.cache != nil {
		a.cache.PutDecision(id, d)
	}
	writeJSON(w, http.StatusOK, d)
}

type postEventRequest struct {
	Event   string         `json:"event"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

func (a *API) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req postEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		http.Error(w, `{"error":"event is required"}`, http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		req.Actor = "api"
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("quell.incident.id", id),
		attribute.String("quell.event", req.Event),
	)

	in, err := a.svc.AdvanceWorkflow(r.Context(), id, req.Event, req.Payload,
		r.Header.Get(idempotencyHeader), req.Actor)
	if err != nil {
		a.writeError(w, r, err, "failed to advance workflow")
		return
	}

	span.SetAttributes(attribute.String("quell.incident.state", string(in.State)))

	writeJSON(w, http.StatusOK, in)
}

type postApprovalRequest struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

// handlePostApproval records a manual approval decision as the matching
// workflow event.
func (a *API) handlePostApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req postApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Approver == "" {
		http.Error(w, `{"error":"approver is required"}`, http.StatusBadRequest)
		return
	}

	event := workflow.EventApprovalDenied
	if req.Approved {
		event = workflow.EventApprovalGranted
	}
	payload := map[string]any{"approver": req.Approver}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}

	in, err := a.svc.AdvanceWorkflow(r.Context(), id, event, payload,
		r.Header.Get(idempotencyHeader), req.Approver)
	if err != nil {
		a.writeError(w, r, err, "failed to record approval decision")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// writeError maps workflow errors onto HTTP statuses. State conflicts
// of every flavor are 409 so collaborators know to re-read and retry.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, workflow.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrGuardRejected),
		errors.Is(err, workflow.ErrTerminalState),
		errors.Is(err, workflow.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		a.logger.Error(r.Context(), err, msg, "path", r.URL.Path)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
