// Package server exposes plan submission, status and approval decisions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/approval"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/executor"
)

// maxPlanBytes caps a submitted plan document.
const maxPlanBytes = 4 << 20

// Engine is the part of *dragonscale.Engine the API drives.
type Engine interface {
	Submit(ctx context.Context, plan *dragonscale.Plan) (*dragonscale.ExecutionState, error)
	SubmitAsync(ctx context.Context, plan *dragonscale.Plan) (string, error)
	Status(ctx context.Context, planID string) (*dragonscale.RunStatus, error)
	Cancel(planID string) (bool, error)
	List(ctx context.Context) ([]dragonscale.RunStatus, error)
}

// Approvals is the part of *approval.Gate the API drives.
type Approvals interface {
	Pending() []dragonscale.ApprovalRequest
	Resolve(id string, resp dragonscale.ApprovalResponse) error
}

// Config for the HTTP API handler.
type Config struct {
	Engine    Engine
	Approvals Approvals
	Gatherer  prometheus.Gatherer // nil disables /metrics
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type apiError struct {
	Body apiErrorBody `json:"error"`
}

type handler struct {
	engine    Engine
	approvals Approvals
	logger    *slog.Logger
}

// New returns the API router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &handler{engine: cfg.Engine, approvals: cfg.Approvals, logger: cfg.Logger}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/v1", func(r chi.Router) {
		r.Post("/plans", h.submitPlan)
		r.Get("/plans", h.listPlans)
		r.Get("/plans/{id}", h.getPlan)
		r.Post("/plans/{id}/cancel", h.cancelPlan)
		if h.approvals != nil {
			r.Get("/approvals", h.listApprovals)
			r.Post("/approvals/{id}", h.resolveApproval)
		}
	})
	return router, nil
}

func (h *handler) submitPlan(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "cannot read body", nil)
		return
	}
	if len(data) > maxPlanBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "plan document too large", nil)
		return
	}

	plan, err := executor.ParsePlan(data, formatFor(r.Header.Get("Content-Type")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	if _, err := executor.ValidatePlan(plan); err != nil {
		h.handleError(w, err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		id, err := h.engine.SubmitAsync(r.Context(), plan)
		if err != nil {
			h.handleError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/plans/"+id)
		writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": id})
		return
	}

	st, err := h.engine.Submit(r.Context(), plan)
	if st == nil {
		h.handleError(w, err)
		return
	}
	// A failed run is still a processed request; the status body carries the error.
	status, serr := h.engine.Status(r.Context(), st.PlanID)
	if serr != nil {
		h.handleError(w, serr)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) listPlans(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.List(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": list})
}

func (h *handler) getPlan(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) cancelPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.engine.Cancel(id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "not_running", fmt.Sprintf("plan %s is not running", id), nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"plan_id": id, "cancelled": true})
}

func (h *handler) listApprovals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": h.approvals.Pending()})
}

func (h *handler) resolveApproval(w http.ResponseWriter, r *http.Request) {
	var resp dragonscale.ApprovalResponse
	dec := json.NewDecoder(io.LimitReader(r.Body, maxPlanBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid approval response: "+err.Error(), nil)
		return
	}
	switch resp.Decision {
	case dragonscale.DecisionApprove, dragonscale.DecisionApproveAlways, dragonscale.DecisionModify,
		dragonscale.DecisionSkip, dragonscale.DecisionReject:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown decision %q", resp.Decision), nil)
		return
	}
	// Timeout fields are synthesized by the gate only.
	resp.TimedOut = false
	resp.TimeoutBehavior = ""

	id := chi.URLParam(r, "id")
	if err := h.approvals.Resolve(id, resp); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "decision": resp.Decision})
}

func (h *handler) handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error(), nil)
		return
	}

	code := dragonscale.CodeOf(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
	}
	if code == "" {
		code = dragonscale.ErrCodeInternal
	}
	writeError(w, status, strings.ToLower(code), err.Error(), nil)
}

func statusForCode(code string) int {
	switch code {
	case dragonscale.ErrCodeValidation, dragonscale.ErrCodeDuplicateAction, dragonscale.ErrCodeDanglingDependency,
		dragonscale.ErrCodeCycle, dragonscale.ErrCodeTemplateResolution, dragonscale.ErrCodeConfiguration:
		return http.StatusBadRequest
	case dragonscale.ErrCodePolicy, dragonscale.ErrCodeApprovalRejected:
		return http.StatusForbidden
	case dragonscale.ErrCodePlanNotFound:
		return http.StatusNotFound
	case dragonscale.ErrCodeCompatibility, dragonscale.ErrCodeModuleNotFound:
		return http.StatusUnprocessableEntity
	case dragonscale.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case dragonscale.ErrCodeCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func formatFor(contentType string) string {
	if strings.Contains(contentType, "yaml") {
		return "yaml"
	}
	return "json"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, apiError{Body: apiErrorBody{Code: code, Message: message, Details: details}})
}
