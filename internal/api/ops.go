package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/circuitbreaker"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

// defaultReportRange applies when a compliance request omits from.
const defaultReportRange = 90 * 24 * time.Hour

// AlertActionRequest is the body of acknowledge and resolve.
type AlertActionRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks,omitempty"`
	Breakers []circuitbreaker.Stats `json:"breakers,omitempty"`
}

// GetComplianceReport handles GET /v1/compliance/{userID}?from=&to=
// Both bounds are RFC 3339; to defaults to now and from to 90 days earlier.
func (h *Handler) GetComplianceReport(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "user ID must be a valid UUID")
		return
	}

	to := time.Now().UTC()
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be an RFC 3339 timestamp")
			return
		}
	}
	from := to.Add(-defaultReportRange)
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be an RFC 3339 timestamp")
			return
		}
	}

	report, err := h.svc.Reporter.GetComplianceReport(r.Context(), userID, from, to)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ListQueues handles GET /v1/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"queues": h.svc.Queues.Snapshots(),
	})
}

// ListAlerts handles GET /v1/alerts?status=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	status := model.AlertStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.AlertActive, model.AlertAcknowledged, model.AlertResolved:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be active, acknowledged, or resolved")
		return
	}

	alerts, err := h.svc.Alerts.List(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ListAlertTransitions handles GET /v1/alerts/transitions?since=&limit=
func (h *Handler) ListAlertTransitions(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid since", "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	trs, err := h.svc.Alerts.Transitions(r.Context(), since, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"transitions": trs,
		"count":       len(trs),
	})
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(ctx context.Context, id uuid.UUID, req AlertActionRequest) (*model.Alert, error) {
		return h.svc.Alerts.Acknowledge(ctx, id, req.Actor)
	})
}

// ResolveAlert handles POST /v1/alerts/{id}/resolve
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	h.alertAction(w, r, func(ctx context.Context, id uuid.UUID, req AlertActionRequest) (*model.Alert, error) {
		return h.svc.Alerts.Resolve(ctx, id, req.Actor, req.Note)
	})
}

func (h *Handler) alertAction(w http.ResponseWriter, r *http.Request, act func(context.Context, uuid.UUID, AlertActionRequest) (*model.Alert, error)) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return
	}

	var req AlertActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Actor == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "actor is required")
		return
	}

	alert, err := act(r.Context(), id, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.logger.Info("alert updated",
		zap.String("alert_id", idStr),
		zap.String("status", string(alert.Status)),
		zap.String("actor", req.Actor),
	)
	h.writeJSON(w, http.StatusOK, alert)
}

// Health handles GET /health
// A failing check answers 503. An open breaker only marks the service
// degraded: decisions keep working without the alert stream.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.svc.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.svc.Checks))
	}
	for name, check := range h.svc.Checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	for _, b := range h.svc.Breakers {
		if b.GetState() == circuitbreaker.StateOpen && resp.Status == "ok" {
			resp.Status = "degraded"
		}
		resp.Breakers = append(resp.Breakers, b.Stats())
	}
	h.writeJSON(w, status, resp)
}
