package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/deliverylog"
	"github.com/lalithlochan/gatekeeper/internal/schedule"
	"github.com/lalithlochan/gatekeeper/internal/worker"
)

// ScheduleResponse carries the next eligible send time.
type ScheduleResponse struct {
	SendAt time.Time `json:"send_at"`
}

// Authorize handles POST /v1/authorize
// The decision is always 200; a deny is an answer, not an error.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authz.Request
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.svc.Authorizer.Authorize(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// Schedule handles POST /v1/schedule
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req authz.Request
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil || !req.Channel.Valid() || !req.AlertType.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", "user_id, a valid channel and a valid alert_type are required")
		return
	}
	if req.Now.IsZero() {
		req.Now = h.svc.Authorizer.Now()
	}

	snap, err := h.svc.Authorizer.Load(r.Context(), req)
	if err != nil {
		h.logger.Warn("schedule state unavailable",
			zap.String("user_id", req.UserID.String()),
			zap.String("channel", string(req.Channel)),
			zap.Error(err),
		)
		h.writeError(w, http.StatusServiceUnavailable, "state_unavailable", "State unavailable", "consent and policy state could not be read")
		return
	}

	at, err := schedule.NextEligibleSend(req, snap)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ScheduleResponse{SendAt: at})
}

// RecordAttempt handles POST /v1/attempts
func (h *Handler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	var req deliverylog.Attempt
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.svc.Recorder.RecordAttempt(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, entry)
}

// Plan handles POST /v1/plan
// An interrupted page is returned as-is so the caller can resume from its
// cursor.
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	if h.svc.Planner == nil {
		h.writeError(w, http.StatusNotImplemented, "not_configured", "Planner not configured", "")
		return
	}

	var req worker.PlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	page, err := h.svc.Planner.Plan(r.Context(), req)
	if err != nil {
		if page != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			h.writeJSON(w, http.StatusOK, page)
			return
		}
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}
