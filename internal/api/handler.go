// Package api exposes the consent ledger, authorization engine, delivery
// log and alerting over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/circuitbreaker"
	"github.com/lalithlochan/gatekeeper/internal/compliance"
	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/deliverylog"
	"github.com/lalithlochan/gatekeeper/internal/health"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/redis"
	"github.com/lalithlochan/gatekeeper/internal/worker"
)

// ConsentLedger is the consent write and query surface.
type ConsentLedger interface {
	GrantConsent(ctx context.Context, req consent.GrantRequest) (*model.ConsentRecord, error)
	RevokeConsent(ctx context.Context, req consent.RevokeRequest) (*model.ConsentRecord, error)
	ReEngage(ctx context.Context, req consent.ReEngageRequest) (*model.ConsentRecord, error)
	OptOutAlertType(ctx context.Context, req consent.AlertTypeOptOutRequest) error
	Query(ctx context.Context, userID uuid.UUID, ch model.Channel) (*consent.Status, error)
	HandleInboundSMS(ctx context.Context, phone, body string) (*consent.InboundResult, error)
}

// Authorizer decides and loads snapshots for scheduling.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) (authz.Decision, error)
	Load(ctx context.Context, req authz.Request) (authz.Snapshot, error)
	Now() time.Time
}

// AttemptRecorder appends transport outcomes to the delivery log.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a deliverylog.Attempt) (model.DeliveryLogEntry, error)
}

// ComplianceReporter builds per-user audit reports.
type ComplianceReporter interface {
	GetComplianceReport(ctx context.Context, userID uuid.UUID, from, to time.Time) (*compliance.Report, error)
}

// QueueMonitor exposes the latest queue health snapshots.
type QueueMonitor interface {
	Snapshots() []model.QueueHealthSnapshot
}

// AlertManager is the operator side of the alert lifecycle.
type AlertManager interface {
	List(ctx context.Context, status model.AlertStatus) ([]model.Alert, error)
	Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*model.Alert, error)
	Resolve(ctx context.Context, id uuid.UUID, actor, note string) (*model.Alert, error)
	Transitions(ctx context.Context, since time.Time, limit int) ([]model.AlertTransition, error)
}

// BatchPlanner evaluates planner pages.
type BatchPlanner interface {
	Plan(ctx context.Context, req worker.PlanRequest) (*worker.PlanPage, error)
}

// Idempotency caches results of consent writes by Idempotency-Key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// Services are the collaborators behind the handlers. Idempotency, Planner,
// Checks and Breakers may be left empty.
type Services struct {
	Ledger     ConsentLedger
	Authorizer Authorizer
	Recorder   AttemptRecorder
	Reporter   ComplianceReporter
	Queues     QueueMonitor
	Alerts     AlertManager
	Planner    BatchPlanner

	Idempotency Idempotency

	// Checks are dependency checks reported by /health, keyed by name.
	Checks   map[string]func(context.Context) error
	Breakers []*circuitbreaker.CircuitBreaker
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	svc    Services
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, svc Services) *Handler {
	return &Handler{logger: logger, svc: svc}
}

// idempotent runs op at most once per Idempotency-Key within scope. The
// encoded result is cached and replayed with X-Idempotency-Replayed; a
// failed op releases the key so the client can retry.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, scope string, op func(ctx context.Context) (int, any, error)) {
	ctx := r.Context()

	key := r.Header.Get("Idempotency-Key")
	if h.svc.Idempotency == nil {
		key = ""
	}

	if key != "" {
		cached, err := h.svc.Idempotency.CheckOrReserve(ctx, scope, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
			key = ""
		case cached != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	status, body, err := op(ctx)
	if err != nil {
		if key != "" {
			if rerr := h.svc.Idempotency.Release(context.WithoutCancel(ctx), scope, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr), zap.String("idempotency_key", key))
			}
		}
		h.writeServiceError(w, err)
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to encode response", "")
		return
	}

	if key != "" {
		result := &redis.IdempotencyResult{StatusCode: status, Body: payload, CreatedAt: time.Now().Unix()}
		if err := h.svc.Idempotency.Store(context.WithoutCancel(ctx), scope, key, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// writeServiceError maps domain errors onto problem responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var schedErr *model.SchedulingError
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case errors.Is(err, compliance.ErrInvalidRange):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid report range", err.Error())
	case errors.Is(err, model.ErrRevokedWithoutNewGrant):
		h.writeError(w, http.StatusConflict, "re_consent_required", "Re-consent required", err.Error())
	case errors.Is(err, model.ErrUnverifiedChannel):
		h.writeError(w, http.StatusConflict, "unverified_channel", "Channel not verified", err.Error())
	case errors.Is(err, model.ErrVersionConflict):
		h.writeError(w, http.StatusConflict, "version_conflict", "Concurrent update", err.Error())
	case errors.Is(err, health.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Invalid alert transition", err.Error())
	case errors.Is(err, model.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
	case errors.As(err, &schedErr):
		h.writeError(w, http.StatusUnprocessableEntity, "no_eligible_window", "No eligible send window", schedErr.Reason)
	case errors.Is(err, model.ErrLogWrite):
		h.writeError(w, http.StatusServiceUnavailable, "log_write_failed", "Delivery log unavailable", "the attempt was queued for replay")
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// decode reads a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}
