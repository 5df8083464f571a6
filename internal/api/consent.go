package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

// consentScope namespaces Idempotency-Key values of consent writes.
const consentScope = "consent"

// InboundSMSRequest is a reply forwarded by the SMS provider.
type InboundSMSRequest struct {
	From string `json:"from"`
	Body string `json:"body"`
}

// GrantConsent handles POST /v1/consent/grant
func (h *Handler) GrantConsent(w http.ResponseWriter, r *http.Request) {
	var req consent.GrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	withRequestEvidence(&req, r)

	h.idempotent(w, r, consentScope, func(ctx context.Context) (int, any, error) {
		rec, err := h.svc.Ledger.GrantConsent(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		h.logger.Info("consent granted",
			zap.String("user_id", req.UserID.String()),
			zap.String("channel", string(req.Channel)),
			zap.String("source", string(req.Source)),
		)
		return http.StatusOK, rec, nil
	})
}

// RevokeConsent handles POST /v1/consent/revoke
func (h *Handler) RevokeConsent(w http.ResponseWriter, r *http.Request) {
	var req consent.RevokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id is required")
		return
	}

	h.idempotent(w, r, consentScope, func(ctx context.Context) (int, any, error) {
		rec, err := h.svc.Ledger.RevokeConsent(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		h.logger.Info("consent revoked",
			zap.String("user_id", req.UserID.String()),
			zap.String("channel", string(req.Channel)),
			zap.String("method", string(req.Method)),
		)
		return http.StatusOK, rec, nil
	})
}

// ReEngage handles POST /v1/consent/reengage
func (h *Handler) ReEngage(w http.ResponseWriter, r *http.Request) {
	var req consent.ReEngageRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.idempotent(w, r, consentScope, func(ctx context.Context) (int, any, error) {
		rec, err := h.svc.Ledger.ReEngage(ctx, req)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, rec, nil
	})
}

// OptOutAlertType handles POST /v1/consent/optout
func (h *Handler) OptOutAlertType(w http.ResponseWriter, r *http.Request) {
	var req consent.AlertTypeOptOutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id is required")
		return
	}

	h.idempotent(w, r, consentScope, func(ctx context.Context) (int, any, error) {
		if err := h.svc.Ledger.OptOutAlertType(ctx, req); err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]string{
			"user_id":    req.UserID.String(),
			"channel":    string(req.Channel),
			"alert_type": string(req.AlertType),
			"status":     "opted_out",
		}, nil
	})
}

// GetConsent handles GET /v1/consent/{userID}/{channel}
func (h *Handler) GetConsent(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID", "user ID must be a valid UUID")
		return
	}
	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", err.Error())
		return
	}

	st, err := h.svc.Ledger.Query(r.Context(), userID, ch)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// InboundSMS handles POST /v1/inbound/sms
func (h *Handler) InboundSMS(w http.ResponseWriter, r *http.Request) {
	var req InboundSMSRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.From == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "from is required")
		return
	}

	res, err := h.svc.Ledger.HandleInboundSMS(r.Context(), req.From, req.Body)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// withRequestEvidence fills capture details a client left out of a fresh
// grant. Re-engagement evidence is never synthesized.
func withRequestEvidence(req *consent.GrantRequest, r *http.Request) {
	if req.Evidence.IP == "" && req.Evidence.UserAgent == "" {
		req.Evidence.IP = r.RemoteAddr
		req.Evidence.UserAgent = r.UserAgent()
	}
	if req.Evidence.CapturedAt.IsZero() {
		req.Evidence.CapturedAt = time.Now().UTC()
	}
}
