// Package compliance assembles per-user audit reports from the consent,
// opt-out and delivery streams.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Store reads the append-only streams for one user.
type Store interface {
	ConsentHistory(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.ConsentEvent, error)
	OptOutHistory(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.OptOutEvent, error)
	DeliveryCounts(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.DeliveryCount, error)
	GetConsent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.ConsentRecord, error)
}

// Report is the audit view of one user over [From, To).
type Report struct {
	UserID         uuid.UUID              `json:"user_id"`
	From           time.Time              `json:"from"`
	To             time.Time              `json:"to"`
	CurrentConsent []*model.ConsentRecord `json:"current_consent"`
	ConsentHistory []model.ConsentEvent   `json:"consent_history"`
	OptOutHistory  []model.OptOutEvent    `json:"opt_out_history"`
	DeliveryCounts []model.DeliveryCount  `json:"delivery_counts"`
	GeneratedAt    time.Time              `json:"generated_at"`
}

// MaxRange bounds a single report.
const MaxRange = 2 * 366 * 24 * time.Hour

// ErrInvalidRange is returned for an empty, inverted or oversized range.
var ErrInvalidRange = errors.New("invalid report range")

// Reporter builds compliance reports.
type Reporter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(store Store, logger *zap.Logger) *Reporter {
	return &Reporter{store: store, logger: logger, now: time.Now}
}

// GetComplianceReport returns every consent and opt-out event and the
// delivery counts per channel and outcome for the user in [from, to).
func (r *Reporter) GetComplianceReport(ctx context.Context, userID uuid.UUID, from, to time.Time) (*Report, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidRequest)
	}
	if !from.Before(to) || to.Sub(from) > MaxRange {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	consents, err := r.store.ConsentHistory(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load consent history: %w", err)
	}
	optOuts, err := r.store.OptOutHistory(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load opt-out history: %w", err)
	}
	counts, err := r.store.DeliveryCounts(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load delivery counts: %w", err)
	}

	report := &Report{
		UserID:         userID,
		From:           from,
		To:             to,
		CurrentConsent: []*model.ConsentRecord{},
		ConsentHistory: nonNil(consents),
		OptOutHistory:  nonNil(optOuts),
		DeliveryCounts: nonNil(counts),
		GeneratedAt:    r.now(),
	}

	for _, ch := range model.Channels {
		rec, err := r.store.GetConsent(ctx, userID, ch)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s consent: %w", ch, err)
		}
		report.CurrentConsent = append(report.CurrentConsent, rec)
	}

	r.logger.Info("compliance report generated",
		zap.String("user_id", userID.String()),
		zap.Int("consent_events", len(report.ConsentHistory)),
		zap.Int("opt_out_events", len(report.OptOutHistory)),
	)
	return report, nil
}

// nonNil keeps empty sections as [] rather than null in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
