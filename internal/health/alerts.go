package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/metrics"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

// ErrInvalidTransition is returned when an operator transition does not
// apply to the alert's current status.
var ErrInvalidTransition = errors.New("invalid alert transition")

// monitorActor is recorded on transitions the monitor makes on its own.
const monitorActor = "monitor"

// AlertStore persists alerts and their transition stream. InsertAlert must
// reject a second open alert for the same key with model.ErrAlertOpen, and
// UpdateAlert must fail with model.ErrVersionConflict if the stored status
// is no longer from.
type AlertStore interface {
	GetOpenAlert(ctx context.Context, key string) (*model.Alert, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*model.Alert, error)
	ListAlerts(ctx context.Context, status model.AlertStatus) ([]model.Alert, error)
	InsertAlert(ctx context.Context, a *model.Alert, tr model.AlertTransition) error
	UpdateAlert(ctx context.Context, a *model.Alert, from model.AlertStatus, tr model.AlertTransition) error
	ListAlertTransitions(ctx context.Context, since time.Time, limit int) ([]model.AlertTransition, error)
}

// Reading is one evaluation of a monitored metric.
type Reading struct {
	Kind       model.AlertKind
	Subject    string
	Metric     string
	Value      float64
	Threshold  float64
	Comparator model.Comparator
	Message    string
}

func (r Reading) key() string { return model.AlertKey(r.Kind, r.Subject) }

// Alerts owns the alert lifecycle: active, acknowledged, resolved.
type Alerts struct {
	store     AlertStore
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlerts creates the lifecycle manager. publisher may be nil.
func NewAlerts(store AlertStore, publisher Publisher, logger *zap.Logger) *Alerts {
	return &Alerts{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Evaluate opens an alert when the reading breaches its threshold and none
// is open for the metric, and resolves the open one once it recovers.
func (a *Alerts) Evaluate(ctx context.Context, r Reading) error {
	open, err := a.store.GetOpenAlert(ctx, r.key())
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("get open alert %s: %w", r.key(), err)
	}

	breached := r.Comparator.Breached(r.Value, r.Threshold)
	switch {
	case breached && open == nil:
		return a.open(ctx, r, model.SeverityFor(r.Value, r.Threshold, r.Comparator))
	case !breached && open != nil:
		_, err := a.transition(ctx, open, model.AlertResolved, monitorActor,
			fmt.Sprintf("%s recovered to %.4g", r.Metric, r.Value))
		return err
	}
	return nil
}

// Raise opens an alert for an event-driven condition unless one is
// already open for the same key.
func (a *Alerts) Raise(ctx context.Context, r Reading, sev model.Severity) error {
	_, err := a.store.GetOpenAlert(ctx, r.key())
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("get open alert %s: %w", r.key(), err)
	}
	return a.open(ctx, r, sev)
}

func (a *Alerts) open(ctx context.Context, r Reading, sev model.Severity) error {
	now := a.now()
	alert := &model.Alert{
		ID:         uuid.New(),
		Kind:       r.Kind,
		Subject:    r.Subject,
		Severity:   sev,
		Metric:     r.Metric,
		Threshold:  r.Threshold,
		Value:      r.Value,
		Comparator: r.Comparator,
		Message:    r.Message,
		Status:     model.AlertActive,
		CreatedAt:  now,
	}
	tr := newTransition(alert, "", monitorActor, "", now)

	if err := a.store.InsertAlert(ctx, alert, tr); err != nil {
		// Lost a race with another checker; its alert stands.
		if errors.Is(err, model.ErrAlertOpen) {
			return nil
		}
		return fmt.Errorf("insert alert %s: %w", r.key(), err)
	}

	a.logger.Warn("alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("kind", string(alert.Kind)),
		zap.String("subject", alert.Subject),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("value", alert.Value),
		zap.Float64("threshold", alert.Threshold),
	)
	a.publish(ctx, tr)
	return nil
}

// Acknowledge moves an active alert to acknowledged.
func (a *Alerts) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*model.Alert, error) {
	alert, err := a.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != model.AlertActive {
		return nil, fmt.Errorf("%w: cannot acknowledge %s alert", ErrInvalidTransition, alert.Status)
	}
	return a.transition(ctx, alert, model.AlertAcknowledged, actor, "")
}

// Resolve closes an active or acknowledged alert.
func (a *Alerts) Resolve(ctx context.Context, id uuid.UUID, actor, note string) (*model.Alert, error) {
	alert, err := a.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !alert.Status.Open() {
		return nil, fmt.Errorf("%w: alert already %s", ErrInvalidTransition, alert.Status)
	}
	return a.transition(ctx, alert, model.AlertResolved, actor, note)
}

// List returns alerts with the given status, or all alerts when empty.
func (a *Alerts) List(ctx context.Context, status model.AlertStatus) ([]model.Alert, error) {
	return a.store.ListAlerts(ctx, status)
}

// Transitions returns the alert stream since a point in time.
func (a *Alerts) Transitions(ctx context.Context, since time.Time, limit int) ([]model.AlertTransition, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return a.store.ListAlertTransitions(ctx, since, limit)
}

func (a *Alerts) transition(ctx context.Context, alert *model.Alert, to model.AlertStatus, actor, note string) (*model.Alert, error) {
	now := a.now()
	from := alert.Status
	next := *alert
	next.Status = to

	switch to {
	case model.AlertAcknowledged:
		next.AcknowledgedAt = &now
		next.AcknowledgedBy = actor
	case model.AlertResolved:
		next.ResolvedAt = &now
		next.ResolvedBy = actor
		next.ResolutionNote = note
	}

	tr := newTransition(&next, from, actor, note, now)
	if err := a.store.UpdateAlert(ctx, &next, from, tr); err != nil {
		return nil, fmt.Errorf("update alert %s: %w", alert.ID, err)
	}

	a.logger.Info("alert transitioned",
		zap.String("alert_id", next.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	a.publish(ctx, tr)
	return &next, nil
}

// publish is best effort: the transition is already durable in the store
// and the feed can be replayed from it.
func (a *Alerts) publish(ctx context.Context, tr model.AlertTransition) {
	metrics.RecordAlertTransition(string(tr.Kind), string(tr.To))
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishTransition(ctx, tr); err != nil {
		a.logger.Warn("failed to publish alert transition",
			zap.String("alert_id", tr.AlertID.String()),
			zap.Error(err),
		)
	}
}

func newTransition(a *model.Alert, from model.AlertStatus, actor, note string, at time.Time) model.AlertTransition {
	return model.AlertTransition{
		ID:         uuid.New(),
		AlertID:    a.ID,
		Kind:       a.Kind,
		Subject:    a.Subject,
		Severity:   a.Severity,
		From:       from,
		To:         a.Status,
		Actor:      actor,
		Note:       note,
		OccurredAt: at,
	}
}
