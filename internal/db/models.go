package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const consentColumns = `
	user_id, channel, address, verification, status, source,
	consented_at, expires_at, opted_out_at, opt_out_reason, opt_out_method,
	re_engaged_at, re_engage_method, version, created_at, updated_at`

func scanConsent(row rowScanner) (*model.ConsentRecord, error) {
	var (
		rec                                   model.ConsentRecord
		channel, verification, status, source string
		optOutMethod, reEngageMethod          string
	)
	err := row.Scan(
		&rec.UserID, &channel, &rec.Address, &verification, &status, &source,
		&rec.ConsentedAt, &rec.ExpiresAt, &rec.OptedOutAt, &rec.OptOutReason, &optOutMethod,
		&rec.ReEngagedAt, &reEngageMethod, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Channel = model.Channel(channel)
	rec.Verification = model.Verification(verification)
	rec.Status = model.ConsentStatus(status)
	rec.Source = model.ConsentSource(source)
	rec.OptOutMethod = model.Method(optOutMethod)
	rec.ReEngageMethod = model.Method(reEngageMethod)
	return &rec, nil
}

const consentEventColumns = `
	id, user_id, channel, kind, status_after, source, method, reason,
	evidence, redundant, linked_opt_out_id, occurred_at`

func scanConsentEvent(row rowScanner) (model.ConsentEvent, error) {
	var (
		ev                                         model.ConsentEvent
		channel, kind, statusAfter, source, method string
		evidence                                   []byte
	)
	err := row.Scan(
		&ev.ID, &ev.UserID, &channel, &kind, &statusAfter, &source, &method, &ev.Reason,
		&evidence, &ev.Redundant, &ev.LinkedOptOutID, &ev.OccurredAt,
	)
	if err != nil {
		return ev, err
	}
	ev.Channel = model.Channel(channel)
	ev.Kind = model.ConsentEventKind(kind)
	ev.StatusAfter = model.ConsentStatus(statusAfter)
	ev.Source = model.ConsentSource(source)
	ev.Method = model.Method(method)
	if evidence != nil {
		ev.Evidence = &model.Evidence{}
		if err := json.Unmarshal(evidence, ev.Evidence); err != nil {
			return ev, fmt.Errorf("decode evidence of %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

const optOutColumns = `
	id, user_id, channel, alert_type, kind, reason, method, redundant,
	linked_event_id, occurred_at`

func scanOptOut(row rowScanner) (model.OptOutEvent, error) {
	var (
		ev                    model.OptOutEvent
		channel, kind, method string
		alertType             *string
	)
	err := row.Scan(
		&ev.ID, &ev.UserID, &channel, &alertType, &kind, &ev.Reason, &method, &ev.Redundant,
		&ev.LinkedEventID, &ev.OccurredAt,
	)
	if err != nil {
		return ev, err
	}
	ev.Channel = model.Channel(channel)
	ev.Kind = model.OptOutKind(kind)
	ev.Method = model.Method(method)
	if alertType != nil {
		at := model.AlertType(*alertType)
		ev.AlertType = &at
	}
	return ev, nil
}

const entryColumns = `
	id, user_id, channel, alert_type, queue, outcome, reason, detail,
	requested_at, latency_ns, recorded_at`

const alertColumns = `
	id, kind, subject, severity, metric, threshold, value, comparator, message,
	status, created_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by,
	resolution_note`

func scanAlert(row rowScanner) (*model.Alert, error) {
	var (
		a                                  model.Alert
		kind, severity, comparator, status string
	)
	err := row.Scan(
		&a.ID, &kind, &a.Subject, &severity, &a.Metric, &a.Threshold, &a.Value, &comparator, &a.Message,
		&status, &a.CreatedAt, &a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.ResolvedBy,
		&a.ResolutionNote,
	)
	if err != nil {
		return nil, err
	}
	a.Kind = model.AlertKind(kind)
	a.Severity = model.Severity(severity)
	a.Comparator = model.Comparator(comparator)
	a.Status = model.AlertStatus(status)
	return &a, nil
}

const transitionColumns = `
	id, alert_id, kind, subject, severity, from_status, to_status, actor, note, occurred_at`

func scanTransition(row rowScanner) (model.AlertTransition, error) {
	var (
		tr                       model.AlertTransition
		kind, severity, from, to string
	)
	err := row.Scan(
		&tr.ID, &tr.AlertID, &kind, &tr.Subject, &severity, &from, &to, &tr.Actor, &tr.Note, &tr.OccurredAt,
	)
	if err != nil {
		return tr, err
	}
	tr.Kind = model.AlertKind(kind)
	tr.Severity = model.Severity(severity)
	tr.From = model.AlertStatus(from)
	tr.To = model.AlertStatus(to)
	return tr, nil
}

// nullableAlertType maps a channel-wide opt-out to SQL NULL.
func nullableAlertType(t *model.AlertType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

// utcDay truncates a timestamp returned for a UTC day bucket.
func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
