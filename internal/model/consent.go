package model

import (
	"time"

	"github.com/google/uuid"
)

// ConsentRecord is the current consent state for one (user, channel).
// Records are never deleted; every change bumps Version.
type ConsentRecord struct {
	UserID       uuid.UUID     `json:"user_id"`
	Channel      Channel       `json:"channel"`
	Address      string        `json:"address,omitempty"`
	Verification Verification  `json:"verification"`
	Status       ConsentStatus `json:"status"`
	Source       ConsentSource `json:"source,omitempty"`
	ConsentedAt  *time.Time    `json:"consented_at,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`

	OptedOutAt   *time.Time `json:"opted_out_at,omitempty"`
	OptOutReason string     `json:"opt_out_reason,omitempty"`
	OptOutMethod Method     `json:"opt_out_method,omitempty"`

	ReEngagedAt    *time.Time `json:"re_engaged_at,omitempty"`
	ReEngageMethod Method     `json:"re_engage_method,omitempty"`

	// MessagesSinceGrant is derived from the delivery log at read time.
	MessagesSinceGrant int `json:"messages_since_grant"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConsentRecord returns a never-granted record for a channel.
func NewConsentRecord(userID uuid.UUID, ch Channel) *ConsentRecord {
	return &ConsentRecord{
		UserID:       userID,
		Channel:      ch,
		Verification: Unverified,
		Status:       ConsentNeverGranted,
	}
}

// GrantedAt reports whether the record authorizes contact at t: status is
// granted and the grant has not expired.
func (r *ConsentRecord) GrantedAt(t time.Time) bool {
	if r == nil || r.Status != ConsentGranted {
		return false
	}
	return r.ExpiresAt == nil || t.Before(*r.ExpiresAt)
}

// Clone returns a deep copy.
func (r *ConsentRecord) Clone() *ConsentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ConsentedAt = cloneTime(r.ConsentedAt)
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.OptedOutAt = cloneTime(r.OptedOutAt)
	c.ReEngagedAt = cloneTime(r.ReEngagedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Evidence is the proof captured alongside a consent grant.
type Evidence struct {
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Text       string    `json:"text,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// ConsentEventKind classifies entries in the consent event stream.
type ConsentEventKind string

const (
	ConsentEventGrant           ConsentEventKind = "grant"
	ConsentEventRevoke          ConsentEventKind = "revoke"
	ConsentEventReEngage        ConsentEventKind = "re_engage"
	ConsentEventAlertTypeOptOut ConsentEventKind = "alert_type_opt_out"
)

// ConsentEvent is one append-only entry of the consent audit stream.
// Redundant marks requests that did not change state (repeat STOP, repeat
// grant) but were still recorded.
type ConsentEvent struct {
	ID             uuid.UUID        `json:"id"`
	UserID         uuid.UUID        `json:"user_id"`
	Channel        Channel          `json:"channel"`
	Kind           ConsentEventKind `json:"kind"`
	StatusAfter    ConsentStatus    `json:"status_after"`
	Source         ConsentSource    `json:"source,omitempty"`
	Method         Method           `json:"method,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Evidence       *Evidence        `json:"evidence,omitempty"`
	Redundant      bool             `json:"redundant"`
	LinkedOptOutID *uuid.UUID       `json:"linked_opt_out_id,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// OptOutKind classifies entries in the opt-out stream.
type OptOutKind string

const (
	OptOutKindOptOut       OptOutKind = "opt_out"
	OptOutKindReEngagement OptOutKind = "re_engagement"
)

// OptOutEvent is one append-only entry of the opt-out stream. A nil
// AlertType applies to the whole channel. Re-engagement entries link to
// the opt-out they supersede, so history stays auditable.
type OptOutEvent struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Channel       Channel    `json:"channel"`
	AlertType     *AlertType `json:"alert_type,omitempty"`
	Kind          OptOutKind `json:"kind"`
	Reason        string     `json:"reason,omitempty"`
	Method        Method     `json:"method"`
	Redundant     bool       `json:"redundant"`
	LinkedEventID *uuid.UUID `json:"linked_event_id,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// AppliesTo reports whether an opt-out entry covers the given alert type.
func (e *OptOutEvent) AppliesTo(t AlertType) bool {
	return e.AlertType == nil || *e.AlertType == t
}
