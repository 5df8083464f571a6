// Package authz decides whether a message may be sent to a user on a
// channel right now, and if not, why and until when.
package authz

import (
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Verdict is the outcome class of a decision.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictDelay Verdict = "delay"
)

// Decision is the result of Authorize. Until is set for Delay and for
// time-bounded denials (cool-down).
type Decision struct {
	Verdict Verdict          `json:"verdict"`
	Reason  model.ReasonCode `json:"reason"`
	Until   *time.Time       `json:"until,omitempty"`
	At      time.Time        `json:"at"`
}

// Allowed reports whether the decision permits sending now.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

func allow(now time.Time) Decision {
	return Decision{Verdict: VerdictAllow, Reason: model.ReasonAllowed, At: now}
}

func deny(now time.Time, reason model.ReasonCode) Decision {
	return Decision{Verdict: VerdictDeny, Reason: reason, At: now}
}

func denyUntil(now time.Time, reason model.ReasonCode, until time.Time) Decision {
	return Decision{Verdict: VerdictDeny, Reason: reason, Until: &until, At: now}
}

func delay(now time.Time, reason model.ReasonCode, until time.Time) Decision {
	return Decision{Verdict: VerdictDelay, Reason: reason, Until: &until, At: now}
}

// FailClosed is the decision returned when state needed for a decision
// could not be read or a consent write is unresolved.
func FailClosed(now time.Time) Decision {
	return deny(now, model.ReasonStateUnavailable)
}

// Request identifies the message a caller wants to send.
type Request struct {
	UserID    uuid.UUID       `json:"user_id"`
	Channel   model.Channel   `json:"channel"`
	AlertType model.AlertType `json:"alert_type"`
	Now       time.Time       `json:"now"`
}

// Snapshot is the already-loaded state a decision is computed over.
type Snapshot struct {
	Profile         *model.UserProfile
	Preference      *model.UserPreference
	Segment         model.SegmentPolicy
	SegmentFallback bool

	// Consent is nil when the channel was never granted.
	Consent *model.ConsentRecord
	// LatestOptOut is the most recent opt-out covering the channel or the
	// alert type, regardless of later re-engagement.
	LatestOptOut *model.OptOutEvent

	SentToday    int
	SentThisWeek int
	LastSentAt   *time.Time
}

// Location returns the user's timezone.
func (s Snapshot) Location() *time.Location {
	return s.Profile.Location()
}
