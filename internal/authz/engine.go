package authz

import (
	"time"

	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/policy"
)

// Authorize decides whether req may be sent given snap. It performs no I/O
// and keeps no state, so it is safe to call from any number of goroutines.
//
// Checks run cheapest and most authoritative first:
//
//  1. effective preference/policy disables the route -> Deny(preference_disabled)
//  2. consent missing, revoked, expired or cooling down -> Deny
//
// A revoke also turns the channel off in the user's preferences, so for a
// revoked record the consent denial (no_consent or cooling_down) is reported
// instead of preference_disabled.
//  3. marketing to a segment that disallows it        -> Deny(marketing_not_allowed)
//  4. day or week cap reached                         -> Delay(next window)
//  5. inside quiet hours (non-critical only)          -> Delay(quiet hours end)
//  6. otherwise                                       -> Allow
func Authorize(req Request, snap Snapshot) Decision {
	now := req.Now
	eff := policy.Resolve(snap.Preference, snap.Segment, req.Channel, req.AlertType)

	if !eff.Allowed {
		if rec := snap.Consent; rec != nil && rec.Status == model.ConsentRevoked {
			if d, blocked := checkConsent(req, snap); blocked {
				return d
			}
		}
		return deny(now, model.ReasonPreferenceDisabled)
	}

	if d, blocked := checkConsent(req, snap); blocked {
		return d
	}

	if req.AlertType.IsMarketing() && !eff.MarketingAllowed {
		return deny(now, model.ReasonMarketingNotAllowed)
	}

	loc := snap.Location()
	if eff.Cap.PerWeek > 0 && snap.SentThisWeek >= eff.Cap.PerWeek {
		return delay(now, model.ReasonWeeklyCap, StartOfNextWeek(now, loc))
	}
	if eff.Cap.PerDay > 0 && snap.SentToday >= eff.Cap.PerDay {
		return delay(now, model.ReasonDailyCap, StartOfNextDay(now, loc))
	}

	if eff.QuietHours != nil && !req.AlertType.IsCritical() {
		if end, inside := eff.QuietHours.EndAfter(now, loc); inside {
			return delay(now, model.ReasonQuietHours, end)
		}
	}

	return allow(now)
}

func checkConsent(req Request, snap Snapshot) (Decision, bool) {
	now := req.Now
	rec := snap.Consent

	cooldownEnd, cooling := CooldownUntil(snap, req.AlertType, now)

	if !rec.GrantedAt(now) {
		if cooling {
			return denyUntil(now, model.ReasonCoolingDown, cooldownEnd), true
		}
		return deny(now, model.ReasonNoConsent), true
	}

	if cooling {
		return denyUntil(now, model.ReasonCoolingDown, cooldownEnd), true
	}

	if Inactive(rec, snap.Segment, snap.LastSentAt, now) {
		return deny(now, model.ReasonInactive), true
	}

	return Decision{}, false
}

// CooldownUntil returns the end of the active opt-out cool-down window for
// an alert type, computed as the latest opt-out time plus the segment's
// cool-down. The second return is false when no window is active at now.
func CooldownUntil(snap Snapshot, at model.AlertType, now time.Time) (time.Time, bool) {
	cooldown := snap.Segment.OptOutCooldown
	if cooldown <= 0 {
		return time.Time{}, false
	}

	var optedOut time.Time
	if rec := snap.Consent; rec != nil && rec.Status == model.ConsentRevoked && rec.OptedOutAt != nil {
		optedOut = *rec.OptedOutAt
	}
	if ev := snap.LatestOptOut; ev != nil && ev.Kind == model.OptOutKindOptOut && ev.AppliesTo(at) {
		if ev.OccurredAt.After(optedOut) {
			optedOut = ev.OccurredAt
		}
	}
	if optedOut.IsZero() {
		return time.Time{}, false
	}

	until := optedOut.Add(cooldown)
	return until, now.Before(until)
}

// Inactive reports whether a granted record has lapsed under the segment's
// AutoOptOutAfter: no grant, re-engagement or sent message within it.
func Inactive(rec *model.ConsentRecord, seg model.SegmentPolicy, lastSent *time.Time, now time.Time) bool {
	after := seg.AutoOptOutAfter
	if after <= 0 || rec == nil {
		return false
	}
	last := lastActivity(rec, lastSent)
	return !last.IsZero() && now.Sub(last) >= after
}

func lastActivity(rec *model.ConsentRecord, lastSent *time.Time) time.Time {
	var last time.Time
	for _, t := range []*time.Time{rec.ConsentedAt, rec.ReEngagedAt, lastSent} {
		if t != nil && t.After(last) {
			last = *t
		}
	}
	return last
}
