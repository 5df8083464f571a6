// Package schedule computes the next time a delayed message may be sent.
package schedule

import (
	"fmt"
	"time"

	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/policy"
)

// Options bound the search.
type Options struct {
	Horizon  time.Duration
	MaxSteps int
}

// DefaultOptions searches up to a year ahead.
var DefaultOptions = Options{Horizon: 366 * 24 * time.Hour, MaxSteps: 512}

// defaultSlotTime is used for cadenced sends when the user has not picked
// a time of day.
var defaultSlotTime = model.MustClock("09:00")

// NextEligibleSend returns the earliest instant at or after req.Now at which
// Authorize would allow the message, honoring the user's preferred slot for
// daily, weekly and monthly cadences. Like Authorize it only reads snap.
func NextEligibleSend(req authz.Request, snap authz.Snapshot) (time.Time, error) {
	return NextEligibleSendWithin(req, snap, DefaultOptions)
}

// NextEligibleSendWithin is NextEligibleSend with explicit search bounds.
func NextEligibleSendWithin(req authz.Request, snap authz.Snapshot, opts Options) (time.Time, error) {
	loc := snap.Location()
	eff := policy.Resolve(snap.Preference, snap.Segment, req.Channel, req.AlertType)
	slot := preferredSlot(snap.Preference, eff, req.AlertType)

	now := req.Now
	t := now
	if floor, ok := spacingFloor(snap, eff, req.AlertType); ok && floor.After(t) {
		t = floor
	}
	if slot != nil {
		t = slot.next(t, loc)
	}

	limit := now.Add(opts.Horizon)
	for step := 0; step < opts.MaxSteps && !t.After(limit); step++ {
		at := req
		at.Now = t
		d := authz.Authorize(at, project(snap, now, t, loc))

		var next time.Time
		switch {
		case d.Verdict == authz.VerdictAllow:
			return t, nil
		case d.Until != nil:
			next = *d.Until
		default:
			return time.Time{}, &model.SchedulingError{
				UserID:  req.UserID,
				Channel: req.Channel,
				Reason:  fmt.Sprintf("permanently denied: %s", d.Reason),
			}
		}

		if !next.After(t) {
			next = t.Add(time.Minute)
		}
		if slot != nil {
			next = slot.next(next, loc)
		}
		t = next
	}

	return time.Time{}, &model.SchedulingError{
		UserID:  req.UserID,
		Channel: req.Channel,
		Reason:  fmt.Sprintf("no eligible window within %s", opts.Horizon),
	}
}

// project adjusts window counts for a future instant: sends already logged
// only count against the windows they fall in.
func project(snap authz.Snapshot, now, t time.Time, loc *time.Location) authz.Snapshot {
	if !authz.SameDay(now, t, loc) {
		snap.SentToday = 0
	}
	if !authz.SameWeek(now, t, loc) {
		snap.SentThisWeek = 0
	}
	return snap
}

// spacingFloor spreads non-critical sends across the day: with a cap of N
// per day, consecutive sends are at least 24h/N apart.
func spacingFloor(snap authz.Snapshot, eff policy.Effective, at model.AlertType) (time.Time, bool) {
	if at.IsCritical() || eff.Cap.PerDay <= 0 || snap.LastSentAt == nil {
		return time.Time{}, false
	}
	spacing := 24 * time.Hour / time.Duration(eff.Cap.PerDay)
	return snap.LastSentAt.Add(spacing), true
}

type slot struct {
	frequency model.Frequency
	weekday   time.Weekday
	monthDay  int
	at        model.ClockTime
}

func preferredSlot(pref *model.UserPreference, eff policy.Effective, at model.AlertType) *slot {
	switch at.Class() {
	case model.ClassDigest, model.ClassMarketing:
	default:
		return nil
	}
	switch eff.Frequency {
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly:
	default:
		return nil
	}

	s := &slot{frequency: eff.Frequency, weekday: time.Monday, monthDay: 1, at: defaultSlotTime}
	if pref != nil {
		if pref.PreferredTime != nil {
			s.at = *pref.PreferredTime
		}
		s.weekday = pref.PreferredWeekday
		if pref.PreferredMonthDay > 0 {
			s.monthDay = pref.PreferredMonthDay
		}
	}
	return s
}

// next returns the first slot at or after t. A slot that already passed in
// the current period moves to the next period.
func (s *slot) next(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	var cand time.Time

	switch s.frequency {
	case model.FrequencyDaily:
		cand = s.at.On(local, loc)
		if cand.Before(t) {
			cand = s.at.On(addDays(local, 1, loc), loc)
		}
	case model.FrequencyWeekly:
		ahead := (int(s.weekday) - int(local.Weekday()) + 7) % 7
		cand = s.at.On(addDays(local, ahead, loc), loc)
		if cand.Before(t) {
			cand = s.at.On(addDays(local, ahead+7, loc), loc)
		}
	case model.FrequencyMonthly:
		cand = s.at.On(monthDay(local.Year(), local.Month(), s.monthDay, loc), loc)
		if cand.Before(t) {
			cand = s.at.On(monthDay(local.Year(), local.Month()+1, s.monthDay, loc), loc)
		}
	default:
		return t
	}
	return cand
}

func addDays(t time.Time, n int, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+n, 12, 0, 0, 0, loc)
}

// monthDay clamps day to the length of the month.
func monthDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 12, 0, 0, 0, loc)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 12, 0, 0, 0, loc)
}
