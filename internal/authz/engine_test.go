package authz

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

const day = 24 * time.Hour

func newUserSegment() model.SegmentPolicy {
	return model.SegmentPolicy{
		Name:           "new_user",
		DefaultChannel: model.ChannelSMS,
		MaxPerDay:      3,
		MaxPerWeek:     10,
		OptOutCooldown: 30 * day,
		QuietHours:     &model.TimeWindow{Start: model.MustClock("21:00"), End: model.MustClock("08:00")},
	}
}

func grantedSMS(userID uuid.UUID, at time.Time) *model.ConsentRecord {
	rec := model.NewConsentRecord(userID, model.ChannelSMS)
	rec.Status = model.ConsentGranted
	rec.Verification = model.Verified
	rec.ConsentedAt = &at
	return rec
}

// fixture is a user in New York with sms granted and no sends.
func fixture(now time.Time) (Request, Snapshot) {
	userID := uuid.New()
	req := Request{UserID: userID, Channel: model.ChannelSMS, AlertType: model.AlertBillReminder, Now: now}
	snap := Snapshot{
		Profile: &model.UserProfile{UserID: userID, Timezone: "America/New_York", Phone: "+15551234567", PhoneVerified: true},
		Segment: newUserSegment(),
		Consent: grantedSMS(userID, now.Add(-60*day)),
	}
	return req, snap
}

func ny(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestAuthorize_AllowsWithinPolicy(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)

	d := Authorize(req, snap)
	if d.Verdict != VerdictAllow {
		t.Fatalf("expected allow, got %+v", d)
	}
	if d.Reason != model.ReasonAllowed {
		t.Errorf("reason = %s, want allowed", d.Reason)
	}
}

func TestAuthorize_DailyCapDelaysToNextDay(t *testing.T) {
	loc := ny(t)
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, loc)
	req, snap := fixture(now)
	snap.SentToday = 3
	snap.SentThisWeek = 3

	d := Authorize(req, snap)
	if d.Verdict != VerdictDelay || d.Reason != model.ReasonDailyCap {
		t.Fatalf("expected delay(daily cap), got %+v", d)
	}
	want := time.Date(2024, 3, 14, 0, 0, 0, 0, loc)
	if !d.Until.Equal(want) {
		t.Errorf("until = %s, want %s", d.Until, want)
	}
}

func TestAuthorize_WeeklyCapDelaysToMonday(t *testing.T) {
	loc := ny(t)
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, loc) // Wednesday
	req, snap := fixture(now)
	snap.SentThisWeek = 10

	d := Authorize(req, snap)
	if d.Verdict != VerdictDelay || d.Reason != model.ReasonWeeklyCap {
		t.Fatalf("expected delay(weekly cap), got %+v", d)
	}
	want := time.Date(2024, 3, 18, 0, 0, 0, 0, loc)
	if !d.Until.Equal(want) {
		t.Errorf("until = %s, want %s", d.Until, want)
	}
}

func TestAuthorize_RevokedWithinCooldown(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)

	revokedAt := now.Add(-10 * day)
	snap.Consent.Status = model.ConsentRevoked
	snap.Consent.OptedOutAt = &revokedAt

	d := Authorize(req, snap)
	if d.Verdict != VerdictDeny || d.Reason != model.ReasonCoolingDown {
		t.Fatalf("expected deny(cooling down), got %+v", d)
	}
	want := revokedAt.Add(30 * day)
	if d.Until == nil || !d.Until.Equal(want) {
		t.Errorf("until = %v, want %s", d.Until, want)
	}
}

func TestAuthorize_RevokedAfterCooldownIsNoConsent(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)

	revokedAt := now.Add(-45 * day)
	snap.Consent.Status = model.ConsentRevoked
	snap.Consent.OptedOutAt = &revokedAt

	d := Authorize(req, snap)
	if d.Verdict != VerdictDeny || d.Reason != model.ReasonNoConsent {
		t.Fatalf("expected deny(no consent), got %+v", d)
	}
}

func TestAuthorize_ReEngagedStillCoolingDown(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)

	optOut := now.Add(-5 * day)
	snap.LatestOptOut = &model.OptOutEvent{Kind: model.OptOutKindOptOut, Channel: model.ChannelSMS, OccurredAt: optOut}

	d := Authorize(req, snap)
	if d.Reason != model.ReasonCoolingDown {
		t.Fatalf("expected cooling down after re-engagement, got %+v", d)
	}
}

func TestAuthorize_AlertTypeOptOutDoesNotCoolOtherTypes(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)

	promo := model.AlertPromotion
	snap.LatestOptOut = &model.OptOutEvent{Kind: model.OptOutKindOptOut, AlertType: &promo, OccurredAt: now.Add(-day)}

	if d := Authorize(req, snap); d.Verdict != VerdictAllow {
		t.Fatalf("bill reminder should not be affected by promotion opt-out, got %+v", d)
	}
}

func TestAuthorize_NeverGranted(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)
	snap.Consent = nil

	d := Authorize(req, snap)
	if d.Verdict != VerdictDeny || d.Reason != model.ReasonNoConsent {
		t.Fatalf("expected deny(no consent), got %+v", d)
	}
}

func TestAuthorize_ExpiredConsent(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)
	expired := now.Add(-time.Hour)
	snap.Consent.ExpiresAt = &expired

	if d := Authorize(req, snap); d.Reason != model.ReasonNoConsent {
		t.Fatalf("expected no consent for expired grant, got %+v", d)
	}
}

func TestAuthorize_PreferenceDisabledWins(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)
	snap.Consent = nil
	snap.Preference = &model.UserPreference{}
	snap.Preference.SetChannel(model.ChannelSMS, false)

	d := Authorize(req, snap)
	if d.Reason != model.ReasonPreferenceDisabled {
		t.Fatalf("expected preference disabled before consent check, got %+v", d)
	}
}

func TestAuthorize_RevokedChannelReportsConsentState(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))

	tests := []struct {
		name      string
		revokedAt time.Duration
		status    model.ConsentStatus
		want      model.ReasonCode
	}{
		{"revoked inside cool-down", -10 * day, model.ConsentRevoked, model.ReasonCoolingDown},
		{"revoked past cool-down", -40 * day, model.ConsentRevoked, model.ReasonNoConsent},
		{"granted but toggled off", 0, model.ConsentGranted, model.ReasonPreferenceDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, snap := fixture(now)
			snap.Preference = &model.UserPreference{}
			snap.Preference.SetChannel(model.ChannelSMS, false)
			snap.Consent.Status = tt.status
			if tt.status == model.ConsentRevoked {
				at := now.Add(tt.revokedAt)
				snap.Consent.OptedOutAt = &at
			}

			d := Authorize(req, snap)
			if d.Verdict != VerdictDeny || d.Reason != tt.want {
				t.Fatalf("expected deny(%s), got %+v", tt.want, d)
			}
		})
	}
}

func TestAuthorize_MarketingNotAllowed(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)
	req.AlertType = model.AlertPromotion

	d := Authorize(req, snap)
	if d.Verdict != VerdictDeny || d.Reason != model.ReasonMarketingNotAllowed {
		t.Fatalf("expected deny(marketing), got %+v", d)
	}
}

func TestAuthorize_Inactive(t *testing.T) {
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, ny(t))
	req, snap := fixture(now)
	snap.Segment.AutoOptOutAfter = 30 * day
	lastSent := now.Add(-40 * day)
	snap.LastSentAt = &lastSent

	if d := Authorize(req, snap); d.Reason != model.ReasonInactive {
		t.Fatalf("expected inactive, got %+v", d)
	}

	recent := now.Add(-2 * day)
	snap.LastSentAt = &recent
	if d := Authorize(req, snap); d.Verdict != VerdictAllow {
		t.Fatalf("expected allow after recent send, got %+v", d)
	}
}

func TestAuthorize_QuietHours(t *testing.T) {
	loc := ny(t)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"evening wraps to next morning", time.Date(2024, 3, 13, 22, 30, 0, 0, loc), time.Date(2024, 3, 14, 8, 0, 0, 0, loc)},
		{"early morning same day", time.Date(2024, 3, 13, 6, 15, 0, 0, loc), time.Date(2024, 3, 13, 8, 0, 0, 0, loc)},
		{"exactly at start", time.Date(2024, 3, 13, 21, 0, 0, 0, loc), time.Date(2024, 3, 14, 8, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, snap := fixture(tt.now)
			d := Authorize(req, snap)
			if d.Verdict != VerdictDelay || d.Reason != model.ReasonQuietHours {
				t.Fatalf("expected delay(quiet hours), got %+v", d)
			}
			if !d.Until.Equal(tt.want) {
				t.Errorf("until = %s, want %s", d.Until.In(loc), tt.want)
			}
		})
	}
}

func TestAuthorize_QuietHoursUseUserTimezone(t *testing.T) {
	loc := ny(t)
	// 02:00 UTC is 22:00 the previous evening in New York (EDT).
	now := time.Date(2024, 6, 12, 2, 0, 0, 0, time.UTC)
	req, snap := fixture(now)

	d := Authorize(req, snap)
	if d.Reason != model.ReasonQuietHours {
		t.Fatalf("expected quiet hours in user tz, got %+v", d)
	}
	want := time.Date(2024, 6, 12, 8, 0, 0, 0, loc)
	if !d.Until.Equal(want) {
		t.Errorf("until = %s, want %s", d.Until, want)
	}
}

func TestAuthorize_CriticalBypassesQuietHoursNotConsent(t *testing.T) {
	now := time.Date(2024, 3, 13, 23, 0, 0, 0, ny(t))
	req, snap := fixture(now)
	req.AlertType = model.AlertFraud

	if d := Authorize(req, snap); d.Verdict != VerdictAllow {
		t.Fatalf("critical alert should bypass quiet hours, got %+v", d)
	}

	snap.Consent = nil
	if d := Authorize(req, snap); d.Reason != model.ReasonNoConsent {
		t.Fatalf("critical alert must still require consent, got %+v", d)
	}
}

// Every instant inside quiet hours, with caps not exceeded, yields a delay
// ending at or after the window end and never an allow.
func TestAuthorize_QuietHoursProperty(t *testing.T) {
	loc := ny(t)
	start := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	window := newUserSegment().QuietHours

	for m := 0; m < 7*24*60; m += 7 {
		now := start.Add(time.Duration(m) * time.Minute)
		if !window.Contains(model.ClockOf(now.In(loc))) {
			continue
		}
		req, snap := fixture(now)
		d := Authorize(req, snap)
		if d.Verdict != VerdictDelay {
			t.Fatalf("%s: expected delay, got %+v", now, d)
		}
		if window.Contains(model.ClockOf(d.Until.In(loc))) {
			t.Fatalf("%s: until %s is still inside quiet hours", now, d.Until)
		}
		if !d.Until.After(now) {
			t.Fatalf("%s: until %s not after now", now, d.Until)
		}
	}
}

// Driving a synthetic sequence through Authorize, counting each allow as a
// send, never exceeds the daily cap in any local day.
func TestAuthorize_CapProperty(t *testing.T) {
	loc := ny(t)
	start := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)

	perDay := make(map[string]int)
	perWeek := 0
	userReq, snap := fixture(start)
	snap.Segment.MaxPerWeek = 0
	snap.Segment.QuietHours = nil

	for m := 0; m < 7*24*60; m += 13 {
		now := start.Add(time.Duration(m) * time.Minute)
		key := now.In(loc).Format("2006-01-02")

		req := userReq
		req.Now = now
		snap.SentToday = perDay[key]
		snap.SentThisWeek = perWeek

		if Authorize(req, snap).Allowed() {
			perDay[key]++
			perWeek++
		}
	}

	for k, n := range perDay {
		if n > snap.Segment.MaxPerDay {
			t.Errorf("day %s: %d sends, cap %d", k, n, snap.Segment.MaxPerDay)
		}
	}
	if len(perDay) != 7 {
		t.Errorf("expected sends on 7 days, got %d", len(perDay))
	}
}

func TestWindows(t *testing.T) {
	loc := ny(t)
	sunday := time.Date(2024, 3, 17, 23, 30, 0, 0, loc)

	if got, want := StartOfWeek(sunday, loc), time.Date(2024, 3, 11, 0, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("StartOfWeek = %s, want %s", got, want)
	}
	if got, want := StartOfNextWeek(sunday, loc), time.Date(2024, 3, 18, 0, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("StartOfNextWeek = %s, want %s", got, want)
	}
	// DST starts 2024-03-10 in New York; the day is 23 hours long.
	dst := time.Date(2024, 3, 10, 12, 0, 0, 0, loc)
	if got := StartOfNextDay(dst, loc).Sub(StartOfDay(dst, loc)); got != 23*time.Hour {
		t.Errorf("DST day length = %s, want 23h", got)
	}
}
