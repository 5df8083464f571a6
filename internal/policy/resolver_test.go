package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

func newUserSegment() model.SegmentPolicy {
	return model.SegmentPolicy{
		Name:             "new_user",
		DefaultChannel:   model.ChannelSMS,
		DefaultFrequency: model.FrequencyImmediate,
		MaxPerDay:        3,
		MaxPerWeek:       10,
		MarketingAllowed: false,
		OptOutCooldown:   30 * day,
		QuietHours:       &model.TimeWindow{Start: model.MustClock("21:00"), End: model.MustClock("08:00")},
		Priority:         10,
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	seg := newUserSegment()

	routeOff := &model.UserPreference{}
	routeOff.SetChannel(model.ChannelSMS, true)
	routeOff.SetRoute(model.AlertBudgetUpdate, model.ChannelSMS, false)

	routeOn := &model.UserPreference{}
	routeOn.SetChannel(model.ChannelEmail, false)
	routeOn.SetRoute(model.AlertBudgetUpdate, model.ChannelEmail, true)

	channelOff := &model.UserPreference{}
	channelOff.SetChannel(model.ChannelSMS, false)

	tests := []struct {
		name    string
		pref    *model.UserPreference
		channel model.Channel
		allowed bool
		source  Source
	}{
		{"route overrides enabled channel", routeOff, model.ChannelSMS, false, SourceAlertRoute},
		{"route overrides disabled channel", routeOn, model.ChannelEmail, true, SourceAlertRoute},
		{"channel toggle", channelOff, model.ChannelSMS, false, SourceChannelToggle},
		{"segment default channel", nil, model.ChannelSMS, true, SourceSegmentDefault},
		{"segment non-default channel", nil, model.ChannelEmail, false, SourceSegmentDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff := Resolve(tt.pref, seg, tt.channel, model.AlertBudgetUpdate)
			if eff.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", eff.Allowed, tt.allowed)
			}
			if eff.DecidedBy != tt.source {
				t.Errorf("DecidedBy = %s, want %s", eff.DecidedBy, tt.source)
			}
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	pref := &model.UserPreference{Frequency: model.FrequencyDaily}
	pref.SetChannel(model.ChannelSMS, true)

	first := Resolve(pref, newUserSegment(), model.ChannelSMS, model.AlertWeeklySummary)
	for i := 0; i < 50; i++ {
		again := Resolve(pref, newUserSegment(), model.ChannelSMS, model.AlertWeeklySummary)
		if again.Allowed != first.Allowed || again.Cap != first.Cap || again.Frequency != first.Frequency {
			t.Fatalf("iteration %d: got %+v, want %+v", i, again, first)
		}
	}
}

func TestResolve_FrequencyTightensDigestCaps(t *testing.T) {
	seg := newUserSegment()

	tests := []struct {
		name      string
		frequency model.Frequency
		alert     model.AlertType
		want      Cap
	}{
		{"immediate keeps segment caps", model.FrequencyImmediate, model.AlertWeeklySummary, Cap{PerDay: 3, PerWeek: 10}},
		{"daily caps day", model.FrequencyDaily, model.AlertWeeklySummary, Cap{PerDay: 1, PerWeek: 10}},
		{"weekly caps week", model.FrequencyWeekly, model.AlertPromotion, Cap{PerDay: 1, PerWeek: 1}},
		{"critical ignores cadence", model.FrequencyWeekly, model.AlertLowBalance, Cap{PerDay: 3, PerWeek: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := &model.UserPreference{Frequency: tt.frequency}
			eff := Resolve(pref, seg, model.ChannelSMS, tt.alert)
			if eff.Cap != tt.want {
				t.Errorf("Cap = %+v, want %+v", eff.Cap, tt.want)
			}
		})
	}
}

func TestResolve_FrequencyNeverDisablesNonCritical(t *testing.T) {
	pref := &model.UserPreference{Frequency: model.FrequencyNever}
	pref.SetChannel(model.ChannelSMS, true)

	if eff := Resolve(pref, newUserSegment(), model.ChannelSMS, model.AlertDailyMeme); eff.Allowed {
		t.Error("digest should be disabled when frequency is never")
	}
	if eff := Resolve(pref, newUserSegment(), model.ChannelSMS, model.AlertFraud); !eff.Allowed {
		t.Error("critical alert should not be affected by frequency never")
	}
}

func TestResolve_UserQuietHoursOverrideSegment(t *testing.T) {
	window := &model.TimeWindow{Start: model.MustClock("23:00"), End: model.MustClock("06:00")}
	pref := &model.UserPreference{QuietHours: window}

	eff := Resolve(pref, newUserSegment(), model.ChannelSMS, model.AlertBillReminder)
	if eff.QuietHours == nil || *eff.QuietHours != *window {
		t.Errorf("QuietHours = %+v, want %+v", eff.QuietHours, window)
	}
}

func TestTable_LookupUnknownSegmentFallsBack(t *testing.T) {
	table := NewTable([]model.SegmentPolicy{newUserSegment()})

	got, err := table.Lookup("does_not_exist")
	if !errors.Is(err, model.ErrUnknownSegment) {
		t.Fatalf("expected ErrUnknownSegment, got %v", err)
	}
	if got.Name != SafeDefault.Name || got.MarketingAllowed {
		t.Errorf("expected safe default, got %+v", got)
	}
}

func TestTable_LookupPicksHighestPriority(t *testing.T) {
	premium := newUserSegment()
	premium.Name = "premium"
	premium.Priority = 30
	table := NewTable([]model.SegmentPolicy{newUserSegment(), premium})

	got, err := table.Lookup("new_user, premium, unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "premium" {
		t.Errorf("expected premium, got %s", got.Name)
	}
}

func TestResolver_FallbackFlag(t *testing.T) {
	r := NewResolver(NewTable(nil), "new_user", zap.NewNop())

	eff := r.ResolveEffectivePolicy(nil, model.ChannelEmail, model.AlertPromotion)
	if !eff.Fallback {
		t.Error("expected fallback to be set")
	}
	if eff.MarketingAllowed {
		t.Error("safe default must not allow marketing")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segments.yaml")
	body := `segments:
  - name: new_user
    default_channel: sms
    max_per_day: 3
    max_per_week: 10
    opt_out_cooldown: 720h
    quiet_hours: {start: "21:00", end: "08:00"}
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.OptOutCooldown != 720*time.Hour {
		t.Errorf("cooldown = %s, want 720h", p.OptOutCooldown)
	}
	if p.QuietHours == nil || p.QuietHours.Start != model.MustClock("21:00") {
		t.Errorf("quiet hours not decoded: %+v", p.QuietHours)
	}
}

func TestLoadFile_RejectsInvalidChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segments.yaml")
	body := "segments:\n  - name: x\n    default_channel: fax\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

type fakePolicyStore struct {
	rows []model.SegmentPolicy
	err  error
}

func (f *fakePolicyStore) ListSegmentPolicies(ctx context.Context) ([]model.SegmentPolicy, error) {
	return f.rows, f.err
}

func TestRefresher_StoreOverridesSeeds(t *testing.T) {
	seed := newUserSegment()
	table := NewTable([]model.SegmentPolicy{seed})

	tightened := seed
	tightened.MaxPerDay = 1
	invalid := model.SegmentPolicy{Name: "broken", DefaultChannel: "fax"}
	store := &fakePolicyStore{rows: []model.SegmentPolicy{tightened, invalid}}

	r := NewRefresher(table, []model.SegmentPolicy{seed}, store, zap.NewNop())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	got, err := table.Lookup("new_user")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.MaxPerDay != 1 {
		t.Errorf("expected store row to override seed, got max_per_day %d", got.MaxPerDay)
	}
	if _, err := table.Lookup("broken"); err == nil {
		t.Error("invalid store rows should be skipped")
	}

	// A failing store keeps the last good table.
	store.err = errors.New("connection refused")
	if err := r.Refresh(context.Background()); err == nil {
		t.Error("expected error from failing store")
	}
	if got, _ := table.Lookup("new_user"); got.MaxPerDay != 1 {
		t.Errorf("table should be unchanged, got max_per_day %d", got.MaxPerDay)
	}
}
