package compliance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/compliance"
	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/policy"
	"github.com/lalithlochan/gatekeeper/internal/store/memory"
)

func TestGetComplianceReport(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	userID := uuid.New()
	now := time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)

	if err := store.UpsertProfile(ctx, &model.UserProfile{UserID: userID, Timezone: "UTC", Phone: "+15551234567", PhoneVerified: true}); err != nil {
		t.Fatal(err)
	}
	seg := model.SegmentPolicy{Name: "standard", DefaultChannel: model.ChannelSMS, MaxPerDay: 5, MaxPerWeek: 20}
	resolver := policy.NewResolver(policy.NewTable([]model.SegmentPolicy{seg}), "standard", zap.NewNop())
	ledger := consent.NewLedger(store, store, store, resolver, store, memory.NewMarker(), zap.NewNop())

	clock := now.Add(-48 * time.Hour)
	ledger.SetClock(func() time.Time { return clock })
	if _, err := ledger.GrantConsent(ctx, consent.GrantRequest{
		UserID: userID, Channel: model.ChannelSMS, Source: model.SourceWebForm,
		Evidence: model.Evidence{IP: "203.0.113.7"},
	}); err != nil {
		t.Fatal(err)
	}

	for i, o := range []model.Outcome{model.OutcomeSent, model.OutcomeSent, model.OutcomeFailed} {
		_ = store.AppendAttempt(ctx, model.DeliveryLogEntry{
			ID: uuid.New(), UserID: userID, Channel: model.ChannelSMS, AlertType: model.AlertBillReminder,
			Queue: "sms-transactional", Outcome: o, RequestedAt: now.Add(-time.Duration(30-i) * time.Hour),
		})
	}

	clock = now.Add(-time.Hour)
	if _, err := ledger.RevokeConsent(ctx, consent.RevokeRequest{UserID: userID, Channel: model.ChannelSMS, Method: model.MethodInboundStop}); err != nil {
		t.Fatal(err)
	}

	reporter := compliance.NewReporter(store, zap.NewNop())
	report, err := reporter.GetComplianceReport(ctx, userID, now.Add(-7*24*time.Hour), now)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if len(report.ConsentHistory) != 2 {
		t.Errorf("consent events = %d, want 2 (grant, revoke)", len(report.ConsentHistory))
	}
	if len(report.OptOutHistory) != 1 || report.OptOutHistory[0].Method != model.MethodInboundStop {
		t.Errorf("unexpected opt-out history: %+v", report.OptOutHistory)
	}

	counts := map[model.Outcome]int{}
	for _, c := range report.DeliveryCounts {
		counts[c.Outcome] += c.Count
	}
	if counts[model.OutcomeSent] != 2 || counts[model.OutcomeFailed] != 1 {
		t.Errorf("unexpected delivery counts: %+v", report.DeliveryCounts)
	}

	if len(report.CurrentConsent) != 1 || report.CurrentConsent[0].Status != model.ConsentRevoked {
		t.Errorf("unexpected current consent: %+v", report.CurrentConsent)
	}
}

func TestGetComplianceReport_EmptySectionsAreNotNil(t *testing.T) {
	reporter := compliance.NewReporter(memory.New(), zap.NewNop())
	now := time.Now()

	report, err := reporter.GetComplianceReport(context.Background(), uuid.New(), now.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if report.ConsentHistory == nil || report.OptOutHistory == nil || report.DeliveryCounts == nil {
		t.Errorf("empty sections should be non-nil: %+v", report)
	}
}

func TestGetComplianceReport_InvalidRange(t *testing.T) {
	reporter := compliance.NewReporter(memory.New(), zap.NewNop())
	now := time.Now()

	tests := []struct {
		name     string
		from, to time.Time
	}{
		{"inverted", now, now.Add(-time.Hour)},
		{"empty", now, now},
		{"too long", now.Add(-3 * 366 * 24 * time.Hour), now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reporter.GetComplianceReport(context.Background(), uuid.New(), tt.from, tt.to)
			if !errors.Is(err, compliance.ErrInvalidRange) {
				t.Errorf("expected ErrInvalidRange, got %v", err)
			}
		})
	}
}
