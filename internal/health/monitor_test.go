package health_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/health"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/store/memory"
)

type mockPublisher struct {
	mu  sync.Mutex
	got []model.AlertTransition
	err error
}

func (m *mockPublisher) PublishTransition(ctx context.Context, tr model.AlertTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, tr)
	return m.err
}

var checkTime = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

func newMonitor(t *testing.T) (*health.Monitor, *memory.Store, *mockPublisher) {
	t.Helper()
	store := memory.New()
	pub := &mockPublisher{}
	m := health.NewMonitor(store, pub, health.DefaultConfig(), zap.NewNop())
	m.SetClock(func() time.Time { return checkTime })
	return m, store, pub
}

func appendAttempts(t *testing.T, store *memory.Store, sent, failed int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < sent+failed; i++ {
		outcome := model.OutcomeSent
		if i < failed {
			outcome = model.OutcomeFailed
		}
		err := store.AppendAttempt(ctx, model.DeliveryLogEntry{
			ID:          uuid.New(),
			UserID:      uuid.New(),
			Channel:     model.ChannelSMS,
			AlertType:   model.AlertFraud,
			Queue:       "sms-critical",
			Outcome:     outcome,
			Latency:     300 * time.Millisecond,
			RequestedAt: checkTime.Add(-time.Duration(i+1) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestCheck_ErrorRateAlertLifecycle(t *testing.T) {
	m, store, pub := newMonitor(t)
	ctx := context.Background()

	appendAttempts(t, store, 85, 15)
	if err := m.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}

	active, _ := store.ListAlerts(ctx, model.AlertActive)
	if len(active) != 1 {
		t.Fatalf("expected 1 active alert, got %d: %+v", len(active), active)
	}
	alert := active[0]
	if alert.Kind != model.AlertKindQueueErrorRate || alert.Subject != "sms-critical" {
		t.Errorf("unexpected alert %s/%s", alert.Kind, alert.Subject)
	}
	if alert.Severity != model.SeverityMedium {
		t.Errorf("severity = %s, want medium", alert.Severity)
	}
	if alert.Value != 0.15 || alert.Threshold != 0.10 {
		t.Errorf("value/threshold = %v/%v", alert.Value, alert.Threshold)
	}

	snaps := m.Snapshots()
	if len(snaps) != 1 || snaps[0].ErrorRate != 0.15 || snaps[0].Processed != 100 {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if snaps[0].HealthScore < 60 {
		t.Errorf("health score %v should stay above threshold", snaps[0].HealthScore)
	}

	// A second check while still breached does not open another alert.
	if err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	all, _ := store.ListAlerts(ctx, "")
	if len(all) != 1 {
		t.Fatalf("expected still 1 alert, got %d", len(all))
	}

	// Recovery: 15 failures out of 300 is 5%.
	appendAttempts(t, store, 200, 0)
	if err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}

	all, _ = store.ListAlerts(ctx, "")
	if len(all) != 1 {
		t.Fatalf("recovery must not create a new alert, got %d", len(all))
	}
	if all[0].ID != alert.ID || all[0].Status != model.AlertResolved {
		t.Errorf("expected alert %s resolved, got %s %s", alert.ID, all[0].ID, all[0].Status)
	}
	if all[0].ResolvedBy != "monitor" {
		t.Errorf("resolved_by = %q", all[0].ResolvedBy)
	}

	if len(pub.got) != 2 || pub.got[0].To != model.AlertActive || pub.got[1].To != model.AlertResolved {
		t.Errorf("unexpected published transitions: %+v", pub.got)
	}
}

func TestCheck_BelowMinSamplesIgnored(t *testing.T) {
	m, store, _ := newMonitor(t)
	appendAttempts(t, store, 5, 5)

	if err := m.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	all, _ := store.ListAlerts(context.Background(), "")
	if len(all) != 0 {
		t.Errorf("expected no alerts for 10 samples, got %d", len(all))
	}
}

func TestCheck_HealthScoreAlert(t *testing.T) {
	m, store, _ := newMonitor(t)
	appendAttempts(t, store, 60, 40)

	if err := m.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	all, _ := store.ListAlerts(context.Background(), model.AlertActive)
	kinds := map[model.AlertKind]model.Severity{}
	for _, a := range all {
		kinds[a.Kind] = a.Severity
	}
	if _, ok := kinds[model.AlertKindQueueHealthScore]; !ok {
		t.Errorf("expected a health score alert, got %+v", kinds)
	}
	if kinds[model.AlertKindQueueErrorRate] != model.SeverityCritical {
		t.Errorf("40%% against 10%% should be critical, got %s", kinds[model.AlertKindQueueErrorRate])
	}
}

func TestSummarize(t *testing.T) {
	m, _, _ := newMonitor(t)

	tests := []struct {
		name      string
		stats     model.QueueStats
		wantDepth int
		wantScore float64
	}{
		{"healthy", model.QueueStats{Queue: "q", Pending: 100, Sent: 100}, 0, 100},
		{"error rate only", model.QueueStats{Queue: "q", Sent: 85, Failed: 15}, 0, 64},
		{"all failing", model.QueueStats{Queue: "q", Failed: 50}, 0, 40},
		{"backlog", model.QueueStats{Queue: "q", Pending: 500, Sent: 100}, 400, 80},
		{"idle", model.QueueStats{Queue: "q"}, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Summarize(tt.stats, checkTime)
			if got.Depth != tt.wantDepth {
				t.Errorf("depth = %d, want %d", got.Depth, tt.wantDepth)
			}
			if got.HealthScore != tt.wantScore {
				t.Errorf("score = %v, want %v", got.HealthScore, tt.wantScore)
			}
		})
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	m, store, _ := newMonitor(t)
	ctx := context.Background()
	appendAttempts(t, store, 80, 20)
	if err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	active, _ := store.ListAlerts(ctx, model.AlertActive)
	if len(active) == 0 {
		t.Fatal("expected an active alert")
	}
	id := active[0].ID

	acked, err := m.Alerts().Acknowledge(ctx, id, "oncall@example.com")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != model.AlertAcknowledged || acked.AcknowledgedBy != "oncall@example.com" {
		t.Errorf("unexpected alert after ack: %+v", acked)
	}

	if _, err := m.Alerts().Acknowledge(ctx, id, "someone"); !errors.Is(err, health.ErrInvalidTransition) {
		t.Errorf("second acknowledge: expected ErrInvalidTransition, got %v", err)
	}

	resolved, err := m.Alerts().Resolve(ctx, id, "oncall@example.com", "carrier outage over")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != model.AlertResolved || resolved.ResolutionNote != "carrier outage over" {
		t.Errorf("unexpected alert after resolve: %+v", resolved)
	}

	if _, err := m.Alerts().Resolve(ctx, id, "x", ""); !errors.Is(err, health.ErrInvalidTransition) {
		t.Errorf("resolve twice: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := m.Alerts().Acknowledge(ctx, uuid.New(), "x"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown id: expected ErrNotFound, got %v", err)
	}

	trs, err := m.Alerts().Transitions(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	var forID []model.AlertStatus
	for _, tr := range trs {
		if tr.AlertID == id {
			forID = append(forID, tr.To)
		}
	}
	want := []model.AlertStatus{model.AlertActive, model.AlertAcknowledged, model.AlertResolved}
	if len(forID) != len(want) {
		t.Fatalf("transitions = %v, want %v", forID, want)
	}
	for i := range want {
		if forID[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, forID[i], want[i])
		}
	}
}

func TestOptOutRateAlert(t *testing.T) {
	m, store, _ := newMonitor(t)
	ctx := context.Background()
	appendAttempts(t, store, 100, 0)

	for i := 0; i < 3; i++ {
		ev := &model.OptOutEvent{
			ID:         uuid.New(),
			UserID:     uuid.New(),
			Channel:    model.ChannelSMS,
			Kind:       model.OptOutKindOptOut,
			Method:     model.MethodInboundStop,
			OccurredAt: checkTime.Add(-time.Minute),
		}
		if err := store.ApplyTransition(ctx, consent.Transition{OptOut: ev}); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Check(ctx); err != nil {
		t.Fatal(err)
	}
	active, _ := store.ListAlerts(ctx, model.AlertActive)
	var found bool
	for _, a := range active {
		if a.Kind == model.AlertKindOptOutRate && a.Subject == "sms" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected opt_out_rate alert for sms, got %+v", active)
	}
}

func TestRaiseLogWriteFailure(t *testing.T) {
	m, store, _ := newMonitor(t)
	ctx := context.Background()
	entry := model.DeliveryLogEntry{ID: uuid.New(), Queue: "email-digest", Outcome: model.OutcomeSent}

	m.RaiseLogWriteFailure(ctx, entry, errors.New("db down"))
	m.RaiseLogWriteFailure(ctx, entry, errors.New("db down"))

	all, _ := store.ListAlerts(ctx, "")
	if len(all) != 1 {
		t.Fatalf("expected one de-duplicated alert, got %d", len(all))
	}
	if all[0].Kind != model.AlertKindLogWriteFailure || all[0].Severity != model.SeverityCritical {
		t.Errorf("unexpected alert: %+v", all[0])
	}
}

func TestPublishFailureDoesNotFailCheck(t *testing.T) {
	m, store, pub := newMonitor(t)
	pub.err = errors.New("sns unavailable")
	appendAttempts(t, store, 80, 20)

	if err := m.Check(context.Background()); err != nil {
		t.Fatalf("publish errors must not fail the check: %v", err)
	}
	active, _ := store.ListAlerts(context.Background(), model.AlertActive)
	if len(active) == 0 {
		t.Error("alert should still be stored")
	}
}
