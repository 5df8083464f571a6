package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

func TestUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC-4", -4*3600)
	got := utcDay(time.Date(2024, 3, 13, 21, 30, 0, 0, loc))
	want := time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("utcDay = %v, want %v", got, want)
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "gk", Database: "gatekeeper", SSLMode: "disable"}
	want := "host=db port=5432 user=gk dbname=gatekeeper sslmode=disable application_name=gatekeeper"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}

	cfg.Password = "secret"
	if got := cfg.DSN(); got != want+" password=secret" {
		t.Errorf("DSN with password = %q", got)
	}
}

func TestNullableAlertType(t *testing.T) {
	if nullableAlertType(nil) != nil {
		t.Error("channel-wide opt-out should map to NULL")
	}
	at := model.AlertPromotion
	if got := nullableAlertType(&at); got == nil || *got != "promotion" {
		t.Errorf("unexpected value %v", got)
	}
}

func TestTransitionSubject(t *testing.T) {
	user := uuid.New()
	tests := []struct {
		name string
		tr   consent.Transition
		want model.Channel
	}{
		{"record", consent.Transition{Record: &model.ConsentRecord{UserID: user, Channel: model.ChannelSMS}}, model.ChannelSMS},
		{"opt-out only", consent.Transition{OptOut: &model.OptOutEvent{UserID: user, Channel: model.ChannelEmail}}, model.ChannelEmail},
		{"events only", consent.Transition{Events: []model.ConsentEvent{{UserID: user, Channel: model.ChannelPush}}}, model.ChannelPush},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ch := transitionSubject(tt.tr)
			if id != user || ch != tt.want {
				t.Errorf("got %s/%s, want %s/%s", id, ch, user, tt.want)
			}
		})
	}
	if id, ch := transitionSubject(consent.Transition{}); id != uuid.Nil || ch != "" {
		t.Error("empty transition should have no subject")
	}
}

// newTestRepository connects to GATEKEEPER_TEST_DATABASE_URL and applies
// the schema. Tests using it are skipped when the variable is unset.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	url := os.Getenv("GATEKEEPER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("GATEKEEPER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	// Migrations carry several statements and need the simple protocol.
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	migrator, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer migrator.Close()

	for _, name := range []string{"0001_init.down.sql", "0001_init.up.sql"} {
		sql, err := os.ReadFile(filepath.Join("..", "..", "migrations", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if _, err := migrator.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply %s: %v", name, err)
		}
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return NewRepository(&DB{pool: pool, logger: zap.NewNop()}, zap.NewNop())
}

func TestRepository_ConsentCompareAndSet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	user := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := model.NewConsentRecord(user, model.ChannelSMS)
	rec.Status = model.ConsentGranted
	rec.Source = model.SourceWebForm
	rec.ConsentedAt = &now
	rec.Version = 1
	grant := model.ConsentEvent{
		ID: uuid.New(), UserID: user, Channel: model.ChannelSMS, Kind: model.ConsentEventGrant,
		StatusAfter: model.ConsentGranted, Source: model.SourceWebForm,
		Evidence: &model.Evidence{IP: "203.0.113.7", CapturedAt: now}, OccurredAt: now,
	}
	enabled := true
	if err := repo.ApplyTransition(ctx, consent.Transition{Record: rec, Events: []model.ConsentEvent{grant}, SetChannel: &enabled}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// A second writer that also read version 0 loses.
	if err := repo.ApplyTransition(ctx, consent.Transition{Record: rec}); !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected version conflict on insert, got %v", err)
	}

	revoked := rec.Clone()
	revoked.Status = model.ConsentRevoked
	revoked.OptedOutAt = &now
	revoked.OptOutMethod = model.MethodInboundStop
	revoked.Version = 2
	optOut := model.OptOutEvent{ID: uuid.New(), UserID: user, Channel: model.ChannelSMS, Kind: model.OptOutKindOptOut, Method: model.MethodInboundStop, OccurredAt: now}
	disabled := false
	if err := repo.ApplyTransition(ctx, consent.Transition{Record: revoked, ExpectedVersion: 1, OptOut: &optOut, SetChannel: &disabled}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := repo.ApplyTransition(ctx, consent.Transition{Record: revoked, ExpectedVersion: 1}); !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected version conflict on update, got %v", err)
	}

	got, err := repo.GetConsent(ctx, user, model.ChannelSMS)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.ConsentRevoked || got.Version != 2 || got.OptOutMethod != model.MethodInboundStop {
		t.Errorf("unexpected record: %+v", got)
	}

	pref, err := repo.GetPreference(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if on, set := pref.ChannelToggle(model.ChannelSMS); !set || on {
		t.Errorf("sms toggle = %v (set %v), want disabled", on, set)
	}

	latest, err := repo.LatestOptOut(ctx, user, model.ChannelSMS, model.AlertPromotion)
	if err != nil || latest == nil || latest.ID != optOut.ID {
		t.Errorf("latest opt-out = %+v (%v)", latest, err)
	}

	events, err := repo.ConsentHistory(ctx, user, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil || len(events) != 1 || events[0].Evidence == nil || events[0].Evidence.IP != "203.0.113.7" {
		t.Errorf("unexpected history %+v (%v)", events, err)
	}
}

func TestRepository_DisableRouteKeepsOtherRoutes(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	user := uuid.New()

	pref := &model.UserPreference{UserID: user}
	pref.SetRoute(model.AlertPromotion, model.ChannelEmail, true)
	if err := repo.UpsertPreference(ctx, pref); err != nil {
		t.Fatal(err)
	}

	at := model.AlertPromotion
	ev := model.OptOutEvent{ID: uuid.New(), UserID: user, Channel: model.ChannelSMS, AlertType: &at, Kind: model.OptOutKindOptOut, Method: model.MethodPreferenceCenter, OccurredAt: time.Now()}
	if err := repo.ApplyTransition(ctx, consent.Transition{OptOut: &ev, DisableRoute: &at}); err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetPreference(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if on, set := got.RouteToggle(model.AlertPromotion, model.ChannelSMS); !set || on {
		t.Error("sms promotion route should be disabled")
	}
	if on, set := got.RouteToggle(model.AlertPromotion, model.ChannelEmail); !set || !on {
		t.Error("email promotion route should be untouched")
	}
}

func TestRepository_DeliveryLog(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	user := uuid.New()
	day := time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)

	entry := model.DeliveryLogEntry{
		ID: uuid.New(), UserID: user, Channel: model.ChannelSMS, AlertType: model.AlertBillReminder,
		Queue: "sms-transactional", Outcome: model.OutcomeSent, RequestedAt: day.Add(time.Hour), Latency: 250 * time.Millisecond,
	}
	for i := 0; i < 2; i++ {
		if err := repo.AppendAttempt(ctx, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	failed := entry
	failed.ID = uuid.New()
	failed.Outcome = model.OutcomeFailed
	failed.Latency = time.Second
	if err := repo.AppendAttempt(ctx, failed); err != nil {
		t.Fatal(err)
	}

	n, err := repo.CountSent(ctx, user, model.ChannelSMS, day, day.Add(24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("count sent = %d (%v), want 1 after a replayed append", n, err)
	}

	stats, err := repo.QueueStats(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	var q *model.QueueStats
	for i := range stats {
		if stats[i].Queue == "sms-transactional" {
			q = &stats[i]
		}
	}
	if q == nil || q.Sent < 1 || q.MaxLatency < time.Second {
		t.Errorf("unexpected queue stats: %+v", stats)
	}

	groups, err := repo.SentGroups(ctx, day, day.Add(24*time.Hour), 0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, g := range groups {
		if g.UserID == user {
			found = g.Sent == 1 && g.Day.Equal(day)
		}
	}
	if !found {
		t.Errorf("missing sent group for user: %+v", groups)
	}
}

func TestRepository_OneOpenAlertPerKey(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &model.Alert{
		ID: uuid.New(), Kind: model.AlertKindQueueErrorRate, Subject: "sms-critical", Severity: model.SeverityMedium,
		Metric: "error_rate", Threshold: 0.1, Value: 0.15, Comparator: model.Above, Status: model.AlertActive, CreatedAt: now,
	}
	tr := model.AlertTransition{ID: uuid.New(), AlertID: a.ID, Kind: a.Kind, Subject: a.Subject, Severity: a.Severity, To: model.AlertActive, Actor: "monitor", OccurredAt: now}
	if err := repo.InsertAlert(ctx, a, tr); err != nil {
		t.Fatal(err)
	}

	dup := *a
	dup.ID = uuid.New()
	tr.ID, tr.AlertID = uuid.New(), dup.ID
	if err := repo.InsertAlert(ctx, &dup, tr); !errors.Is(err, model.ErrAlertOpen) {
		t.Fatalf("expected ErrAlertOpen, got %v", err)
	}

	resolved := *a
	resolved.Status = model.AlertResolved
	resolved.ResolvedAt = &now
	resolved.ResolvedBy = "oncall"
	rtr := model.AlertTransition{ID: uuid.New(), AlertID: a.ID, Kind: a.Kind, Subject: a.Subject, Severity: a.Severity, From: model.AlertActive, To: model.AlertResolved, Actor: "oncall", OccurredAt: now}
	if err := repo.UpdateAlert(ctx, &resolved, model.AlertActive, rtr); err != nil {
		t.Fatal(err)
	}
	rtr.ID = uuid.New()
	if err := repo.UpdateAlert(ctx, &resolved, model.AlertActive, rtr); !errors.Is(err, model.ErrVersionConflict) {
		t.Errorf("expected version conflict, got %v", err)
	}
	if err := repo.UpdateAlert(ctx, &model.Alert{ID: uuid.New()}, model.AlertActive, rtr); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	if _, err := repo.GetOpenAlert(ctx, a.Key()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("resolved alert should not be open, got %v", err)
	}
	trs, err := repo.ListAlertTransitions(ctx, now.Add(-time.Second), 0)
	if err != nil || len(trs) != 2 {
		t.Errorf("transitions = %d (%v), want 2", len(trs), err)
	}
}
