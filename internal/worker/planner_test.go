package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/policy"
	"github.com/lalithlochan/gatekeeper/internal/redis"
	"github.com/lalithlochan/gatekeeper/internal/store/memory"
)

var planTime = time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)

type countingLog struct {
	mu      sync.Mutex
	entries []model.DeliveryLogEntry
}

func (l *countingLog) Enqueue(e model.DeliveryLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *countingLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// cancellingAuthorizer cancels the run after a fixed number of decisions.
type cancellingAuthorizer struct {
	*authz.Service
	after  int
	calls  int
	cancel context.CancelFunc
}

func (a *cancellingAuthorizer) Authorize(ctx context.Context, req authz.Request) (authz.Decision, error) {
	a.calls++
	d, err := a.Service.Authorize(ctx, req)
	if a.calls == a.after {
		a.cancel()
	}
	return d, err
}

type plannerHarness struct {
	store *memory.Store
	log   *countingLog
	svc   *authz.Service
	dedup *redis.IdempotencyService
	users []uuid.UUID
}

func newPlannerHarness(t *testing.T, users int) *plannerHarness {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client := redis.NewFromRedis(rdb, zap.NewNop())

	seg := model.SegmentPolicy{Name: "standard", DefaultChannel: model.ChannelSMS, MaxPerDay: 5, MaxPerWeek: 20}
	resolver := policy.NewResolver(policy.NewTable([]model.SegmentPolicy{seg}), "standard", zap.NewNop())

	h := &plannerHarness{
		store: memory.New(),
		log:   &countingLog{},
		dedup: redis.NewIdempotencyService(client, zap.NewNop()),
	}
	ledger := consent.NewLedger(h.store, h.store, h.store, resolver, h.store, memory.NewMarker(), zap.NewNop())
	ledger.SetClock(func() time.Time { return planTime.Add(-time.Hour) })

	for i := 0; i < users; i++ {
		id := uuid.New()
		if err := h.store.UpsertProfile(ctx, &model.UserProfile{UserID: id, Timezone: "UTC", Phone: fmt.Sprintf("+1555000000%d", i), PhoneVerified: true}); err != nil {
			t.Fatal(err)
		}
		if _, err := ledger.GrantConsent(ctx, consent.GrantRequest{
			UserID:   id,
			Channel:  model.ChannelSMS,
			Source:   model.SourceWebForm,
			Evidence: model.Evidence{IP: "203.0.113.7", UserAgent: "test"},
		}); err != nil {
			t.Fatal(err)
		}
		h.users = append(h.users, id)
	}
	sort.Slice(h.users, func(i, j int) bool { return bytes.Compare(h.users[i][:], h.users[j][:]) < 0 })

	h.svc = authz.NewService(h.store, resolver, zap.NewNop(),
		authz.WithAttemptLogger(h.log),
		authz.WithClock(func() time.Time { return planTime }),
	)
	return h
}

func planRequest() PlanRequest {
	return PlanRequest{
		Channels:   []model.Channel{model.ChannelSMS},
		AlertTypes: []model.AlertType{model.AlertFraud, model.AlertBillReminder},
	}
}

func TestPlan_Pages(t *testing.T) {
	h := newPlannerHarness(t, 3)
	p := NewPlanner(h.svc, h.store, h.dedup, PlannerConfig{PageSize: 2}, zap.NewNop())
	ctx := context.Background()

	page, err := p.Plan(ctx, planRequest())
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page.Results) != 4 || page.Done {
		t.Fatalf("expected 4 results and more pages, got %d done=%v", len(page.Results), page.Done)
	}
	if page.NextCursor != h.users[1] {
		t.Errorf("cursor = %s, want second user %s", page.NextCursor, h.users[1])
	}
	for _, r := range page.Results {
		if !r.Decision.Allowed() {
			t.Errorf("expected allow for %s/%s, got %+v", r.UserID, r.AlertType, r.Decision)
		}
	}

	req := planRequest()
	req.Cursor = page.NextCursor
	page, err = p.Plan(ctx, req)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page.Results) != 2 || !page.Done {
		t.Fatalf("expected final page with 2 results, got %d done=%v", len(page.Results), page.Done)
	}
	if page.Results[0].UserID != h.users[2] {
		t.Errorf("second page should start at the third user")
	}
}

func TestPlan_RerunIsAnsweredFromCache(t *testing.T) {
	h := newPlannerHarness(t, 2)
	p := NewPlanner(h.svc, h.store, h.dedup, PlannerConfig{}, zap.NewNop())
	ctx := context.Background()

	first, err := p.Plan(ctx, planRequest())
	if err != nil {
		t.Fatal(err)
	}
	logged := h.log.count()
	if logged != 4 {
		t.Fatalf("expected 4 logged decisions, got %d", logged)
	}

	second, err := p.Plan(ctx, planRequest())
	if err != nil {
		t.Fatal(err)
	}
	if h.log.count() != logged {
		t.Errorf("rerun logged %d extra decisions", h.log.count()-logged)
	}
	for i, r := range second.Results {
		if !r.Cached {
			t.Errorf("result %d should be cached", i)
		}
		if r.Decision.Verdict != first.Results[i].Decision.Verdict {
			t.Errorf("result %d verdict changed: %s -> %s", i, first.Results[i].Decision.Verdict, r.Decision.Verdict)
		}
	}
}

func TestPlan_CancelledRunResumesWithoutDoubleCounting(t *testing.T) {
	h := newPlannerHarness(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel in the middle of the second user.
	a := &cancellingAuthorizer{Service: h.svc, after: 3, cancel: cancel}
	p := NewPlanner(a, h.store, h.dedup, PlannerConfig{}, zap.NewNop())

	page, err := p.Plan(ctx, planRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if page.NextCursor != h.users[0] {
		t.Fatalf("cursor should point at the last completed user")
	}
	if len(page.Results) != 2 {
		t.Fatalf("expected results of the first user only, got %d", len(page.Results))
	}

	req := planRequest()
	req.Cursor = page.NextCursor
	resumed, err := NewPlanner(h.svc, h.store, h.dedup, PlannerConfig{}, zap.NewNop()).Plan(context.Background(), req)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed.Results) != 4 || !resumed.Done {
		t.Fatalf("expected the remaining 4 items, got %d done=%v", len(resumed.Results), resumed.Done)
	}
	if !resumed.Results[0].Cached {
		t.Error("item evaluated before the cancel should come from the cache")
	}
	if h.log.count() != 6 {
		t.Errorf("expected each of 6 items logged once, got %d", h.log.count())
	}
}

func TestPlan_DelayCarriesSendTime(t *testing.T) {
	h := newPlannerHarness(t, 1)
	ctx := context.Background()
	user := h.users[0]
	for i := 0; i < 5; i++ {
		if err := h.store.AppendAttempt(ctx, model.DeliveryLogEntry{
			ID: uuid.New(), UserID: user, Channel: model.ChannelSMS, AlertType: model.AlertBillReminder,
			Outcome: model.OutcomeSent, RequestedAt: planTime.Add(-time.Duration(i+1) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	p := NewPlanner(h.svc, h.store, nil, PlannerConfig{}, zap.NewNop())
	req := planRequest()
	req.AlertTypes = []model.AlertType{model.AlertBillReminder}
	page, err := p.Plan(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	r := page.Results[0]
	if r.Decision.Verdict != authz.VerdictDelay || r.Decision.Reason != model.ReasonDailyCap {
		t.Fatalf("expected daily cap delay, got %+v", r.Decision)
	}
	if r.SendAt == nil || r.SendAt.Before(time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("send_at should be on the next day, got %v", r.SendAt)
	}
}

func TestPlan_Validation(t *testing.T) {
	p := NewPlanner(nil, nil, nil, PlannerConfig{}, zap.NewNop())
	tests := []struct {
		name string
		req  PlanRequest
	}{
		{"no channels", PlanRequest{AlertTypes: []model.AlertType{model.AlertFraud}}},
		{"no alert types", PlanRequest{Channels: []model.Channel{model.ChannelSMS}}},
		{"bad channel", PlanRequest{Channels: []model.Channel{"fax"}, AlertTypes: []model.AlertType{model.AlertFraud}}},
		{"bad alert type", PlanRequest{Channels: []model.Channel{model.ChannelSMS}, AlertTypes: []model.AlertType{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Plan(context.Background(), tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
