package deliverylog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

type mockStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	entries  []model.DeliveryLogEntry
}

func (m *mockStore) AppendAttempt(ctx context.Context, e model.DeliveryLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("connection reset")
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type mockEscalator struct {
	raised []model.DeliveryLogEntry
}

func (m *mockEscalator) RaiseLogWriteFailure(ctx context.Context, e model.DeliveryLogEntry, err error) {
	m.raised = append(m.raised, e)
}

type mockSpiller struct {
	spilled []model.DeliveryLogEntry
}

func (m *mockSpiller) Spill(ctx context.Context, e model.DeliveryLogEntry) error {
	m.spilled = append(m.spilled, e)
	return nil
}

func newRecorder(store Store, esc Escalator, sp Spiller) *Recorder {
	r := NewRecorder(store, esc, sp, Config{}, zap.NewNop())
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func sentAttempt() Attempt {
	return Attempt{
		UserID:      uuid.New(),
		Channel:     model.ChannelSMS,
		AlertType:   model.AlertFraud,
		Outcome:     model.OutcomeSent,
		Latency:     120 * time.Millisecond,
		RequestedAt: time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordAttempt_Success(t *testing.T) {
	store := &mockStore{}
	r := newRecorder(store, nil, nil)

	entry, err := r.RecordAttempt(context.Background(), sentAttempt())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Queue != "sms-critical" {
		t.Errorf("queue = %s, want sms-critical", entry.Queue)
	}
	if entry.ID == uuid.Nil || entry.RecordedAt.IsZero() {
		t.Errorf("entry missing id or recorded_at: %+v", entry)
	}
	if store.count() != 1 {
		t.Errorf("expected 1 entry, got %d", store.count())
	}
}

func TestRecordAttempt_RetriesTransientFailures(t *testing.T) {
	store := &mockStore{failures: 2}
	r := newRecorder(store, nil, nil)

	if _, err := r.RecordAttempt(context.Background(), sentAttempt()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if store.calls != 3 {
		t.Errorf("calls = %d, want 3", store.calls)
	}
}

func TestRecordAttempt_PersistentFailureEscalates(t *testing.T) {
	store := &mockStore{failures: 100}
	esc := &mockEscalator{}
	sp := &mockSpiller{}
	r := newRecorder(store, esc, sp)

	_, err := r.RecordAttempt(context.Background(), sentAttempt())
	if !errors.Is(err, model.ErrLogWrite) {
		t.Fatalf("expected ErrLogWrite, got %v", err)
	}
	var lwe *model.LogWriteError
	if !errors.As(err, &lwe) || lwe.Attempts != 4 {
		t.Errorf("expected LogWriteError after 4 attempts, got %v", err)
	}
	if len(esc.raised) != 1 {
		t.Errorf("expected one escalation, got %d", len(esc.raised))
	}
	if len(sp.spilled) != 1 {
		t.Errorf("expected entry to be spilled, got %d", len(sp.spilled))
	}
}

func TestRecordAttempt_FailedDefaultsTransportError(t *testing.T) {
	r := newRecorder(&mockStore{}, nil, nil)
	a := sentAttempt()
	a.Outcome = model.OutcomeFailed

	entry, err := r.RecordAttempt(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Reason != model.ReasonTransportError {
		t.Errorf("reason = %s, want transport_error", entry.Reason)
	}
}

func TestRecordAttempt_Validation(t *testing.T) {
	r := newRecorder(&mockStore{}, nil, nil)

	tests := []struct {
		name   string
		mutate func(*Attempt)
	}{
		{"missing user", func(a *Attempt) { a.UserID = uuid.Nil }},
		{"bad channel", func(a *Attempt) { a.Channel = "pager" }},
		{"bad alert type", func(a *Attempt) { a.AlertType = "misc" }},
		{"pending is internal", func(a *Attempt) { a.Outcome = model.OutcomePending }},
		{"negative latency", func(a *Attempt) { a.Latency = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := sentAttempt()
			tt.mutate(&a)
			if _, err := r.RecordAttempt(context.Background(), a); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnqueue_RunWritesBufferedEntries(t *testing.T) {
	store := &mockStore{}
	r := newRecorder(store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		r.Enqueue(model.DeliveryLogEntry{ID: uuid.New(), Outcome: model.OutcomeSkipped, Reason: model.ReasonQuietHours})
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if store.count() != 10 {
		t.Errorf("expected 10 entries written, got %d", store.count())
	}
}

func TestSkippedFailureIsNotEscalated(t *testing.T) {
	esc := &mockEscalator{}
	r := newRecorder(&mockStore{failures: 100}, esc, nil)

	err := r.write(context.Background(), model.DeliveryLogEntry{ID: uuid.New(), Outcome: model.OutcomeSkipped})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(esc.raised) != 0 {
		t.Errorf("skipped entries should not raise alerts, got %d", len(esc.raised))
	}
}

func TestReplay(t *testing.T) {
	store := &mockStore{failures: 1}
	r := newRecorder(store, nil, nil)
	e := model.DeliveryLogEntry{ID: uuid.New(), UserID: uuid.New(), Channel: model.ChannelSMS, Outcome: model.OutcomeSent}

	if err := r.Replay(context.Background(), e); err == nil {
		t.Fatal("expected error while the store is down")
	}
	if err := r.Replay(context.Background(), e); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if store.count() != 1 || store.entries[0].ID != e.ID {
		t.Errorf("expected the spilled entry to be stored once, got %d", store.count())
	}
}

// gatedStore blocks every append until release is closed and tracks the
// peak number of concurrent appends.
type gatedStore struct {
	mockStore
	release chan struct{}

	mu     sync.Mutex
	active int
	peak   int
}

func (g *gatedStore) AppendAttempt(ctx context.Context, e model.DeliveryLogEntry) error {
	g.mu.Lock()
	g.active++
	g.peak = max(g.peak, g.active)
	g.mu.Unlock()

	<-g.release

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return g.mockStore.AppendAttempt(ctx, e)
}

func (g *gatedStore) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func TestEnqueue_OverflowIsBoundedAndDrainedOnStop(t *testing.T) {
	store := &gatedStore{release: make(chan struct{})}
	r := NewRecorder(store, nil, nil, Config{BufferSize: 1, OverflowWriters: 2}, zap.NewNop())

	// One entry fills the buffer, the next two occupy both overflow writers.
	for i := 0; i < 3; i++ {
		r.Enqueue(model.DeliveryLogEntry{ID: uuid.New(), Outcome: model.OutcomeSkipped})
	}
	deadline := time.Now().Add(2 * time.Second)
	for store.inFlight() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := store.inFlight(); n != 2 {
		t.Fatalf("expected 2 overflow writers in flight, got %d", n)
	}

	// With every writer busy the caller writes the entry itself.
	inline := make(chan struct{})
	go func() {
		r.Enqueue(model.DeliveryLogEntry{ID: uuid.New(), Outcome: model.OutcomeSkipped})
		close(inline)
	}()
	select {
	case <-inline:
		t.Fatal("enqueue should block while overflow writers are saturated")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	close(store.release)
	<-done
	<-inline

	if store.count() != 4 {
		t.Errorf("expected 4 entries written, got %d", store.count())
	}
	if store.peak > 4 {
		t.Errorf("expected at most 4 concurrent appends, got %d", store.peak)
	}
}
