// Package health summarizes the delivery log per logical queue and raises,
// de-duplicates and resolves operational alerts.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/metrics"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Store is the aggregation and alert persistence the monitor needs.
type Store interface {
	QueueStats(ctx context.Context, from, to time.Time) ([]model.QueueStats, error)
	OptOutStats(ctx context.Context, from, to time.Time) ([]model.ChannelOptOutStats, error)
	AlertStore
}

// Publisher forwards alert transitions to the external observability
// collaborator.
type Publisher interface {
	PublishTransition(ctx context.Context, tr model.AlertTransition) error
}

// Config holds thresholds and score weights.
type Config struct {
	Window               time.Duration
	ErrorRateThreshold   float64
	HealthScoreThreshold float64
	OptOutRateThreshold  float64
	MinSamples           int

	ErrorWeight   float64
	LatencyWeight float64
	BacklogWeight float64

	// LatencyTarget and BacklogTarget are the levels above which latency
	// and depth start costing score.
	LatencyTarget time.Duration
	BacklogTarget int
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig() Config {
	return Config{
		Window:               time.Hour,
		ErrorRateThreshold:   0.10,
		HealthScoreThreshold: 60,
		OptOutRateThreshold:  0.02,
		MinSamples:           20,
		ErrorWeight:          0.6,
		LatencyWeight:        0.2,
		BacklogWeight:        0.2,
		LatencyTarget:        2 * time.Second,
		BacklogTarget:        100,
	}
}

// Monitor recomputes queue snapshots and drives metric alerts.
type Monitor struct {
	store     Store
	alerts    *Alerts
	config    Config
	logger    *zap.Logger
	now       func() time.Time
	mu        sync.RWMutex
	snapshots map[string]model.QueueHealthSnapshot
}

// NewMonitor creates a monitor. publisher may be nil.
func NewMonitor(store Store, publisher Publisher, cfg Config, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = def.ErrorRateThreshold
	}
	if cfg.HealthScoreThreshold <= 0 {
		cfg.HealthScoreThreshold = def.HealthScoreThreshold
	}
	if cfg.OptOutRateThreshold <= 0 {
		cfg.OptOutRateThreshold = def.OptOutRateThreshold
	}
	if cfg.ErrorWeight+cfg.LatencyWeight+cfg.BacklogWeight == 0 {
		cfg.ErrorWeight, cfg.LatencyWeight, cfg.BacklogWeight = def.ErrorWeight, def.LatencyWeight, def.BacklogWeight
	}
	if cfg.LatencyTarget <= 0 {
		cfg.LatencyTarget = def.LatencyTarget
	}
	if cfg.BacklogTarget <= 0 {
		cfg.BacklogTarget = def.BacklogTarget
	}

	m := &Monitor{
		store:     store,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		snapshots: make(map[string]model.QueueHealthSnapshot),
	}
	m.alerts = NewAlerts(store, publisher, logger)
	m.alerts.now = func() time.Time { return m.now() }
	return m
}

// SetClock overrides time.Now, for tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Alerts returns the alert lifecycle manager the monitor writes through.
func (m *Monitor) Alerts() *Alerts { return m.alerts }

// Check recomputes every queue snapshot over the trailing window and
// evaluates queue and opt-out rate thresholds.
func (m *Monitor) Check(ctx context.Context) error {
	now := m.now()
	from := now.Add(-m.config.Window)

	stats, err := m.store.QueueStats(ctx, from, now)
	if err != nil {
		return fmt.Errorf("load queue stats: %w", err)
	}

	var errs []error
	for _, st := range stats {
		snap := m.Summarize(st, now)
		m.mu.Lock()
		m.snapshots[st.Queue] = snap
		m.mu.Unlock()
		metrics.SetQueueHealth(snap.Queue, snap.HealthScore, snap.ErrorRate, snap.Depth)

		if err := m.evaluateQueue(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}

	if err := m.checkOptOutRates(ctx, from, now); err != nil {
		errs = append(errs, err)
	}

	m.logger.Debug("queue health check complete", zap.Int("queues", len(stats)))
	return errors.Join(errs...)
}

// Summarize derives a snapshot from raw queue aggregates.
func (m *Monitor) Summarize(st model.QueueStats, now time.Time) model.QueueHealthSnapshot {
	processed := st.Sent + st.Failed
	snap := model.QueueHealthSnapshot{
		Queue:      st.Queue,
		Pending:    st.Pending,
		Processed:  processed,
		Failed:     st.Failed,
		Skipped:    st.Skipped,
		MaxLatency: st.MaxLatency,
		Throughput: float64(processed) / m.config.Window.Minutes(),
		CheckedAt:  now,
	}
	if d := st.Pending - processed; d > 0 {
		snap.Depth = d
	}
	if processed > 0 {
		snap.AvgLatency = st.TotalLatency / time.Duration(processed)
		snap.ErrorRate = float64(st.Failed) / float64(processed)
	}
	snap.HealthScore = m.score(snap)
	return snap
}

// score combines error rate, latency and backlog into 0..100. Each factor
// costs its weight in full once it is far enough past its target.
func (m *Monitor) score(s model.QueueHealthSnapshot) float64 {
	c := m.config
	errPenalty := math.Min(s.ErrorRate/0.25, 1)

	var latPenalty float64
	if s.AvgLatency > c.LatencyTarget {
		latPenalty = math.Min(float64(s.AvgLatency-c.LatencyTarget)/float64(3*c.LatencyTarget), 1)
	}

	var backlogPenalty float64
	if s.Depth > c.BacklogTarget {
		backlogPenalty = math.Min(float64(s.Depth-c.BacklogTarget)/float64(3*c.BacklogTarget), 1)
	}

	total := c.ErrorWeight + c.LatencyWeight + c.BacklogWeight
	penalty := (c.ErrorWeight*errPenalty + c.LatencyWeight*latPenalty + c.BacklogWeight*backlogPenalty) / total
	return math.Round((100*(1-penalty))*10) / 10
}

func (m *Monitor) evaluateQueue(ctx context.Context, s model.QueueHealthSnapshot) error {
	// Too little traffic to judge; leave any open alert as it is.
	if s.Processed < m.config.MinSamples {
		return nil
	}

	var errs []error
	errs = append(errs, m.alerts.Evaluate(ctx, Reading{
		Kind:       model.AlertKindQueueErrorRate,
		Subject:    s.Queue,
		Metric:     "error_rate",
		Value:      s.ErrorRate,
		Threshold:  m.config.ErrorRateThreshold,
		Comparator: model.Above,
		Message: fmt.Sprintf("queue %s error rate %.1f%% (%d/%d) exceeds %.1f%%",
			s.Queue, 100*s.ErrorRate, s.Failed, s.Processed, 100*m.config.ErrorRateThreshold),
	}))
	errs = append(errs, m.alerts.Evaluate(ctx, Reading{
		Kind:       model.AlertKindQueueHealthScore,
		Subject:    s.Queue,
		Metric:     "health_score",
		Value:      s.HealthScore,
		Threshold:  m.config.HealthScoreThreshold,
		Comparator: model.Below,
		Message: fmt.Sprintf("queue %s health score %.1f below %.0f",
			s.Queue, s.HealthScore, m.config.HealthScoreThreshold),
	}))
	return errors.Join(errs...)
}

func (m *Monitor) checkOptOutRates(ctx context.Context, from, to time.Time) error {
	stats, err := m.store.OptOutStats(ctx, from, to)
	if err != nil {
		return fmt.Errorf("load opt-out stats: %w", err)
	}

	var errs []error
	for _, st := range stats {
		if st.Attempts < m.config.MinSamples {
			continue
		}
		rate := float64(st.OptOuts) / float64(st.Attempts)
		errs = append(errs, m.alerts.Evaluate(ctx, Reading{
			Kind:       model.AlertKindOptOutRate,
			Subject:    string(st.Channel),
			Metric:     "opt_out_rate",
			Value:      rate,
			Threshold:  m.config.OptOutRateThreshold,
			Comparator: model.Above,
			Message: fmt.Sprintf("%s opt-out rate %.2f%% (%d/%d) exceeds %.2f%%",
				st.Channel, 100*rate, st.OptOuts, st.Attempts, 100*m.config.OptOutRateThreshold),
		}))
	}
	return errors.Join(errs...)
}

// Snapshots returns the latest snapshot of every queue seen so far.
func (m *Monitor) Snapshots() []model.QueueHealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.QueueHealthSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}

// RaiseLogWriteFailure opens a log_write_failure alert for the entry's
// queue. Lost sent entries are critical: caps under-count until repaired.
func (m *Monitor) RaiseLogWriteFailure(ctx context.Context, e model.DeliveryLogEntry, cause error) {
	sev := model.SeverityHigh
	if e.Outcome == model.OutcomeSent {
		sev = model.SeverityCritical
	}
	err := m.alerts.Raise(ctx, Reading{
		Kind:       model.AlertKindLogWriteFailure,
		Subject:    e.Queue,
		Metric:     "log_write_failures",
		Value:      1,
		Threshold:  0,
		Comparator: model.Above,
		Message:    fmt.Sprintf("delivery log entry %s (%s, %s) not written: %v", e.ID, e.Queue, e.Outcome, cause),
	}, sev)
	if err != nil {
		m.logger.Error("failed to raise log write failure alert", zap.String("entry_id", e.ID.String()), zap.Error(err))
	}
}

// RaiseCapViolation opens a cap_violation alert for a user/channel/day
// that was sent more than its daily cap.
func (m *Monitor) RaiseCapViolation(ctx context.Context, g model.CapGroup, limit int) error {
	return m.alerts.Raise(ctx, Reading{
		Kind:       model.AlertKindCapViolation,
		Subject:    fmt.Sprintf("%s:%s:%s", g.UserID, g.Channel, g.Day.Format("2006-01-02")),
		Metric:     "sent_per_day",
		Value:      float64(g.Sent),
		Threshold:  float64(limit),
		Comparator: model.Above,
		Message:    fmt.Sprintf("user %s received %d %s messages on %s, cap %d", g.UserID, g.Sent, g.Channel, g.Day.Format("2006-01-02"), limit),
	}, model.SeverityFor(float64(g.Sent), float64(limit), model.Above))
}
