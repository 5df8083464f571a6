// Package worker runs the background passes that sit beside the request
// path: the batch planner and the frequency cap reconciler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/policy"
)

// Repository is the read side the reconciler needs.
type Repository interface {
	SentGroups(ctx context.Context, from, to time.Time, threshold int) ([]model.CapGroup, error)
	CountSent(ctx context.Context, userID uuid.UUID, ch model.Channel, from, to time.Time) (int, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error)
	GetPreference(ctx context.Context, userID uuid.UUID) (*model.UserPreference, error)
}

// ViolationReporter raises a cap_violation alert.
type ViolationReporter interface {
	RaiseCapViolation(ctx context.Context, g model.CapGroup, limit int) error
}

// CounterRaiser lifts a strict cap counter to at least count.
type CounterRaiser interface {
	Raise(ctx context.Context, key string, count int, ttl time.Duration) (bool, error)
}

// Reconciler finds caps exceeded by the eventually consistent path and
// repairs what it can: it alerts on every over-cap user-local day and
// lifts strict counters that fell behind the log.
type Reconciler struct {
	repo     Repository
	resolver *policy.Resolver
	reporter ViolationReporter
	counter  CounterRaiser
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// Config tunes the reconciliation loop.
type Config struct {
	PollInterval time.Duration
	// Lookback is how far back each pass scans the log.
	Lookback time.Duration
}

// ReconcileResult summarizes one pass.
type ReconcileResult struct {
	Groups     int `json:"groups"`
	Violations int `json:"violations"`
	Raised     int `json:"counters_raised"`
}

// NewReconciler creates a reconciler. counter may be nil when strict caps
// are disabled.
func NewReconciler(repo Repository, resolver *policy.Resolver, reporter ViolationReporter, counter CounterRaiser, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Minute
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = 48 * time.Hour
	}

	return &Reconciler{
		repo:     repo,
		resolver: resolver,
		reporter: reporter,
		counter:  counter,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// Start runs a pass every PollInterval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("cap reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Reconcile runs one pass over the lookback window.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	now := r.now()
	from := now.Add(-r.config.Lookback)
	// Groups are bucketed by UTC day while caps apply per user-local day,
	// and the safe default allows a single send, so every bucket is a
	// candidate and is recounted per user below.
	groups, err := r.repo.SentGroups(ctx, from, now, 0)
	if err != nil {
		return nil, fmt.Errorf("load sent groups: %w", err)
	}

	res := &ReconcileResult{Groups: len(groups)}
	seen := make(map[string]bool)
	for _, g := range groups {
		if err := r.reconcileGroup(ctx, g, now, seen, res); err != nil {
			r.logger.Error("failed to reconcile group",
				zap.String("user_id", g.UserID.String()),
				zap.String("channel", string(g.Channel)),
				zap.Error(err),
			)
		}
	}

	if res.Violations > 0 {
		r.logger.Warn("cap violations found",
			zap.Int("groups", res.Groups),
			zap.Int("violations", res.Violations),
			zap.Int("counters_raised", res.Raised),
		)
	}
	return res, nil
}

// reconcileGroup recounts the user-local days that overlap a UTC bucket.
func (r *Reconciler) reconcileGroup(ctx context.Context, g model.CapGroup, now time.Time, seen map[string]bool, res *ReconcileResult) error {
	profile, err := r.repo.GetProfile(ctx, g.UserID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("load profile: %w", err)
	}
	pref, err := r.repo.GetPreference(ctx, g.UserID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("load preference: %w", err)
	}
	seg, _ := r.resolver.Segment(pref)
	limit := seg.MaxPerDay
	if limit == 0 {
		return nil
	}

	loc := profile.Location()
	for _, t := range []time.Time{g.Day, g.Day.Add(24*time.Hour - time.Nanosecond)} {
		w := authz.WindowsAt(t, loc)
		key := authz.DayCounterKey(g.UserID, g.Channel, w.DayStart)
		if seen[key] {
			continue
		}
		seen[key] = true

		sent, err := r.repo.CountSent(ctx, g.UserID, g.Channel, w.DayStart, w.DayEnd)
		if err != nil {
			return fmt.Errorf("count sent: %w", err)
		}
		if sent <= limit {
			continue
		}

		res.Violations++
		local := model.CapGroup{UserID: g.UserID, Channel: g.Channel, Day: w.DayStart, Sent: sent}
		if err := r.reporter.RaiseCapViolation(ctx, local, limit); err != nil {
			return fmt.Errorf("raise cap violation: %w", err)
		}

		if r.counter != nil && w.DayEnd.After(now) {
			raised, err := r.counter.Raise(ctx, key, sent, w.DayEnd.Sub(now)+time.Hour)
			if err != nil {
				return fmt.Errorf("raise counter: %w", err)
			}
			if raised {
				res.Raised++
			}
		}
	}
	return nil
}
