package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/metrics"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/policy"
)

// StateReader is the read side of the stores a decision depends on.
type StateReader interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error)
	GetPreference(ctx context.Context, userID uuid.UUID) (*model.UserPreference, error)
	GetConsent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.ConsentRecord, error)
	LatestOptOut(ctx context.Context, userID uuid.UUID, ch model.Channel, at model.AlertType) (*model.OptOutEvent, error)
	CountSent(ctx context.Context, userID uuid.UUID, ch model.Channel, from, to time.Time) (int, error)
	LastSent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*time.Time, error)
}

// Guard reports (user, channel) pairs with an unresolved consent write.
type Guard interface {
	Blocked(ctx context.Context, userID uuid.UUID, ch model.Channel) (bool, error)
}

// CapCounter atomically reserves one send against a window count.
// seed returns the authoritative count when the counter is cold.
type CapCounter interface {
	Reserve(ctx context.Context, key string, limit int, ttl time.Duration, seed func() (int, error)) (bool, error)
}

// AttemptLogger receives skipped and pending entries for the delivery log.
type AttemptLogger interface {
	Enqueue(entry model.DeliveryLogEntry)
}

// Service loads decision state and applies Authorize.
type Service struct {
	state    StateReader
	resolver *policy.Resolver
	guard    Guard
	counter  CapCounter
	log      AttemptLogger
	strict   map[model.AlertType]bool
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithGuard enables fail-closed checks for unresolved consent writes.
func WithGuard(g Guard) Option { return func(s *Service) { s.guard = g } }

// WithStrictCaps enables atomic daily cap reservation for the given types.
func WithStrictCaps(c CapCounter, types []model.AlertType) Option {
	return func(s *Service) {
		s.counter = c
		for _, t := range types {
			s.strict[t] = true
		}
	}
}

// WithAttemptLogger records every decision in the delivery log.
func WithAttemptLogger(l AttemptLogger) Option { return func(s *Service) { s.log = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates an authorization service.
func NewService(state StateReader, resolver *policy.Resolver, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		state:    state,
		resolver: resolver,
		strict:   make(map[model.AlertType]bool),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Authorize decides req against current state. Any failure to read state
// yields Deny(state_unavailable); the error return is reserved for invalid
// requests.
func (s *Service) Authorize(ctx context.Context, req Request) (Decision, error) {
	if err := validate(req); err != nil {
		return Decision{}, err
	}
	if req.Now.IsZero() {
		req.Now = s.now()
	}
	start := time.Now()

	d, snap := s.decide(ctx, req)
	s.record(req, d, snap)

	metrics.RecordDecision(string(d.Verdict), string(d.Reason), string(req.Channel), time.Since(start))
	return d, nil
}

func (s *Service) decide(ctx context.Context, req Request) (Decision, *Snapshot) {
	if s.guard != nil {
		blocked, err := s.guard.Blocked(ctx, req.UserID, req.Channel)
		if err != nil || blocked {
			cause := "pending_consent_write"
			if err != nil {
				cause = "guard_unavailable"
				s.logger.Error("fail-closed guard unavailable", zap.String("user_id", req.UserID.String()), zap.Error(err))
			}
			metrics.RecordFailClosed(cause)
			return FailClosed(req.Now), nil
		}
	}

	snap, err := s.Load(ctx, req)
	if err != nil {
		s.logger.Error("failed to load authorization state, denying",
			zap.String("user_id", req.UserID.String()),
			zap.String("channel", string(req.Channel)),
			zap.Error(err),
		)
		metrics.RecordFailClosed("load_failed")
		return FailClosed(req.Now), nil
	}

	d := Authorize(req, snap)
	if d.Allowed() && s.strict[req.AlertType] {
		d = s.reserve(ctx, req, snap)
	}
	return d, &snap
}

// reserve closes the race between concurrent allows by counting the send
// before it happens. A failed reservation denies rather than risk the cap.
func (s *Service) reserve(ctx context.Context, req Request, snap Snapshot) Decision {
	if s.counter == nil {
		return allow(req.Now)
	}
	eff := policy.Resolve(snap.Preference, snap.Segment, req.Channel, req.AlertType)
	if eff.Cap.PerDay == 0 {
		return allow(req.Now)
	}

	loc := snap.Location()
	w := WindowsAt(req.Now, loc)
	key := DayCounterKey(req.UserID, req.Channel, w.DayStart)
	ttl := w.DayEnd.Sub(req.Now) + time.Hour

	ok, err := s.counter.Reserve(ctx, key, eff.Cap.PerDay, ttl, func() (int, error) {
		return s.state.CountSent(ctx, req.UserID, req.Channel, w.DayStart, w.DayEnd)
	})
	if err != nil {
		s.logger.Error("strict cap reservation failed, denying", zap.String("key", key), zap.Error(err))
		metrics.RecordFailClosed("cap_counter")
		return FailClosed(req.Now)
	}
	if !ok {
		return delay(req.Now, model.ReasonDailyCap, w.DayEnd)
	}
	return allow(req.Now)
}

// DayCounterKey is the strict cap counter key for one user-local day.
func DayCounterKey(userID uuid.UUID, ch model.Channel, dayStart time.Time) string {
	return fmt.Sprintf("cap:%s:%s:%s", userID, ch, dayStart.Format("2006-01-02"))
}

// Load reads everything Authorize needs for req.
func (s *Service) Load(ctx context.Context, req Request) (Snapshot, error) {
	var snap Snapshot

	profile, err := s.state.GetProfile(ctx, req.UserID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return snap, fmt.Errorf("load profile: %w", err)
	}
	snap.Profile = profile

	pref, err := s.state.GetPreference(ctx, req.UserID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return snap, fmt.Errorf("load preference: %w", err)
	}
	snap.Preference = pref

	seg, err := s.resolver.Segment(pref)
	if err != nil {
		s.logger.Warn("segment lookup fell back to safe default",
			zap.String("user_id", req.UserID.String()),
			zap.Error(err),
		)
		snap.SegmentFallback = true
	}
	snap.Segment = seg

	rec, err := s.state.GetConsent(ctx, req.UserID, req.Channel)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return snap, fmt.Errorf("load consent: %w", err)
	}
	snap.Consent = rec

	optOut, err := s.state.LatestOptOut(ctx, req.UserID, req.Channel, req.AlertType)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return snap, fmt.Errorf("load opt-out history: %w", err)
	}
	snap.LatestOptOut = optOut

	w := WindowsAt(req.Now, snap.Location())
	if snap.SentToday, err = s.state.CountSent(ctx, req.UserID, req.Channel, w.DayStart, w.DayEnd); err != nil {
		return snap, fmt.Errorf("count sent today: %w", err)
	}
	if snap.SentThisWeek, err = s.state.CountSent(ctx, req.UserID, req.Channel, w.WeekStart, w.WeekEnd); err != nil {
		return snap, fmt.Errorf("count sent this week: %w", err)
	}

	if snap.Segment.AutoOptOutAfter > 0 {
		last, err := s.state.LastSent(ctx, req.UserID, req.Channel)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return snap, fmt.Errorf("load last send: %w", err)
		}
		snap.LastSentAt = last
	}

	return snap, nil
}

// record hands the decision to the delivery log: allows as pending, denials
// and delays as skipped with their reason.
func (s *Service) record(req Request, d Decision, snap *Snapshot) {
	if s.log == nil {
		return
	}
	entry := model.DeliveryLogEntry{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Channel:     req.Channel,
		AlertType:   req.AlertType,
		Queue:       model.QueueName(req.Channel, req.AlertType),
		Outcome:     model.OutcomeSkipped,
		Reason:      d.Reason,
		RequestedAt: req.Now,
	}
	if d.Allowed() {
		entry.Outcome = model.OutcomePending
	}
	if d.Until != nil {
		entry.Detail = "until " + d.Until.UTC().Format(time.RFC3339)
	}
	if snap != nil && snap.SegmentFallback {
		if entry.Detail != "" {
			entry.Detail += "; "
		}
		entry.Detail += "segment fallback"
	}
	s.log.Enqueue(entry)
}

func validate(req Request) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", model.ErrInvalidRequest)
	}
	if !req.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %q", model.ErrInvalidRequest, req.Channel)
	}
	if !req.AlertType.Valid() {
		return fmt.Errorf("%w: invalid alert type %q", model.ErrInvalidRequest, req.AlertType)
	}
	return nil
}
