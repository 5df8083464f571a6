// Package consent implements the consent ledger: the per-user, per-channel
// opt-in/opt-out state machine and its audit trail.
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/metrics"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/policy"
)

const maxCASAttempts = 5

// GrantRequest is a fresh consent capture.
type GrantRequest struct {
	UserID   uuid.UUID           `json:"user_id"`
	Channel  model.Channel       `json:"channel"`
	Source   model.ConsentSource `json:"source"`
	Evidence model.Evidence      `json:"evidence"`
}

// RevokeRequest is an opt-out of a whole channel.
type RevokeRequest struct {
	UserID  uuid.UUID     `json:"user_id"`
	Channel model.Channel `json:"channel"`
	Method  model.Method  `json:"method"`
	Reason  string        `json:"reason"`
}

// ReEngageRequest restores a revoked channel. Grant must carry its own
// source and evidence; there is no way to re-engage without one.
type ReEngageRequest struct {
	Grant  *GrantRequest `json:"grant"`
	Method model.Method  `json:"method"`
}

// AlertTypeOptOutRequest opts out of one alert type on a channel while
// leaving channel consent intact.
type AlertTypeOptOutRequest struct {
	UserID    uuid.UUID       `json:"user_id"`
	Channel   model.Channel   `json:"channel"`
	AlertType model.AlertType `json:"alert_type"`
	Method    model.Method    `json:"method"`
	Reason    string          `json:"reason"`
}

// Status is the answer to Query.
type Status struct {
	Record        *model.ConsentRecord `json:"record"`
	CooldownUntil *time.Time           `json:"cooldown_until,omitempty"`
	Segment       string               `json:"segment"`
}

// Ledger applies consent transitions.
type Ledger struct {
	store    Store
	profiles ProfileSource
	prefs    PreferenceReader
	resolver *policy.Resolver
	counter  SendCounter
	marker   Marker
	logger   *zap.Logger
	now      func() time.Time
}

// NewLedger creates a consent ledger. counter and marker may be nil.
func NewLedger(store Store, profiles ProfileSource, prefs PreferenceReader, resolver *policy.Resolver, counter SendCounter, marker Marker, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:    store,
		profiles: profiles,
		prefs:    prefs,
		resolver: resolver,
		counter:  counter,
		marker:   marker,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// GrantConsent records a consent grant. Granting a channel whose consent is
// still in force changes nothing but still appends the evidence as a
// redundant event. An expired or inactive grant is renewed. A revoked
// channel can only be restored through ReEngage.
func (l *Ledger) GrantConsent(ctx context.Context, req GrantRequest) (*model.ConsentRecord, error) {
	if err := validateGrant(req); err != nil {
		return nil, err
	}
	profile, err := l.verify(ctx, req.UserID, req.Channel)
	if err != nil {
		return nil, err
	}
	seg := l.segment(ctx, req.UserID)
	lastSent, err := l.lastSent(ctx, req.UserID, req.Channel)
	if err != nil {
		return nil, err
	}

	return l.apply(ctx, req.UserID, req.Channel, func(cur *model.ConsentRecord, now time.Time) (*Transition, error) {
		if cur.Status == model.ConsentRevoked {
			return nil, &model.ConsentError{Err: model.ErrRevokedWithoutNewGrant, UserID: req.UserID, Channel: req.Channel}
		}
		if cur.GrantedAt(now) && !authz.Inactive(cur, seg, lastSent, now) {
			return &Transition{Events: []model.ConsentEvent{grantEvent(req, cur.Status, now, true)}}, nil
		}

		next := granted(cur, req, profile, seg, now)
		return &Transition{
			Record:          next,
			ExpectedVersion: cur.Version,
			Events:          []model.ConsentEvent{grantEvent(req, next.Status, now, false)},
		}, nil
	})
}

// RevokeConsent opts the user out of a channel, disables the channel in
// their preferences and appends an opt-out event. Revoking an already
// revoked channel succeeds and appends redundant audit events.
func (l *Ledger) RevokeConsent(ctx context.Context, req RevokeRequest) (*model.ConsentRecord, error) {
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("%w: invalid channel %q", model.ErrInvalidRequest, req.Channel)
	}
	if req.Method == "" {
		req.Method = model.MethodAPI
	}

	// Sends are blocked from here until the revoke is stored; apply clears
	// the mark on success.
	l.markPending(ctx, req.UserID, req.Channel)

	return l.apply(ctx, req.UserID, req.Channel, func(cur *model.ConsentRecord, now time.Time) (*Transition, error) {
		redundant := cur.Status == model.ConsentRevoked
		optOut := &model.OptOutEvent{
			ID:         uuid.New(),
			UserID:     req.UserID,
			Channel:    req.Channel,
			Kind:       model.OptOutKindOptOut,
			Reason:     req.Reason,
			Method:     req.Method,
			Redundant:  redundant,
			OccurredAt: now,
		}
		event := model.ConsentEvent{
			ID:             uuid.New(),
			UserID:         req.UserID,
			Channel:        req.Channel,
			Kind:           model.ConsentEventRevoke,
			StatusAfter:    model.ConsentRevoked,
			Method:         req.Method,
			Reason:         req.Reason,
			Redundant:      redundant,
			LinkedOptOutID: &optOut.ID,
			OccurredAt:     now,
		}

		if redundant {
			return &Transition{Events: []model.ConsentEvent{event}, OptOut: optOut}, nil
		}

		next := cur.Clone()
		next.Status = model.ConsentRevoked
		next.OptedOutAt = &now
		next.OptOutReason = req.Reason
		next.OptOutMethod = req.Method
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}

		disabled := false
		return &Transition{
			Record:          next,
			ExpectedVersion: cur.Version,
			Events:          []model.ConsentEvent{event},
			OptOut:          optOut,
			SetChannel:      &disabled,
		}, nil
	})
}

// ReEngage restores a revoked channel with a fresh grant and links a
// re-engagement marker to the opt-out it supersedes. The channel is
// re-enabled in the user's preferences. Channels that are not revoked are
// simply granted.
func (l *Ledger) ReEngage(ctx context.Context, req ReEngageRequest) (*model.ConsentRecord, error) {
	if req.Grant == nil || req.Grant.Source == "" || isZeroEvidence(req.Grant.Evidence) {
		var userID uuid.UUID
		var ch model.Channel
		if req.Grant != nil {
			userID, ch = req.Grant.UserID, req.Grant.Channel
		}
		return nil, &model.ConsentError{Err: model.ErrRevokedWithoutNewGrant, UserID: userID, Channel: ch}
	}
	grant := *req.Grant
	if err := validateGrant(grant); err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = model.MethodAPI
	}

	cur, err := l.store.GetConsent(ctx, grant.UserID, grant.Channel)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		l.markUnresolved(ctx, grant.UserID, grant.Channel, err)
		return nil, fmt.Errorf("load consent: %w", err)
	}
	if cur == nil || cur.Status != model.ConsentRevoked {
		return l.GrantConsent(ctx, grant)
	}

	profile, err := l.verify(ctx, grant.UserID, grant.Channel)
	if err != nil {
		return nil, err
	}
	seg := l.segment(ctx, grant.UserID)

	prior, err := l.store.LatestOptOut(ctx, grant.UserID, grant.Channel, "")
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		l.markUnresolved(ctx, grant.UserID, grant.Channel, err)
		return nil, fmt.Errorf("load prior opt-out: %w", err)
	}

	return l.apply(ctx, grant.UserID, grant.Channel, func(cur *model.ConsentRecord, now time.Time) (*Transition, error) {
		if cur.Status != model.ConsentRevoked {
			return &Transition{Events: []model.ConsentEvent{grantEvent(grant, cur.Status, now, cur.Status == model.ConsentGranted)}}, nil
		}

		next := granted(cur, grant, profile, seg, now)
		next.ReEngagedAt = &now
		next.ReEngageMethod = req.Method

		marker := &model.OptOutEvent{
			ID:         uuid.New(),
			UserID:     grant.UserID,
			Channel:    grant.Channel,
			Kind:       model.OptOutKindReEngagement,
			Method:     req.Method,
			OccurredAt: now,
		}
		reEngage := model.ConsentEvent{
			ID:          uuid.New(),
			UserID:      grant.UserID,
			Channel:     grant.Channel,
			Kind:        model.ConsentEventReEngage,
			StatusAfter: model.ConsentGranted,
			Source:      grant.Source,
			Method:      req.Method,
			OccurredAt:  now,
		}
		if prior != nil {
			marker.LinkedEventID = &prior.ID
			reEngage.LinkedOptOutID = &prior.ID
		}

		enabled := true
		return &Transition{
			Record:          next,
			ExpectedVersion: cur.Version,
			Events:          []model.ConsentEvent{grantEvent(grant, model.ConsentGranted, now, false), reEngage},
			OptOut:          marker,
			SetChannel:      &enabled,
		}, nil
	})
}

// OptOutAlertType records an opt-out scoped to one alert type and turns
// that route off. Channel consent is untouched.
func (l *Ledger) OptOutAlertType(ctx context.Context, req AlertTypeOptOutRequest) error {
	if !req.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %q", model.ErrInvalidRequest, req.Channel)
	}
	if !req.AlertType.Valid() {
		return fmt.Errorf("%w: invalid alert type %q", model.ErrInvalidRequest, req.AlertType)
	}
	if req.Method == "" {
		req.Method = model.MethodPreferenceCenter
	}

	_, err := l.apply(ctx, req.UserID, req.Channel, func(cur *model.ConsentRecord, now time.Time) (*Transition, error) {
		at := req.AlertType
		optOut := &model.OptOutEvent{
			ID:         uuid.New(),
			UserID:     req.UserID,
			Channel:    req.Channel,
			AlertType:  &at,
			Kind:       model.OptOutKindOptOut,
			Reason:     req.Reason,
			Method:     req.Method,
			OccurredAt: now,
		}
		return &Transition{
			Events: []model.ConsentEvent{{
				ID:             uuid.New(),
				UserID:         req.UserID,
				Channel:        req.Channel,
				Kind:           model.ConsentEventAlertTypeOptOut,
				StatusAfter:    cur.Status,
				Method:         req.Method,
				Reason:         fmt.Sprintf("%s: %s", at, req.Reason),
				LinkedOptOutID: &optOut.ID,
				OccurredAt:     now,
			}},
			OptOut:       optOut,
			DisableRoute: &at,
		}, nil
	})
	return err
}

// Query returns the current record with its derived message count and the
// active cool-down window, if any.
func (l *Ledger) Query(ctx context.Context, userID uuid.UUID, ch model.Channel) (*Status, error) {
	now := l.now()

	rec, err := l.store.GetConsent(ctx, userID, ch)
	if errors.Is(err, model.ErrNotFound) {
		rec, err = model.NewConsentRecord(userID, ch), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load consent: %w", err)
	}

	latest, err := l.store.LatestOptOut(ctx, userID, ch, "")
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("load opt-out history: %w", err)
	}

	seg := l.segment(ctx, userID)
	st := &Status{Record: rec, Segment: seg.Name}

	snap := authz.Snapshot{Consent: rec, LatestOptOut: latest, Segment: seg}
	if until, ok := authz.CooldownUntil(snap, "", now); ok {
		st.CooldownUntil = &until
	}

	if l.counter != nil && rec.Status == model.ConsentGranted && rec.ConsentedAt != nil {
		n, err := l.counter.CountSent(ctx, userID, ch, *rec.ConsentedAt, now)
		if err != nil {
			return nil, fmt.Errorf("count messages since grant: %w", err)
		}
		rec.MessagesSinceGrant = n
	}

	return st, nil
}

type buildFunc func(cur *model.ConsentRecord, now time.Time) (*Transition, error)

// apply reads the current record, builds a transition and writes it with
// compare-and-set, retrying on version conflicts. Any failure other than
// a refusal marks the pair so authorization fails closed.
func (l *Ledger) apply(ctx context.Context, userID uuid.UUID, ch model.Channel, build buildFunc) (*model.ConsentRecord, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		cur, err := l.store.GetConsent(ctx, userID, ch)
		if errors.Is(err, model.ErrNotFound) {
			cur, err = model.NewConsentRecord(userID, ch), nil
		}
		if err != nil {
			l.markUnresolved(ctx, userID, ch, err)
			return nil, fmt.Errorf("load consent: %w", err)
		}

		tr, err := build(cur, l.now())
		if err != nil {
			return nil, err
		}

		err = l.store.ApplyTransition(ctx, *tr)
		if errors.Is(err, model.ErrVersionConflict) {
			l.logger.Debug("consent version conflict, retrying",
				zap.String("user_id", userID.String()),
				zap.String("channel", string(ch)),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			l.markUnresolved(ctx, userID, ch, err)
			return nil, fmt.Errorf("apply consent transition: %w", err)
		}

		l.resolved(ctx, userID, ch)
		for _, ev := range tr.Events {
			metrics.RecordConsentTransition(string(ev.Kind), string(ch), ev.Redundant)
			l.logger.Info("consent event recorded",
				zap.String("user_id", userID.String()),
				zap.String("channel", string(ch)),
				zap.String("kind", string(ev.Kind)),
				zap.String("status", string(ev.StatusAfter)),
				zap.Bool("redundant", ev.Redundant),
			)
		}

		if tr.Record != nil {
			return tr.Record, nil
		}
		return cur, nil
	}

	err := fmt.Errorf("consent %s/%s: %w after %d attempts", userID, ch, model.ErrVersionConflict, maxCASAttempts)
	l.markUnresolved(ctx, userID, ch, err)
	return nil, err
}

func (l *Ledger) markUnresolved(ctx context.Context, userID uuid.UUID, ch model.Channel, cause error) {
	l.logger.Error("consent write failed, channel will fail closed",
		zap.String("user_id", userID.String()),
		zap.String("channel", string(ch)),
		zap.Error(cause),
	)
	if l.marker == nil {
		return
	}
	if err := l.marker.Mark(ctx, userID, ch); err != nil {
		l.logger.Error("failed to mark unresolved consent write", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (l *Ledger) markPending(ctx context.Context, userID uuid.UUID, ch model.Channel) {
	if l.marker == nil {
		return
	}
	if err := l.marker.Mark(ctx, userID, ch); err != nil {
		l.logger.Warn("failed to mark pending revoke", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

func (l *Ledger) resolved(ctx context.Context, userID uuid.UUID, ch model.Channel) {
	if l.marker == nil {
		return
	}
	if err := l.marker.Clear(ctx, userID, ch); err != nil {
		l.logger.Warn("failed to clear consent write marker", zap.String("user_id", userID.String()), zap.Error(err))
	}
}

// verify requires a verified address for sms and email.
func (l *Ledger) verify(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.UserProfile, error) {
	profile, err := l.profiles.GetProfile(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, &model.ConsentError{Err: model.ErrUnverifiedChannel, UserID: userID, Channel: ch}
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if profile.Verification(ch) != model.Verified {
		return nil, &model.ConsentError{Err: model.ErrUnverifiedChannel, UserID: userID, Channel: ch}
	}
	return profile, nil
}

func (l *Ledger) lastSent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*time.Time, error) {
	if l.counter == nil {
		return nil, nil
	}
	last, err := l.counter.LastSent(ctx, userID, ch)
	if err != nil {
		return nil, fmt.Errorf("load last sent: %w", err)
	}
	return last, nil
}

func (l *Ledger) segment(ctx context.Context, userID uuid.UUID) model.SegmentPolicy {
	var pref *model.UserPreference
	if l.prefs != nil {
		p, err := l.prefs.GetPreference(ctx, userID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			l.logger.Warn("failed to load preference for segment lookup", zap.Error(err))
		}
		pref = p
	}
	// The safe default is returned alongside any lookup error.
	seg, _ := l.resolver.Segment(pref)
	return seg
}

func granted(cur *model.ConsentRecord, req GrantRequest, profile *model.UserProfile, seg model.SegmentPolicy, now time.Time) *model.ConsentRecord {
	next := cur.Clone()
	next.Status = model.ConsentGranted
	next.Source = req.Source
	next.Address = profile.Address(req.Channel)
	next.Verification = profile.Verification(req.Channel)
	next.ConsentedAt = &now
	next.ExpiresAt = nil
	if seg.ConsentRetention > 0 {
		exp := now.Add(seg.ConsentRetention)
		next.ExpiresAt = &exp
	}
	next.OptedOutAt = nil
	next.OptOutReason = ""
	next.OptOutMethod = ""
	next.MessagesSinceGrant = 0
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	return next
}

func grantEvent(req GrantRequest, after model.ConsentStatus, now time.Time, redundant bool) model.ConsentEvent {
	ev := req.Evidence
	if ev.CapturedAt.IsZero() {
		ev.CapturedAt = now
	}
	return model.ConsentEvent{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Channel:     req.Channel,
		Kind:        model.ConsentEventGrant,
		StatusAfter: after,
		Source:      req.Source,
		Evidence:    &ev,
		Redundant:   redundant,
		OccurredAt:  now,
	}
}

func validateGrant(req GrantRequest) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", model.ErrInvalidRequest)
	}
	if !req.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %q", model.ErrInvalidRequest, req.Channel)
	}
	if !req.Source.Valid() {
		return fmt.Errorf("%w: invalid consent source %q", model.ErrInvalidRequest, req.Source)
	}
	return nil
}

func isZeroEvidence(e model.Evidence) bool {
	return e.IP == "" && e.UserAgent == "" && e.Text == "" && e.CapturedAt.IsZero()
}
