// Package memory is an in-process implementation of every store the engine
// uses. It backs STORAGE=memory and the package tests.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

type consentKey struct {
	user    uuid.UUID
	channel model.Channel
}

// Store keeps all state in maps and slices guarded by one RWMutex. Streams
// are append-only.
type Store struct {
	mu sync.RWMutex

	profiles map[uuid.UUID]model.UserProfile
	phones   map[string]uuid.UUID
	prefs    map[uuid.UUID]*model.UserPreference
	segments map[string]model.SegmentPolicy
	consents map[consentKey]*model.ConsentRecord

	consentEvents []model.ConsentEvent
	optOuts       []model.OptOutEvent
	attempts      []model.DeliveryLogEntry
	alerts        map[uuid.UUID]*model.Alert
	transitions   []model.AlertTransition
}

// New returns an empty store.
func New() *Store {
	return &Store{
		profiles: make(map[uuid.UUID]model.UserProfile),
		phones:   make(map[string]uuid.UUID),
		prefs:    make(map[uuid.UUID]*model.UserPreference),
		segments: make(map[string]model.SegmentPolicy),
		consents: make(map[consentKey]*model.ConsentRecord),
		alerts:   make(map[uuid.UUID]*model.Alert),
	}
}

// Profiles and preferences

func (s *Store) UpsertProfile(ctx context.Context, p *model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.profiles[p.UserID]; ok && old.Phone != "" {
		delete(s.phones, old.Phone)
	}
	s.profiles[p.UserID] = *p
	if p.Phone != "" {
		s.phones[p.Phone] = p.UserID
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (s *Store) FindUserByPhone(ctx context.Context, phone string) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.phones[phone]
	if !ok {
		return uuid.Nil, model.ErrNotFound
	}
	return id, nil
}

// ListUserIDs pages through users in id order, starting after the cursor.
func (s *Store) ListUserIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.profiles))
	for id := range s.profiles {
		if bytes.Compare(id[:], after[:]) > 0 {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) GetPreference(ctx context.Context, userID uuid.UUID) (*model.UserPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) UpsertPreference(ctx context.Context, p *model.UserPreference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := p.Clone()
	c.UpdatedAt = time.Now()
	s.prefs[p.UserID] = c
	return nil
}

func (s *Store) ListSegmentPolicies(ctx context.Context) ([]model.SegmentPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SegmentPolicy, 0, len(s.segments))
	for _, p := range s.segments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpsertSegmentPolicy(ctx context.Context, p model.SegmentPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[p.Name] = p
	return nil
}

// Consent

func (s *Store) GetConsent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.consents[consentKey{userID, ch}]
	if !ok {
		return nil, model.ErrNotFound
	}
	return rec.Clone(), nil
}

// LatestOptOut returns the newest non-redundant opt-out entry covering the
// channel or the alert type. An empty alert type matches channel-wide
// entries only.
func (s *Store) LatestOptOut(ctx context.Context, userID uuid.UUID, ch model.Channel, at model.AlertType) (*model.OptOutEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *model.OptOutEvent
	for i := range s.optOuts {
		ev := &s.optOuts[i]
		if ev.UserID != userID || ev.Channel != ch || ev.Kind != model.OptOutKindOptOut || ev.Redundant || !ev.AppliesTo(at) {
			continue
		}
		if latest == nil || !ev.OccurredAt.Before(latest.OccurredAt) {
			latest = ev
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

// ApplyTransition writes the record, events and preference change
// atomically under the store lock.
func (s *Store) ApplyTransition(ctx context.Context, t consent.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Record != nil {
		key := consentKey{t.Record.UserID, t.Record.Channel}
		var current int64
		if rec, ok := s.consents[key]; ok {
			current = rec.Version
		}
		if current != t.ExpectedVersion {
			return model.ErrVersionConflict
		}
		s.consents[key] = t.Record.Clone()
	}

	s.consentEvents = append(s.consentEvents, t.Events...)
	if t.OptOut != nil {
		s.optOuts = append(s.optOuts, *t.OptOut)
	}

	if t.SetChannel != nil || t.DisableRoute != nil {
		userID, ch := transitionSubject(t)
		pref, ok := s.prefs[userID]
		if !ok {
			pref = &model.UserPreference{UserID: userID}
			s.prefs[userID] = pref
		}
		if t.SetChannel != nil {
			pref.SetChannel(ch, *t.SetChannel)
		}
		if t.DisableRoute != nil {
			pref.SetRoute(*t.DisableRoute, ch, false)
		}
		pref.UpdatedAt = time.Now()
	}
	return nil
}

func transitionSubject(t consent.Transition) (uuid.UUID, model.Channel) {
	switch {
	case t.Record != nil:
		return t.Record.UserID, t.Record.Channel
	case t.OptOut != nil:
		return t.OptOut.UserID, t.OptOut.Channel
	case len(t.Events) > 0:
		return t.Events[0].UserID, t.Events[0].Channel
	}
	return uuid.Nil, ""
}

func (s *Store) ConsentHistory(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.ConsentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ConsentEvent
	for _, ev := range s.consentEvents {
		if ev.UserID == userID && inRange(ev.OccurredAt, from, to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) OptOutHistory(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.OptOutEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OptOutEvent
	for _, ev := range s.optOuts {
		if ev.UserID == userID && inRange(ev.OccurredAt, from, to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Delivery log

func (s *Store) AppendAttempt(ctx context.Context, e model.DeliveryLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts {
		if existing.ID == e.ID {
			return nil
		}
	}
	s.attempts = append(s.attempts, e)
	return nil
}

func (s *Store) CountSent(ctx context.Context, userID uuid.UUID, ch model.Channel, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.attempts {
		if e.UserID == userID && e.Channel == ch && e.Outcome == model.OutcomeSent && inRange(e.RequestedAt, from, to) {
			n++
		}
	}
	return n, nil
}

func (s *Store) LastSent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *time.Time
	for i := range s.attempts {
		e := &s.attempts[i]
		if e.UserID == userID && e.Channel == ch && e.Outcome == model.OutcomeSent {
			if last == nil || e.RequestedAt.After(*last) {
				t := e.RequestedAt
				last = &t
			}
		}
	}
	return last, nil
}

func (s *Store) DeliveryCounts(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.DeliveryCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type key struct {
		ch model.Channel
		o  model.Outcome
	}
	counts := make(map[key]int)
	for _, e := range s.attempts {
		if e.UserID == userID && inRange(e.RequestedAt, from, to) {
			counts[key{e.Channel, e.Outcome}]++
		}
	}
	out := make([]model.DeliveryCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, model.DeliveryCount{Channel: k.ch, Outcome: k.o, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

func (s *Store) QueueStats(ctx context.Context, from, to time.Time) ([]model.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byQueue := make(map[string]*model.QueueStats)
	for _, e := range s.attempts {
		if !inRange(e.RequestedAt, from, to) {
			continue
		}
		q, ok := byQueue[e.Queue]
		if !ok {
			q = &model.QueueStats{Queue: e.Queue}
			byQueue[e.Queue] = q
		}
		switch e.Outcome {
		case model.OutcomePending:
			q.Pending++
		case model.OutcomeSent:
			q.Sent++
		case model.OutcomeFailed:
			q.Failed++
		case model.OutcomeSkipped:
			q.Skipped++
		}
		if e.Outcome == model.OutcomeSent || e.Outcome == model.OutcomeFailed {
			q.TotalLatency += e.Latency
			if e.Latency > q.MaxLatency {
				q.MaxLatency = e.Latency
			}
		}
	}
	out := make([]model.QueueStats, 0, len(byQueue))
	for _, q := range byQueue {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

func (s *Store) OptOutStats(ctx context.Context, from, to time.Time) ([]model.ChannelOptOutStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byChannel := make(map[model.Channel]*model.ChannelOptOutStats)
	get := func(ch model.Channel) *model.ChannelOptOutStats {
		st, ok := byChannel[ch]
		if !ok {
			st = &model.ChannelOptOutStats{Channel: ch}
			byChannel[ch] = st
		}
		return st
	}
	for _, e := range s.attempts {
		if e.Outcome == model.OutcomeSent && inRange(e.RequestedAt, from, to) {
			get(e.Channel).Attempts++
		}
	}
	for _, ev := range s.optOuts {
		if ev.Kind == model.OptOutKindOptOut && !ev.Redundant && inRange(ev.OccurredAt, from, to) {
			get(ev.Channel).OptOuts++
		}
	}
	out := make([]model.ChannelOptOutStats, 0, len(byChannel))
	for _, st := range byChannel {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

// SentGroups returns (user, channel, UTC day) buckets with more than
// threshold sent entries.
func (s *Store) SentGroups(ctx context.Context, from, to time.Time, threshold int) ([]model.CapGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type key struct {
		user uuid.UUID
		ch   model.Channel
		day  time.Time
	}
	counts := make(map[key]int)
	for _, e := range s.attempts {
		if e.Outcome != model.OutcomeSent || !inRange(e.RequestedAt, from, to) {
			continue
		}
		u := e.RequestedAt.UTC()
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		counts[key{e.UserID, e.Channel, day}]++
	}
	var out []model.CapGroup
	for k, n := range counts {
		if n > threshold {
			out = append(out, model.CapGroup{UserID: k.user, Channel: k.ch, Day: k.day, Sent: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// Attempts returns a copy of the delivery log, for tests and debugging.
func (s *Store) Attempts() []model.DeliveryLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.DeliveryLogEntry(nil), s.attempts...)
}

// Alerts

func (s *Store) GetOpenAlert(ctx context.Context, key string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.Status.Open() && a.Key() == key {
			c := *a
			return &c, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) GetAlert(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (s *Store) ListAlerts(ctx context.Context, status model.AlertStatus) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if status == "" || a.Status == status {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) InsertAlert(ctx context.Context, a *model.Alert, tr model.AlertTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.Status.Open() && existing.Key() == a.Key() {
			return model.ErrAlertOpen
		}
	}
	c := *a
	s.alerts[a.ID] = &c
	s.transitions = append(s.transitions, tr)
	return nil
}

func (s *Store) UpdateAlert(ctx context.Context, a *model.Alert, from model.AlertStatus, tr model.AlertTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.alerts[a.ID]
	if !ok {
		return model.ErrNotFound
	}
	if existing.Status != from {
		return model.ErrVersionConflict
	}
	c := *a
	s.alerts[a.ID] = &c
	s.transitions = append(s.transitions, tr)
	return nil
}

func (s *Store) ListAlertTransitions(ctx context.Context, since time.Time, limit int) ([]model.AlertTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AlertTransition
	for _, tr := range s.transitions {
		if tr.OccurredAt.After(since) {
			out = append(out, tr)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}
