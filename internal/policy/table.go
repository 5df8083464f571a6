// Package policy holds segment default policies and resolves the effective
// policy for a (user, channel, alert type).
package policy

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

const day = 24 * time.Hour

// SafeDefault is applied when a user's segment is unknown: no marketing,
// conservative caps, long cool-down and wide quiet hours.
var SafeDefault = model.SegmentPolicy{
	Name:             "safe_default",
	DefaultChannel:   model.ChannelEmail,
	DefaultFrequency: model.FrequencyWeekly,
	MaxPerDay:        1,
	MaxPerWeek:       3,
	MarketingAllowed: false,
	OptOutCooldown:   30 * day,
	QuietHours:       &model.TimeWindow{Start: model.MustClock("21:00"), End: model.MustClock("09:00")},
}

// Table is the segment policy reference set. It is read on every decision
// and replaced wholesale by administrators or the periodic refresh.
type Table struct {
	mu       sync.RWMutex
	policies map[string]model.SegmentPolicy
}

// NewTable builds a table from a list of policies.
func NewTable(policies []model.SegmentPolicy) *Table {
	t := &Table{}
	t.Replace(policies)
	return t
}

// Replace swaps the whole policy set.
func (t *Table) Replace(policies []model.SegmentPolicy) {
	m := make(map[string]model.SegmentPolicy, len(policies))
	for _, p := range policies {
		m[p.Name] = p
	}

	t.mu.Lock()
	t.policies = m
	t.mu.Unlock()
}

// Upsert adds or replaces a single segment.
func (t *Table) Upsert(p model.SegmentPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.policies == nil {
		t.policies = make(map[string]model.SegmentPolicy)
	}
	t.policies[p.Name] = p
}

// All returns the policies sorted by name.
func (t *Table) All() []model.SegmentPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.SegmentPolicy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the policy for a segment tag. A tag may list several
// comma-separated segments; the known one with the highest Priority wins.
// When none is known the safe default is returned with a *model.PolicyError.
func (t *Table) Lookup(tag string) (model.SegmentPolicy, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		best  model.SegmentPolicy
		found bool
	)
	for _, name := range strings.Split(tag, ",") {
		p, ok := t.policies[strings.TrimSpace(name)]
		if !ok {
			continue
		}
		if !found || p.Priority > best.Priority {
			best, found = p, true
		}
	}

	if !found {
		return SafeDefault, &model.PolicyError{Segment: tag, Err: model.ErrUnknownSegment}
	}
	return best, nil
}
