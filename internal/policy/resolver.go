package policy

import (
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Cap is a frequency cap per user-local day and ISO week. Zero disables
// the corresponding window.
type Cap struct {
	PerDay  int `json:"per_day"`
	PerWeek int `json:"per_week"`
}

// Source explains which layer decided Allowed.
type Source string

const (
	SourceAlertRoute     Source = "alert_route"
	SourceChannelToggle  Source = "channel_toggle"
	SourceSegmentDefault Source = "segment_default"
	SourceFrequency      Source = "frequency"
)

// Effective is the merged policy for one (user, channel, alert type).
type Effective struct {
	Allowed          bool                `json:"allowed"`
	DecidedBy        Source              `json:"decided_by"`
	QuietHours       *model.TimeWindow   `json:"quiet_hours,omitempty"`
	Cap              Cap                 `json:"cap"`
	MarketingAllowed bool                `json:"marketing_allowed"`
	Frequency        model.Frequency     `json:"frequency"`
	Segment          model.SegmentPolicy `json:"segment"`
	Fallback         bool                `json:"fallback"`
}

// Resolve merges user preference and segment policy. It is pure: the same
// inputs always give the same result, which audits rely on for replay.
//
// Allowed is decided, in order, by the user's per-alert-type route, the
// user's channel toggle, then the segment's default channel.
func Resolve(pref *model.UserPreference, seg model.SegmentPolicy, ch model.Channel, at model.AlertType) Effective {
	eff := Effective{
		Segment:          seg,
		MarketingAllowed: seg.MarketingAllowed,
		Cap:              Cap{PerDay: seg.MaxPerDay, PerWeek: seg.MaxPerWeek},
		QuietHours:       seg.QuietHours,
		Frequency:        seg.DefaultFrequency,
	}

	if enabled, ok := pref.RouteToggle(at, ch); ok {
		eff.Allowed, eff.DecidedBy = enabled, SourceAlertRoute
	} else if enabled, ok := pref.ChannelToggle(ch); ok {
		eff.Allowed, eff.DecidedBy = enabled, SourceChannelToggle
	} else {
		eff.Allowed, eff.DecidedBy = ch == seg.DefaultChannel, SourceSegmentDefault
	}

	if pref != nil {
		if pref.QuietHours != nil {
			eff.QuietHours = pref.QuietHours
		}
		if pref.Frequency.Valid() {
			eff.Frequency = pref.Frequency
		}
	}

	// Critical and transactional messages ignore the cadence preference.
	switch at.Class() {
	case model.ClassDigest, model.ClassMarketing:
		eff.Cap = tighten(eff.Cap, eff.Frequency)
		if eff.Frequency == model.FrequencyNever && eff.Allowed {
			eff.Allowed, eff.DecidedBy = false, SourceFrequency
		}
	}

	return eff
}

func tighten(c Cap, f model.Frequency) Cap {
	switch f {
	case model.FrequencyDaily:
		c.PerDay = minCap(c.PerDay, 1)
	case model.FrequencyWeekly, model.FrequencyMonthly:
		c.PerDay = minCap(c.PerDay, 1)
		c.PerWeek = minCap(c.PerWeek, 1)
	}
	return c
}

// minCap treats zero as unlimited.
func minCap(current, limit int) int {
	if current == 0 || limit < current {
		return limit
	}
	return current
}

// Resolver resolves effective policy against the live segment table.
type Resolver struct {
	table          *Table
	defaultSegment string
	logger         *zap.Logger
}

// NewResolver creates a resolver. defaultSegment is used for users without
// a stored preference.
func NewResolver(table *Table, defaultSegment string, logger *zap.Logger) *Resolver {
	return &Resolver{table: table, defaultSegment: defaultSegment, logger: logger}
}

// Segment returns the segment policy that applies to pref. A *model.PolicyError
// is returned alongside the safe default when the segment is unknown.
func (r *Resolver) Segment(pref *model.UserPreference) (model.SegmentPolicy, error) {
	tag := r.defaultSegment
	if pref != nil && pref.Segment != "" {
		tag = pref.Segment
	}
	return r.table.Lookup(tag)
}

// ResolveEffectivePolicy looks up the user's segment and merges it with the
// preference. Unknown segments fall back to SafeDefault and are logged, not
// returned, so callers always get a usable policy.
func (r *Resolver) ResolveEffectivePolicy(pref *model.UserPreference, ch model.Channel, at model.AlertType) Effective {
	seg, err := r.Segment(pref)
	var perr *model.PolicyError
	if errors.As(err, &perr) {
		r.logger.Warn("unknown segment, using safe default policy",
			zap.String("segment", perr.Segment),
			zap.String("channel", string(ch)),
			zap.String("alert_type", string(at)),
		)
	}

	eff := Resolve(pref, seg, ch, at)
	eff.Fallback = err != nil
	return eff
}
