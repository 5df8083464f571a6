package model

import (
	"time"

	"github.com/google/uuid"
)

// UserProfile is read-only reference data owned by the account service.
type UserProfile struct {
	UserID        uuid.UUID `json:"user_id"`
	Timezone      string    `json:"timezone"`
	Phone         string    `json:"phone,omitempty"`
	PhoneVerified bool      `json:"phone_verified"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	PushToken     string    `json:"push_token,omitempty"`
}

// Location returns the profile's timezone, UTC if unset or unknown.
func (p *UserProfile) Location() *time.Location {
	if p == nil || p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Address returns the contact address for a channel.
func (p *UserProfile) Address(ch Channel) string {
	switch ch {
	case ChannelSMS:
		return p.Phone
	case ChannelEmail:
		return p.Email
	case ChannelPush:
		return p.PushToken
	}
	return ""
}

// Verification returns the verification state of the channel address.
// Push tokens are issued by the device and count as verified when present.
func (p *UserProfile) Verification(ch Channel) Verification {
	switch ch {
	case ChannelSMS:
		if p.PhoneVerified {
			return Verified
		}
	case ChannelEmail:
		if p.EmailVerified {
			return Verified
		}
	case ChannelPush:
		if p.PushToken != "" {
			return Verified
		}
	}
	return Unverified
}

// UserPreference holds a user's explicit choices. Absent map keys mean
// "no explicit choice" and fall through to the segment policy.
type UserPreference struct {
	UserID            uuid.UUID                      `json:"user_id"`
	EnabledChannels   map[Channel]bool               `json:"enabled_channels"`
	Routing           map[AlertType]map[Channel]bool `json:"routing"`
	QuietHours        *TimeWindow                    `json:"quiet_hours,omitempty"`
	PreferredWeekday  time.Weekday                   `json:"preferred_weekday"`
	PreferredMonthDay int                            `json:"preferred_month_day"`
	PreferredTime     *ClockTime                     `json:"preferred_time,omitempty"`
	Frequency         Frequency                      `json:"frequency"`
	Segment           string                         `json:"segment"`
	AutoAdjust        bool                           `json:"auto_adjust"`
	UpdatedAt         time.Time                      `json:"updated_at"`
}

// ChannelToggle returns the explicit channel-level flag, if any.
func (p *UserPreference) ChannelToggle(ch Channel) (enabled, set bool) {
	if p == nil || p.EnabledChannels == nil {
		return false, false
	}
	enabled, set = p.EnabledChannels[ch]
	return enabled, set
}

// RouteToggle returns the explicit per-alert-type flag for a channel, if any.
func (p *UserPreference) RouteToggle(t AlertType, ch Channel) (enabled, set bool) {
	if p == nil || p.Routing == nil {
		return false, false
	}
	routes, ok := p.Routing[t]
	if !ok {
		return false, false
	}
	enabled, set = routes[ch]
	return enabled, set
}

// SetChannel records an explicit channel-level flag.
func (p *UserPreference) SetChannel(ch Channel, enabled bool) {
	if p.EnabledChannels == nil {
		p.EnabledChannels = make(map[Channel]bool)
	}
	p.EnabledChannels[ch] = enabled
}

// SetRoute records an explicit per-alert-type flag.
func (p *UserPreference) SetRoute(t AlertType, ch Channel, enabled bool) {
	if p.Routing == nil {
		p.Routing = make(map[AlertType]map[Channel]bool)
	}
	if p.Routing[t] == nil {
		p.Routing[t] = make(map[Channel]bool)
	}
	p.Routing[t][ch] = enabled
}

// Clone returns a deep copy.
func (p *UserPreference) Clone() *UserPreference {
	if p == nil {
		return nil
	}
	c := *p
	if p.PreferredTime != nil {
		t := *p.PreferredTime
		c.PreferredTime = &t
	}
	if p.EnabledChannels != nil {
		c.EnabledChannels = make(map[Channel]bool, len(p.EnabledChannels))
		for k, v := range p.EnabledChannels {
			c.EnabledChannels[k] = v
		}
	}
	if p.Routing != nil {
		c.Routing = make(map[AlertType]map[Channel]bool, len(p.Routing))
		for t, routes := range p.Routing {
			m := make(map[Channel]bool, len(routes))
			for k, v := range routes {
				m[k] = v
			}
			c.Routing[t] = m
		}
	}
	if p.QuietHours != nil {
		q := *p.QuietHours
		c.QuietHours = &q
	}
	return &c
}

// SegmentPolicy is the default communication policy of a user segment.
type SegmentPolicy struct {
	Name             string        `json:"name" yaml:"name"`
	DefaultChannel   Channel       `json:"default_channel" yaml:"default_channel"`
	DefaultFrequency Frequency     `json:"default_frequency" yaml:"default_frequency"`
	MaxPerDay        int           `json:"max_per_day" yaml:"max_per_day"`
	MaxPerWeek       int           `json:"max_per_week" yaml:"max_per_week"`
	MarketingAllowed bool          `json:"marketing_allowed" yaml:"marketing_allowed"`
	ConsentRetention time.Duration `json:"consent_retention" yaml:"consent_retention"`
	OptOutCooldown   time.Duration `json:"opt_out_cooldown" yaml:"opt_out_cooldown"`
	AutoOptOutAfter  time.Duration `json:"auto_opt_out_after" yaml:"auto_opt_out_after"`
	QuietHours       *TimeWindow   `json:"quiet_hours,omitempty" yaml:"quiet_hours"`
	Priority         int           `json:"priority" yaml:"priority"`
}
