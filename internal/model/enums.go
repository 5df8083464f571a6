// Package model defines the records and closed-set types shared by the
// consent, policy, authorization and health components.
package model

import "fmt"

// Channel is a delivery channel a user can be contacted on.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelSMS, ChannelEmail, ChannelPush}

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

// ParseChannel converts a raw string into a Channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("invalid channel %q: must be sms, email, or push", s)
	}
	return c, nil
}

// ConsentStatus is the legal consent state of a (user, channel) pair.
//
// Transitions:
//
//	never_granted -> granted   GrantConsent
//	granted       -> revoked   RevokeConsent
//	revoked       -> granted   ReEngage only
type ConsentStatus string

const (
	ConsentNeverGranted ConsentStatus = "never_granted"
	ConsentGranted      ConsentStatus = "granted"
	ConsentRevoked      ConsentStatus = "revoked"
)

// Verification is the ownership verification state of a channel address.
type Verification string

const (
	Verified   Verification = "verified"
	Unverified Verification = "unverified"
)

// ConsentSource records where a consent grant was captured.
type ConsentSource string

const (
	SourceWebForm      ConsentSource = "web_form"
	SourceReplyKeyword ConsentSource = "reply_keyword"
	SourceAPI          ConsentSource = "api"
	SourceMobileApp    ConsentSource = "mobile_app"
)

// Valid reports whether s is a known consent source.
func (s ConsentSource) Valid() bool {
	switch s {
	case SourceWebForm, SourceReplyKeyword, SourceAPI, SourceMobileApp:
		return true
	}
	return false
}

// Method is how an opt-out or re-engagement request reached us.
type Method string

const (
	MethodInboundStop      Method = "inbound_stop"
	MethodInboundStart     Method = "inbound_start"
	MethodUnsubscribeLink  Method = "unsubscribe_link"
	MethodPreferenceCenter Method = "preference_center"
	MethodAPI              Method = "api"
	MethodSupport          Method = "support"
	MethodInactivity       Method = "inactivity"
)

// AlertType is the category of a message. It is a closed set so routing
// maps cannot carry typo'd keys.
type AlertType string

const (
	AlertLowBalance       AlertType = "low_balance"
	AlertFraud            AlertType = "fraud_alert"
	AlertLargeTransaction AlertType = "large_transaction"
	AlertBillReminder     AlertType = "bill_reminder"
	AlertBudgetUpdate     AlertType = "budget_update"
	AlertWeeklySummary    AlertType = "weekly_summary"
	AlertMonthlyReport    AlertType = "monthly_report"
	AlertDailyMeme        AlertType = "daily_meme"
	AlertProductUpdate    AlertType = "product_update"
	AlertPromotion        AlertType = "promotion"
	AlertReEngagement     AlertType = "re_engagement"
)

// AlertClass groups alert types by how the engine treats them.
type AlertClass string

const (
	ClassCritical      AlertClass = "critical"
	ClassTransactional AlertClass = "transactional"
	ClassDigest        AlertClass = "digest"
	ClassMarketing     AlertClass = "marketing"
)

var alertClasses = map[AlertType]AlertClass{
	AlertLowBalance:       ClassCritical,
	AlertFraud:            ClassCritical,
	AlertLargeTransaction: ClassTransactional,
	AlertBillReminder:     ClassTransactional,
	AlertBudgetUpdate:     ClassDigest,
	AlertWeeklySummary:    ClassDigest,
	AlertMonthlyReport:    ClassDigest,
	AlertDailyMeme:        ClassDigest,
	AlertProductUpdate:    ClassMarketing,
	AlertPromotion:        ClassMarketing,
	AlertReEngagement:     ClassMarketing,
}

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	_, ok := alertClasses[t]
	return ok
}

// Class returns the class of t. Unknown types are treated as marketing,
// the most restricted class.
func (t AlertType) Class() AlertClass {
	if c, ok := alertClasses[t]; ok {
		return c
	}
	return ClassMarketing
}

// IsMarketing reports whether t belongs to the marketing class.
func (t AlertType) IsMarketing() bool { return t.Class() == ClassMarketing }

// IsCritical reports whether t belongs to the critical class.
func (t AlertType) IsCritical() bool { return t.Class() == ClassCritical }

// ParseAlertType converts a raw string into an AlertType.
func ParseAlertType(s string) (AlertType, error) {
	t := AlertType(s)
	if !t.Valid() {
		return "", fmt.Errorf("invalid alert type %q", s)
	}
	return t, nil
}

// QueueName is the logical delivery queue for a channel and alert type,
// e.g. "sms-critical" or "email-digest".
func QueueName(c Channel, t AlertType) string {
	return string(c) + "-" + string(t.Class())
}

// Frequency is the user's preferred cadence for non-critical messages.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyNever     Frequency = "never"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyImmediate, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyNever:
		return true
	}
	return false
}

// Outcome is the recorded result of a delivery attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending" // authorized, transport result not yet reported
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeSent, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// ReasonCode explains an authorization verdict or a skipped/failed attempt.
type ReasonCode string

const (
	ReasonAllowed             ReasonCode = "allowed"
	ReasonPreferenceDisabled  ReasonCode = "preference_disabled"
	ReasonNoConsent           ReasonCode = "no_consent"
	ReasonCoolingDown         ReasonCode = "cooling_down"
	ReasonMarketingNotAllowed ReasonCode = "marketing_not_allowed"
	ReasonInactive            ReasonCode = "inactive"
	ReasonDailyCap            ReasonCode = "daily_cap_reached"
	ReasonWeeklyCap           ReasonCode = "weekly_cap_reached"
	ReasonQuietHours          ReasonCode = "quiet_hours"
	ReasonStateUnavailable    ReasonCode = "state_unavailable"
	ReasonTransportError      ReasonCode = "transport_error"
)
