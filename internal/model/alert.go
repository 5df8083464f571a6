package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertKind names the monitored metric that produced an alert.
type AlertKind string

const (
	AlertKindQueueErrorRate   AlertKind = "queue_error_rate"
	AlertKindQueueHealthScore AlertKind = "queue_health_score"
	AlertKindOptOutRate       AlertKind = "opt_out_rate"
	AlertKindLogWriteFailure  AlertKind = "log_write_failure"
	AlertKindCapViolation     AlertKind = "cap_violation"
)

// Severity of an alert, ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Comparator says in which direction a metric breaches its threshold.
type Comparator string

const (
	Above Comparator = "gt"
	Below Comparator = "lt"
)

// Breached reports whether value crosses threshold in direction c.
func (c Comparator) Breached(value, threshold float64) bool {
	if c == Below {
		return value < threshold
	}
	return value > threshold
}

// SeverityFor derives a severity from how far value is past threshold,
// relative to the threshold itself. 15% against a 10% ceiling is a 50%
// overshoot and maps to medium.
func SeverityFor(value, threshold float64, c Comparator) Severity {
	if threshold == 0 {
		return SeverityHigh
	}
	over := value - threshold
	if c == Below {
		over = threshold - value
	}
	ratio := over / threshold
	switch {
	case ratio < 0.25:
		return SeverityLow
	case ratio < 0.75:
		return SeverityMedium
	case ratio < 1.5:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Open reports whether the alert still counts against its metric.
func (s AlertStatus) Open() bool {
	return s == AlertActive || s == AlertAcknowledged
}

// Alert is raised when a monitored metric crosses its threshold. Only the
// lifecycle fields change after creation.
type Alert struct {
	ID         uuid.UUID   `json:"id"`
	Kind       AlertKind   `json:"kind"`
	Subject    string      `json:"subject"`
	Severity   Severity    `json:"severity"`
	Metric     string      `json:"metric"`
	Threshold  float64     `json:"threshold"`
	Value      float64     `json:"value"`
	Comparator Comparator  `json:"comparator"`
	Message    string      `json:"message"`
	Status     AlertStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`

	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}

// Key identifies the monitored metric; at most one open alert exists per key.
func (a *Alert) Key() string {
	return AlertKey(a.Kind, a.Subject)
}

// AlertKey builds the de-duplication key for a metric.
func AlertKey(kind AlertKind, subject string) string {
	return fmt.Sprintf("%s:%s", kind, subject)
}

// AlertTransition is one entry of the alert transition stream.
type AlertTransition struct {
	ID         uuid.UUID   `json:"id"`
	AlertID    uuid.UUID   `json:"alert_id"`
	Kind       AlertKind   `json:"kind"`
	Subject    string      `json:"subject"`
	Severity   Severity    `json:"severity"`
	From       AlertStatus `json:"from,omitempty"`
	To         AlertStatus `json:"to"`
	Actor      string      `json:"actor"`
	Note       string      `json:"note,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}
