package model

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryLogEntry is one immutable row of the delivery attempt stream.
type DeliveryLogEntry struct {
	ID          uuid.UUID     `json:"id"`
	UserID      uuid.UUID     `json:"user_id"`
	Channel     Channel       `json:"channel"`
	AlertType   AlertType     `json:"alert_type"`
	Queue       string        `json:"queue"`
	Outcome     Outcome       `json:"outcome"`
	Reason      ReasonCode    `json:"reason,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	Latency     time.Duration `json:"latency"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

// QueueHealthSnapshot summarizes one logical queue over the health window.
// It is derived from the delivery log and never written independently.
type QueueHealthSnapshot struct {
	Queue       string        `json:"queue"`
	Depth       int           `json:"depth"`
	Pending     int           `json:"pending"`
	Processed   int           `json:"processed"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	Throughput  float64       `json:"throughput_per_minute"`
	ErrorRate   float64       `json:"error_rate"`
	HealthScore float64       `json:"health_score"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// QueueStats is the raw aggregate the store returns for one queue.
type QueueStats struct {
	Queue        string
	Pending      int
	Sent         int
	Failed       int
	Skipped      int
	TotalLatency time.Duration
	MaxLatency   time.Duration
}

// ChannelOptOutStats is the raw aggregate for the opt-out rate monitor.
type ChannelOptOutStats struct {
	Channel  Channel
	Attempts int
	OptOuts  int
}

// CapGroup is a (user, channel, day) bucket whose sent count exceeded a cap.
type CapGroup struct {
	UserID  uuid.UUID
	Channel Channel
	Day     time.Time
	Sent    int
}

// DeliveryCount is the number of log entries per channel and outcome.
type DeliveryCount struct {
	Channel Channel `json:"channel"`
	Outcome Outcome `json:"outcome"`
	Count   int     `json:"count"`
}
