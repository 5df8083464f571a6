package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// AppendAttempt writes one delivery log entry. Replays of the same ID are
// ignored, so outcome redelivery and spill replay are safe.
func (r *Repository) AppendAttempt(ctx context.Context, e model.DeliveryLogEntry) error {
	recordedAt := e.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `INSERT INTO delivery_log (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	tag, err := r.db.Pool().Exec(ctx, query,
		e.ID, e.UserID, string(e.Channel), string(e.AlertType), e.Queue, string(e.Outcome),
		string(e.Reason), e.Detail, e.RequestedAt, e.Latency.Nanoseconds(), recordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery log entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("delivery log entry already recorded", zap.String("entry_id", e.ID.String()))
	}
	return nil
}

// CountSent counts sent entries of a (user, channel) requested in [from, to).
func (r *Repository) CountSent(ctx context.Context, userID uuid.UUID, ch model.Channel, from, to time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM delivery_log
		WHERE user_id = $1 AND channel = $2 AND outcome = 'sent'
			AND requested_at >= $3 AND requested_at < $4
	`

	var n int
	if err := r.db.Pool().QueryRow(ctx, query, userID, string(ch), from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

// LastSent returns the request time of the newest sent entry, or nil.
func (r *Repository) LastSent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*time.Time, error) {
	query := `
		SELECT MAX(requested_at)
		FROM delivery_log
		WHERE user_id = $1 AND channel = $2 AND outcome = 'sent'
	`

	var last *time.Time
	if err := r.db.Pool().QueryRow(ctx, query, userID, string(ch)).Scan(&last); err != nil {
		return nil, fmt.Errorf("query last sent: %w", err)
	}
	return last, nil
}

// DeliveryCounts groups a user's entries in [from, to) by channel and outcome.
func (r *Repository) DeliveryCounts(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.DeliveryCount, error) {
	query := `
		SELECT channel, outcome, COUNT(*)
		FROM delivery_log
		WHERE user_id = $1 AND requested_at >= $2 AND requested_at < $3
		GROUP BY channel, outcome
		ORDER BY channel, outcome
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query delivery counts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DeliveryCount, error) {
		var (
			c                model.DeliveryCount
			channel, outcome string
		)
		err := row.Scan(&channel, &outcome, &c.Count)
		c.Channel = model.Channel(channel)
		c.Outcome = model.Outcome(outcome)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan delivery counts: %w", err)
	}
	return out, nil
}

// QueueStats aggregates the log per logical queue over [from, to).
// Latency covers completed attempts only.
func (r *Repository) QueueStats(ctx context.Context, from, to time.Time) ([]model.QueueStats, error) {
	query := `
		SELECT
			queue,
			COUNT(*) FILTER (WHERE outcome = 'pending'),
			COUNT(*) FILTER (WHERE outcome = 'sent'),
			COUNT(*) FILTER (WHERE outcome = 'failed'),
			COUNT(*) FILTER (WHERE outcome = 'skipped'),
			COALESCE(SUM(latency_ns) FILTER (WHERE outcome IN ('sent', 'failed')), 0)::bigint,
			COALESCE(MAX(latency_ns) FILTER (WHERE outcome IN ('sent', 'failed')), 0)::bigint
		FROM delivery_log
		WHERE requested_at >= $1 AND requested_at < $2
		GROUP BY queue
		ORDER BY queue
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query queue stats: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.QueueStats, error) {
		var (
			q          model.QueueStats
			total, max int64
		)
		err := row.Scan(&q.Queue, &q.Pending, &q.Sent, &q.Failed, &q.Skipped, &total, &max)
		q.TotalLatency = time.Duration(total)
		q.MaxLatency = time.Duration(max)
		return q, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan queue stats: %w", err)
	}
	return out, nil
}

// OptOutStats returns sent attempts and non-redundant opt-outs per channel
// over [from, to).
func (r *Repository) OptOutStats(ctx context.Context, from, to time.Time) ([]model.ChannelOptOutStats, error) {
	query := `
		WITH attempts AS (
			SELECT channel, COUNT(*) AS n
			FROM delivery_log
			WHERE outcome = 'sent' AND requested_at >= $1 AND requested_at < $2
			GROUP BY channel
		), opt_outs AS (
			SELECT channel, COUNT(*) AS n
			FROM opt_out_events
			WHERE kind = 'opt_out' AND NOT redundant AND occurred_at >= $1 AND occurred_at < $2
			GROUP BY channel
		)
		SELECT COALESCE(a.channel, o.channel), COALESCE(a.n, 0), COALESCE(o.n, 0)
		FROM attempts a
		FULL OUTER JOIN opt_outs o ON o.channel = a.channel
		ORDER BY 1
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query opt-out stats: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ChannelOptOutStats, error) {
		var (
			st      model.ChannelOptOutStats
			channel string
		)
		err := row.Scan(&channel, &st.Attempts, &st.OptOuts)
		st.Channel = model.Channel(channel)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan opt-out stats: %w", err)
	}
	return out, nil
}

// SentGroups returns (user, channel, UTC day) buckets with more than
// threshold sent entries in [from, to).
func (r *Repository) SentGroups(ctx context.Context, from, to time.Time, threshold int) ([]model.CapGroup, error) {
	query := `
		SELECT user_id, channel, date_trunc('day', requested_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		FROM delivery_log
		WHERE outcome = 'sent' AND requested_at >= $1 AND requested_at < $2
		GROUP BY user_id, channel, day
		HAVING COUNT(*) > $3
		ORDER BY day
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to, threshold)
	if err != nil {
		return nil, fmt.Errorf("query sent groups: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CapGroup, error) {
		var (
			g       model.CapGroup
			channel string
			day     time.Time
		)
		err := row.Scan(&g.UserID, &channel, &day, &g.Sent)
		g.Channel = model.Channel(channel)
		g.Day = utcDay(day)
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan sent groups: %w", err)
	}
	return out, nil
}
