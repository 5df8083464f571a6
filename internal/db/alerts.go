package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

const uniqueViolation = "23505"

// GetOpenAlert returns the active or acknowledged alert for a metric key.
func (r *Repository) GetOpenAlert(ctx context.Context, key string) (*model.Alert, error) {
	kind, subject, ok := strings.Cut(key, ":")
	if !ok {
		return nil, model.ErrNotFound
	}
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE kind = $1 AND subject = $2 AND status IN ('active', 'acknowledged')`

	a, err := scanAlert(r.db.Pool().QueryRow(ctx, query, kind, subject))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open alert: %w", err)
	}
	return a, nil
}

// GetAlert retrieves an alert by ID
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*model.Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts WHERE id = $1`

	a, err := scanAlert(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first, filtered by status unless empty.
func (r *Repository) ListAlerts(ctx context.Context, status model.AlertStatus) ([]model.Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT 1000`

	rows, err := r.db.Pool().Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := []model.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// InsertAlert creates an alert and its first transition. A second open
// alert for the same metric violates idx_alerts_open_key.
func (r *Repository) InsertAlert(ctx context.Context, a *model.Alert, tr model.AlertTransition) error {
	query := `INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			a.ID, string(a.Kind), a.Subject, string(a.Severity), a.Metric, a.Threshold, a.Value,
			string(a.Comparator), a.Message, string(a.Status), a.CreatedAt,
			a.AcknowledgedAt, a.AcknowledgedBy, a.ResolvedAt, a.ResolvedBy, a.ResolutionNote,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return model.ErrAlertOpen
			}
			return fmt.Errorf("insert alert: %w", err)
		}
		return insertTransition(ctx, tx, tr)
	})
	if err != nil {
		return err
	}

	r.logger.Info("alert stored",
		zap.String("alert_id", a.ID.String()),
		zap.String("key", a.Key()),
		zap.String("severity", string(a.Severity)),
	)
	return nil
}

// UpdateAlert applies a lifecycle change if the stored status is still from.
func (r *Repository) UpdateAlert(ctx context.Context, a *model.Alert, from model.AlertStatus, tr model.AlertTransition) error {
	query := `
		UPDATE alerts SET
			severity = $2, value = $3, message = $4, status = $5,
			acknowledged_at = $6, acknowledged_by = $7,
			resolved_at = $8, resolved_by = $9, resolution_note = $10
		WHERE id = $1 AND status = $11
	`
	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			a.ID, string(a.Severity), a.Value, a.Message, string(a.Status),
			a.AcknowledgedAt, a.AcknowledgedBy,
			a.ResolvedAt, a.ResolvedBy, a.ResolutionNote,
			string(from),
		)
		if err != nil {
			return fmt.Errorf("update alert: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
				return fmt.Errorf("check alert: %w", err)
			}
			if !exists {
				return model.ErrNotFound
			}
			return model.ErrVersionConflict
		}
		return insertTransition(ctx, tx, tr)
	})
}

func insertTransition(ctx context.Context, tx pgx.Tx, tr model.AlertTransition) error {
	query := `INSERT INTO alert_transitions (` + transitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := tx.Exec(ctx, query,
		tr.ID, tr.AlertID, string(tr.Kind), tr.Subject, string(tr.Severity),
		string(tr.From), string(tr.To), tr.Actor, tr.Note, tr.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert transition: %w", err)
	}
	return nil
}

// ListAlertTransitions returns transitions after since, oldest first. A
// zero limit returns all of them.
func (r *Repository) ListAlertTransitions(ctx context.Context, since time.Time, limit int) ([]model.AlertTransition, error) {
	query := `SELECT` + transitionColumns + `
		FROM alert_transitions
		WHERE occurred_at > $1
		ORDER BY occurred_at
		LIMIT NULLIF($2, 0)`

	rows, err := r.db.Pool().Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query alert transitions: %w", err)
	}
	defer rows.Close()

	var out []model.AlertTransition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
