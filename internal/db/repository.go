package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/consent"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Repository implements every store interface of the engine on top of
// PostgreSQL.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertProfile mirrors a profile from the account service.
func (r *Repository) UpsertProfile(ctx context.Context, p *model.UserProfile) error {
	query := `
		INSERT INTO user_profiles (
			user_id, timezone, phone, phone_verified, email, email_verified, push_token
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			timezone = EXCLUDED.timezone,
			phone = EXCLUDED.phone,
			phone_verified = EXCLUDED.phone_verified,
			email = EXCLUDED.email,
			email_verified = EXCLUDED.email_verified,
			push_token = EXCLUDED.push_token,
			updated_at = NOW()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		p.UserID, p.Timezone, p.Phone, p.PhoneVerified, p.Email, p.EmailVerified, p.PushToken,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by user ID
func (r *Repository) GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error) {
	query := `
		SELECT user_id, timezone, phone, phone_verified, email, email_verified, push_token
		FROM user_profiles
		WHERE user_id = $1
	`

	var p model.UserProfile
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Timezone, &p.Phone, &p.PhoneVerified, &p.Email, &p.EmailVerified, &p.PushToken,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// FindUserByPhone resolves the sender of an inbound SMS.
func (r *Repository) FindUserByPhone(ctx context.Context, phone string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.Pool().QueryRow(ctx, `SELECT user_id FROM user_profiles WHERE phone = $1`, phone).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, model.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query profile by phone: %w", err)
	}
	return id, nil
}

// ListUserIDs pages through users in id order, starting after the cursor.
func (r *Repository) ListUserIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT user_id FROM user_profiles WHERE user_id > $1 ORDER BY user_id LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query user ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan user ids: %w", err)
	}
	return ids, nil
}

// GetPreference retrieves a user's preference row.
func (r *Repository) GetPreference(ctx context.Context, userID uuid.UUID) (*model.UserPreference, error) {
	query := `
		SELECT user_id, enabled_channels, routing, quiet_hours, preferred_weekday,
			preferred_month_day, preferred_time, frequency, segment, auto_adjust, updated_at
		FROM user_preferences
		WHERE user_id = $1
	`

	var (
		p                        model.UserPreference
		channels, routing, quiet []byte
		weekday, monthDay        int
		clock                    *int
		frequency                string
	)
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&p.UserID, &channels, &routing, &quiet, &weekday,
		&monthDay, &clock, &frequency, &p.Segment, &p.AutoAdjust, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	if err := json.Unmarshal(channels, &p.EnabledChannels); err != nil {
		return nil, fmt.Errorf("decode enabled_channels: %w", err)
	}
	if err := json.Unmarshal(routing, &p.Routing); err != nil {
		return nil, fmt.Errorf("decode routing: %w", err)
	}
	if quiet != nil {
		p.QuietHours = &model.TimeWindow{}
		if err := json.Unmarshal(quiet, p.QuietHours); err != nil {
			return nil, fmt.Errorf("decode quiet_hours: %w", err)
		}
	}
	p.PreferredWeekday = time.Weekday(weekday)
	p.PreferredMonthDay = monthDay
	if clock != nil {
		c := model.ClockTime(*clock)
		p.PreferredTime = &c
	}
	p.Frequency = model.Frequency(frequency)
	return &p, nil
}

// UpsertPreference replaces a user's preference row.
func (r *Repository) UpsertPreference(ctx context.Context, p *model.UserPreference) error {
	channels, err := json.Marshal(emptyIfNil(p.EnabledChannels))
	if err != nil {
		return fmt.Errorf("encode enabled_channels: %w", err)
	}
	routing, err := json.Marshal(emptyIfNil(p.Routing))
	if err != nil {
		return fmt.Errorf("encode routing: %w", err)
	}
	var clock *int
	if p.PreferredTime != nil {
		c := int(*p.PreferredTime)
		clock = &c
	}
	var quiet []byte
	if p.QuietHours != nil {
		if quiet, err = json.Marshal(p.QuietHours); err != nil {
			return fmt.Errorf("encode quiet_hours: %w", err)
		}
	}

	query := `
		INSERT INTO user_preferences (
			user_id, enabled_channels, routing, quiet_hours, preferred_weekday,
			preferred_month_day, preferred_time, frequency, segment, auto_adjust
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
			enabled_channels = EXCLUDED.enabled_channels,
			routing = EXCLUDED.routing,
			quiet_hours = EXCLUDED.quiet_hours,
			preferred_weekday = EXCLUDED.preferred_weekday,
			preferred_month_day = EXCLUDED.preferred_month_day,
			preferred_time = EXCLUDED.preferred_time,
			frequency = EXCLUDED.frequency,
			segment = EXCLUDED.segment,
			auto_adjust = EXCLUDED.auto_adjust,
			updated_at = NOW()
	`
	_, err = r.db.Pool().Exec(ctx, query,
		p.UserID, channels, routing, quiet, int(p.PreferredWeekday),
		p.PreferredMonthDay, clock, string(p.Frequency), p.Segment, p.AutoAdjust,
	)
	if err != nil {
		r.logger.Error("failed to upsert preference", zap.String("user_id", p.UserID.String()), zap.Error(err))
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

func emptyIfNil[M ~map[K]V, K comparable, V any](m M) M {
	if m == nil {
		return M{}
	}
	return m
}

// ListSegmentPolicies returns every stored segment policy by name.
func (r *Repository) ListSegmentPolicies(ctx context.Context) ([]model.SegmentPolicy, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT policy FROM segment_policies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query segment policies: %w", err)
	}
	defer rows.Close()

	var out []model.SegmentPolicy
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan segment policy: %w", err)
		}
		var p model.SegmentPolicy
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode segment policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertSegmentPolicy stores a policy under its name.
func (r *Repository) UpsertSegmentPolicy(ctx context.Context, p model.SegmentPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode segment policy: %w", err)
	}
	_, err = r.db.Pool().Exec(ctx, `
		INSERT INTO segment_policies (name, policy) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET policy = EXCLUDED.policy, updated_at = NOW()
	`, p.Name, raw)
	if err != nil {
		return fmt.Errorf("upsert segment policy: %w", err)
	}
	return nil
}

// GetConsent retrieves the consent record of a (user, channel).
func (r *Repository) GetConsent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.ConsentRecord, error) {
	query := `SELECT` + consentColumns + `
		FROM consent_records
		WHERE user_id = $1 AND channel = $2`

	rec, err := scanConsent(r.db.Pool().QueryRow(ctx, query, userID, string(ch)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query consent: %w", err)
	}
	return rec, nil
}

// LatestOptOut returns the newest effective opt-out covering the channel
// or the alert type, or nil if there is none. Repeated STOPs are recorded
// as redundant and never move the cool-down anchor.
func (r *Repository) LatestOptOut(ctx context.Context, userID uuid.UUID, ch model.Channel, at model.AlertType) (*model.OptOutEvent, error) {
	query := `SELECT` + optOutColumns + `
		FROM opt_out_events
		WHERE user_id = $1 AND channel = $2 AND kind = 'opt_out' AND NOT redundant
			AND (alert_type IS NULL OR alert_type = $3)
		ORDER BY occurred_at DESC
		LIMIT 1`

	ev, err := scanOptOut(r.db.Pool().QueryRow(ctx, query, userID, string(ch), string(at)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest opt-out: %w", err)
	}
	return &ev, nil
}

// ApplyTransition writes a consent record, its audit events and the
// preference toggles in one transaction. The record write is a
// compare-and-set on version.
func (r *Repository) ApplyTransition(ctx context.Context, t consent.Transition) error {
	userID, ch := transitionSubject(t)
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		return applyTransition(ctx, tx, t, userID, ch)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("consent transition applied",
		zap.String("user_id", userID.String()),
		zap.String("channel", string(ch)),
		zap.Int("events", len(t.Events)),
	)
	return nil
}

func applyTransition(ctx context.Context, tx pgx.Tx, t consent.Transition, userID uuid.UUID, ch model.Channel) error {
	if t.Record != nil {
		if err := writeConsent(ctx, tx, t.Record, t.ExpectedVersion); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	for _, ev := range t.Events {
		if err := queueConsentEvent(batch, ev); err != nil {
			return err
		}
	}
	if t.OptOut != nil {
		queueOptOut(batch, *t.OptOut)
	}
	if t.SetChannel != nil {
		batch.Queue(`
			INSERT INTO user_preferences (user_id, enabled_channels)
			VALUES ($1, jsonb_build_object($2::text, $3::boolean))
			ON CONFLICT (user_id) DO UPDATE SET
				enabled_channels = user_preferences.enabled_channels || EXCLUDED.enabled_channels,
				updated_at = NOW()
		`, userID, string(ch), *t.SetChannel)
	}
	if t.DisableRoute != nil {
		batch.Queue(`
			INSERT INTO user_preferences (user_id, routing)
			VALUES ($1, jsonb_build_object($2::text, jsonb_build_object($3::text, false)))
			ON CONFLICT (user_id) DO UPDATE SET
				routing = jsonb_set(
					user_preferences.routing,
					ARRAY[$2::text],
					COALESCE(user_preferences.routing -> $2::text, '{}'::jsonb) || jsonb_build_object($3::text, false)
				),
				updated_at = NOW()
		`, userID, string(*t.DisableRoute), string(ch))
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("append consent events: %w", err)
		}
	}
	return nil
}

func writeConsent(ctx context.Context, tx pgx.Tx, rec *model.ConsentRecord, expected int64) error {
	args := []any{
		rec.UserID, string(rec.Channel), rec.Address, string(rec.Verification), string(rec.Status),
		string(rec.Source), rec.ConsentedAt, rec.ExpiresAt, rec.OptedOutAt, rec.OptOutReason,
		string(rec.OptOutMethod), rec.ReEngagedAt, string(rec.ReEngageMethod), rec.Version,
	}

	var query string
	if expected == 0 {
		query = `
			INSERT INTO consent_records (
				user_id, channel, address, verification, status, source,
				consented_at, expires_at, opted_out_at, opt_out_reason, opt_out_method,
				re_engaged_at, re_engage_method, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id, channel) DO NOTHING`
	} else {
		query = `
			UPDATE consent_records SET
				address = $3, verification = $4, status = $5, source = $6,
				consented_at = $7, expires_at = $8, opted_out_at = $9, opt_out_reason = $10,
				opt_out_method = $11, re_engaged_at = $12, re_engage_method = $13,
				version = $14, updated_at = NOW()
			WHERE user_id = $1 AND channel = $2 AND version = $15`
		args = append(args, expected)
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("write consent record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrVersionConflict
	}
	return nil
}

func queueConsentEvent(b *pgx.Batch, ev model.ConsentEvent) error {
	var evidence []byte
	if ev.Evidence != nil {
		var err error
		if evidence, err = json.Marshal(ev.Evidence); err != nil {
			return fmt.Errorf("encode evidence: %w", err)
		}
	}
	b.Queue(`INSERT INTO consent_events (`+consentEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.UserID, string(ev.Channel), string(ev.Kind), string(ev.StatusAfter), string(ev.Source),
		string(ev.Method), ev.Reason, evidence, ev.Redundant, ev.LinkedOptOutID, ev.OccurredAt,
	)
	return nil
}

func queueOptOut(b *pgx.Batch, ev model.OptOutEvent) {
	b.Queue(`INSERT INTO opt_out_events (`+optOutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.UserID, string(ev.Channel), nullableAlertType(ev.AlertType), string(ev.Kind),
		ev.Reason, string(ev.Method), ev.Redundant, ev.LinkedEventID, ev.OccurredAt,
	)
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

// ConsentHistory returns a user's consent events in [from, to).
func (r *Repository) ConsentHistory(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.ConsentEvent, error) {
	query := `SELECT` + consentEventColumns + `
		FROM consent_events
		WHERE user_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at`

	rows, err := r.db.Pool().Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query consent history: %w", err)
	}
	defer rows.Close()

	var out []model.ConsentEvent
	for rows.Next() {
		ev, err := scanConsentEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consent event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// OptOutHistory returns a user's opt-out stream entries in [from, to).
func (r *Repository) OptOutHistory(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]model.OptOutEvent, error) {
	query := `SELECT` + optOutColumns + `
		FROM opt_out_events
		WHERE user_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at`

	rows, err := r.db.Pool().Query(ctx, query, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query opt-out history: %w", err)
	}
	defer rows.Close()

	var out []model.OptOutEvent
	for rows.Next() {
		ev, err := scanOptOut(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opt-out event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
