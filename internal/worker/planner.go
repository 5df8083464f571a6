package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/gatekeeper/internal/authz"
	"github.com/lalithlochan/gatekeeper/internal/model"
	"github.com/lalithlochan/gatekeeper/internal/redis"
	"github.com/lalithlochan/gatekeeper/internal/schedule"
)

// planScope namespaces planner keys in the idempotency cache.
const planScope = "plan"

// Authorizer is the slice of authz.Service the planner drives.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) (authz.Decision, error)
	Load(ctx context.Context, req authz.Request) (authz.Snapshot, error)
	Now() time.Time
}

// UserSource enumerates users in ID order.
type UserSource interface {
	ListUserIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
	GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error)
}

// Dedup remembers items already evaluated for a user-local day.
type Dedup interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// PlanRequest selects the items of one planner page.
type PlanRequest struct {
	Channels   []model.Channel   `json:"channels"`
	AlertTypes []model.AlertType `json:"alert_types"`
	// Cursor is the last user of the previous page; uuid.Nil starts over.
	Cursor uuid.UUID `json:"cursor"`
	Limit  int       `json:"limit"`
}

// PlanResult is the decision for one (user, channel, alert type).
type PlanResult struct {
	UserID    uuid.UUID       `json:"user_id"`
	Channel   model.Channel   `json:"channel"`
	AlertType model.AlertType `json:"alert_type"`
	Decision  authz.Decision  `json:"decision"`
	SendAt    *time.Time      `json:"send_at,omitempty"`
	Cached    bool            `json:"cached"`
}

// PlanPage is one resumable slice of a planner run. Pass NextCursor back
// as the next request's Cursor until Done.
type PlanPage struct {
	Results    []PlanResult `json:"results"`
	NextCursor uuid.UUID    `json:"next_cursor"`
	Done       bool         `json:"done"`
	// InFlight counts items skipped because another run held their key.
	InFlight int `json:"in_flight"`
}

// PlannerConfig tunes paging and pacing.
type PlannerConfig struct {
	PageSize int
	// Rate is decisions per second; zero means unpaced.
	Rate  float64
	Burst int
}

// Planner evaluates many items against the authorization engine. Runs may
// be cancelled at any point: results are cached per user-local day, so a
// resumed run answers already-evaluated items from the cache instead of
// authorizing (and logging) them again.
type Planner struct {
	authz   Authorizer
	users   UserSource
	dedup   Dedup
	limiter *rate.Limiter
	config  PlannerConfig
	logger  *zap.Logger
}

// NewPlanner creates a planner. dedup may be nil.
func NewPlanner(a Authorizer, users UserSource, dedup Dedup, cfg PlannerConfig, logger *zap.Logger) *Planner {
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst == 0 {
		cfg.Burst = 1
	}

	return &Planner{
		authz:   a,
		users:   users,
		dedup:   dedup,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		config:  cfg,
		logger:  logger,
	}
}

// Plan evaluates one page of users. On cancellation it returns the
// results so far with a cursor pointing at the last completed user,
// together with the context error.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*PlanPage, error) {
	if err := validatePlan(req); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > p.config.PageSize {
		limit = p.config.PageSize
	}

	users, err := p.users.ListUserIDs(ctx, req.Cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	page := &PlanPage{Results: []PlanResult{}, NextCursor: req.Cursor}
	for _, userID := range users {
		results, inFlight, err := p.planUser(ctx, userID, req)
		if err != nil {
			p.logger.Warn("plan page interrupted",
				zap.String("cursor", page.NextCursor.String()),
				zap.Int("results", len(page.Results)),
				zap.Error(err),
			)
			return page, err
		}
		page.Results = append(page.Results, results...)
		page.InFlight += inFlight
		page.NextCursor = userID
	}
	page.Done = len(users) < limit

	p.logger.Info("plan page complete",
		zap.Int("users", len(users)),
		zap.Int("results", len(page.Results)),
		zap.Bool("done", page.Done),
	)
	return page, nil
}

func (p *Planner) planUser(ctx context.Context, userID uuid.UUID, req PlanRequest) ([]PlanResult, int, error) {
	profile, err := p.users.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, 0, fmt.Errorf("load profile %s: %w", userID, err)
	}
	now := p.authz.Now()
	day := authz.StartOfDay(now, profile.Location()).Format("2006-01-02")

	var (
		results  []PlanResult
		inFlight int
	)
	for _, ch := range req.Channels {
		for _, at := range req.AlertTypes {
			item := authz.Request{UserID: userID, Channel: ch, AlertType: at, Now: now}
			res, err := p.planItem(ctx, item, day)
			if errors.Is(err, redis.ErrDuplicateRequest) {
				inFlight++
				continue
			}
			if err != nil {
				return nil, 0, err
			}
			results = append(results, *res)
		}
	}
	return results, inFlight, nil
}

func (p *Planner) planItem(ctx context.Context, req authz.Request, day string) (*PlanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%s:%s:%s", req.UserID, req.Channel, req.AlertType, day)

	if p.dedup != nil {
		cached, err := p.dedup.CheckOrReserve(ctx, planScope, key)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			var res PlanResult
			if err := json.Unmarshal(cached.Body, &res); err != nil {
				return nil, fmt.Errorf("decode cached plan result: %w", err)
			}
			res.Cached = true
			return &res, nil
		}
	}

	res, err := p.evaluate(ctx, req)
	if err != nil {
		p.release(key)
		return nil, err
	}

	// Transient denials must be re-evaluated on resume.
	if res.Decision.Reason == model.ReasonStateUnavailable {
		p.release(key)
		return res, nil
	}
	if p.dedup != nil {
		body, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode plan result: %w", err)
		}
		// The decision is already logged; cache it even if the run was
		// cancelled meanwhile.
		if err := p.dedup.Store(context.WithoutCancel(ctx), planScope, key, &redis.IdempotencyResult{StatusCode: 200, Body: body}, redis.PlanTTL); err != nil {
			p.logger.Error("failed to cache plan result", zap.String("key", key), zap.Error(err))
		}
	}
	return res, nil
}

func (p *Planner) evaluate(ctx context.Context, req authz.Request) (*PlanResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	d, err := p.authz.Authorize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("authorize %s/%s/%s: %w", req.UserID, req.Channel, req.AlertType, err)
	}
	res := &PlanResult{UserID: req.UserID, Channel: req.Channel, AlertType: req.AlertType, Decision: d}

	if d.Verdict == authz.VerdictDelay {
		snap, err := p.authz.Load(ctx, req)
		if err != nil {
			p.logger.Warn("could not load state to schedule delayed item", zap.String("user_id", req.UserID.String()), zap.Error(err))
			return res, nil
		}
		at, err := schedule.NextEligibleSend(req, snap)
		if err != nil {
			p.logger.Info("no eligible send time",
				zap.String("user_id", req.UserID.String()),
				zap.String("channel", string(req.Channel)),
				zap.String("alert_type", string(req.AlertType)),
				zap.Error(err),
			)
			return res, nil
		}
		res.SendAt = &at
	}
	return res, nil
}

// release drops a reservation on a fresh context so a cancelled run does
// not leave the key held until it expires.
func (p *Planner) release(key string) {
	if p.dedup == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.dedup.Release(ctx, planScope, key); err != nil {
		p.logger.Warn("failed to release plan key", zap.String("key", key), zap.Error(err))
	}
}

func validatePlan(req PlanRequest) error {
	if len(req.Channels) == 0 || len(req.AlertTypes) == 0 {
		return fmt.Errorf("%w: channels and alert_types are required", model.ErrInvalidRequest)
	}
	for _, ch := range req.Channels {
		if !ch.Valid() {
			return fmt.Errorf("%w: invalid channel %q", model.ErrInvalidRequest, ch)
		}
	}
	for _, at := range req.AlertTypes {
		if !at.Valid() {
			return fmt.Errorf("%w: invalid alert type %q", model.ErrInvalidRequest, at)
		}
	}
	return nil
}
