// Package deliverylog appends delivery attempts to the append-only log that
// frequency caps, queue health and compliance reports aggregate over.
package deliverylog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/metrics"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Store appends log entries. Appends are idempotent on entry ID.
type Store interface {
	AppendAttempt(ctx context.Context, e model.DeliveryLogEntry) error
}

// Escalator raises an operational alert for an entry that could not be
// written. Lost sent entries under-count caps.
type Escalator interface {
	RaiseLogWriteFailure(ctx context.Context, e model.DeliveryLogEntry, err error)
}

// Spiller parks an unwritten entry somewhere durable for later replay.
type Spiller interface {
	Spill(ctx context.Context, e model.DeliveryLogEntry) error
}

// Attempt is a transport outcome reported by the send orchestrator.
type Attempt struct {
	ID          uuid.UUID        `json:"id"`
	UserID      uuid.UUID        `json:"user_id"`
	Channel     model.Channel    `json:"channel"`
	AlertType   model.AlertType  `json:"alert_type"`
	Outcome     model.Outcome    `json:"outcome"`
	Reason      model.ReasonCode `json:"reason"`
	Detail      string           `json:"detail"`
	Latency     time.Duration    `json:"latency"`
	RequestedAt time.Time        `json:"requested_at"`
}

// Config tunes retries and the async buffer. OverflowWriters bounds the
// goroutines that take entries the full buffer cannot hold.
type Config struct {
	RetryDelays     []time.Duration
	BufferSize      int
	OverflowWriters int
}

// Recorder writes log entries with retry and backoff. Outcome reports are
// written synchronously; decision entries go through an async buffer so
// logging never blocks Authorize.
type Recorder struct {
	store     Store
	escalator Escalator
	spiller   Spiller
	config    Config
	buffer    chan model.DeliveryLogEntry
	overflow  chan struct{}
	inflight  sync.WaitGroup
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRecorder creates a recorder. escalator and spiller may be nil.
func NewRecorder(store Store, escalator Escalator, spiller Spiller, cfg Config, logger *zap.Logger) *Recorder {
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = []time.Duration{
			50 * time.Millisecond,  // attempt 1 → wait 50ms
			200 * time.Millisecond, // attempt 2 → wait 200ms
			time.Second,            // attempt 3 → wait 1s
		}
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1024
	}
	if cfg.OverflowWriters <= 0 {
		cfg.OverflowWriters = 8
	}

	return &Recorder{
		store:     store,
		escalator: escalator,
		spiller:   spiller,
		config:    cfg,
		buffer:    make(chan model.DeliveryLogEntry, cfg.BufferSize),
		overflow:  make(chan struct{}, cfg.OverflowWriters),
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SetEscalator wires the alert escalator after construction; the health
// monitor depends on the log store, so the two are built in sequence.
func (r *Recorder) SetEscalator(e Escalator) { r.escalator = e }

// RecordAttempt appends a transport outcome. It returns a *model.LogWriteError
// if the entry could not be written after all retries.
func (r *Recorder) RecordAttempt(ctx context.Context, a Attempt) (model.DeliveryLogEntry, error) {
	if err := validate(a); err != nil {
		return model.DeliveryLogEntry{}, err
	}

	now := r.now()
	entry := model.DeliveryLogEntry{
		ID:          a.ID,
		UserID:      a.UserID,
		Channel:     a.Channel,
		AlertType:   a.AlertType,
		Queue:       model.QueueName(a.Channel, a.AlertType),
		Outcome:     a.Outcome,
		Reason:      a.Reason,
		Detail:      a.Detail,
		RequestedAt: a.RequestedAt,
		Latency:     a.Latency,
		RecordedAt:  now,
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RequestedAt.IsZero() {
		entry.RequestedAt = now
	}
	if entry.Outcome == model.OutcomeFailed && entry.Reason == "" {
		entry.Reason = model.ReasonTransportError
	}

	if err := r.write(ctx, entry); err != nil {
		return entry, err
	}
	return entry, nil
}

// Enqueue buffers a decision entry for the background writer. When the
// buffer is full the entry goes to one of OverflowWriters goroutines, and
// when those are all busy it is written on the caller's goroutine. Entries
// are never dropped.
func (r *Recorder) Enqueue(e model.DeliveryLogEntry) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = r.now()
	}
	select {
	case r.buffer <- e:
		metrics.SetLogBacklog(len(r.buffer))
		return
	default:
	}

	select {
	case r.overflow <- struct{}{}:
		r.logger.Warn("delivery log buffer full, writing on overflow writer", zap.String("entry_id", e.ID.String()))
		r.inflight.Add(1)
		go func() {
			defer func() {
				<-r.overflow
				r.inflight.Done()
			}()
			_ = r.write(context.Background(), e)
		}()
	default:
		r.logger.Warn("delivery log overflow saturated, writing inline", zap.String("entry_id", e.ID.String()))
		_ = r.write(context.Background(), e)
	}
}

// Run drains the async buffer until ctx is cancelled, then flushes what
// is left with a short deadline and waits for overflow writers.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush()
			r.inflight.Wait()
			r.logger.Info("delivery log writer stopping")
			return
		case e := <-r.buffer:
			metrics.SetLogBacklog(len(r.buffer))
			_ = r.write(ctx, e)
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-r.buffer:
			_ = r.write(ctx, e)
		default:
			return
		}
	}
}

// write appends with retries. After the last retry the entry is spilled
// and escalated.
func (r *Recorder) write(ctx context.Context, e model.DeliveryLogEntry) error {
	var err error
	attempts := len(r.config.RetryDelays) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		err = r.store.AppendAttempt(ctx, e)
		if err == nil {
			metrics.RecordLogWrite("ok")
			return nil
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}

		metrics.RecordLogWrite("retry")
		r.logger.Warn("delivery log append failed, retrying",
			zap.String("entry_id", e.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, r.retryDelay(attempt)); serr != nil {
			break
		}
	}

	lwe := &model.LogWriteError{EntryID: e.ID, Attempts: attempts, Err: err}
	metrics.RecordLogWrite("failed")
	r.logger.Error("delivery log append failed",
		zap.String("entry_id", e.ID.String()),
		zap.String("queue", e.Queue),
		zap.String("outcome", string(e.Outcome)),
		zap.Error(lwe),
	)

	// Use a fresh context: the caller's may be what just expired.
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.spiller != nil {
		if serr := r.spiller.Spill(bg, e); serr != nil {
			r.logger.Error("failed to spill delivery log entry", zap.String("entry_id", e.ID.String()), zap.Error(serr))
		} else {
			metrics.RecordLogWrite("spilled")
		}
	}
	if r.escalator != nil && e.Outcome != model.OutcomeSkipped {
		r.escalator.RaiseLogWriteFailure(bg, e, lwe)
	}
	return lwe
}

// retryDelay returns the wait before the next attempt.
func (r *Recorder) retryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(r.config.RetryDelays) {
		idx = len(r.config.RetryDelays) - 1
	}
	return r.config.RetryDelays[idx]
}

// Replay writes a previously spilled entry. Duplicates are absorbed by the
// store's idempotent append.
func (r *Recorder) Replay(ctx context.Context, e model.DeliveryLogEntry) error {
	if err := r.store.AppendAttempt(ctx, e); err != nil {
		return fmt.Errorf("replay entry %s: %w", e.ID, err)
	}
	return nil
}

func validate(a Attempt) error {
	if a.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", model.ErrInvalidRequest)
	}
	if !a.Channel.Valid() {
		return fmt.Errorf("%w: invalid channel %q", model.ErrInvalidRequest, a.Channel)
	}
	if !a.AlertType.Valid() {
		return fmt.Errorf("%w: invalid alert type %q", model.ErrInvalidRequest, a.AlertType)
	}
	switch a.Outcome {
	case model.OutcomeSent, model.OutcomeFailed, model.OutcomeSkipped:
	default:
		return fmt.Errorf("%w: invalid outcome %q: must be sent, failed, or skipped", model.ErrInvalidRequest, a.Outcome)
	}
	if a.Latency < 0 {
		return fmt.Errorf("%w: latency must be >= 0", model.ErrInvalidRequest)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
