package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Publisher mirrors health.Publisher to avoid an import cycle.
type Publisher interface {
	PublishTransition(ctx context.Context, tr model.AlertTransition) error
}

// Spiller mirrors deliverylog.Spiller.
type Spiller interface {
	Spill(ctx context.Context, e model.DeliveryLogEntry) error
}

// ProtectedPublisher wraps an alert transition publisher with a breaker.
type ProtectedPublisher struct {
	next    Publisher
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedPublisher wraps next.
func NewProtectedPublisher(next Publisher, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPublisher {
	return &ProtectedPublisher{next: next, breaker: breaker, logger: logger}
}

// PublishTransition forwards tr unless the breaker is open.
func (p *ProtectedPublisher) PublishTransition(ctx context.Context, tr model.AlertTransition) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.next.PublishTransition(ctx, tr)
	})
	if err != nil {
		p.logger.Debug("alert publish rejected or failed",
			zap.String("breaker", p.breaker.Name()),
			zap.String("alert_id", tr.AlertID.String()),
			zap.String("state", p.breaker.GetState().String()),
			zap.Error(err),
		)
	}
	return err
}

// Breaker returns the underlying breaker for the health endpoint.
func (p *ProtectedPublisher) Breaker() *CircuitBreaker { return p.breaker }

// ProtectedSpiller wraps the spill queue producer with a breaker.
type ProtectedSpiller struct {
	next    Spiller
	breaker *CircuitBreaker
}

// NewProtectedSpiller wraps next.
func NewProtectedSpiller(next Spiller, breaker *CircuitBreaker) *ProtectedSpiller {
	return &ProtectedSpiller{next: next, breaker: breaker}
}

// Spill forwards e unless the breaker is open.
func (p *ProtectedSpiller) Spill(ctx context.Context, e model.DeliveryLogEntry) error {
	return p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.next.Spill(ctx, e)
	})
}

// Breaker returns the underlying breaker.
func (p *ProtectedSpiller) Breaker() *CircuitBreaker { return p.breaker }
