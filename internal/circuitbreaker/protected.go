package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
	"github.com/dmutua/safiri/internal/provider"
)

// ProtectedProvider wraps a channel provider with a CircuitBreaker. When the
// downstream gateway starts failing, the circuit opens and sends fail fast;
// the dispatch engine records those attempts as failed(circuit_open).
type ProtectedProvider struct {
	inner   provider.Provider
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedProvider wraps a provider with circuit breaker protection.
func NewProtectedProvider(inner provider.Provider, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedProvider {
	return &ProtectedProvider{
		inner:   inner,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the circuit breaker. An open circuit
// returns ErrCircuitOpen immediately.
func (p *ProtectedProvider) Send(ctx context.Context, rec *notify.NotificationRecord) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", rec.ID.String()),
			zap.String("channel", string(p.inner.Channel())),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s gateway unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.inner.Send(ctx, rec)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Channel delegates to the underlying provider.
func (p *ProtectedProvider) Channel() notify.Channel {
	return p.inner.Channel()
}

// Breaker exposes the underlying breaker for monitoring.
func (p *ProtectedProvider) Breaker() *CircuitBreaker {
	return p.breaker
}
