// Package dispatch fans a notification out to its resolved channels,
// records every attempt in the delivery ledger, and keeps re-dispatch
// idempotent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/circuitbreaker"
	"github.com/dmutua/safiri/internal/events"
	"github.com/dmutua/safiri/internal/metrics"
	"github.com/dmutua/safiri/internal/notify"
	"github.com/dmutua/safiri/internal/provider"
	"github.com/dmutua/safiri/internal/resolver"
)

// ReasonGatewayError marks a provider failure that is neither a timeout
// nor an open circuit.
const ReasonGatewayError = "gateway_error"

// DefaultProviderTimeout bounds a single gateway call.
const DefaultProviderTimeout = 10 * time.Second

const lockStripes = 64

// Store persists notifications and their delivery attempts.
type Store interface {
	// CreateNotification persists the record together with its initial
	// attempts in one transaction.
	CreateNotification(ctx context.Context, rec *notify.NotificationRecord) error
	GetAttempts(ctx context.Context, notificationID uuid.UUID) ([]*notify.DeliveryAttempt, error)
}

// Resolver decides which channels a notification may use right now.
type Resolver interface {
	Resolve(ctx context.Context, recipient int64, ntype notify.Type, priority notify.Priority,
		requested []notify.Channel, at time.Time) ([]resolver.Decision, error)
}

// Ledger applies monotonic status transitions to delivery attempts.
type Ledger interface {
	RecordStatus(ctx context.Context, notificationID uuid.UUID, ch notify.Channel,
		newStatus notify.AttemptStatus, at time.Time, reason *string) error
}

// Locker guards a notification against concurrent dispatch across gateway
// instances. Lock errors fail open: a broken lock service must not stop
// deliveries.
type Locker interface {
	TryLock(ctx context.Context, key string) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// Publisher emits a delivery outcome event per finalized attempt.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Config tunes the engine.
type Config struct {
	// ProviderTimeout bounds each gateway call. Zero means the default.
	ProviderTimeout time.Duration
}

// Engine is the dispatch core.
type Engine struct {
	store     Store
	resolver  Resolver
	ledger    Ledger
	providers map[notify.Channel]provider.Provider
	locker    Locker    // optional
	publisher Publisher // optional
	logger    *zap.Logger
	timeout   time.Duration
	now       func() time.Time

	// Striped per-record locks serialize dispatch within this process.
	locks [lockStripes]sync.Mutex
}

// New creates a dispatch engine. locker and publisher may be nil.
func New(
	store Store,
	res Resolver,
	led Ledger,
	providers map[notify.Channel]provider.Provider,
	locker Locker,
	publisher Publisher,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Engine{
		store:     store,
		resolver:  res,
		ledger:    led,
		providers: providers,
		locker:    locker,
		publisher: publisher,
		logger:    logger,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Result describes what one Dispatch call did.
type Result struct {
	Record   *notify.NotificationRecord
	Attempts []*notify.DeliveryAttempt

	// Deferred is true when the notification is scheduled for the future
	// and was persisted without any delivery.
	Deferred bool

	// Skipped is true when another instance held the dispatch lock.
	Skipped bool
}

// Dispatch persists the record on first sight and drives every pending
// attempt to a final status. Re-dispatching a record whose attempts are all
// terminal is a no-op, so retries and scheduler wakeups are safe.
func (e *Engine) Dispatch(ctx context.Context, rec *notify.NotificationRecord) (*Result, error) {
	mu := &e.locks[stripe(rec.ID)]
	mu.Lock()
	defer mu.Unlock()

	if e.locker != nil {
		key := "dispatch:" + rec.ID.String()
		ok, err := e.locker.TryLock(ctx, key)
		if err != nil {
			e.logger.Warn("dispatch lock unavailable, proceeding",
				zap.Error(err),
				zap.String("notification_id", rec.ID.String()),
			)
		} else if !ok {
			attempts, aerr := e.store.GetAttempts(ctx, rec.ID)
			if aerr != nil {
				return nil, fmt.Errorf("load attempts: %w", aerr)
			}
			return &Result{Record: rec, Attempts: attempts, Skipped: true}, nil
		} else {
			defer func() {
				if uerr := e.locker.Unlock(context.WithoutCancel(ctx), key); uerr != nil {
					e.logger.Warn("dispatch lock release failed", zap.Error(uerr))
				}
			}()
		}
	}

	now := e.now()

	attempts, err := e.store.GetAttempts(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}

	var decisions []resolver.Decision
	if len(attempts) == 0 {
		decisions, err = e.resolver.Resolve(ctx, rec.Recipient, rec.Type, rec.Priority, rec.Channels, now)
		if err != nil {
			return nil, fmt.Errorf("resolve channels: %w", err)
		}

		attempts = make([]*notify.DeliveryAttempt, 0, len(decisions))
		channels := make([]notify.Channel, 0, len(decisions))
		for _, d := range decisions {
			channels = append(channels, d.Channel)
			attempts = append(attempts, &notify.DeliveryAttempt{
				ID:             uuid.New(),
				NotificationID: rec.ID,
				Channel:        d.Channel,
				Status:         notify.StatusPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		rec.Channels = channels
		rec.Attempts = attempts

		if err := e.store.CreateNotification(ctx, rec); err != nil {
			return nil, fmt.Errorf("create notification: %w", err)
		}
		metrics.RecordNotificationCreated(string(rec.Type), string(rec.Priority))
	}

	if rec.ScheduledAt != nil && rec.ScheduledAt.After(now) {
		e.logger.Info("notification deferred",
			zap.String("notification_id", rec.ID.String()),
			zap.Time("scheduled_at", *rec.ScheduledAt),
		)
		return &Result{Record: rec, Attempts: attempts, Deferred: true}, nil
	}

	pending := pendingAttempts(attempts)
	if len(pending) == 0 {
		return &Result{Record: rec, Attempts: attempts}, nil
	}

	// Attempts created on an earlier run (a deferred schedule, a crashed
	// dispatch) are re-resolved now so quiet hours apply at send time.
	if decisions == nil {
		channels := make([]notify.Channel, 0, len(pending))
		for _, a := range pending {
			channels = append(channels, a.Channel)
		}
		decisions, err = e.resolver.Resolve(ctx, rec.Recipient, rec.Type, rec.Priority, channels, now)
		if err != nil {
			return nil, fmt.Errorf("resolve channels: %w", err)
		}
	}
	byChannel := make(map[notify.Channel]resolver.Decision, len(decisions))
	for _, d := range decisions {
		byChannel[d.Channel] = d
	}

	var wg sync.WaitGroup
	for _, att := range pending {
		d, ok := byChannel[att.Channel]
		if !ok {
			continue
		}
		if !d.Eligible {
			e.finalize(ctx, rec, att, notify.StatusSuppressed, d.Reason)
			continue
		}

		wg.Add(1)
		go func(att *notify.DeliveryAttempt) {
			defer wg.Done()
			e.deliver(ctx, rec, att)
		}(att)
	}
	wg.Wait()

	final, err := e.store.GetAttempts(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("reload attempts: %w", err)
	}
	rec.Attempts = final
	return &Result{Record: rec, Attempts: final}, nil
}

// deliver runs one gateway call and records the outcome.
func (e *Engine) deliver(ctx context.Context, rec *notify.NotificationRecord, att *notify.DeliveryAttempt) {
	p, ok := e.providers[att.Channel]
	if !ok {
		e.logger.Error("no provider configured for channel",
			zap.String("channel", string(att.Channel)),
		)
		e.finalize(ctx, rec, att, notify.StatusFailed, ReasonGatewayError)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	err := p.Send(cctx, rec)
	metrics.RecordProviderLatency(string(att.Channel), time.Since(start))

	if err == nil {
		e.finalize(ctx, rec, att, notify.StatusSent, "")
		return
	}

	reason := ReasonGatewayError
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		reason = notify.ReasonCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		reason = notify.ReasonTimeout
	}

	e.logger.Warn("delivery failed",
		zap.Error(err),
		zap.String("notification_id", rec.ID.String()),
		zap.String("channel", string(att.Channel)),
		zap.String("reason", reason),
	)
	e.finalize(ctx, rec, att, notify.StatusFailed, reason)
}

// finalize records the status transition, metrics, and outcome event.
// Ledger errors are logged, not propagated: a lost CAS race means another
// writer already finalized the attempt.
func (e *Engine) finalize(ctx context.Context, rec *notify.NotificationRecord, att *notify.DeliveryAttempt, status notify.AttemptStatus, reason string) {
	now := e.now()

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	if err := e.ledger.RecordStatus(ctx, att.NotificationID, att.Channel, status, now, reasonPtr); err != nil {
		e.logger.Warn("failed to record attempt status",
			zap.Error(err),
			zap.String("notification_id", att.NotificationID.String()),
			zap.String("channel", string(att.Channel)),
			zap.String("status", string(status)),
		)
		return
	}

	metrics.RecordAttempt(string(att.Channel), string(status))
	if status == notify.StatusSuppressed {
		metrics.RecordSuppression(reason)
	}

	if e.publisher != nil {
		snapshot := &notify.DeliveryAttempt{
			NotificationID: att.NotificationID,
			Channel:        att.Channel,
			Status:         status,
			Reason:         reasonPtr,
		}
		if err := e.publisher.Publish(ctx, events.NewEvent(rec, snapshot, now)); err != nil {
			e.logger.Warn("failed to publish delivery event", zap.Error(err))
		}
	}
}

// BatchResult pairs one bulk item with its dispatch outcome. Err carries
// either the item's validation error or a dispatch failure.
type BatchResult struct {
	Result *Result
	Err    error
}

// DispatchBatch dispatches every accepted item of a bulk submission.
// Items fail or succeed independently and results preserve input order.
func (e *Engine) DispatchBatch(ctx context.Context, batch notify.BulkBatch) []BatchResult {
	results := make([]BatchResult, len(batch.Items))

	var wg sync.WaitGroup
	for i, item := range batch.Items {
		if item.Err != nil {
			results[i] = BatchResult{Err: item.Err}
			continue
		}

		wg.Add(1)
		go func(i int, rec *notify.NotificationRecord) {
			defer wg.Done()
			res, err := e.Dispatch(ctx, rec)
			results[i] = BatchResult{Result: res, Err: err}
		}(i, item.Record)
	}
	wg.Wait()

	return results
}

func pendingAttempts(attempts []*notify.DeliveryAttempt) []*notify.DeliveryAttempt {
	out := make([]*notify.DeliveryAttempt, 0, len(attempts))
	for _, a := range attempts {
		if a.Status == notify.StatusPending {
			out = append(out, a)
		}
	}
	return out
}

func stripe(id uuid.UUID) uint32 {
	h := fnv.New32a()
	h.Write(id[:])
	return h.Sum32() % lockStripes
}
