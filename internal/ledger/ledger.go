// Package ledger records delivery-attempt status transitions and the
// record-level read/acknowledge timestamps, enforcing the monotonic
// transition table.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/notify"
)

// ErrIllegalTransition rejects an out-of-order or unknown status transition.
// The stored state is left unchanged.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrAttemptNotFound is returned when no attempt exists for the
// (notification, channel) pair.
var ErrAttemptNotFound = errors.New("delivery attempt not found")

// Store is the persistence the ledger writes through. Updates are
// compare-and-set on the current status so concurrent writers cannot violate
// monotonicity: the matched parameter is false when the row was not in the
// expected prior state.
type Store interface {
	GetAttempt(ctx context.Context, notificationID uuid.UUID, ch notify.Channel) (*notify.DeliveryAttempt, error)
	CASAttemptStatus(ctx context.Context, notificationID uuid.UUID, ch notify.Channel,
		from, to notify.AttemptStatus, at time.Time, reason *string) (matched bool, err error)
	MarkRead(ctx context.Context, notificationID uuid.UUID, at time.Time) (changed bool, err error)
	MarkAcknowledged(ctx context.Context, notificationID uuid.UUID, at time.Time) (changed bool, err error)
}

// Ledger validates and applies status transitions.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// RecordStatus moves one (notification, channel) attempt to newStatus.
// Repeating the current status is a no-op; an illegal transition returns
// ErrIllegalTransition and changes nothing.
func (l *Ledger) RecordStatus(
	ctx context.Context,
	notificationID uuid.UUID,
	ch notify.Channel,
	newStatus notify.AttemptStatus,
	at time.Time,
	reason *string,
) error {
	if !notify.ValidStatus(newStatus) {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, newStatus)
	}

	attempt, err := l.store.GetAttempt(ctx, notificationID, ch)
	if err != nil {
		return err
	}

	if attempt.Status == newStatus {
		return nil
	}

	if !notify.CanTransition(attempt.Status, newStatus) {
		l.logger.Warn("illegal status transition rejected",
			zap.String("notification_id", notificationID.String()),
			zap.String("channel", string(ch)),
			zap.String("from", string(attempt.Status)),
			zap.String("to", string(newStatus)),
		)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, attempt.Status, newStatus)
	}

	matched, err := l.store.CASAttemptStatus(ctx, notificationID, ch, attempt.Status, newStatus, at, reason)
	if err != nil {
		return fmt.Errorf("update attempt status: %w", err)
	}
	if !matched {
		// A concurrent writer moved the attempt first.
		return fmt.Errorf("%w: %s -> %s (lost race)", ErrIllegalTransition, attempt.Status, newStatus)
	}

	l.logger.Info("attempt status recorded",
		zap.String("notification_id", notificationID.String()),
		zap.String("channel", string(ch)),
		zap.String("status", string(newStatus)),
	)
	return nil
}

// MarkRead sets the record's read-at timestamp the first time it is called.
// Subsequent calls are no-ops.
func (l *Ledger) MarkRead(ctx context.Context, notificationID uuid.UUID, at time.Time) error {
	changed, err := l.store.MarkRead(ctx, notificationID, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if changed {
		l.logger.Debug("notification marked read",
			zap.String("notification_id", notificationID.String()),
		)
	}
	return nil
}

// Acknowledge marks the record handled. The first call sets both the
// acknowledged-at and read-at timestamps; repeating it returns the same
// terminal state without touching either.
func (l *Ledger) Acknowledge(ctx context.Context, notificationID uuid.UUID, at time.Time) error {
	changed, err := l.store.MarkAcknowledged(ctx, notificationID, at)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	if !changed {
		return nil
	}
	if _, err := l.store.MarkRead(ctx, notificationID, at); err != nil {
		return fmt.Errorf("acknowledge mark read: %w", err)
	}
	l.logger.Info("notification acknowledged",
		zap.String("notification_id", notificationID.String()),
	)
	return nil
}
