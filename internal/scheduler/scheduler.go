// Package scheduler wakes up scheduled notifications when their time
// arrives and hands them to the dispatch engine.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dmutua/safiri/internal/dispatch"
	"github.com/dmutua/safiri/internal/metrics"
	"github.com/dmutua/safiri/internal/notify"
)

type Store interface {
	// DueScheduled returns notifications whose scheduled_at has passed and
	// that still have pending delivery attempts.
	DueScheduled(ctx context.Context, now time.Time, limit int) ([]*notify.NotificationRecord, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, rec *notify.NotificationRecord) (*dispatch.Result, error)
}

type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func New(store Store, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}

	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.processBatch(ctx)
		}
	}
}

func (s *Scheduler) processBatch(ctx context.Context) {
	due, err := s.store.DueScheduled(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to load due notifications", zap.Error(err))
		return
	}
	metrics.SetSchedulerBatchSize(len(due))
	if len(due) == 0 {
		return
	}

	s.logger.Info("dispatching due notifications", zap.Int("count", len(due)))

	for _, rec := range due {
		// Dispatch is idempotent, so a record picked up twice across
		// instances is finalized only once.
		if _, err := s.dispatcher.Dispatch(ctx, rec); err != nil {
			s.logger.Error("failed to dispatch scheduled notification",
				zap.Error(err),
				zap.String("id", rec.ID.String()),
			)
		}
	}
}
