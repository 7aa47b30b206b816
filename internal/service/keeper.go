package service

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// KeeperConfig controls the background loops. A zero interval disables
// its loop.
type KeeperConfig struct {
	QueueInterval   time.Duration
	QueueBatch      int
	ArchiveInterval time.Duration
	Retention       time.Duration
}

// Keeper drains the withdrawal queue as cash arrives and moves aged journal
// rows to cold storage.
type Keeper struct {
	pool     *PoolService
	archiver domain.Archiver
	cfg      KeeperConfig
	now      func() time.Time
	logger   *slog.Logger
}

// NewKeeper creates a Keeper. archiver may be nil, which disables archiving.
func NewKeeper(pool *PoolService, archiver domain.Archiver, cfg KeeperConfig, logger *slog.Logger) *Keeper {
	return &Keeper{
		pool:     pool,
		archiver: archiver,
		cfg:      cfg,
		now:      pool.deps.now,
		logger:   logger.With(slog.String("component", "keeper")),
	}
}

// Run blocks until ctx is cancelled. Loop errors are logged and retried on
// the next tick; only cancellation stops the keeper, and it returns nil.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if k.cfg.QueueInterval > 0 {
		g.Go(func() error {
			k.every(ctx, k.cfg.QueueInterval, func(ctx context.Context) {
				if _, err := k.DrainQueue(ctx); err != nil && ctx.Err() == nil {
					k.logger.ErrorContext(ctx, "keeper: drain queue failed", slog.String("error", err.Error()))
				}
			})
			return nil
		})
	}
	if k.archiver != nil && k.cfg.ArchiveInterval > 0 {
		g.Go(func() error {
			k.every(ctx, k.cfg.ArchiveInterval, func(ctx context.Context) {
				if err := k.Archive(ctx); err != nil && ctx.Err() == nil {
					k.logger.ErrorContext(ctx, "keeper: archive failed", slog.String("error", err.Error()))
				}
			})
			return nil
		})
	}
	k.logger.InfoContext(ctx, "keeper: started",
		slog.Duration("queue_interval", k.cfg.QueueInterval),
		slog.Duration("archive_interval", k.cfg.ArchiveInterval),
	)
	return g.Wait()
}

func (k *Keeper) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// DrainQueue serves the withdrawal queue once and returns the number of
// steps taken.
func (k *Keeper) DrainQueue(ctx context.Context) (int, error) {
	steps, err := k.pool.ProcessQueue(ctx, k.cfg.QueueBatch)
	if len(steps) > 0 {
		k.logger.InfoContext(ctx, "keeper: withdrawal queue served",
			slog.Int("steps", len(steps)),
			slog.Uint64("last_request", steps[len(steps)-1].Request.ID),
		)
	}
	return len(steps), err
}

// Archive moves settlements and audit rows older than the retention window.
func (k *Keeper) Archive(ctx context.Context) error {
	if k.archiver == nil {
		return nil
	}
	before := k.now().Add(-k.cfg.Retention)
	n, err := k.archiver.ArchiveSettlements(ctx, before)
	if err != nil {
		return err
	}
	m, err := k.archiver.ArchiveAudit(ctx, before)
	if err != nil {
		return err
	}
	if n+m > 0 {
		k.logger.InfoContext(ctx, "keeper: journal archived",
			slog.Int64("settlements", n),
			slog.Int64("audit", m),
			slog.Time("before", before),
		)
	}
	return nil
}
