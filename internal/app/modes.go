package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/blpsettle/internal/server"
	"github.com/alanyoungcy/blpsettle/internal/server/handler"
	"github.com/alanyoungcy/blpsettle/internal/server/ws"
	"github.com/alanyoungcy/blpsettle/internal/service"
	"github.com/alanyoungcy/blpsettle/internal/settlement"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

// services are the orchestration services every mode shares.
type services struct {
	markets     *service.MarketService
	positions   *service.PositionService
	settlements *service.SettlementService
	pool        *service.PoolService
}

// buildServices maps the config onto service.Deps and makes sure the pool
// record exists before anything else touches it.
func (a *App) buildServices(ctx context.Context, deps *Dependencies) (*services, error) {
	p := a.cfg.Protocol
	sdeps := service.Deps{
		Store:    deps.Store,
		Ledger:   deps.Ledger,
		Locks:    deps.LockManager,
		Bus:      deps.SignalBus,
		Metrics:  deps.Metrics,
		Notifier: deps.Notifier,
		Logger:   a.logger.With(slog.String("component", "service")),
		Protocol: service.Protocol{
			Fees: settlement.Defaults{
				ClosingFeeBps:           p.ClosingFeeBps,
				LiquidationFeeBps:       p.LiquidationFeeBps,
				LiquidationThresholdBps: p.LiquidationThresholdBps,
				TreasuryCutBps:          p.TreasuryCutBps,
				MaxFeeBps:               p.MaxFeeBps,
			},
			MaxFundingRateBps: p.MaxFundingRateBps,
			ReserveBps:        a.cfg.Pool.ReserveBps,
		},
		LockTTL: a.cfg.Keeper.LockTTL.Duration,
	}

	svc := &services{
		markets:     service.NewMarketService(sdeps),
		positions:   service.NewPositionService(sdeps),
		settlements: service.NewSettlementService(sdeps),
		pool:        service.NewPoolService(sdeps),
	}
	if _, err := svc.pool.EnsurePool(ctx, a.cfg.Pool.DepositFeeBps, a.cfg.Pool.WithdrawalFeeBps); err != nil {
		return nil, fmt.Errorf("app: ensure pool: %w", err)
	}
	return svc, nil
}

// ServerMode serves the HTTP API and the websocket hub.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svc, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// KeeperMode runs the withdrawal-queue and archive loops only.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	svc, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps, svc)
	return g.Wait()
}

// FullMode runs the HTTP API and the keeper in one process. Dev mode lands
// here too, on in-memory dependencies.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc, err := a.buildServices(ctx, deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	a.startKeeper(ctx, g, deps, svc)
	return g.Wait()
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	k := a.cfg.Keeper
	keeper := service.NewKeeper(svc.pool, deps.Archiver, service.KeeperConfig{
		QueueInterval:   k.QueueInterval.Duration,
		QueueBatch:      k.QueueBatch,
		ArchiveInterval: k.ArchiveInterval.Duration,
		Retention:       time.Duration(k.ArchiveRetentionDays) * 24 * time.Hour,
	}, a.logger)
	g.Go(func() error {
		return keeper.Run(ctx)
	})
}

// startHTTPServer registers the API server, its websocket hub and a
// shutdown hook on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	logger := a.logger.With(slog.String("component", "http"))

	hub := ws.NewHub(deps.SignalBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKeyHash:         a.cfg.Server.APIKeyHash,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(a.cfg.Mode, deps.HealthChecks, logger),
		Positions:   handler.NewPositionHandler(svc.positions, logger),
		Settlements: handler.NewSettlementHandler(svc.settlements, logger),
		Markets:     handler.NewMarketHandler(svc.markets, logger),
		Pool:        handler.NewPoolHandler(svc.pool, logger),
		Metrics:     deps.Metrics.Handler(),
	}, hub, deps.RateLimiter, logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
}
