// Package service orchestrates the settlement core. Services take resource
// locks, load state, call the pure packages, move value on the ledger in
// the required order and then persist what actually moved in one store
// transaction. Events, audit entries, metrics and alerts follow a commit.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/metrics"
	"github.com/alanyoungcy/blpsettle/internal/notify"
	"github.com/alanyoungcy/blpsettle/internal/settlement"
)

const defaultLockTTL = 10 * time.Second

// Protocol is the protocol-wide configuration services resolve baskets
// against.
type Protocol struct {
	Fees              settlement.Defaults
	MaxFundingRateBps int64
	// ReserveBps of open interest stays in the pool for trader payouts.
	ReserveBps uint64
}

// Deps bundles what every service needs. Metrics and Notifier may be nil.
type Deps struct {
	Store    domain.Store
	Ledger   domain.Ledger
	Locks    domain.LockManager
	Bus      domain.SignalBus
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier
	Logger   *slog.Logger
	Protocol Protocol
	LockTTL  time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// lock acquires keys in order and returns a func releasing them in reverse.
func (d Deps) lock(ctx context.Context, keys ...string) (func(), error) {
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := d.Locks.Acquire(ctx, k, ttl)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// publish sends an event envelope on channel. Failures are logged only.
func (d Deps) publish(ctx context.Context, channel, eventType string, payload any) {
	if d.Bus == nil {
		return
	}
	evt, err := json.Marshal(domain.Event{Type: eventType, Payload: payload, Timestamp: d.now()})
	if err != nil {
		d.Logger.WarnContext(ctx, "service: marshal event failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := d.Bus.Publish(ctx, channel, evt); err != nil {
		d.Logger.WarnContext(ctx, "service: publish event failed",
			slog.String("channel", channel),
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// auditOutside writes an audit entry outside any transaction, used for
// failures whose transaction never committed.
func (d Deps) auditOutside(ctx context.Context, event string, detail map[string]any) {
	if err := d.Store.Audit().Log(ctx, event, detail); err != nil {
		d.Logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (d Deps) opError(op string) {
	if d.Metrics != nil {
		d.Metrics.OpError(op)
	}
}

func (d Deps) poolOp(kind string, p domain.LiquidityPool) {
	if d.Metrics != nil {
		d.Metrics.PoolOp(kind)
		d.Metrics.SetPool(p)
	}
}

// transfer skips zero legs so ledgers never see empty movements.
func (d Deps) transfer(ctx context.Context, asset domain.Asset, from, to domain.Account, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, nil
	}
	return d.Ledger.Transfer(ctx, asset, from, to, amount)
}
