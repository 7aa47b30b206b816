package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	memcache "github.com/alanyoungcy/blpsettle/internal/cache/memory"
	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/metrics"
	"github.com/alanyoungcy/blpsettle/internal/notify"
	"github.com/alanyoungcy/blpsettle/internal/settlement"
	memstore "github.com/alanyoungcy/blpsettle/internal/store/memory"
)

const price100 = 100_000_000

var (
	trader   = domain.BasketIDFromSymbol("trader")
	provider = domain.BasketIDFromSymbol("provider")
)

// recordingLedger logs every collateral transfer as "from>to".
type recordingLedger struct {
	*memstore.Ledger
	mu        sync.Mutex
	transfers []string
}

func (l *recordingLedger) Transfer(ctx context.Context, asset domain.Asset, from, to domain.Account, amount uint64) (uint64, error) {
	if asset == domain.AssetCollateral {
		l.mu.Lock()
		l.transfers = append(l.transfers, from.String()+">"+to.String())
		l.mu.Unlock()
	}
	return l.Ledger.Transfer(ctx, asset, from, to, amount)
}

func (l *recordingLedger) reset() {
	l.mu.Lock()
	l.transfers = nil
	l.mu.Unlock()
}

func (l *recordingLedger) recorded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transfers...)
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	r.titles = append(r.titles, title)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ctx    context.Context
	store  *memstore.Store
	ledger *recordingLedger
	bus    *memcache.SignalBus
	alerts *recordingSender
	clock  *clock
	basket common.Hash

	markets     *MarketService
	positions   *PositionService
	settlements *SettlementService
	pool        *PoolService
}

func testProtocol() Protocol {
	return Protocol{
		Fees: settlement.Defaults{
			ClosingFeeBps:           10,
			LiquidationFeeBps:       50,
			LiquidationThresholdBps: 500,
			TreasuryCutBps:          3_000,
			MaxFeeBps:               500,
		},
		MaxFundingRateBps: 57,
	}
}

// newFixture wires every service on in-memory infrastructure with an
// active basket, a fee-free pool and funded trader and provider accounts.
func newFixture(t *testing.T, protocol Protocol) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ctx:    ctx,
		store:  memstore.NewStore(),
		ledger: &recordingLedger{Ledger: memstore.NewLedger()},
		bus:    memcache.NewSignalBus(),
		alerts: &recordingSender{},
		clock:  &clock{now: time.Unix(1_700_000_000, 0).UTC()},
	}
	deps := Deps{
		Store:    f.store,
		Ledger:   f.ledger,
		Locks:    memcache.NewLockManager(),
		Bus:      f.bus,
		Metrics:  metrics.New(),
		Notifier: notify.NewNotifier([]notify.Sender{f.alerts}, nil, logger),
		Logger:   logger,
		Protocol: protocol,
		LockTTL:  time.Second,
		Now:      f.clock.Now,
	}
	f.markets = NewMarketService(deps)
	f.positions = NewPositionService(deps)
	f.settlements = NewSettlementService(deps)
	f.pool = NewPoolService(deps)

	id, symbol, err := ResolveBasket("tech10")
	require.NoError(t, err)
	f.basket = id
	_, err = f.markets.Init(ctx, id, symbol, domain.FeeOverrides{})
	require.NoError(t, err)
	_, err = f.pool.EnsurePool(ctx, 0, 0)
	require.NoError(t, err)

	f.fund(t, trader, 1_000_000_000)
	f.fund(t, provider, 1_000_000_000)
	return f
}

func (f *fixture) fund(t *testing.T, owner common.Hash, amount uint64) {
	t.Helper()
	_, err := f.ledger.Mint(f.ctx, domain.AssetCollateral, domain.UserAccount(owner), amount)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, asset domain.Asset, acct domain.Account) uint64 {
	t.Helper()
	b, err := f.ledger.Balance(f.ctx, asset, acct)
	require.NoError(t, err)
	return b
}

func (f *fixture) open(t *testing.T, isLong bool, size, collateral uint64) domain.Position {
	t.Helper()
	pos, err := f.positions.Open(f.ctx, OpenRequest{
		Owner:      trader,
		BasketID:   f.basket,
		IsLong:     isLong,
		Size:       size,
		Collateral: collateral,
		EntryPrice: price100,
	})
	require.NoError(t, err)
	return pos
}

func (f *fixture) deposit(t *testing.T, amount uint64) {
	t.Helper()
	_, err := f.pool.Deposit(f.ctx, provider, amount, 0)
	require.NoError(t, err)
}

func (f *fixture) poolRecord(t *testing.T) domain.LiquidityPool {
	t.Helper()
	p, err := f.pool.Get(f.ctx)
	require.NoError(t, err)
	return p
}
