package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListByOwner(ctx context.Context, owner common.Hash, opts ListOpts) ([]Position, error)
	ListOpen(ctx context.Context, opts ListOpts) ([]Position, error)
}

// MarketStore persists per-basket index records.
type MarketStore interface {
	Create(ctx context.Context, m MarketIndices) error
	Update(ctx context.Context, m MarketIndices) error
	GetByBasket(ctx context.Context, basketID common.Hash) (MarketIndices, error)
	List(ctx context.Context) ([]MarketIndices, error)
}

// PoolStore persists the single liquidity pool record.
type PoolStore interface {
	Get(ctx context.Context) (LiquidityPool, error)
	Save(ctx context.Context, pool LiquidityPool) error
}

// WithdrawalStore persists queued redemptions.
type WithdrawalStore interface {
	Create(ctx context.Context, req WithdrawRequest) error
	Update(ctx context.Context, req WithdrawRequest) error
	GetByID(ctx context.Context, id uint64) (WithdrawRequest, error)
	ListPending(ctx context.Context, limit int) ([]WithdrawRequest, error)
}

// SettlementStore persists the settlement journal.
type SettlementStore interface {
	Insert(ctx context.Context, rec SettlementRecord) error
	ListByPosition(ctx context.Context, positionID string) ([]SettlementRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]SettlementRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Repos groups the stores a unit of work touches.
type Repos interface {
	Positions() PositionStore
	Markets() MarketStore
	Pool() PoolStore
	Withdrawals() WithdrawalStore
	Settlements() SettlementStore
	Audit() AuditStore
}

// Store is the persistence root. Atomically runs fn against stores bound to
// one transaction; fn's error rolls everything back.
type Store interface {
	Repos
	Atomically(ctx context.Context, fn func(Repos) error) error
}
