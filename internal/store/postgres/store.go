package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every store
// runs unchanged inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repos struct {
	positions   *PositionStore
	markets     *MarketStore
	pool        *PoolStore
	withdrawals *WithdrawalStore
	settlements *SettlementStore
	audit       *AuditStore
}

func newRepos(db querier) repos {
	return repos{
		positions:   &PositionStore{db: db},
		markets:     &MarketStore{db: db},
		pool:        &PoolStore{db: db},
		withdrawals: &WithdrawalStore{db: db},
		settlements: &SettlementStore{db: db},
		audit:       &AuditStore{db: db},
	}
}

func (r repos) Positions() domain.PositionStore     { return r.positions }
func (r repos) Markets() domain.MarketStore         { return r.markets }
func (r repos) Pool() domain.PoolStore              { return r.pool }
func (r repos) Withdrawals() domain.WithdrawalStore { return r.withdrawals }
func (r repos) Settlements() domain.SettlementStore { return r.settlements }
func (r repos) Audit() domain.AuditStore            { return r.audit }

// Store implements domain.Store on a connection pool.
type Store struct {
	repos
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{repos: newRepos(pool), pool: pool}
}

// Atomically runs fn against stores bound to a single transaction.
func (s *Store) Atomically(ctx context.Context, fn func(domain.Repos) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(newRepos(tx))
	})
}

var _ domain.Store = (*Store)(nil)
