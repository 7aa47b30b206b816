package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// PoolStore implements domain.PoolStore on the single-row liquidity_pool
// table.
type PoolStore struct {
	db querier
}

// Get returns the pool record. Before the first Save it returns
// ErrNotFound.
func (s *PoolStore) Get(ctx context.Context) (domain.LiquidityPool, error) {
	const query = `
		SELECT total_liquidity, total_shares, deposit_fee_bps, withdrawal_fee_bps,
			withdraw_queue_head, withdraw_queue_tail, pending_lp_tokens,
			cumulative_fees, cumulative_bad_debt, updated_at
		FROM liquidity_pool WHERE id = 1`

	var p domain.LiquidityPool
	err := s.db.QueryRow(ctx, query).Scan(
		&u64{&p.TotalLiquidity}, &u64{&p.TotalShares},
		&u64{&p.DepositFeeBps}, &u64{&p.WithdrawalFeeBps},
		&u64{&p.WithdrawQueueHead}, &u64{&p.WithdrawQueueTail}, &u64{&p.PendingLPTokens},
		&u64{&p.CumulativeFees}, &u64{&p.CumulativeBadDebt}, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LiquidityPool{}, domain.ErrNotFound
		}
		return domain.LiquidityPool{}, fmt.Errorf("postgres: get pool: %w", err)
	}
	return p, nil
}

// Save upserts the pool record.
func (s *PoolStore) Save(ctx context.Context, p domain.LiquidityPool) error {
	const query = `
		INSERT INTO liquidity_pool (
			id, total_liquidity, total_shares, deposit_fee_bps, withdrawal_fee_bps,
			withdraw_queue_head, withdraw_queue_tail, pending_lp_tokens,
			cumulative_fees, cumulative_bad_debt, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			total_liquidity     = EXCLUDED.total_liquidity,
			total_shares        = EXCLUDED.total_shares,
			deposit_fee_bps     = EXCLUDED.deposit_fee_bps,
			withdrawal_fee_bps  = EXCLUDED.withdrawal_fee_bps,
			withdraw_queue_head = EXCLUDED.withdraw_queue_head,
			withdraw_queue_tail = EXCLUDED.withdraw_queue_tail,
			pending_lp_tokens   = EXCLUDED.pending_lp_tokens,
			cumulative_fees     = EXCLUDED.cumulative_fees,
			cumulative_bad_debt = EXCLUDED.cumulative_bad_debt,
			updated_at          = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, query,
		num(p.TotalLiquidity), num(p.TotalShares),
		num(p.DepositFeeBps), num(p.WithdrawalFeeBps),
		num(p.WithdrawQueueHead), num(p.WithdrawQueueTail), num(p.PendingLPTokens),
		num(p.CumulativeFees), num(p.CumulativeBadDebt), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save pool: %w", err)
	}
	return nil
}
