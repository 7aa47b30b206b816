package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	db querier
}

const marketSelectCols = `basket_id, symbol, state,
	cumulative_funding_index, cumulative_borrow_index,
	current_funding_rate, current_borrow_rate,
	cumulative_rebalance_index, last_update,
	closing_fee_bps, liquidation_fee_bps, liquidation_threshold_bps,
	updated_at`

func scanMarketRow(row pgx.Row) (domain.MarketIndices, error) {
	var (
		m     domain.MarketIndices
		state string
	)
	err := row.Scan(
		&hash{&m.BasketID}, &m.Symbol, &state,
		&m.CumulativeFundingIndex, &m.CumulativeBorrowIndex,
		&m.CurrentFundingRate, &m.CurrentBorrowRate,
		&m.CumulativeRebalanceIndex, &m.LastUpdate,
		&optU64{&m.Overrides.ClosingFeeBps},
		&optU64{&m.Overrides.LiquidationFeeBps},
		&optU64{&m.Overrides.LiquidationThresholdBps},
		&m.UpdatedAt,
	)
	if err != nil {
		return domain.MarketIndices{}, err
	}
	m.State = domain.MarketState(state)
	return m, nil
}

// Create inserts a basket's index record. A duplicate basket is
// ErrAlreadyExists.
func (s *MarketStore) Create(ctx context.Context, m domain.MarketIndices) error {
	const query = `
		INSERT INTO markets (
			basket_id, symbol, state,
			cumulative_funding_index, cumulative_borrow_index,
			current_funding_rate, current_borrow_rate,
			cumulative_rebalance_index, last_update,
			closing_fee_bps, liquidation_fee_bps, liquidation_threshold_bps,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (basket_id) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		m.BasketID.Bytes(), m.Symbol, string(m.State),
		m.CumulativeFundingIndex, m.CumulativeBorrowIndex,
		m.CurrentFundingRate, m.CurrentBorrowRate,
		m.CumulativeRebalanceIndex, m.LastUpdate,
		numPtr(m.Overrides.ClosingFeeBps),
		numPtr(m.Overrides.LiquidationFeeBps),
		numPtr(m.Overrides.LiquidationThresholdBps),
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create market %s: %w", m.BasketID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Update replaces the index state and overrides of a basket.
func (s *MarketStore) Update(ctx context.Context, m domain.MarketIndices) error {
	const query = `
		UPDATE markets SET
			symbol                     = $2,
			state                      = $3,
			cumulative_funding_index   = $4,
			cumulative_borrow_index    = $5,
			current_funding_rate       = $6,
			current_borrow_rate        = $7,
			cumulative_rebalance_index = $8,
			last_update                = $9,
			closing_fee_bps            = $10,
			liquidation_fee_bps        = $11,
			liquidation_threshold_bps  = $12,
			updated_at                 = $13
		WHERE basket_id = $1`

	tag, err := s.db.Exec(ctx, query,
		m.BasketID.Bytes(), m.Symbol, string(m.State),
		m.CumulativeFundingIndex, m.CumulativeBorrowIndex,
		m.CurrentFundingRate, m.CurrentBorrowRate,
		m.CumulativeRebalanceIndex, m.LastUpdate,
		numPtr(m.Overrides.ClosingFeeBps),
		numPtr(m.Overrides.LiquidationFeeBps),
		numPtr(m.Overrides.LiquidationThresholdBps),
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %s: %w", m.BasketID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByBasket retrieves one basket's record.
func (s *MarketStore) GetByBasket(ctx context.Context, basketID common.Hash) (domain.MarketIndices, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE basket_id = $1`, basketID.Bytes())

	m, err := scanMarketRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketIndices{}, domain.ErrNotFound
		}
		return domain.MarketIndices{}, fmt.Errorf("postgres: get market %s: %w", basketID.Hex(), err)
	}
	return m, nil
}

// List returns every basket ordered by symbol.
func (s *MarketStore) List(ctx context.Context) ([]domain.MarketIndices, error) {
	rows, err := s.db.Query(ctx, `SELECT `+marketSelectCols+` FROM markets ORDER BY symbol, basket_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketIndices
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: market rows: %w", err)
	}
	return out, nil
}
