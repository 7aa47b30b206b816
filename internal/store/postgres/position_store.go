package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	db querier
}

const positionSelectCols = `id, owner, basket_id, size, collateral, is_long,
	entry_price, close_price, last_mark_price,
	funding_accumulated, borrow_accumulated,
	last_funding_index, last_borrow_index, last_rebalance_index,
	status, opened_at, updated_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p      domain.Position
		status string
	)
	err := row.Scan(
		&p.ID, &hash{&p.Owner}, &hash{&p.BasketID},
		&u64{&p.Size}, &u64{&p.Collateral}, &p.IsLong,
		&u64{&p.EntryPrice}, &u64{&p.ClosePrice}, &u64{&p.LastMarkPrice},
		&p.FundingAccumulated, &p.BorrowAccumulated,
		&p.LastFundingIndex, &p.LastBorrowIndex, &p.LastRebalanceIndex,
		&status, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner, basket_id, size, collateral, is_long,
			entry_price, close_price, last_mark_price,
			funding_accumulated, borrow_accumulated,
			last_funding_index, last_borrow_index, last_rebalance_index,
			status, opened_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11,
			$12, $13, $14,
			$15, $16, $17, $18
		)`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.Owner.Bytes(), p.BasketID.Bytes(),
		num(p.Size), num(p.Collateral), p.IsLong,
		num(p.EntryPrice), num(p.ClosePrice), num(p.LastMarkPrice),
		p.FundingAccumulated, p.BorrowAccumulated,
		p.LastFundingIndex, p.LastBorrowIndex, p.LastRebalanceIndex,
		string(p.Status), p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			size                 = $2,
			collateral           = $3,
			close_price          = $4,
			last_mark_price      = $5,
			funding_accumulated  = $6,
			borrow_accumulated   = $7,
			last_funding_index   = $8,
			last_borrow_index    = $9,
			last_rebalance_index = $10,
			status               = $11,
			updated_at           = $12,
			closed_at            = $13
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		p.ID,
		num(p.Size), num(p.Collateral),
		num(p.ClosePrice), num(p.LastMarkPrice),
		p.FundingAccumulated, p.BorrowAccumulated,
		p.LastFundingIndex, p.LastBorrowIndex, p.LastRebalanceIndex,
		string(p.Status), p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByOwner returns an owner's positions, newest first.
func (s *PositionStore) ListByOwner(ctx context.Context, owner common.Hash, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listQuery(`SELECT `+positionSelectCols+` FROM positions WHERE owner = $1`,
		[]any{owner.Bytes()}, "opened_at", "opened_at DESC", opts)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions by owner: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by owner: %w", err)
	}
	return positions, nil
}

// ListOpen returns open positions, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query, args := listQuery(`SELECT `+positionSelectCols+` FROM positions WHERE status = 'open'`,
		nil, "opened_at", "opened_at ASC", opts)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// listQuery appends the time window, ordering and pagination of opts to a
// base query that already binds len(args) parameters.
func listQuery(base string, args []any, timeCol, order string, opts domain.ListOpts) (string, []any) {
	query := base
	argIdx := len(args) + 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY " + order

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
