package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// WithdrawalStore implements domain.WithdrawalStore using PostgreSQL.
type WithdrawalStore struct {
	db querier
}

const withdrawalSelectCols = `id, requester, destination,
	remaining_lp, fulfilled_lp, paid_out, status, created_at, updated_at`

func scanWithdrawalRow(row pgx.Row) (domain.WithdrawRequest, error) {
	var (
		r      domain.WithdrawRequest
		status string
	)
	err := row.Scan(
		&u64{&r.ID}, &hash{&r.Requester}, &hash{&r.Destination},
		&u64{&r.RemainingLP}, &u64{&r.FulfilledLP}, &u64{&r.PaidOut},
		&status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return domain.WithdrawRequest{}, err
	}
	r.Status = domain.WithdrawStatus(status)
	return r, nil
}

// Create inserts a queued request.
func (s *WithdrawalStore) Create(ctx context.Context, r domain.WithdrawRequest) error {
	const query = `
		INSERT INTO withdraw_requests (
			id, requester, destination, remaining_lp, fulfilled_lp, paid_out,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.db.Exec(ctx, query,
		num(r.ID), r.Requester.Bytes(), r.Destination.Bytes(),
		num(r.RemainingLP), num(r.FulfilledLP), num(r.PaidOut),
		string(r.Status), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create withdraw request %d: %w", r.ID, err)
	}
	return nil
}

// Update records fill progress on a request.
func (s *WithdrawalStore) Update(ctx context.Context, r domain.WithdrawRequest) error {
	const query = `
		UPDATE withdraw_requests SET
			remaining_lp = $2,
			fulfilled_lp = $3,
			paid_out     = $4,
			status       = $5,
			updated_at   = $6
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		num(r.ID), num(r.RemainingLP), num(r.FulfilledLP), num(r.PaidOut),
		string(r.Status), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update withdraw request %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a request by its queue id.
func (s *WithdrawalStore) GetByID(ctx context.Context, id uint64) (domain.WithdrawRequest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+withdrawalSelectCols+` FROM withdraw_requests WHERE id = $1`, num(id))

	r, err := scanWithdrawalRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WithdrawRequest{}, domain.ErrNotFound
		}
		return domain.WithdrawRequest{}, fmt.Errorf("postgres: get withdraw request %d: %w", id, err)
	}
	return r, nil
}

// ListPending returns pending requests in queue order.
func (s *WithdrawalStore) ListPending(ctx context.Context, limit int) ([]domain.WithdrawRequest, error) {
	query := `SELECT ` + withdrawalSelectCols + ` FROM withdraw_requests
		WHERE status = 'pending' ORDER BY id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending withdrawals: %w", err)
	}
	defer rows.Close()

	var out []domain.WithdrawRequest
	for rows.Next() {
		r, err := scanWithdrawalRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan withdraw request: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: withdraw request rows: %w", err)
	}
	return out, nil
}
