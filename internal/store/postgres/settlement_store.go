package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// SettlementStore implements domain.SettlementStore. The waterfall and the
// executed transfer amounts are stored as JSONB.
type SettlementStore struct {
	db querier
}

const settlementSelectCols = `id, position_id, owner, basket_id,
	size_closed, exit_price, details, actual, settled_at`

// Insert appends a settlement record.
func (s *SettlementStore) Insert(ctx context.Context, rec domain.SettlementRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement details: %w", err)
	}
	actual, err := json.Marshal(rec.Actual)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement transfers: %w", err)
	}

	const query = `
		INSERT INTO settlements (
			id, position_id, owner, basket_id, size_closed, exit_price,
			mode, details, actual, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.Exec(ctx, query,
		rec.ID, rec.PositionID, rec.Owner.Bytes(), rec.BasketID.Bytes(),
		num(rec.SizeClosed), num(rec.ExitPrice),
		string(rec.Details.Mode), details, actual, rec.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement %s: %w", rec.ID, err)
	}
	return nil
}

// ListByPosition returns a position's settlements in the order they ran.
func (s *SettlementStore) ListByPosition(ctx context.Context, positionID string) ([]domain.SettlementRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE position_id = $1 ORDER BY settled_at ASC, id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements for %s: %w", positionID, err)
	}
	defer rows.Close()
	return scanSettlementRows(rows)
}

// ListBefore returns up to limit records settled before the cutoff, oldest
// first.
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.SettlementRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE settled_at < $1 ORDER BY settled_at ASC, id ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements before: %w", err)
	}
	defer rows.Close()
	return scanSettlementRows(rows)
}

// DeleteBefore removes records settled before the cutoff.
func (s *SettlementStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM settlements WHERE settled_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settlements before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSettlementRows(rows pgx.Rows) ([]domain.SettlementRecord, error) {
	var out []domain.SettlementRecord
	for rows.Next() {
		var (
			rec             domain.SettlementRecord
			details, actual []byte
		)
		err := rows.Scan(
			&rec.ID, &rec.PositionID, &hash{&rec.Owner}, &hash{&rec.BasketID},
			&u64{&rec.SizeClosed}, &u64{&rec.ExitPrice},
			&details, &actual, &rec.SettledAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal settlement details: %w", err)
		}
		if err := json.Unmarshal(actual, &rec.Actual); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal settlement transfers: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: settlement rows: %w", err)
	}
	return out, nil
}
