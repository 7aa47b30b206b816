package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// Ledger implements domain.Ledger on the ledger_balances table. Every
// movement runs in its own transaction and is journalled in
// ledger_entries.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Transfer moves amount between accounts. An account without enough
// balance fails with ErrInsufficientBalance and nothing moves.
func (l *Ledger) Transfer(ctx context.Context, asset domain.Asset, from, to domain.Account, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, nil
	}
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, asset, from, amount); err != nil {
			return err
		}
		if err := credit(ctx, tx, asset, to, amount); err != nil {
			return err
		}
		return journal(ctx, tx, asset, from.String(), to.String(), amount)
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: transfer %d %s %s -> %s: %w", amount, asset, from, to, err)
	}
	return amount, nil
}

// Mint credits newly issued units to an account.
func (l *Ledger) Mint(ctx context.Context, asset domain.Asset, to domain.Account, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, nil
	}
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := credit(ctx, tx, asset, to, amount); err != nil {
			return err
		}
		return journal(ctx, tx, asset, "", to.String(), amount)
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: mint %d %s to %s: %w", amount, asset, to, err)
	}
	return amount, nil
}

// Burn destroys units held by an account.
func (l *Ledger) Burn(ctx context.Context, asset domain.Asset, from domain.Account, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, nil
	}
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		if err := debit(ctx, tx, asset, from, amount); err != nil {
			return err
		}
		return journal(ctx, tx, asset, from.String(), "", amount)
	})
	if err != nil {
		return 0, fmt.Errorf("postgres: burn %d %s from %s: %w", amount, asset, from, err)
	}
	return amount, nil
}

// Balance returns an account's balance; unknown accounts hold zero.
func (l *Ledger) Balance(ctx context.Context, asset domain.Asset, acct domain.Account) (uint64, error) {
	var bal uint64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM ledger_balances WHERE asset = $1 AND account = $2`,
		string(asset), acct.String(),
	).Scan(&u64{&bal})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: balance of %s %s: %w", acct, asset, err)
	}
	return bal, nil
}

func debit(ctx context.Context, tx pgx.Tx, asset domain.Asset, acct domain.Account, amount uint64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger_balances SET balance = balance - $3, updated_at = NOW()
		WHERE asset = $1 AND account = $2 AND balance >= $3`,
		string(asset), acct.String(), num(amount))
	if err != nil {
		return fmt.Errorf("debit %s: %w", acct, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientBalance, acct)
	}
	return nil
}

func credit(ctx context.Context, tx pgx.Tx, asset domain.Asset, acct domain.Account, amount uint64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_balances (asset, account, balance) VALUES ($1, $2, $3)
		ON CONFLICT (asset, account) DO UPDATE SET
			balance    = ledger_balances.balance + EXCLUDED.balance,
			updated_at = NOW()`,
		string(asset), acct.String(), num(amount))
	if err != nil {
		return fmt.Errorf("credit %s: %w", acct, err)
	}
	return nil
}

func journal(ctx context.Context, tx pgx.Tx, asset domain.Asset, from, to string, amount uint64) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (asset, from_account, to_account, amount)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4)`,
		string(asset), from, to, num(amount))
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

var _ domain.Ledger = (*Ledger)(nil)
