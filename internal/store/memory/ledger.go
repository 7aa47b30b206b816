package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

type balanceKey struct {
	asset domain.Asset
	acct  string
}

// Ledger implements domain.Ledger with in-process balances.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]uint64
}

// NewLedger returns a ledger where every account holds zero.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[balanceKey]uint64)}
}

func (l *Ledger) Transfer(_ context.Context, asset domain.Asset, from, to domain.Account, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fk, tk := balanceKey{asset, from.String()}, balanceKey{asset, to.String()}
	if l.balances[fk] < amount {
		return 0, fmt.Errorf("%w: %s holds %d %s, need %d", domain.ErrInsufficientBalance, from, l.balances[fk], asset, amount)
	}
	credited, err := fixedpoint.Add(l.balances[tk], amount)
	if err != nil {
		return 0, err
	}
	l.balances[fk] -= amount
	l.balances[tk] = credited
	return amount, nil
}

func (l *Ledger) Mint(_ context.Context, asset domain.Asset, to domain.Account, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{asset, to.String()}
	credited, err := fixedpoint.Add(l.balances[k], amount)
	if err != nil {
		return 0, err
	}
	l.balances[k] = credited
	return amount, nil
}

func (l *Ledger) Burn(_ context.Context, asset domain.Asset, from domain.Account, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{asset, from.String()}
	if l.balances[k] < amount {
		return 0, fmt.Errorf("%w: %s holds %d %s, burning %d", domain.ErrInsufficientBalance, from, l.balances[k], asset, amount)
	}
	l.balances[k] -= amount
	return amount, nil
}

func (l *Ledger) Balance(_ context.Context, asset domain.Asset, acct domain.Account) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balanceKey{asset, acct.String()}], nil
}

var _ domain.Ledger = (*Ledger)(nil)
