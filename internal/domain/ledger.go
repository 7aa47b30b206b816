package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Asset is a token tracked by the ledger.
type Asset string

const (
	AssetCollateral Asset = "collateral"
	AssetBLP        Asset = "blp"
)

// AccountKind classifies ledger accounts.
type AccountKind string

const (
	AccountUser     AccountKind = "user"
	AccountEscrow   AccountKind = "escrow"
	AccountPool     AccountKind = "pool"
	AccountTreasury AccountKind = "treasury"
	AccountLPEscrow AccountKind = "lp_escrow"
)

// Account addresses a balance holder on the ledger.
type Account struct {
	Kind AccountKind
	Ref  string
}

func (a Account) String() string {
	if a.Ref == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.Ref
}

func UserAccount(owner common.Hash) Account { return Account{Kind: AccountUser, Ref: owner.Hex()} }

// EscrowAccount is the dedicated sub-account holding a position's margin.
func EscrowAccount(positionID string) Account {
	return Account{Kind: AccountEscrow, Ref: positionID}
}

func PoolAccount() Account     { return Account{Kind: AccountPool} }
func TreasuryAccount() Account { return Account{Kind: AccountTreasury} }
func LPEscrowAccount() Account { return Account{Kind: AccountLPEscrow} }

// Ledger executes value movements. Every method returns the amount actually
// moved, which callers book instead of the requested amount.
type Ledger interface {
	Transfer(ctx context.Context, asset Asset, from, to Account, amount uint64) (uint64, error)
	Mint(ctx context.Context, asset Asset, to Account, amount uint64) (uint64, error)
	Burn(ctx context.Context, asset Asset, from Account, amount uint64) (uint64, error)
	Balance(ctx context.Context, asset Asset, acct Account) (uint64, error)
}
