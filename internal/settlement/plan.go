package settlement

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// Leg names, in execution order.
const (
	LegEscrowToTreasury = "escrow_to_treasury"
	LegEscrowToPool     = "escrow_to_pool"
	LegEscrowToUser     = "escrow_to_user"
	LegPoolToUser       = "pool_to_user"
)

// Leg is one collateral transfer a settlement requires.
type Leg struct {
	Name   string
	From   domain.Account
	To     domain.Account
	Amount uint64
}

// Plan lists the non-zero transfers of d in the order they must run.
func Plan(d domain.SettlementDetails, positionID string, owner common.Hash) []Leg {
	escrow := domain.EscrowAccount(positionID)
	user := domain.UserAccount(owner)
	all := []Leg{
		{LegEscrowToTreasury, escrow, domain.TreasuryAccount(), d.EscrowToTreasury},
		{LegEscrowToPool, escrow, domain.PoolAccount(), d.EscrowToPool},
		{LegEscrowToUser, escrow, user, d.EscrowToUser},
		{LegPoolToUser, domain.PoolAccount(), user, d.PoolToUser},
	}
	legs := all[:0]
	for _, l := range all {
		if l.Amount > 0 {
			legs = append(legs, l)
		}
	}
	return legs
}

// Record stores the amount actually moved for a leg.
func Record(actual *domain.TransferAmounts, leg string, amount uint64) {
	switch leg {
	case LegEscrowToTreasury:
		actual.EscrowToTreasury = amount
	case LegEscrowToPool:
		actual.EscrowToPool = amount
	case LegEscrowToUser:
		actual.EscrowToUser = amount
	case LegPoolToUser:
		actual.PoolToUser = amount
	}
}
