package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ClosingType selects the fee schedule and payout rules of a settlement.
type ClosingType string

const (
	ClosingTypeNormal      ClosingType = "normal"
	ClosingTypeForceClose  ClosingType = "force_close"
	ClosingTypeLiquidation ClosingType = "liquidation"
)

// ParseClosingType validates a closing mode name. Empty means normal.
func ParseClosingType(s string) (ClosingType, error) {
	switch ClosingType(s) {
	case "", ClosingTypeNormal:
		return ClosingTypeNormal, nil
	case ClosingTypeForceClose, ClosingTypeLiquidation:
		return ClosingType(s), nil
	default:
		return "", fmt.Errorf("%w: closing type %q", ErrInvalidInput, s)
	}
}

// SettlementDetails is the full waterfall of one settlement. The four
// transfer fields are executed in the order escrow to treasury, escrow to
// pool, escrow to user, pool to user.
type SettlementDetails struct {
	Mode                ClosingType `json:"mode"`
	CollateralClosed    uint64      `json:"collateral_closed"`
	PnL                 int64       `json:"pnl"`
	FundingAccumulated  int64       `json:"funding_accumulated"`
	BorrowAccumulated   int64       `json:"borrow_accumulated"`
	Equity              int64       `json:"equity"`
	BaseFee             uint64      `json:"base_fee"`
	RebalanceFee        uint64      `json:"rebalance_fee"`
	TotalFees           uint64      `json:"total_fees"`
	UncollectedFee      uint64      `json:"uncollected_fee"`
	FeeToTreasury       uint64      `json:"fee_to_treasury"`
	FeeToBLP            uint64      `json:"fee_to_blp"`
	BadDebtAmount       uint64      `json:"bad_debt_amount"`
	UserPayout          uint64      `json:"user_payout"`
	CollateralToRelease uint64      `json:"collateral_to_release"`
	EscrowToTreasury    uint64      `json:"escrow_to_treasury"`
	EscrowToPool        uint64      `json:"escrow_to_pool"`
	EscrowToUser        uint64      `json:"escrow_to_user"`
	PoolToUser          uint64      `json:"pool_to_user"`
}

// TransferAmounts are the amounts the ledger actually moved for a
// settlement.
type TransferAmounts struct {
	EscrowToTreasury uint64 `json:"escrow_to_treasury"`
	EscrowToPool     uint64 `json:"escrow_to_pool"`
	EscrowToUser     uint64 `json:"escrow_to_user"`
	PoolToUser       uint64 `json:"pool_to_user"`
}

// SettlementRecord is the journal entry written for every settlement.
type SettlementRecord struct {
	ID         string            `json:"id"`
	PositionID string            `json:"position_id"`
	Owner      common.Hash       `json:"owner"`
	BasketID   common.Hash       `json:"basket_id"`
	SizeClosed uint64            `json:"size_closed"`
	ExitPrice  uint64            `json:"exit_price"`
	Details    SettlementDetails `json:"details"`
	Actual     TransferAmounts   `json:"actual"`
	SettledAt  time.Time         `json:"settled_at"`
}
