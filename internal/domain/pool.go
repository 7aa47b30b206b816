package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// LiquidityPool is the protocol's single shared vault. NAV per share is
// TotalLiquidity / TotalShares.
type LiquidityPool struct {
	TotalLiquidity    uint64    `json:"total_liquidity"`
	TotalShares       uint64    `json:"total_shares"`
	DepositFeeBps     uint64    `json:"deposit_fee_bps"`
	WithdrawalFeeBps  uint64    `json:"withdrawal_fee_bps"`
	WithdrawQueueHead uint64    `json:"withdraw_queue_head"`
	WithdrawQueueTail uint64    `json:"withdraw_queue_tail"`
	PendingLPTokens   uint64    `json:"pending_lp_tokens"`
	CumulativeFees    uint64    `json:"cumulative_fees"`
	CumulativeBadDebt uint64    `json:"cumulative_bad_debt"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// QueueDepth is the number of requests enqueued but not yet consumed.
func (p *LiquidityPool) QueueDepth() uint64 {
	return p.WithdrawQueueHead - p.WithdrawQueueTail
}

// ApplyDeposit books a completed deposit. The arguments are the amounts
// actually transferred and minted.
func (p *LiquidityPool) ApplyDeposit(netDeposit, sharesMinted, fee uint64) error {
	liq, err := fixedpoint.Add(p.TotalLiquidity, netDeposit)
	if err != nil {
		return err
	}
	shares, err := fixedpoint.Add(p.TotalShares, sharesMinted)
	if err != nil {
		return err
	}
	fees, err := fixedpoint.Add(p.CumulativeFees, fee)
	if err != nil {
		return err
	}
	p.TotalLiquidity, p.TotalShares, p.CumulativeFees = liq, shares, fees
	return nil
}

// ApplyWithdrawal books an immediate redemption of lpBurned shares that
// paid gross out of the pool (user amount plus fee).
func (p *LiquidityPool) ApplyWithdrawal(lpBurned, gross, fee uint64) error {
	liq, err := fixedpoint.Sub(p.TotalLiquidity, gross)
	if err != nil {
		return err
	}
	shares, err := fixedpoint.Sub(p.TotalShares, lpBurned)
	if err != nil {
		return err
	}
	fees, err := fixedpoint.Add(p.CumulativeFees, fee)
	if err != nil {
		return err
	}
	p.TotalLiquidity, p.TotalShares, p.CumulativeFees = liq, shares, fees
	return nil
}

// ApplyEnqueue locks lp shares into a new queued request and returns its id.
func (p *LiquidityPool) ApplyEnqueue(lp uint64) (uint64, error) {
	pending, err := fixedpoint.Add(p.PendingLPTokens, lp)
	if err != nil {
		return 0, err
	}
	head, err := fixedpoint.Add(p.WithdrawQueueHead, 1)
	if err != nil {
		return 0, err
	}
	p.PendingLPTokens, p.WithdrawQueueHead = pending, head
	return head, nil
}

// ApplyQueued books one processing step of the request at the queue tail.
// The tail advances once the request is fully consumed.
func (p *LiquidityPool) ApplyQueued(req *WithdrawRequest, lpBurned, gross, fee uint64) error {
	if req.ID != p.WithdrawQueueTail+1 {
		return fmt.Errorf("%w: request %d is not next in queue (want %d)", ErrInvalidInput, req.ID, p.WithdrawQueueTail+1)
	}
	liq, err := fixedpoint.Sub(p.TotalLiquidity, gross)
	if err != nil {
		return err
	}
	shares, err := fixedpoint.Sub(p.TotalShares, lpBurned)
	if err != nil {
		return err
	}
	pending, err := fixedpoint.Sub(p.PendingLPTokens, lpBurned)
	if err != nil {
		return err
	}
	remaining, err := fixedpoint.Sub(req.RemainingLP, lpBurned)
	if err != nil {
		return err
	}
	fees, err := fixedpoint.Add(p.CumulativeFees, fee)
	if err != nil {
		return err
	}
	net, err := fixedpoint.Sub(gross, fee)
	if err != nil {
		return err
	}
	paid, err := fixedpoint.Add(req.PaidOut, net)
	if err != nil {
		return err
	}

	p.TotalLiquidity, p.TotalShares, p.PendingLPTokens, p.CumulativeFees = liq, shares, pending, fees
	req.RemainingLP = remaining
	req.FulfilledLP += lpBurned
	req.PaidOut = paid
	if remaining == 0 {
		req.Status = WithdrawStatusFulfilled
		p.WithdrawQueueTail++
	}
	return nil
}

// PendingLiquidity is what the shares locked in queued requests are worth
// at the current NAV.
func (p *LiquidityPool) PendingLiquidity() (uint64, error) {
	if p.TotalShares == 0 || p.PendingLPTokens == 0 {
		return 0, nil
	}
	return fixedpoint.MulDiv(p.PendingLPTokens, p.TotalLiquidity, p.TotalShares)
}

// SettlementCapacity is the most a settlement bringing in from escrow may
// pay out of booked liquidity. The queued shares keep their current value
// and a pool with shares outstanding keeps at least one unit of liquidity.
func (p *LiquidityPool) SettlementCapacity(in uint64) (uint64, error) {
	liq, err := fixedpoint.Add(p.TotalLiquidity, in)
	if err != nil {
		return 0, err
	}
	floor, err := p.PendingLiquidity()
	if err != nil {
		return 0, err
	}
	if p.TotalShares > 0 && floor == 0 {
		floor = 1
	}
	if floor >= liq {
		return 0, nil
	}
	return liq - floor, nil
}

// ApplySettlement books the pool's side of a settlement: in is the amount
// received from escrow, out the amount paid to the user. A payout beyond
// SettlementCapacity is ErrInsufficientLiquidity.
func (p *LiquidityPool) ApplySettlement(in, out uint64) error {
	capacity, err := p.SettlementCapacity(in)
	if err != nil {
		return err
	}
	if out > capacity {
		return fmt.Errorf("%w: settlement pays %d, pool can release %d", ErrInsufficientLiquidity, out, capacity)
	}
	p.TotalLiquidity = p.TotalLiquidity + in - out
	return nil
}

// RecordBadDebt tracks shortfall reported by settlements. Liquidity is not
// touched: the pool only ever books cash it actually received.
func (p *LiquidityPool) RecordBadDebt(amount uint64) error {
	d, err := fixedpoint.Add(p.CumulativeBadDebt, amount)
	if err != nil {
		return err
	}
	p.CumulativeBadDebt = d
	return nil
}

// AddFees accumulates fees routed to the treasury on settlement.
func (p *LiquidityPool) AddFees(amount uint64) error {
	f, err := fixedpoint.Add(p.CumulativeFees, amount)
	if err != nil {
		return err
	}
	p.CumulativeFees = f
	return nil
}

// WithdrawStatus tracks a queued redemption.
type WithdrawStatus string

const (
	WithdrawStatusPending   WithdrawStatus = "pending"
	WithdrawStatusFulfilled WithdrawStatus = "fulfilled"
)

// WithdrawRequest is one queued redemption, serviced strictly in ID order.
type WithdrawRequest struct {
	ID          uint64         `json:"id"`
	Requester   common.Hash    `json:"requester"`
	Destination common.Hash    `json:"destination"`
	RemainingLP uint64         `json:"remaining_lp"`
	FulfilledLP uint64         `json:"fulfilled_lp"`
	PaidOut     uint64         `json:"paid_out"`
	Status      WithdrawStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
