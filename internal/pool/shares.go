// Package pool prices liquidity-provider share minting and redemption and
// drives the FIFO withdrawal queue. Functions here only quote; the caller
// executes transfers and then books the actual amounts through the
// domain.LiquidityPool Apply* methods.
package pool

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// DepositResult quotes a deposit. Shares are priced on the gross amount;
// only NetDeposit is added to pool liquidity, the fee goes to treasury.
type DepositResult struct {
	Amount       uint64 `json:"amount"`
	Fee          uint64 `json:"fee"`
	NetDeposit   uint64 `json:"net_deposit"`
	SharesToMint uint64 `json:"shares_to_mint"`
}

// ProcessDeposit quotes minting shares for amount at the current NAV.
func ProcessDeposit(p domain.LiquidityPool, amount, minSharesOut uint64) (DepositResult, error) {
	if amount == 0 {
		return DepositResult{}, fmt.Errorf("%w: deposit amount is zero", domain.ErrInvalidInput)
	}
	fee, err := fixedpoint.CalcFee(amount, p.DepositFeeBps)
	if err != nil {
		return DepositResult{}, fmt.Errorf("pool: deposit fee: %w", err)
	}
	net := amount - fee
	if net == 0 {
		return DepositResult{}, fmt.Errorf("%w: deposit of %d is consumed by the %d bps fee", domain.ErrInvalidInput, amount, p.DepositFeeBps)
	}

	shares := amount
	if p.TotalShares > 0 {
		if p.TotalLiquidity == 0 {
			return DepositResult{}, fmt.Errorf("%w: %d shares outstanding against no liquidity", domain.ErrInsufficientLiquidity, p.TotalShares)
		}
		shares, err = fixedpoint.MulDiv(amount, p.TotalShares, p.TotalLiquidity)
		if err != nil {
			return DepositResult{}, fmt.Errorf("pool: shares to mint: %w", err)
		}
	}
	if shares == 0 {
		return DepositResult{}, fmt.Errorf("%w: deposit of %d mints no shares", domain.ErrInvalidInput, amount)
	}
	if shares < minSharesOut {
		return DepositResult{}, fmt.Errorf("%w: %d shares below minimum %d", domain.ErrSlippageExceeded, shares, minSharesOut)
	}
	return DepositResult{Amount: amount, Fee: fee, NetDeposit: net, SharesToMint: shares}, nil
}

// WithdrawalResult quotes a redemption. Gross leaves the pool; Net reaches
// the user and Fee the treasury.
type WithdrawalResult struct {
	LPAmount uint64 `json:"lp_amount"`
	Gross    uint64 `json:"gross"`
	Fee      uint64 `json:"fee"`
	Net      uint64 `json:"net"`
}

func redeem(p domain.LiquidityPool, lp uint64) (WithdrawalResult, error) {
	if p.TotalShares == 0 {
		return WithdrawalResult{}, fmt.Errorf("%w: pool has no shares", domain.ErrInvalidInput)
	}
	if lp > p.TotalShares {
		return WithdrawalResult{}, fmt.Errorf("%w: redeeming %d of %d shares", domain.ErrInvalidInput, lp, p.TotalShares)
	}
	gross, err := fixedpoint.MulDiv(lp, p.TotalLiquidity, p.TotalShares)
	if err != nil {
		return WithdrawalResult{}, fmt.Errorf("pool: withdrawal amount: %w", err)
	}
	fee, err := fixedpoint.CalcFee(gross, p.WithdrawalFeeBps)
	if err != nil {
		return WithdrawalResult{}, fmt.Errorf("pool: withdrawal fee: %w", err)
	}
	return WithdrawalResult{LPAmount: lp, Gross: gross, Fee: fee, Net: gross - fee}, nil
}

// ProcessWithdrawal quotes an immediate redemption of lpAmount shares.
// availableCash is what the pool account can pay right now; a redemption
// larger than that returns ErrInsufficientLiquidity and belongs in the
// queue.
func ProcessWithdrawal(p domain.LiquidityPool, lpAmount, minTokensOut, availableCash uint64) (WithdrawalResult, error) {
	if lpAmount == 0 {
		return WithdrawalResult{}, fmt.Errorf("%w: withdrawal amount is zero", domain.ErrInvalidInput)
	}
	r, err := redeem(p, lpAmount)
	if err != nil {
		return WithdrawalResult{}, err
	}
	if r.Net < minTokensOut {
		return WithdrawalResult{}, fmt.Errorf("%w: %d tokens below minimum %d", domain.ErrSlippageExceeded, r.Net, minTokensOut)
	}
	if r.Gross > availableCash {
		return WithdrawalResult{}, fmt.Errorf("%w: need %d, available %d", domain.ErrInsufficientLiquidity, r.Gross, availableCash)
	}
	return r, nil
}

// Enqueue books a queued redemption of lp shares the caller has already
// moved into LP escrow.
func Enqueue(p *domain.LiquidityPool, requester, destination common.Hash, lp uint64, now time.Time) (domain.WithdrawRequest, error) {
	if lp == 0 {
		return domain.WithdrawRequest{}, fmt.Errorf("%w: queued amount is zero", domain.ErrInvalidInput)
	}
	id, err := p.ApplyEnqueue(lp)
	if err != nil {
		return domain.WithdrawRequest{}, fmt.Errorf("pool: enqueue: %w", err)
	}
	return domain.WithdrawRequest{
		ID:          id,
		Requester:   requester,
		Destination: destination,
		RemainingLP: lp,
		Status:      domain.WithdrawStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ProcessQueued quotes the next step of the request at the queue tail,
// priced at the current NAV and capped by availableCash. Servicing any
// other request, or a step that can fulfil nothing, is ErrInvalidInput.
func ProcessQueued(p domain.LiquidityPool, req domain.WithdrawRequest, availableCash uint64) (WithdrawalResult, error) {
	if next := p.WithdrawQueueTail + 1; req.ID != next {
		return WithdrawalResult{}, fmt.Errorf("%w: request %d is not next in queue (want %d)", domain.ErrInvalidInput, req.ID, next)
	}
	if req.Status == domain.WithdrawStatusFulfilled || req.RemainingLP == 0 {
		return WithdrawalResult{}, fmt.Errorf("%w: request %d already fulfilled", domain.ErrInvalidInput, req.ID)
	}

	r, err := redeem(p, req.RemainingLP)
	if err != nil {
		return WithdrawalResult{}, err
	}
	if r.Gross > availableCash {
		var lp uint64
		if p.TotalLiquidity > 0 {
			lp, err = fixedpoint.MulDiv(availableCash, p.TotalShares, p.TotalLiquidity)
			if err != nil {
				return WithdrawalResult{}, fmt.Errorf("pool: partial fill: %w", err)
			}
		}
		if r, err = redeem(p, lp); err != nil {
			return WithdrawalResult{}, err
		}
	}
	if r.LPAmount == 0 || r.Gross == 0 {
		return WithdrawalResult{}, fmt.Errorf("%w: request %d has nothing fulfillable (available %d)", domain.ErrInvalidInput, req.ID, availableCash)
	}
	return r, nil
}

// AvailableCash is what redemptions may draw on: the pool account balance,
// capped by booked liquidity, less a reserve of reserveBps against open
// interest.
func AvailableCash(p domain.LiquidityPool, balance, openInterest, reserveBps uint64) (uint64, error) {
	reserve, err := fixedpoint.CalcFee(openInterest, reserveBps)
	if err != nil {
		return 0, fmt.Errorf("pool: reserve: %w", err)
	}
	cash := fixedpoint.Min(balance, p.TotalLiquidity)
	if reserve >= cash {
		return 0, nil
	}
	return cash - reserve, nil
}
