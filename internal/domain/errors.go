package domain

import (
	"errors"

	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// Arithmetic failures surface unchanged from the fixed-point kernel.
var (
	ErrMathOverflow   = fixedpoint.ErrMathOverflow
	ErrDivisionByZero = fixedpoint.ErrDivisionByZero
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidInput              = errors.New("invalid input")
	ErrInvalidPositionSize       = errors.New("invalid position size")
	ErrPositionAlreadyClosed     = errors.New("position already closed")
	ErrPositionNotLiquidatable   = errors.New("position not liquidatable")
	ErrInsufficientCollateral    = errors.New("insufficient collateral")
	ErrFundingRateExceedsMaximum = errors.New("funding rate exceeds maximum")
	ErrBorrowRateExceedsMaximum  = errors.New("borrow rate exceeds maximum")
	ErrFeeExceedsMaximum         = errors.New("fee exceeds maximum")
	ErrSlippageExceeded          = errors.New("slippage exceeded")
	ErrInsufficientLiquidity     = errors.New("insufficient pool liquidity")
	ErrMarketNotActive           = errors.New("market not active")
	ErrInsufficientBalance       = errors.New("insufficient balance")
)
