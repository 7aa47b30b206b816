package settlement

import (
	"fmt"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/fixedpoint"
)

// Params is the fee configuration a settlement runs under, resolved by the
// caller before calling Calculate.
type Params struct {
	TreasuryCutBps    uint64
	ClosingFeeBps     uint64
	LiquidationFeeBps uint64
}

func (p Params) feeBps(mode domain.ClosingType) uint64 {
	if mode == domain.ClosingTypeLiquidation {
		return p.LiquidationFeeBps
	}
	return p.ClosingFeeBps
}

func (p Params) validate() error {
	if p.TreasuryCutBps > fixedpoint.BPSDivisor {
		return fmt.Errorf("%w: treasury cut %d bps", domain.ErrFeeExceedsMaximum, p.TreasuryCutBps)
	}
	return nil
}

// Defaults are the protocol-wide values that basket overrides fall back to.
type Defaults struct {
	ClosingFeeBps           uint64
	LiquidationFeeBps       uint64
	LiquidationThresholdBps uint64
	TreasuryCutBps          uint64
	MaxFeeBps               uint64
}

// Resolved is the effective configuration for one basket.
type Resolved struct {
	Params
	LiquidationThresholdBps uint64
}

// ResolveParams applies a basket's overrides to the protocol defaults and
// rejects fees above the configured maximum.
func ResolveParams(defaults Defaults, overrides domain.FeeOverrides) (Resolved, error) {
	r := Resolved{
		Params: Params{
			TreasuryCutBps:    defaults.TreasuryCutBps,
			ClosingFeeBps:     domain.Effective(overrides.ClosingFeeBps, defaults.ClosingFeeBps),
			LiquidationFeeBps: domain.Effective(overrides.LiquidationFeeBps, defaults.LiquidationFeeBps),
		},
		LiquidationThresholdBps: domain.Effective(overrides.LiquidationThresholdBps, defaults.LiquidationThresholdBps),
	}
	if r.ClosingFeeBps > defaults.MaxFeeBps {
		return Resolved{}, fmt.Errorf("%w: closing fee %d bps (max %d)", domain.ErrFeeExceedsMaximum, r.ClosingFeeBps, defaults.MaxFeeBps)
	}
	if r.LiquidationFeeBps > defaults.MaxFeeBps {
		return Resolved{}, fmt.Errorf("%w: liquidation fee %d bps (max %d)", domain.ErrFeeExceedsMaximum, r.LiquidationFeeBps, defaults.MaxFeeBps)
	}
	if r.LiquidationThresholdBps > fixedpoint.BPSDivisor {
		return Resolved{}, fmt.Errorf("%w: liquidation threshold %d bps", domain.ErrInvalidInput, r.LiquidationThresholdBps)
	}
	if err := r.validate(); err != nil {
		return Resolved{}, err
	}
	return r, nil
}
