package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/settlement"
)

// CloseRequest asks to settle Size units of a position at ExitPrice. A zero
// Size closes the whole position.
type CloseRequest struct {
	PositionID string             `json:"position_id"`
	Size       uint64             `json:"size"`
	ExitPrice  uint64             `json:"exit_price"`
	Mode       domain.ClosingType `json:"mode"`
}

// Settled is the outcome of a committed settlement.
type Settled struct {
	Record   domain.SettlementRecord `json:"record"`
	Position domain.Position         `json:"position"`
}

// SettlementService closes and liquidates positions against the pool.
type SettlementService struct {
	deps   Deps
	logger *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(deps Deps) *SettlementService {
	return &SettlementService{deps: deps, logger: deps.Logger}
}

// Close settles a normal or force close.
func (s *SettlementService) Close(ctx context.Context, req CloseRequest) (Settled, error) {
	mode, err := domain.ParseClosingType(string(req.Mode))
	if err != nil {
		return Settled{}, fmt.Errorf("settlement_service: close: %w", err)
	}
	if mode == domain.ClosingTypeLiquidation {
		return Settled{}, fmt.Errorf("settlement_service: close: %w: use liquidate", domain.ErrInvalidInput)
	}
	req.Mode = mode
	return s.settle(ctx, req)
}

// Liquidate settles the whole position in liquidation mode. A position that
// is still healthy at price fails with domain.ErrPositionNotLiquidatable.
func (s *SettlementService) Liquidate(ctx context.Context, positionID string, price uint64) (Settled, error) {
	return s.settle(ctx, CloseRequest{
		PositionID: positionID,
		ExitPrice:  price,
		Mode:       domain.ClosingTypeLiquidation,
	})
}

// Quote computes the settlement a close would produce right now without
// moving value or changing state.
func (s *SettlementService) Quote(ctx context.Context, req CloseRequest) (domain.SettlementDetails, error) {
	mode, err := domain.ParseClosingType(string(req.Mode))
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement_service: quote: %w", err)
	}
	pos, err := s.deps.Store.Positions().GetByID(ctx, req.PositionID)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement_service: quote: %w", err)
	}
	size := req.Size
	if size == 0 {
		size = pos.Size
	}
	_, d, err := s.prepare(ctx, pos, size, req.ExitPrice, mode)
	if err != nil {
		return domain.SettlementDetails{}, fmt.Errorf("settlement_service: quote: %w", err)
	}
	return d, nil
}

// Liquidatable reports whether the position may be liquidated at price
// under its basket's threshold.
func (s *SettlementService) Liquidatable(ctx context.Context, positionID string, price uint64) (bool, error) {
	pos, err := s.deps.Store.Positions().GetByID(ctx, positionID)
	if err != nil {
		return false, fmt.Errorf("settlement_service: liquidatable: %w", err)
	}
	ok, err := s.liquidatable(ctx, pos, price)
	if err != nil {
		return false, fmt.Errorf("settlement_service: liquidatable: %w", err)
	}
	return ok, nil
}

func (s *SettlementService) liquidatable(ctx context.Context, pos domain.Position, price uint64) (bool, error) {
	market, err := s.deps.Store.Markets().GetByBasket(ctx, pos.BasketID)
	if err != nil {
		return false, err
	}
	params, err := settlement.ResolveParams(s.deps.Protocol.Fees, market.Overrides)
	if err != nil {
		return false, err
	}
	return pos.IsLiquidatable(price, params.LiquidationThresholdBps)
}

// ListByPosition returns the settlement journal of a position.
func (s *SettlementService) ListByPosition(ctx context.Context, positionID string) ([]domain.SettlementRecord, error) {
	recs, err := s.deps.Store.Settlements().ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("settlement_service: list: %w", err)
	}
	return recs, nil
}

// prepare rolls the basket indices and rebalance fee into a copy of pos and
// calculates the settlement of size units at price.
func (s *SettlementService) prepare(
	ctx context.Context,
	pos domain.Position,
	size, price uint64,
	mode domain.ClosingType,
) (domain.Position, domain.SettlementDetails, error) {
	if !pos.IsOpen() {
		return pos, domain.SettlementDetails{}, domain.ErrPositionAlreadyClosed
	}
	if price == 0 {
		return pos, domain.SettlementDetails{}, fmt.Errorf("%w: exit price must be positive", domain.ErrInvalidInput)
	}
	market, err := s.deps.Store.Markets().GetByBasket(ctx, pos.BasketID)
	if err != nil {
		return pos, domain.SettlementDetails{}, fmt.Errorf("market %s: %w", pos.BasketID.Hex(), err)
	}
	view, err := market.AccruedTo(s.deps.now().Unix())
	if err != nil {
		return pos, domain.SettlementDetails{}, fmt.Errorf("accrue indices: %w", err)
	}
	params, err := settlement.ResolveParams(s.deps.Protocol.Fees, market.Overrides)
	if err != nil {
		return pos, domain.SettlementDetails{}, err
	}

	if err := pos.UpdateMarketIndices(view.CumulativeFundingIndex, view.CumulativeBorrowIndex, price); err != nil {
		return pos, domain.SettlementDetails{}, fmt.Errorf("roll indices: %w", err)
	}
	rebalanceFee, err := pos.ApplyRebalanceFee(view.CumulativeRebalanceIndex, price)
	if err != nil {
		return pos, domain.SettlementDetails{}, fmt.Errorf("rebalance fee: %w", err)
	}
	d, err := settlement.Calculate(pos, size, price, mode, params.Params, rebalanceFee)
	if err != nil {
		return pos, domain.SettlementDetails{}, err
	}
	return pos, d, nil
}

func (s *SettlementService) settle(ctx context.Context, req CloseRequest) (Settled, error) {
	started := time.Now()
	op := string(req.Mode)

	unlock, err := s.deps.lock(ctx, domain.PositionLockKey(req.PositionID), domain.PoolLockKey)
	if err != nil {
		return Settled{}, fmt.Errorf("settlement_service: %s: %w", op, err)
	}
	defer unlock()

	pos, err := s.deps.Store.Positions().GetByID(ctx, req.PositionID)
	if err != nil {
		return Settled{}, fmt.Errorf("settlement_service: %s: %w", op, err)
	}
	if !pos.IsOpen() {
		return Settled{}, fmt.Errorf("settlement_service: %s %s: %w", op, pos.ID, domain.ErrPositionAlreadyClosed)
	}
	size := req.Size
	if size == 0 || req.Mode == domain.ClosingTypeLiquidation {
		size = pos.Size
	}
	if req.Mode == domain.ClosingTypeLiquidation {
		ok, err := s.liquidatable(ctx, pos, req.ExitPrice)
		if err != nil {
			return Settled{}, fmt.Errorf("settlement_service: %s: %w", op, err)
		}
		if !ok {
			return Settled{}, fmt.Errorf("settlement_service: %s %s at %d: %w", op, pos.ID, req.ExitPrice, domain.ErrPositionNotLiquidatable)
		}
	}

	rolled, d, err := s.prepare(ctx, pos, size, req.ExitPrice, req.Mode)
	if err != nil {
		return Settled{}, fmt.Errorf("settlement_service: %s: %w", op, err)
	}

	p, err := s.deps.Store.Pool().Get(ctx)
	if err != nil {
		return Settled{}, fmt.Errorf("settlement_service: %s: load pool: %w", op, err)
	}
	if d.PoolToUser > 0 {
		cash, err := s.deps.Ledger.Balance(ctx, domain.AssetCollateral, domain.PoolAccount())
		if err != nil {
			return Settled{}, fmt.Errorf("settlement_service: %s: pool balance: %w", op, err)
		}
		capacity, err := p.SettlementCapacity(d.EscrowToPool)
		if err != nil {
			return Settled{}, fmt.Errorf("settlement_service: %s: pool capacity: %w", op, err)
		}
		available := min(min(cash, p.TotalLiquidity)+d.EscrowToPool, capacity)
		if available < d.PoolToUser {
			s.deps.opError(op)
			return Settled{}, fmt.Errorf("settlement_service: %s: %w: payout %d, pool cash %d",
				op, domain.ErrInsufficientLiquidity, d.PoolToUser, available)
		}
	}

	actual, err := s.execute(ctx, rolled, d)
	if err != nil {
		s.deps.opError(op)
		return Settled{}, fmt.Errorf("settlement_service: %s: %w", op, err)
	}

	now := s.deps.now()
	released := actual.EscrowToTreasury + actual.EscrowToPool + actual.EscrowToUser
	rec := domain.SettlementRecord{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Owner:      pos.Owner,
		BasketID:   pos.BasketID,
		SizeClosed: size,
		ExitPrice:  req.ExitPrice,
		Details:    d,
		Actual:     actual,
		SettledAt:  now,
	}

	var pool domain.LiquidityPool
	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		p, err := r.Pool().Get(ctx)
		if err != nil {
			return err
		}
		if err := p.ApplySettlement(actual.EscrowToPool, actual.PoolToUser); err != nil {
			return err
		}
		if err := p.RecordBadDebt(d.BadDebtAmount); err != nil {
			return err
		}
		if err := p.AddFees(d.FeeToTreasury + d.FeeToBLP); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := r.Pool().Save(ctx, p); err != nil {
			return err
		}
		if err := settlement.UpdatePositionAfterSettlement(&rolled, size, released, req.ExitPrice, req.Mode, now); err != nil {
			return err
		}
		if err := r.Positions().Update(ctx, rolled); err != nil {
			return err
		}
		if err := r.Settlements().Insert(ctx, rec); err != nil {
			return err
		}
		pool = p
		return r.Audit().Log(ctx, "position_settled", map[string]any{
			"settlement_id": rec.ID,
			"position_id":   pos.ID,
			"mode":          string(req.Mode),
			"size_closed":   size,
			"exit_price":    req.ExitPrice,
			"equity":        d.Equity,
			"bad_debt":      d.BadDebtAmount,
		})
	})
	if err != nil {
		s.deps.opError(op)
		s.logger.ErrorContext(ctx, "settlement_service: transfers executed but state not committed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		s.deps.auditOutside(ctx, "settlement_uncommitted", map[string]any{
			"position_id": pos.ID,
			"mode":        string(req.Mode),
			"actual":      actual,
			"error":       err.Error(),
		})
		return Settled{}, fmt.Errorf("settlement_service: %s: commit: %w", op, err)
	}

	out := Settled{Record: rec, Position: rolled}
	s.afterCommit(ctx, out, pool, time.Since(started))
	return out, nil
}

// execute runs the transfer legs in order and returns what actually moved.
// A failing leg stops the sequence; the partial amounts are audited.
func (s *SettlementService) execute(ctx context.Context, pos domain.Position, d domain.SettlementDetails) (domain.TransferAmounts, error) {
	var actual domain.TransferAmounts
	for _, leg := range settlement.Plan(d, pos.ID, pos.Owner) {
		moved, err := s.deps.transfer(ctx, domain.AssetCollateral, leg.From, leg.To, leg.Amount)
		if err != nil {
			s.deps.auditOutside(ctx, "settlement_failed", map[string]any{
				"position_id": pos.ID,
				"leg":         leg.Name,
				"amount":      leg.Amount,
				"actual":      actual,
				"error":       err.Error(),
			})
			return actual, fmt.Errorf("transfer %s: %w", leg.Name, err)
		}
		settlement.Record(&actual, leg.Name, moved)
	}
	return actual, nil
}

func (s *SettlementService) afterCommit(ctx context.Context, out Settled, pool domain.LiquidityPool, elapsed time.Duration) {
	d := out.Record.Details
	event := "position_closed"
	if d.Mode == domain.ClosingTypeLiquidation {
		event = "position_liquidated"
	}
	s.deps.publish(ctx, domain.ChannelSettlements, event, out.Record)
	s.deps.publish(ctx, domain.ChannelPositions, event, out.Position)
	if s.deps.Bus != nil {
		if payload, err := json.Marshal(out.Record); err == nil {
			if err := s.deps.Bus.StreamAppend(ctx, domain.StreamSettlements, payload); err != nil {
				s.logger.WarnContext(ctx, "settlement_service: stream append failed",
					slog.String("settlement_id", out.Record.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveSettlement(d, elapsed)
		s.deps.Metrics.SetPool(pool)
	}

	if d.BadDebtAmount > 0 {
		if err := s.deps.Notifier.BadDebt(ctx, out.Record.PositionID, d.BadDebtAmount, d.UncollectedFee); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "settlement_service: bad debt alert failed", slog.String("error", err.Error()))
		}
	}
	if d.Mode == domain.ClosingTypeLiquidation {
		if err := s.deps.Notifier.Liquidation(ctx, out.Record.PositionID, out.Record.ExitPrice, d.Equity); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "settlement_service: liquidation alert failed", slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "settlement_service: position settled",
		slog.String("position_id", out.Record.PositionID),
		slog.String("mode", string(d.Mode)),
		slog.Uint64("size_closed", out.Record.SizeClosed),
		slog.Uint64("exit_price", out.Record.ExitPrice),
		slog.Int64("pnl", d.PnL),
		slog.Int64("equity", d.Equity),
		slog.Uint64("user_payout", d.UserPayout),
		slog.Uint64("bad_debt", d.BadDebtAmount),
		slog.String("status", string(out.Position.Status)),
	)
}
