package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// OpenRequest records an opening fill reported by the trading layer.
type OpenRequest struct {
	Owner      common.Hash `json:"owner"`
	BasketID   common.Hash `json:"basket_id"`
	IsLong     bool        `json:"is_long"`
	Size       uint64      `json:"size"`
	Collateral uint64      `json:"collateral"`
	EntryPrice uint64      `json:"entry_price"`
}

// PositionService records position opens and margin top-ups. Closing goes
// through SettlementService.
type PositionService struct {
	deps   Deps
	logger *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(deps Deps) *PositionService {
	return &PositionService{deps: deps, logger: deps.Logger}
}

// Open moves the collateral from the owner into a fresh escrow account and
// stores the position with the basket's indices accrued to now.
func (s *PositionService) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	market, err := s.deps.Store.Markets().GetByBasket(ctx, req.BasketID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open: market %s: %w", req.BasketID.Hex(), err)
	}
	now := s.deps.now()
	if market.State == domain.MarketStateActive {
		if market, err = market.AccruedTo(now.Unix()); err != nil {
			return domain.Position{}, fmt.Errorf("position_service: open: accrue indices: %w", err)
		}
	}

	pos, err := domain.NewPosition(domain.OpenParams{
		ID:         uuid.NewString(),
		Owner:      req.Owner,
		IsLong:     req.IsLong,
		Size:       req.Size,
		Collateral: req.Collateral,
		EntryPrice: req.EntryPrice,
		OpenedAt:   now,
	}, market)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open: %w", err)
	}

	user, escrow := domain.UserAccount(req.Owner), domain.EscrowAccount(pos.ID)
	moved, err := s.deps.transfer(ctx, domain.AssetCollateral, user, escrow, req.Collateral)
	if err != nil {
		s.deps.opError("open")
		return domain.Position{}, fmt.Errorf("position_service: open: lock collateral: %w", err)
	}
	pos.Collateral = moved

	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Positions().Create(ctx, pos); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "position_opened", map[string]any{
			"position_id": pos.ID,
			"owner":       pos.Owner.Hex(),
			"basket_id":   pos.BasketID.Hex(),
			"size":        pos.Size,
			"collateral":  pos.Collateral,
			"entry_price": pos.EntryPrice,
			"is_long":     pos.IsLong,
		})
	})
	if err != nil {
		s.deps.opError("open")
		s.refund(ctx, escrow, user, moved)
		return domain.Position{}, fmt.Errorf("position_service: open: store: %w", err)
	}

	s.deps.publish(ctx, domain.ChannelPositions, "position_opened", pos)
	s.logger.InfoContext(ctx, "position_service: position opened",
		slog.String("position_id", pos.ID),
		slog.String("owner", pos.Owner.Hex()),
		slog.Uint64("size", pos.Size),
		slog.Uint64("collateral", pos.Collateral),
		slog.Bool("is_long", pos.IsLong),
	)
	return pos, nil
}

// AddCollateral tops up the margin of an open position.
func (s *PositionService) AddCollateral(ctx context.Context, positionID string, amount uint64) (domain.Position, error) {
	unlock, err := s.deps.lock(ctx, domain.PositionLockKey(positionID))
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: add collateral: %w", err)
	}
	defer unlock()

	pos, err := s.deps.Store.Positions().GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: add collateral: %w", err)
	}
	if !pos.IsOpen() {
		return domain.Position{}, fmt.Errorf("position_service: add collateral: %w", domain.ErrPositionAlreadyClosed)
	}
	if amount == 0 {
		return domain.Position{}, fmt.Errorf("position_service: add collateral: %w", domain.ErrInsufficientCollateral)
	}

	user, escrow := domain.UserAccount(pos.Owner), domain.EscrowAccount(pos.ID)
	moved, err := s.deps.transfer(ctx, domain.AssetCollateral, user, escrow, amount)
	if err != nil {
		s.deps.opError("add_collateral")
		return domain.Position{}, fmt.Errorf("position_service: add collateral: transfer: %w", err)
	}
	if err := pos.AddCollateral(moved); err != nil {
		s.refund(ctx, escrow, user, moved)
		return domain.Position{}, fmt.Errorf("position_service: add collateral: %w", err)
	}
	pos.UpdatedAt = s.deps.now()

	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Positions().Update(ctx, pos); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "collateral_added", map[string]any{
			"position_id": pos.ID,
			"amount":      moved,
			"collateral":  pos.Collateral,
		})
	})
	if err != nil {
		s.deps.opError("add_collateral")
		s.refund(ctx, escrow, user, moved)
		return domain.Position{}, fmt.Errorf("position_service: add collateral: store: %w", err)
	}

	s.deps.publish(ctx, domain.ChannelPositions, "collateral_added", pos)
	return pos, nil
}

// refund reverses a collateral movement whose state change failed.
func (s *PositionService) refund(ctx context.Context, from, to domain.Account, amount uint64) {
	if _, err := s.deps.transfer(ctx, domain.AssetCollateral, from, to, amount); err != nil {
		s.logger.ErrorContext(ctx, "position_service: refund failed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Uint64("amount", amount),
			slog.String("error", err.Error()),
		)
		s.deps.auditOutside(ctx, "refund_failed", map[string]any{
			"from":   from.String(),
			"to":     to.String(),
			"amount": amount,
			"error":  err.Error(),
		})
	}
}

// Get returns a position by ID.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.deps.Store.Positions().GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return pos, nil
}

// ListByOwner returns an owner's positions, newest first.
func (s *PositionService) ListByOwner(ctx context.Context, owner common.Hash, opts domain.ListOpts) ([]domain.Position, error) {
	ps, err := s.deps.Store.Positions().ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list by owner: %w", err)
	}
	return ps, nil
}

// ListOpen returns open positions, oldest first.
func (s *PositionService) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	ps, err := s.deps.Store.Positions().ListOpen(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open: %w", err)
	}
	return ps, nil
}
