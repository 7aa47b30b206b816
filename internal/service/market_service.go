package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/settlement"
)

// MarketService owns the per-basket index records: initialization, posted
// funding and borrow rates, and the rebalance fee index.
type MarketService struct {
	deps   Deps
	logger *slog.Logger
}

// NewMarketService creates a MarketService.
func NewMarketService(deps Deps) *MarketService {
	return &MarketService{deps: deps, logger: deps.Logger}
}

// Init activates a basket's indices at 1.0 with optional fee overrides.
// Overrides above the protocol maximum are rejected.
func (s *MarketService) Init(ctx context.Context, basketID common.Hash, symbol string, overrides domain.FeeOverrides) (domain.MarketIndices, error) {
	if _, err := settlement.ResolveParams(s.deps.Protocol.Fees, overrides); err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: init %s: %w", basketID.Hex(), err)
	}

	unlock, err := s.deps.lock(ctx, domain.MarketLockKey(basketID.Hex()))
	if err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: init %s: %w", basketID.Hex(), err)
	}
	defer unlock()

	now := s.deps.now()
	m := domain.NewMarketIndices(basketID, symbol)
	if err := m.Initialize(now.Unix()); err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: init %s: %w", basketID.Hex(), err)
	}
	m.Overrides = overrides
	m.UpdatedAt = now

	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		if err := r.Markets().Create(ctx, m); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "market_initialized", map[string]any{
			"basket_id": basketID.Hex(),
			"symbol":    symbol,
		})
	})
	if err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: init %s: %w", basketID.Hex(), err)
	}

	s.deps.publish(ctx, domain.ChannelMarkets, "market_initialized", m)
	s.logger.InfoContext(ctx, "market_service: market initialized",
		slog.String("basket_id", basketID.Hex()),
		slog.String("symbol", symbol),
	)
	return m, nil
}

// PostRates accrues the indices up to now at the previous rates, then
// installs the new ones.
func (s *MarketService) PostRates(ctx context.Context, basketID common.Hash, fundingRateBps, borrowRateBps int64) (domain.MarketIndices, error) {
	if err := domain.ValidateRates(fundingRateBps, borrowRateBps, s.deps.Protocol.MaxFundingRateBps); err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: post rates: %w", err)
	}
	m, err := s.mutate(ctx, basketID, func(m *domain.MarketIndices) error {
		return m.UpdateIndices(fundingRateBps, borrowRateBps, s.deps.now().Unix())
	})
	if err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: post rates: %w", err)
	}
	s.deps.publish(ctx, domain.ChannelMarkets, "rates_updated", m)
	s.logger.InfoContext(ctx, "market_service: rates updated",
		slog.String("basket_id", basketID.Hex()),
		slog.Int64("funding_rate_bps", fundingRateBps),
		slog.Int64("borrow_rate_bps", borrowRateBps),
		slog.Int64("funding_index", m.CumulativeFundingIndex),
		slog.Int64("borrow_index", m.CumulativeBorrowIndex),
	)
	return m, nil
}

// PostRebalanceIndex records a new cumulative rebalance fee index.
func (s *MarketService) PostRebalanceIndex(ctx context.Context, basketID common.Hash, index int64) (domain.MarketIndices, error) {
	m, err := s.mutate(ctx, basketID, func(m *domain.MarketIndices) error {
		return m.PostRebalanceIndex(index)
	})
	if err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: post rebalance index: %w", err)
	}
	s.deps.publish(ctx, domain.ChannelMarkets, "rebalance_index_updated", m)
	return m, nil
}

// mutate applies fn to the stored record under the market lock.
func (s *MarketService) mutate(ctx context.Context, basketID common.Hash, fn func(*domain.MarketIndices) error) (domain.MarketIndices, error) {
	unlock, err := s.deps.lock(ctx, domain.MarketLockKey(basketID.Hex()))
	if err != nil {
		return domain.MarketIndices{}, err
	}
	defer unlock()

	var out domain.MarketIndices
	err = s.deps.Store.Atomically(ctx, func(r domain.Repos) error {
		m, err := r.Markets().GetByBasket(ctx, basketID)
		if err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			return err
		}
		m.UpdatedAt = s.deps.now()
		if err := r.Markets().Update(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Get returns the stored record of a basket.
func (s *MarketService) Get(ctx context.Context, basketID common.Hash) (domain.MarketIndices, error) {
	m, err := s.deps.Store.Markets().GetByBasket(ctx, basketID)
	if err != nil {
		return domain.MarketIndices{}, fmt.Errorf("market_service: get %s: %w", basketID.Hex(), err)
	}
	return m, nil
}

// Current returns the record accrued to now without persisting it.
func (s *MarketService) Current(ctx context.Context, basketID common.Hash) (domain.MarketIndices, error) {
	m, err := s.Get(ctx, basketID)
	if err != nil {
		return domain.MarketIndices{}, err
	}
	if m.State != domain.MarketStateActive {
		return m, nil
	}
	return m.AccruedTo(s.deps.now().Unix())
}

// List returns every basket record.
func (s *MarketService) List(ctx context.Context) ([]domain.MarketIndices, error) {
	ms, err := s.deps.Store.Markets().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return ms, nil
}

// ResolveBasket accepts either a 0x basket id or a symbol.
func ResolveBasket(s string) (common.Hash, string, error) {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		id, err := domain.ParseID(s)
		return id, "", err
	}
	sym := strings.ToUpper(strings.TrimSpace(s))
	if sym == "" {
		return common.Hash{}, "", fmt.Errorf("%w: empty basket", domain.ErrInvalidInput)
	}
	return domain.BasketIDFromSymbol(sym), sym, nil
}
