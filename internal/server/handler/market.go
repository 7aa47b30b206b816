package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Init(ctx context.Context, basketID common.Hash, symbol string, overrides domain.FeeOverrides) (domain.MarketIndices, error)
	PostRates(ctx context.Context, basketID common.Hash, fundingRateBps, borrowRateBps int64) (domain.MarketIndices, error)
	PostRebalanceIndex(ctx context.Context, basketID common.Hash, index int64) (domain.MarketIndices, error)
	Current(ctx context.Context, basketID common.Hash) (domain.MarketIndices, error)
	List(ctx context.Context) ([]domain.MarketIndices, error)
}

// MarketHandler serves basket index endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// initMarketRequest is the body of POST /api/markets/{basket}. Symbol is
// only read when the path carries a 0x id.
type initMarketRequest struct {
	Symbol    string              `json:"symbol"`
	Overrides domain.FeeOverrides `json:"overrides"`
}

type postRatesRequest struct {
	FundingRateBps int64 `json:"funding_rate_bps"`
	BorrowRateBps  int64 `json:"borrow_rate_bps"`
}

type postRebalanceRequest struct {
	Index int64 `json:"index"`
}

type listMarketsResponse struct {
	Markets []domain.MarketIndices `json:"markets"`
}

// InitMarket activates a basket's indices.
// POST /api/markets/{basket}
func (h *MarketHandler) InitMarket(w http.ResponseWriter, r *http.Request) {
	basketID, symbol, err := pathBasket(r)
	if err != nil {
		fail(w, r, h.logger, "init market", err)
		return
	}
	var req initMarketRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			fail(w, r, h.logger, "init market", err)
			return
		}
	}
	if symbol == "" {
		symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	}

	m, err := h.markets.Init(r.Context(), basketID, symbol, req.Overrides)
	if err != nil {
		fail(w, r, h.logger, "init market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket returns a basket's indices accrued to now.
// GET /api/markets/{basket}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	basketID, _, err := pathBasket(r)
	if err != nil {
		fail(w, r, h.logger, "get market", err)
		return
	}
	m, err := h.markets.Current(r.Context(), basketID)
	if err != nil {
		fail(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMarkets returns every basket record as stored.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ms, err := h.markets.List(r.Context())
	if err != nil {
		fail(w, r, h.logger, "list markets", err)
		return
	}
	if ms == nil {
		ms = []domain.MarketIndices{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: ms})
}

// PostRates installs new funding and borrow rates.
// POST /api/markets/{basket}/rates
func (h *MarketHandler) PostRates(w http.ResponseWriter, r *http.Request) {
	basketID, _, err := pathBasket(r)
	if err != nil {
		fail(w, r, h.logger, "post rates", err)
		return
	}
	var req postRatesRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "post rates", err)
		return
	}
	m, err := h.markets.PostRates(r.Context(), basketID, req.FundingRateBps, req.BorrowRateBps)
	if err != nil {
		fail(w, r, h.logger, "post rates", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PostRebalanceIndex records a new cumulative rebalance fee index.
// POST /api/markets/{basket}/rebalance-index
func (h *MarketHandler) PostRebalanceIndex(w http.ResponseWriter, r *http.Request) {
	basketID, _, err := pathBasket(r)
	if err != nil {
		fail(w, r, h.logger, "post rebalance index", err)
		return
	}
	var req postRebalanceRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "post rebalance index", err)
		return
	}
	m, err := h.markets.PostRebalanceIndex(r.Context(), basketID, req.Index)
	if err != nil {
		fail(w, r, h.logger, "post rebalance index", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
