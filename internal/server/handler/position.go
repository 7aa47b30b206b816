package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Open(ctx context.Context, req service.OpenRequest) (domain.Position, error)
	AddCollateral(ctx context.Context, positionID string, amount uint64) (domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByOwner(ctx context.Context, owner common.Hash, opts domain.ListOpts) ([]domain.Position, error)
	ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// openPositionRequest is the body of POST /api/positions. Basket is a
// symbol or a 0x basket id.
type openPositionRequest struct {
	Owner      common.Hash `json:"owner"`
	Basket     string      `json:"basket"`
	IsLong     bool        `json:"is_long"`
	Size       uint64      `json:"size"`
	Collateral uint64      `json:"collateral"`
	EntryPrice uint64      `json:"entry_price"`
}

type addCollateralRequest struct {
	Amount uint64 `json:"amount"`
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// OpenPosition records an opening fill and locks its collateral in escrow.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "open position", err)
		return
	}
	basketID, _, err := service.ResolveBasket(req.Basket)
	if err != nil {
		fail(w, r, h.logger, "open position", err)
		return
	}

	pos, err := h.positions.Open(r.Context(), service.OpenRequest{
		Owner:      req.Owner,
		BasketID:   basketID,
		IsLong:     req.IsLong,
		Size:       req.Size,
		Collateral: req.Collateral,
		EntryPrice: req.EntryPrice,
	})
	if err != nil {
		fail(w, r, h.logger, "open position", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ListPositions returns the positions of one owner, or every open position
// when no owner is given.
// GET /api/positions?owner=0x...&limit=50&offset=0
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	var (
		positions []domain.Position
		err       error
	)
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		id, perr := domain.ParseID(owner)
		if perr != nil {
			fail(w, r, h.logger, "list positions", perr)
			return
		}
		positions, err = h.positions.ListByOwner(r.Context(), id, opts)
	} else {
		positions, err = h.positions.ListOpen(r.Context(), opts)
	}
	if err != nil {
		fail(w, r, h.logger, "list positions", err)
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{
		Positions: positions,
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	})
}

// GetPosition returns a single position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// AddCollateral tops up the margin of an open position.
// POST /api/positions/{id}/collateral
func (h *PositionHandler) AddCollateral(w http.ResponseWriter, r *http.Request) {
	var req addCollateralRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "add collateral", err)
		return
	}
	pos, err := h.positions.AddCollateral(r.Context(), r.PathValue("id"), req.Amount)
	if err != nil {
		fail(w, r, h.logger, "add collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
