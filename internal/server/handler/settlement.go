package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/service"
)

// SettlementService defines the methods that the settlement handler requires.
type SettlementService interface {
	Close(ctx context.Context, req service.CloseRequest) (service.Settled, error)
	Liquidate(ctx context.Context, positionID string, price uint64) (service.Settled, error)
	Quote(ctx context.Context, req service.CloseRequest) (domain.SettlementDetails, error)
	Liquidatable(ctx context.Context, positionID string, price uint64) (bool, error)
	ListByPosition(ctx context.Context, positionID string) ([]domain.SettlementRecord, error)
}

// SettlementHandler serves close, liquidation and journal endpoints.
type SettlementHandler struct {
	settlements SettlementService
	logger      *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settlements SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlements: settlements,
		logger:      logHandler(logger, "settlement"),
	}
}

// closeRequest is the body of the close and quote endpoints. A zero size
// closes the whole position; an empty mode is a normal close.
type closeRequest struct {
	Size      uint64 `json:"size"`
	ExitPrice uint64 `json:"exit_price"`
	Mode      string `json:"mode"`
}

type liquidateRequest struct {
	Price uint64 `json:"price"`
}

type liquidatableResponse struct {
	PositionID   string `json:"position_id"`
	Price        uint64 `json:"price"`
	Liquidatable bool   `json:"liquidatable"`
}

type listSettlementsResponse struct {
	Settlements []domain.SettlementRecord `json:"settlements"`
}

func (req closeRequest) toService(positionID string) service.CloseRequest {
	return service.CloseRequest{
		PositionID: positionID,
		Size:       req.Size,
		ExitPrice:  req.ExitPrice,
		Mode:       domain.ClosingType(req.Mode),
	}
}

// ClosePosition settles a normal or force close.
// POST /api/positions/{id}/close
func (h *SettlementHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "close position", err)
		return
	}
	out, err := h.settlements.Close(r.Context(), req.toService(r.PathValue("id")))
	if err != nil {
		fail(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// QuoteClose returns the settlement a close would produce now, without
// side effects.
// POST /api/positions/{id}/quote
func (h *SettlementHandler) QuoteClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "quote close", err)
		return
	}
	details, err := h.settlements.Quote(r.Context(), req.toService(r.PathValue("id")))
	if err != nil {
		fail(w, r, h.logger, "quote close", err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

// LiquidatePosition liquidates the whole position at the given price.
// A healthy position answers 409 not_liquidatable.
// POST /api/positions/{id}/liquidate
func (h *SettlementHandler) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "liquidate position", err)
		return
	}
	out, err := h.settlements.Liquidate(r.Context(), r.PathValue("id"), req.Price)
	if err != nil {
		fail(w, r, h.logger, "liquidate position", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Liquidatable reports whether the position could be liquidated at price.
// GET /api/positions/{id}/liquidatable?price=
func (h *SettlementHandler) Liquidatable(w http.ResponseWriter, r *http.Request) {
	price, err := queryUint(r, "price")
	if err != nil {
		fail(w, r, h.logger, "check liquidatable", err)
		return
	}
	id := r.PathValue("id")
	ok, err := h.settlements.Liquidatable(r.Context(), id, price)
	if err != nil {
		fail(w, r, h.logger, "check liquidatable", err)
		return
	}
	writeJSON(w, http.StatusOK, liquidatableResponse{PositionID: id, Price: price, Liquidatable: ok})
}

// ListSettlements returns the settlement journal of one position.
// GET /api/settlements?position_id=
func (h *SettlementHandler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("position_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "position_id query parameter required")
		return
	}
	recs, err := h.settlements.ListByPosition(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, "list settlements", err)
		return
	}
	if recs == nil {
		recs = []domain.SettlementRecord{}
	}
	writeJSON(w, http.StatusOK, listSettlementsResponse{Settlements: recs})
}
