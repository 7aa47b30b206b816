package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/service"
)

// PoolService defines the methods that the pool handler requires.
type PoolService interface {
	Get(ctx context.Context) (domain.LiquidityPool, error)
	Deposit(ctx context.Context, owner common.Hash, amount, minSharesOut uint64) (service.DepositReceipt, error)
	Withdraw(ctx context.Context, req service.WithdrawRequest) (service.WithdrawReceipt, error)
	Queue(ctx context.Context, limit int) ([]domain.WithdrawRequest, error)
	Request(ctx context.Context, id uint64) (domain.WithdrawRequest, error)
	ProcessQueue(ctx context.Context, batch int) ([]service.QueueStep, error)
}

// PoolHandler serves BLP pool endpoints.
type PoolHandler struct {
	pool   PoolService
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pool PoolService, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pool: pool, logger: logHandler(logger, "pool")}
}

type depositRequest struct {
	Owner        common.Hash `json:"owner"`
	Amount       uint64      `json:"amount"`
	MinSharesOut uint64      `json:"min_shares_out"`
}

type processQueueRequest struct {
	Batch int `json:"batch"`
}

type queueResponse struct {
	Requests []domain.WithdrawRequest `json:"requests"`
}

type processQueueResponse struct {
	Steps []service.QueueStep `json:"steps"`
}

// defaultProcessBatch bounds a manual queue run when the body names none.
const defaultProcessBatch = 50

// GetPool returns the pool record.
// GET /api/pool
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	p, err := h.pool.Get(r.Context())
	if err != nil {
		fail(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Deposit adds liquidity and mints BLP shares.
// POST /api/pool/deposit
func (h *PoolHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "deposit", err)
		return
	}
	out, err := h.pool.Deposit(r.Context(), req.Owner, req.Amount, req.MinSharesOut)
	if err != nil {
		fail(w, r, h.logger, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Withdraw redeems shares. An immediate payout answers 200; a request
// placed in the queue answers 202.
// POST /api/pool/withdraw
func (h *PoolHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req service.WithdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		fail(w, r, h.logger, "withdraw", err)
		return
	}
	out, err := h.pool.Withdraw(r.Context(), req)
	if err != nil {
		fail(w, r, h.logger, "withdraw", err)
		return
	}
	status := http.StatusOK
	if out.Queued != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

// ListQueue returns pending withdrawal requests in service order.
// GET /api/pool/queue?limit=50
func (h *PoolHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.pool.Queue(r.Context(), parseListOpts(r).Limit)
	if err != nil {
		fail(w, r, h.logger, "list queue", err)
		return
	}
	if reqs == nil {
		reqs = []domain.WithdrawRequest{}
	}
	writeJSON(w, http.StatusOK, queueResponse{Requests: reqs})
}

// GetRequest returns one withdrawal request, pending or fulfilled.
// GET /api/pool/queue/{id}
func (h *PoolHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "request id must be a positive integer")
		return
	}
	req, err := h.pool.Request(r.Context(), id)
	if err != nil {
		fail(w, r, h.logger, "get request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ProcessQueue serves the queue head-first until cash or the batch runs out.
// POST /api/pool/queue/process
func (h *PoolHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	req := processQueueRequest{Batch: defaultProcessBatch}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			fail(w, r, h.logger, "process queue", err)
			return
		}
	}
	if req.Batch <= 0 {
		req.Batch = defaultProcessBatch
	}
	steps, err := h.pool.ProcessQueue(r.Context(), req.Batch)
	if err != nil {
		fail(w, r, h.logger, "process queue", err)
		return
	}
	if steps == nil {
		steps = []service.QueueStep{}
	}
	writeJSON(w, http.StatusOK, processQueueResponse{Steps: steps})
}
