package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/service"
)

// maxBodyBytes caps request bodies; every payload here is a few fields.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// fail maps err to a status and reason code and writes it. Unmapped errors
// are logged and reported as a generic 500.
func fail(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, status, code, op+" failed")
		return
	}
	writeError(w, status, code, err.Error())
}

// decodeJSON reads a single JSON object from the body into v. Unknown
// fields are rejected.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %v", domain.ErrInvalidInput, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: request body: trailing data", domain.ErrInvalidInput)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// queryUint parses a required unsigned query parameter.
func queryUint(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, fmt.Errorf("%w: %s query parameter required", domain.ErrInvalidInput, name)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, name, err)
	}
	return n, nil
}

// pathBasket resolves the {basket} path segment, which is either a 0x id or
// a symbol.
func pathBasket(r *http.Request) (common.Hash, string, error) {
	return service.ResolveBasket(r.PathValue("basket"))
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// errorCode pairs a sentinel with its HTTP status and reason code.
type errorCode struct {
	err    error
	status int
	code   string
}

// errorCodes is checked in order with errors.Is; the first match wins.
var errorCodes = []errorCode{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{domain.ErrPositionAlreadyClosed, http.StatusConflict, "position_closed"},
	{domain.ErrPositionNotLiquidatable, http.StatusConflict, "not_liquidatable"},
	{domain.ErrInsufficientLiquidity, http.StatusConflict, "insufficient_liquidity"},
	{domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{domain.ErrMarketNotActive, http.StatusConflict, "market_not_active"},
	{domain.ErrSlippageExceeded, http.StatusPreconditionFailed, "slippage_exceeded"},
	{domain.ErrLockHeld, http.StatusLocked, "locked"},
	{domain.ErrMathOverflow, http.StatusUnprocessableEntity, "math_overflow"},
	{domain.ErrDivisionByZero, http.StatusUnprocessableEntity, "division_by_zero"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{domain.ErrInvalidPositionSize, http.StatusBadRequest, "invalid_position_size"},
	{domain.ErrInsufficientCollateral, http.StatusBadRequest, "insufficient_collateral"},
	{domain.ErrInsufficientBalance, http.StatusBadRequest, "insufficient_balance"},
	{domain.ErrFundingRateExceedsMaximum, http.StatusBadRequest, "funding_rate_exceeds_maximum"},
	{domain.ErrBorrowRateExceedsMaximum, http.StatusBadRequest, "borrow_rate_exceeds_maximum"},
	{domain.ErrFeeExceedsMaximum, http.StatusBadRequest, "fee_exceeds_maximum"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
}

// statusFor returns the HTTP status and reason code for err.
func statusFor(err error) (int, string) {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
