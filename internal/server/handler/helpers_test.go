package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("position_service: get x: %w", domain.ErrNotFound), http.StatusNotFound, "not_found"},
		{domain.ErrPositionAlreadyClosed, http.StatusConflict, "position_closed"},
		{domain.ErrPositionNotLiquidatable, http.StatusConflict, "not_liquidatable"},
		{domain.ErrInsufficientLiquidity, http.StatusConflict, "insufficient_liquidity"},
		{domain.ErrSlippageExceeded, http.StatusPreconditionFailed, "slippage_exceeded"},
		{errors.Join(domain.ErrLockHeld, context.Canceled), http.StatusLocked, "locked"},
		{domain.ErrMathOverflow, http.StatusUnprocessableEntity, "math_overflow"},
		{domain.ErrDivisionByZero, http.StatusUnprocessableEntity, "division_by_zero"},
		{fmt.Errorf("%w: bad", domain.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{domain.ErrFeeExceedsMaximum, http.StatusBadRequest, "fee_exceeds_maximum"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestFailHidesInternalErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/pool", nil)

	fail(rec, req, logger, "get pool", errors.New("dial tcp 10.0.0.5:5432: refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"get pool failed","code":"internal"}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Amount uint64 `json:"amount"`
	}
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"amount":5}`, true},
		{"unknown field", `{"amount":5,"extra":1}`, false},
		{"negative", `{"amount":-5}`, false},
		{"trailing", `{"amount":5}{"amount":6}`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			err := decodeJSON(req, &v)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestParseListOpts(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=9999&offset=-1", nil)
	opts := parseListOpts(req)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 0, opts.Offset)

	req = httptest.NewRequest(http.MethodGet, "/?limit=10&offset=20", nil)
	opts = parseListOpts(req)
	assert.Equal(t, 10, opts.Limit)
	assert.Equal(t, 20, opts.Offset)
}

func TestHealthCheckReportsFailingDependency(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHealthHandler("full", map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}, logger)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"postgres":"ok"`)
	assert.Contains(t, rec.Body.String(), `"redis":"connection refused"`)
}
