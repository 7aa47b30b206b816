package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	memcache "github.com/alanyoungcy/blpsettle/internal/cache/memory"
	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/metrics"
	"github.com/alanyoungcy/blpsettle/internal/server/handler"
	"github.com/alanyoungcy/blpsettle/internal/service"
	"github.com/alanyoungcy/blpsettle/internal/settlement"
	memstore "github.com/alanyoungcy/blpsettle/internal/store/memory"
)

var (
	trader   = domain.BasketIDFromSymbol("trader")
	provider = domain.BasketIDFromSymbol("provider")
)

type testEnv struct {
	handler http.Handler
	ledger  *memstore.Ledger
	token   string
}

type envOptions struct {
	token      string
	rateLimit  int
	reserveBps uint64
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := memstore.NewLedger()
	deps := service.Deps{
		Store:   memstore.NewStore(),
		Ledger:  ledger,
		Locks:   memcache.NewLockManager(),
		Bus:     memcache.NewSignalBus(),
		Metrics: metrics.New(),
		Logger:  logger,
		Protocol: service.Protocol{
			Fees: settlement.Defaults{
				ClosingFeeBps:           10,
				LiquidationFeeBps:       50,
				LiquidationThresholdBps: 500,
				TreasuryCutBps:          3_000,
				MaxFeeBps:               500,
			},
			MaxFundingRateBps: 57,
			ReserveBps:        opts.reserveBps,
		},
		LockTTL: time.Second,
	}
	pools := service.NewPoolService(deps)
	_, err := pools.EnsurePool(context.Background(), 0, 0)
	require.NoError(t, err)

	var hash string
	if opts.token != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(opts.token), bcrypt.MinCost)
		require.NoError(t, err)
		hash = string(b)
	}

	srv := NewServer(Config{Port: 8000, APIKeyHash: hash, RateLimitPerMinute: opts.rateLimit}, Handlers{
		Health:      handler.NewHealthHandler("dev", nil, logger),
		Positions:   handler.NewPositionHandler(service.NewPositionService(deps), logger),
		Settlements: handler.NewSettlementHandler(service.NewSettlementService(deps), logger),
		Markets:     handler.NewMarketHandler(service.NewMarketService(deps), logger),
		Pool:        handler.NewPoolHandler(pools, logger),
		Metrics:     deps.Metrics.Handler(),
	}, nil, memcache.NewRateLimiter(opts.rateLimit), logger)

	for _, owner := range []domain.Account{domain.UserAccount(trader), domain.UserAccount(provider)} {
		_, err := ledger.Mint(context.Background(), domain.AssetCollateral, owner, 1_000_000_000)
		require.NoError(t, err)
	}
	return &testEnv{handler: srv.Handler(), ledger: ledger, token: opts.token}
}

// do sends a request through the full middleware chain and decodes a JSON
// response into out when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestPositionLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var m domain.MarketIndices
	rec := env.do(t, http.MethodPost, "/api/markets/tech10", nil, &m)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "TECH10", m.Symbol)
	assert.Equal(t, domain.MarketStateActive, m.State)

	var apiErr apiError
	rec = env.do(t, http.MethodPost, "/api/markets/TECH10", nil, &apiErr)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_exists", apiErr.Code)

	rec = env.do(t, http.MethodPost, "/api/pool/deposit", map[string]any{
		"owner":  provider.Hex(),
		"amount": 1_000_000_000,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pos domain.Position
	rec = env.do(t, http.MethodPost, "/api/positions", map[string]any{
		"owner":       trader.Hex(),
		"basket":      "tech10",
		"is_long":     true,
		"size":        10_000_000,
		"collateral":  1_000_000,
		"entry_price": 100_000_000,
	}, &pos)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotEmpty(t, pos.ID)

	var liq struct {
		Liquidatable bool `json:"liquidatable"`
	}
	rec = env.do(t, http.MethodGet, "/api/positions/"+pos.ID+"/liquidatable?price=94000000", nil, &liq)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, liq.Liquidatable)

	var quote domain.SettlementDetails
	rec = env.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/quote", map[string]any{"exit_price": 110_000_000}, &quote)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1_000_000), quote.PnL)

	var settled service.Settled
	rec = env.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close", map[string]any{"exit_price": 110_000_000}, &settled)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, quote, settled.Record.Details)
	assert.Equal(t, uint64(992_300), settled.Record.Actual.PoolToUser)
	assert.Equal(t, domain.PositionStatusClosed, settled.Position.Status)

	rec = env.do(t, http.MethodPost, "/api/positions/"+pos.ID+"/close", map[string]any{"exit_price": 110_000_000}, &apiErr)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "position_closed", apiErr.Code)

	var journal struct {
		Settlements []domain.SettlementRecord `json:"settlements"`
	}
	rec = env.do(t, http.MethodGet, "/api/settlements?position_id="+pos.ID, nil, &journal)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, journal.Settlements, 1)
	assert.Equal(t, settled.Record.ID, journal.Settlements[0].ID)

	var owned struct {
		Positions []domain.Position `json:"positions"`
	}
	rec = env.do(t, http.MethodGet, "/api/positions?owner="+trader.Hex(), nil, &owned)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, owned.Positions, 1)
	assert.Equal(t, pos.ID, owned.Positions[0].ID)

	var p domain.LiquidityPool
	rec = env.do(t, http.MethodGet, "/api/pool", nil, &p)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(999_007_700), p.TotalLiquidity)
}

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do(t, http.MethodPost, "/api/markets/tech10", nil, nil)
	env.do(t, http.MethodPost, "/api/pool/deposit", map[string]any{"owner": provider.Hex(), "amount": 1_000_000_000}, nil)

	var pos domain.Position
	rec := env.do(t, http.MethodPost, "/api/positions", map[string]any{
		"owner": trader.Hex(), "basket": "TECH10", "is_long": true,
		"size": 10_000_000, "collateral": 1_000_000, "entry_price": 100_000_000,
	}, &pos)
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown position", http.MethodGet, "/api/positions/missing", nil, http.StatusNotFound, "not_found"},
		{"healthy liquidation", http.MethodPost, "/api/positions/" + pos.ID + "/liquidate", map[string]any{"price": 100_000_000}, http.StatusConflict, "not_liquidatable"},
		{"unknown field", http.MethodPost, "/api/positions/" + pos.ID + "/close", map[string]any{"exit": 1}, http.StatusBadRequest, "invalid_input"},
		{"bad closing mode", http.MethodPost, "/api/positions/" + pos.ID + "/close", map[string]any{"exit_price": 1, "mode": "panic"}, http.StatusBadRequest, "invalid_input"},
		{"oversized close", http.MethodPost, "/api/positions/" + pos.ID + "/close", map[string]any{"exit_price": 100_000_000, "size": 20_000_000}, http.StatusBadRequest, "invalid_input"},
		{"rate above max", http.MethodPost, "/api/markets/TECH10/rates", map[string]any{"funding_rate_bps": 100}, http.StatusBadRequest, "funding_rate_exceeds_maximum"},
		{"deposit slippage", http.MethodPost, "/api/pool/deposit", map[string]any{"owner": provider.Hex(), "amount": 1_000, "min_shares_out": 2_000}, http.StatusPreconditionFailed, "slippage_exceeded"},
		{"missing price", http.MethodGet, "/api/positions/" + pos.ID + "/liquidatable", nil, http.StatusBadRequest, "invalid_input"},
		{"bad owner", http.MethodGet, "/api/positions?owner=0x12", nil, http.StatusBadRequest, "invalid_input"},
		{"unknown basket", http.MethodGet, "/api/markets/NOPE", nil, http.StatusNotFound, "not_found"},
		{"bad request id", http.MethodGet, "/api/pool/queue/abc", nil, http.StatusBadRequest, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var apiErr apiError
			rec := env.do(t, tt.method, tt.path, tt.body, &apiErr)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestAuthProtectsAPIButNotHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{token: "s3cret"})

	rec := env.do(t, http.MethodGet, "/api/pool", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	anon := &testEnv{handler: env.handler}
	rec = anon.do(t, http.MethodGet, "/api/pool", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong := &testEnv{handler: env.handler, token: "guess"}
	rec = wrong.do(t, http.MethodGet, "/api/pool", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = anon.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = anon.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "blpsettle_")
}

func TestRateLimitPerClient(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2})

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodGet, "/api/pool", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	var apiErr apiError
	rec := env.do(t, http.MethodGet, "/api/pool", nil, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Health stays outside the limiter.
	rec = env.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWithdrawQueuedAnswersAccepted(t *testing.T) {
	env := newTestEnv(t, envOptions{reserveBps: 1_000})
	env.do(t, http.MethodPost, "/api/markets/tech10", nil, nil)
	env.do(t, http.MethodPost, "/api/pool/deposit", map[string]any{"owner": provider.Hex(), "amount": 1_000_000}, nil)
	rec := env.do(t, http.MethodPost, "/api/positions", map[string]any{
		"owner": trader.Hex(), "basket": "TECH10", "is_long": true,
		"size": 5_000_000, "collateral": 500_000, "entry_price": 100_000_000,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Half a million stays reserved for the open position.
	var out service.WithdrawReceipt
	rec = env.do(t, http.MethodPost, "/api/pool/withdraw", map[string]any{"owner": provider.Hex(), "lp_amount": 800_000}, &out)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Nil(t, out.Paid)
	require.NotNil(t, out.Queued)
	assert.Equal(t, uint64(1), out.Queued.ID)

	var q struct {
		Requests []domain.WithdrawRequest `json:"requests"`
	}
	rec = env.do(t, http.MethodGet, "/api/pool/queue", nil, &q)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, q.Requests, 1)

	var steps struct {
		Steps []service.QueueStep `json:"steps"`
	}
	rec = env.do(t, http.MethodPost, "/api/pool/queue/process", nil, &steps)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, steps.Steps, 1)
	assert.Equal(t, uint64(300_000), steps.Steps[0].Request.RemainingLP)

	var req domain.WithdrawRequest
	rec = env.do(t, http.MethodGet, "/api/pool/queue/1", nil, &req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.WithdrawStatusPending, req.Status)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, envOptions{token: "s3cret"})

	req := httptest.NewRequest(http.MethodOptions, "/api/positions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
