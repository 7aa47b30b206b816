// Package server exposes the settlement services over HTTP and relays bus
// events over websockets.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/blpsettle/internal/domain"
	"github.com/alanyoungcy/blpsettle/internal/server/handler"
	"github.com/alanyoungcy/blpsettle/internal/server/middleware"
	"github.com/alanyoungcy/blpsettle/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKeyHash is a bcrypt hash of the API key; empty disables auth.
	APIKeyHash         string
	RateLimitPerMinute int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Positions   *handler.PositionHandler
	Settlements *handler.SettlementHandler
	Markets     *handler.MarketHandler
	Pool        *handler.PoolHandler
	// Metrics serves /metrics; nil leaves the route unregistered.
	Metrics http.Handler
}

// Server is the HTTP + WebSocket API of the settlement service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on a ServeMux.
// Health and metrics are public; everything else sits behind auth and the
// per-client rate limit. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	api := http.NewServeMux()

	// Position endpoints.
	api.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
	api.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	api.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	api.HandleFunc("POST /api/positions/{id}/collateral", handlers.Positions.AddCollateral)

	// Settlement endpoints.
	api.HandleFunc("POST /api/positions/{id}/close", handlers.Settlements.ClosePosition)
	api.HandleFunc("POST /api/positions/{id}/quote", handlers.Settlements.QuoteClose)
	api.HandleFunc("POST /api/positions/{id}/liquidate", handlers.Settlements.LiquidatePosition)
	api.HandleFunc("GET /api/positions/{id}/liquidatable", handlers.Settlements.Liquidatable)
	api.HandleFunc("GET /api/settlements", handlers.Settlements.ListSettlements)

	// Market endpoints.
	api.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	api.HandleFunc("POST /api/markets/{basket}", handlers.Markets.InitMarket)
	api.HandleFunc("GET /api/markets/{basket}", handlers.Markets.GetMarket)
	api.HandleFunc("POST /api/markets/{basket}/rates", handlers.Markets.PostRates)
	api.HandleFunc("POST /api/markets/{basket}/rebalance-index", handlers.Markets.PostRebalanceIndex)

	// Pool endpoints.
	api.HandleFunc("GET /api/pool", handlers.Pool.GetPool)
	api.HandleFunc("POST /api/pool/deposit", handlers.Pool.Deposit)
	api.HandleFunc("POST /api/pool/withdraw", handlers.Pool.Withdraw)
	api.HandleFunc("GET /api/pool/queue", handlers.Pool.ListQueue)
	api.HandleFunc("GET /api/pool/queue/{id}", handlers.Pool.GetRequest)
	api.HandleFunc("POST /api/pool/queue/process", handlers.Pool.ProcessQueue)

	// WebSocket endpoint.
	if wsHub != nil {
		api.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var protected http.Handler = api
	protected = middleware.Auth(cfg.APIKeyHash)(protected)
	protected = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(protected)

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		root.Handle("GET /metrics", handlers.Metrics)
	}
	root.Handle("/", protected)

	var h http.Handler = root
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
