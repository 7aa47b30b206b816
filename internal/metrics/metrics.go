// Package metrics exposes settlement and pool counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

const namespace = "blpsettle"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	settlements       *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
	feesCollected     *prometheus.CounterVec
	badDebt           prometheus.Counter
	uncollectedFees   prometheus.Counter
	opErrors          *prometheus.CounterVec

	poolLiquidity  prometheus.Gauge
	poolShares     prometheus.Gauge
	queueDepth     prometheus.Gauge
	pendingLP      prometheus.Gauge
	poolOperations *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlements executed, by closing mode.",
		}, []string{"mode"}),
		settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Wall time from lock acquisition to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"mode"}),
		feesCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_total",
			Help:      "Collateral units of fees collected, by recipient.",
		}, []string{"recipient"}),
		badDebt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_debt_total",
			Help:      "Collateral units of bad debt recorded.",
		}),
		uncollectedFees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncollected_fees_total",
			Help:      "Collateral units of fees that equity could not cover.",
		}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed service operations, by operation.",
		}, []string{"op"}),
		poolLiquidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "total_liquidity",
			Help:      "Collateral units backing BLP shares.",
		}),
		poolShares: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "total_shares",
			Help:      "Outstanding BLP shares.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "withdraw_queue_depth",
			Help:      "Withdrawal requests enqueued but not consumed.",
		}),
		pendingLP: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "pending_lp_tokens",
			Help:      "BLP shares held in escrow by the withdrawal queue.",
		}),
		poolOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "operations_total",
			Help:      "Pool operations, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.settlements, m.settlementLatency, m.feesCollected, m.badDebt, m.uncollectedFees, m.opErrors,
		m.poolLiquidity, m.poolShares, m.queueDepth, m.pendingLP, m.poolOperations,
	)
	return m
}

// ObserveSettlement records one committed settlement.
func (m *Metrics) ObserveSettlement(d domain.SettlementDetails, elapsed time.Duration) {
	mode := string(d.Mode)
	m.settlements.WithLabelValues(mode).Inc()
	m.settlementLatency.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.feesCollected.WithLabelValues("treasury").Add(float64(d.FeeToTreasury))
	m.feesCollected.WithLabelValues("pool").Add(float64(d.FeeToBLP))
	m.badDebt.Add(float64(d.BadDebtAmount))
	m.uncollectedFees.Add(float64(d.UncollectedFee))
}

// SetPool mirrors the pool record into gauges.
func (m *Metrics) SetPool(p domain.LiquidityPool) {
	m.poolLiquidity.Set(float64(p.TotalLiquidity))
	m.poolShares.Set(float64(p.TotalShares))
	m.queueDepth.Set(float64(p.QueueDepth()))
	m.pendingLP.Set(float64(p.PendingLPTokens))
}

// PoolOp counts a deposit, withdraw, enqueue or queue fill.
func (m *Metrics) PoolOp(kind string) {
	m.poolOperations.WithLabelValues(kind).Inc()
}

// OpError counts a failed service operation.
func (m *Metrics) OpError(op string) {
	m.opErrors.WithLabelValues(op).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
