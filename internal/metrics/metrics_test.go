package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/blpsettle/internal/domain"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestObserveSettlement(t *testing.T) {
	m := New()
	m.ObserveSettlement(domain.SettlementDetails{
		Mode:           domain.ClosingTypeLiquidation,
		FeeToTreasury:  3,
		FeeToBLP:       7,
		BadDebtAmount:  42,
		UncollectedFee: 5,
	}, 10*time.Millisecond)

	body := scrape(t, m)
	for _, line := range []string{
		`blpsettle_settlements_total{mode="liquidation"} 1`,
		`blpsettle_fees_collected_total{recipient="treasury"} 3`,
		`blpsettle_fees_collected_total{recipient="pool"} 7`,
		"blpsettle_bad_debt_total 42",
		"blpsettle_uncollected_fees_total 5",
		`blpsettle_settlement_duration_seconds_count{mode="liquidation"} 1`,
	} {
		assert.True(t, strings.Contains(body, line), line)
	}
}

func TestSetPool(t *testing.T) {
	m := New()
	m.SetPool(domain.LiquidityPool{TotalLiquidity: 1000, TotalShares: 900, WithdrawQueueHead: 3, WithdrawQueueTail: 1, PendingLPTokens: 50})
	m.PoolOp("deposit")
	m.OpError("close")

	body := scrape(t, m)
	for _, line := range []string{
		"blpsettle_pool_total_liquidity 1000",
		"blpsettle_pool_total_shares 900",
		"blpsettle_pool_withdraw_queue_depth 2",
		"blpsettle_pool_pending_lp_tokens 50",
		`blpsettle_pool_operations_total{kind="deposit"} 1`,
		`blpsettle_operation_errors_total{op="close"} 1`,
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, line), line)
	}
}
