package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/types"
)

func scrape(t *testing.T, m *VaultMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestVaultMetrics_Operations(t *testing.T) {
	m := New("vault_test")
	m.RecordOperation("swap", "", time.Millisecond)
	m.RecordOperation("swap", "same_asset", time.Millisecond)
	m.RecordOperation("swap", "same_asset", time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `vault_test_operations_total{op="swap",result="ok"} 1`)
	assert.Contains(t, body, `vault_test_operations_total{op="swap",result="rejected"} 2`)
	assert.Contains(t, body, `vault_test_rejections_total{code="same_asset",op="swap"} 2`)
	assert.Contains(t, body, `vault_test_operation_latency_seconds_count{op="swap"} 3`)
}

func TestVaultMetrics_PoolGauges(t *testing.T) {
	m := New("vault_test")
	p := types.NewPoolState("ETH")
	p.PoolAmount = types.MustFixed("12.5", 18)
	p.GuaranteedUsd = types.MustUSD("300")
	m.UpdatePool(p, 18)
	m.SetOpenPositions(4)
	m.RecordDegraded("ETH", []string{"secondary_stale", "primary_stale"})
	m.RecordEvents(3, nil)
	m.RecordEvents(1, errors.New("down"))

	body := scrape(t, m)
	assert.Contains(t, body, `vault_test_pool_amount{asset="ETH"} 12.5`)
	assert.Contains(t, body, `vault_test_guaranteed_usd{asset="ETH"} 300`)
	assert.Contains(t, body, `vault_test_open_positions 4`)
	assert.Contains(t, body, `vault_test_oracle_degraded_total{asset="ETH",reason="primary_stale"} 1`)
	assert.Contains(t, body, `vault_test_events_published_total 3`)
	assert.Contains(t, body, `vault_test_event_publish_errors_total 1`)
}

func TestVaultMetrics_NilIsNoop(t *testing.T) {
	var m *VaultMetrics
	assert.NotPanics(t, func() {
		m.RecordOperation("swap", "", time.Second)
		m.RecordLiquidation("liquidatable")
		m.RecordPriceUpdate(true)
		m.UpdatePool(types.NewPoolState("ETH"), 18)
	})
}

func TestVaultMetrics_Liquidations(t *testing.T) {
	m := New("vault_test")
	m.RecordLiquidation("liquidatable")
	m.RecordPriceUpdate(false)
	body := scrape(t, m)
	assert.Contains(t, body, `vault_test_liquidations_total{state="liquidatable"} 1`)
	assert.Contains(t, body, `vault_test_price_updates_total{result="rejected"} 1`)
}
