package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/governance"
	"github.com/luxfi/perpvault/pkg/oracle"
	"github.com/luxfi/perpvault/pkg/types"
)

const sample = `
vault:
  max_leverage: "30"
  manager_mode: true
fees:
  liquidation_fee_usd: "5.5"
  margin_fee_basis_points: 15
oracle:
  mode: primary
  max_deviation_basis_points: 100
  price_duration: 2m
  fast_feed:
    min_update_interval: 1s
    max_cumulative_delta_diffs:
      eth: 1000000
    per_byte_update_fee: "10"
  poller:
    endpoints:
      ETH: http://localhost:9000/eth
  relay:
    url: ws://localhost:9001/ws
assets:
  - symbol: eth
    decimals: 18
    weight: 3000
    min_profit_basis_points: 150
    shortable: true
    max_global_short_size: "1000000"
    buffer_amount: "2.5"
  - symbol: USDC
    decimals: 6
    weight: 7000
    stable: true
    strict_stable: true
    max_usdg_amount: "50000000"
roles:
  liquidator:
    - "0x00000000000000000000000000000000000000aa"
  updater:
    - "0x00000000000000000000000000000000000000bb"
  signer:
    - "0x00000000000000000000000000000000000000bb"
storage:
  engine: badgerdb
  path: /var/lib/perpvault
`

func TestParse_Sample(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	g := c.Governance
	assert.Equal(t, uint64(300000), g.MaxLeverage)
	assert.True(t, g.InManagerMode)
	assert.True(t, g.InPrivateLiquidationMode)
	assert.True(t, g.IsSwapEnabled)
	assert.Equal(t, uint64(10000), g.TotalTokenWeights)
	assert.Equal(t, types.MustUSD("5.5").String(), g.Fees.LiquidationFeeUsd.String())
	assert.Equal(t, uint64(15), g.Fees.MarginFeeBasisPoints)
	assert.Equal(t, uint64(20), g.Fees.MintBurnFeeBasisPoints)
	assert.Equal(t, time.Hour, g.Fees.FundingInterval)

	eth, ok := g.Asset("ETH")
	require.True(t, ok)
	assert.True(t, eth.IsShortable)
	assert.Equal(t, types.MustFixed("2.5", 18).String(), eth.BufferAmount.String())
	assert.Equal(t, types.MustUSD("1000000").String(), eth.MaxGlobalShortSize.String())
	assert.Zero(t, eth.MaxGlobalLongSize.Sign())

	usdc, ok := g.Asset("usdc")
	require.True(t, ok)
	assert.True(t, usdc.IsStrictStable)
	assert.Equal(t, types.MustFixed("50000000", 18).String(), usdc.MaxUsdgAmount.String())

	liquidator := common.HexToAddress("0xaa")
	updater := common.HexToAddress("0xbb")
	assert.True(t, g.Capabilities.Has(liquidator, governance.Liquidator))
	assert.True(t, g.Capabilities.IsUpdater(updater))
	assert.True(t, g.Capabilities.IsSigner(updater))

	assert.Equal(t, oracle.PrimaryOnly, c.Oracle.Mode)
	assert.Equal(t, uint64(100), c.Oracle.MaxDeviationBasisPoints)
	assert.Equal(t, 2*time.Minute, c.Oracle.PriceDuration)
	assert.Equal(t, time.Hour, c.Oracle.MaxPriceUpdateDelay)
	assert.Equal(t, types.MustUSD("0.01").String(), c.Oracle.MaxStrictPriceDeviation.String())

	assert.Equal(t, time.Second, c.FastFeed.MinUpdateInterval)
	assert.Equal(t, uint64(1000000), c.FastFeed.MaxCumulativeDeltaDiffs["ETH"])
	assert.Equal(t, "10", c.FastFeed.PerByteUpdateFee.String())
	assert.Equal(t, "0", c.FastFeed.BaseUpdateFee.String())

	assert.Equal(t, "http://localhost:9000/eth", c.Poller.Endpoints["ETH"])
	assert.Equal(t, 15*time.Second, c.Poller.PollInterval)
	assert.Equal(t, "ws://localhost:9001/ws", c.Relay.URL)
	assert.Equal(t, 30*time.Second, c.Relay.MaxReconnectDelay)

	assert.Equal(t, oracle.AssetPricing{IsStrictStable: true}, c.Pricing["USDC"])
	assert.Equal(t, "badgerdb", c.Storage.Engine)
	assert.Equal(t, "perpvault", c.Storage.Namespace)
	assert.Equal(t, ":8080", c.API.Listen)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(types.DefaultMaxLeverage), c.Governance.MaxLeverage)
	assert.Equal(t, types.MustUSD("2").String(), c.Governance.Fees.LiquidationFeeUsd.String())
	assert.Equal(t, oracle.PrimaryPlusSecondary, c.Oracle.Mode)
	assert.Equal(t, oracle.DefaultConfig().MaxStrictPriceDeviation.String(), c.Oracle.MaxStrictPriceDeviation.String())
	assert.Empty(t, c.Governance.Assets)
	assert.Equal(t, "memdb", c.Storage.Engine)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad leverage":        "vault: {max_leverage: \"0.5\"}",
		"bad mode":            "oracle: {mode: tertiary}",
		"negative fee":        "fees: {liquidation_fee_usd: \"-1\"}",
		"fee too high":        "fees: {swap_fee_basis_points: 501}",
		"short interval":      "fees: {funding_interval: 10m}",
		"unknown role":        "roles: {admin: [\"0x00000000000000000000000000000000000000aa\"]}",
		"bad address":         "roles: {liquidator: [\"nope\"]}",
		"stable shortable":    "assets: [{symbol: USDC, decimals: 6, stable: true, shortable: true}]",
		"strict not stable":   "assets: [{symbol: ETH, decimals: 18, strict_stable: true}]",
		"duplicate asset":     "assets: [{symbol: ETH, decimals: 18}, {symbol: eth, decimals: 18}]",
		"missing symbol":      "assets: [{decimals: 18}]",
		"fractional fee":      "oracle: {fast_feed: {base_update_fee: \"1.5\"}}",
		"spreads too wide":    "oracle: {spread_basis_points_if_inactive: 6000, spread_basis_points_if_chain_error: 5000}",
		"unknown poller":      "oracle: {poller: {endpoints: {BTC: \"http://x\"}}}",
		"unsupported storage": "storage: {engine: leveldb}",
		"malformed yaml":      "vault: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Governance.Assets, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
