package fees

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/types"
)

func usdg(n int64) *big.Int { return types.ExpandDecimals(n, types.USDGDecimals) }

func TestEngine_PositionAndFundingFees(t *testing.T) {
	e := NewEngine(DefaultParams())

	assert.Equal(t, types.MustUSD("1").String(), e.PositionFee(types.MustUSD("1000")).String())
	assert.Equal(t, "0", e.PositionFee(types.Zero()).String())

	fee := e.FundingFee(types.MustUSD("1000"), big.NewInt(100), big.NewInt(600))
	assert.Equal(t, types.MustUSD("0.5").String(), fee.String())
	assert.Equal(t, "0", e.FundingFee(types.MustUSD("1000"), big.NewInt(600), big.NewInt(100)).String())

	total := e.MarginFees(types.MustUSD("1000"), types.MustUSD("1000"), big.NewInt(100), big.NewInt(600))
	assert.Equal(t, types.MustUSD("1.5").String(), total.String())
}

func TestEngine_FeeBasisPoints(t *testing.T) {
	e := NewEngine(DefaultParams())
	b := Balance{UsdgAmount: usdg(100), Weight: 1}
	w := Weights{TotalWeights: 2, UsdgSupply: usdg(400)}
	assert.Equal(t, usdg(200).String(), TargetUsdgAmount(b, w).String())

	tests := []struct {
		name      string
		delta     int64
		increment bool
		want      uint64
	}{
		{"towards target", 50, true, 15},
		{"past target", 300, true, 27},
		{"away from target", 50, false, 26},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.FeeBasisPoints(b, w, usdg(tt.delta), 20, 10, tt.increment))
		})
	}

	empty := Weights{TotalWeights: 2, UsdgSupply: types.Zero()}
	assert.Equal(t, uint64(20), e.FeeBasisPoints(b, empty, usdg(50), 20, 10, true))

	params := DefaultParams()
	params.HasDynamicFees = false
	flat := NewEngine(params)
	assert.Equal(t, uint64(20), flat.BuyUsdgFeeBasisPoints(b, w, usdg(300)))
	assert.Equal(t, uint64(20), flat.SwapFeeBasisPoints(b, b, w, usdg(1)))
	stable := Balance{UsdgAmount: usdg(100), Weight: 1, IsStable: true}
	assert.Equal(t, uint64(1), flat.SwapFeeBasisPoints(stable, stable, w, usdg(1)))
}

func TestAfterFee(t *testing.T) {
	after, fee := AfterFee(big.NewInt(1000), 20)
	assert.Equal(t, "998", after.String())
	assert.Equal(t, "2", fee.String())

	after, fee = AfterFee(big.NewInt(1000), types.BasisPointsDivisor)
	assert.Equal(t, "0", after.String())
	assert.Equal(t, "1000", fee.String())
}

func TestEngine_UpdateCumulativeFundingRate(t *testing.T) {
	params := DefaultParams()
	params.StableFundingRateFactor = 50
	e := NewEngine(params)
	start := time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)

	pool := types.NewPoolState("ETH")
	pool.PoolAmount = big.NewInt(1000)
	pool.ReservedAmount = big.NewInt(100)

	require.Nil(t, e.UpdateCumulativeFundingRate(pool, false, start))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), pool.LastFundingTime)

	assert.Nil(t, e.UpdateCumulativeFundingRate(pool, false, start.Add(30*time.Minute)))

	rate := e.UpdateCumulativeFundingRate(pool, false, start.Add(2*time.Hour))
	require.NotNil(t, rate)
	assert.Equal(t, int64(2), rate.Intervals)
	assert.Equal(t, "20", rate.Rate.String())
	assert.Equal(t, "20", pool.CumulativeFundingRate.String())

	stable := e.NextFundingRate(pool, true, start.Add(4*time.Hour))
	assert.Equal(t, "10", stable.String())

	pool.PoolAmount = types.Zero()
	rate = e.UpdateCumulativeFundingRate(pool, false, start.Add(5*time.Hour))
	require.NotNil(t, rate)
	assert.Equal(t, "0", rate.Rate.String())
	assert.Equal(t, "20", rate.Cumulative.String())
}

func TestParams_CloneIsDeep(t *testing.T) {
	p := DefaultParams()
	c := p.Clone()
	c.LiquidationFeeUsd.SetInt64(1)
	assert.Equal(t, types.MustUSD("2").String(), p.LiquidationFeeUsd.String())
}
