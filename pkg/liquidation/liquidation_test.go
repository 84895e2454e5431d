package liquidation

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/fees"
	"github.com/luxfi/perpvault/pkg/types"
)

var (
	usd   = types.MustUSD
	epoch = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func TestDelta(t *testing.T) {
	in := DeltaInput{
		Size:              usd("1000"),
		AveragePrice:      usd("10"),
		MarkPrice:         usd("12"),
		IsLong:            true,
		LastIncreasedTime: epoch,
		Now:               epoch.Add(48 * time.Hour),
		MinProfitTime:     24 * time.Hour,
	}
	hasProfit, delta := Delta(in)
	assert.True(t, hasProfit)
	assert.Equal(t, usd("200").String(), delta.String())

	in.IsLong = false
	hasProfit, delta = Delta(in)
	assert.False(t, hasProfit)
	assert.Equal(t, usd("200").String(), delta.String())
}

func TestDelta_MinProfitWindow(t *testing.T) {
	in := DeltaInput{
		Size:                 usd("1000"),
		AveragePrice:         usd("10"),
		MarkPrice:            usd("10.1"),
		IsLong:               true,
		LastIncreasedTime:    epoch,
		Now:                  epoch.Add(time.Hour),
		MinProfitBasisPoints: 150,
		MinProfitTime:        24 * time.Hour,
	}
	hasProfit, delta := Delta(in)
	assert.True(t, hasProfit)
	assert.Equal(t, "0", delta.String())

	in.Now = epoch.Add(25 * time.Hour)
	_, delta = Delta(in)
	assert.Equal(t, usd("10").String(), delta.String())
}

func TestDelta_PanicsWithoutAveragePrice(t *testing.T) {
	assert.Panics(t, func() {
		Delta(DeltaInput{Size: usd("1"), AveragePrice: types.Zero(), MarkPrice: usd("1")})
	})
}

func TestNextAveragePrice(t *testing.T) {
	in := DeltaInput{
		Size:         usd("1000"),
		AveragePrice: usd("10"),
		MarkPrice:    usd("12"),
		IsLong:       true,
		Now:          epoch.Add(48 * time.Hour),
	}
	assert.Equal(t, usd("11").String(), NextAveragePrice(in, usd("1200")).String())
}

func TestNextGlobalShortAveragePrice(t *testing.T) {
	assert.Equal(t, usd("8").String(),
		NextGlobalShortAveragePrice(types.Zero(), types.Zero(), usd("8"), usd("100")).String())
	assert.Equal(t, usd("9").String(),
		NextGlobalShortAveragePrice(usd("1000"), usd("10"), usd("8"), usd("800")).String())

	hasProfit, delta := GlobalShortDelta(usd("1000"), usd("10"), usd("8"))
	assert.True(t, hasProfit)
	assert.Equal(t, usd("200").String(), delta.String())
}

func position() *types.Position {
	pos := types.NewPosition(types.PositionKey{
		Account:         common.HexToAddress("0x01"),
		CollateralAsset: "ETH",
		IndexAsset:      "ETH",
		IsLong:          true,
	})
	pos.Size = usd("1000")
	pos.Collateral = usd("100")
	pos.AveragePrice = usd("10")
	pos.LastIncreasedTime = epoch
	return pos
}

func evaluator(maxLeverage uint64) *Evaluator {
	params := fees.DefaultParams()
	params.LiquidationFeeUsd = usd("5")
	return NewEvaluator(fees.NewEngine(params), maxLeverage)
}

func TestEvaluator_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mark        string
		maxLeverage uint64
		state       State
		err         error
		remaining   string
	}{
		{"healthy", "10", 0, Healthy, nil, "99"},
		{"losses exceed collateral", "8.9", 0, Liquidatable, ErrLossesExceedCollateral, "-11"},
		{"fees exceed collateral", "9", 0, Liquidatable, ErrFeesExceedCollateral, "-1"},
		{"below liquidation fee", "9.05", 0, Liquidatable, ErrLiquidationFeesExceedCollateral, "4"},
		{"over max leverage", "9.5", 100000, ExceedsMaxLeverage, ErrMaxLeverageExceeded, "49"},
		{"within max leverage", "9.5", 0, Healthy, nil, "49"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos := position()
			in := Inputs{
				Position:              pos,
				MarkPrice:             usd(tt.mark),
				CumulativeFundingRate: types.Zero(),
				Now:                   epoch.Add(48 * time.Hour),
			}
			e := evaluator(tt.maxLeverage)

			res, err := e.Validate(in, false)
			require.NoError(t, err)
			assert.Equal(t, tt.state, res.State)
			assert.Equal(t, usd(tt.remaining).String(), res.RemainingMargin.String())

			_, err = e.Validate(in, true)
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
			assert.Equal(t, usd("100").String(), pos.Collateral.String())
		})
	}
}

func TestEvaluator_IncludesFunding(t *testing.T) {
	res, err := evaluator(0).Validate(Inputs{
		Position:              position(),
		MarkPrice:             usd("10"),
		CumulativeFundingRate: big.NewInt(1000),
		Now:                   epoch.Add(48 * time.Hour),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, usd("2").String(), res.MarginFees.String())
	assert.Equal(t, usd("98").String(), res.RemainingMargin.String())
}

func TestEvaluator_EmptyPosition(t *testing.T) {
	_, err := evaluator(0).Validate(Inputs{Position: types.NewPosition(types.PositionKey{})}, false)
	assert.ErrorIs(t, err, ErrEmptyPosition)
	assert.Equal(t, "exceeds_max_leverage", ExceedsMaxLeverage.String())
}
