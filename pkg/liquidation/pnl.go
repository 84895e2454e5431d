package liquidation

import (
	"math/big"
	"time"

	"github.com/luxfi/perpvault/pkg/types"
)

// DeltaInput is what PnL depends on.
type DeltaInput struct {
	Size                 *big.Int
	AveragePrice         *big.Int
	MarkPrice            *big.Int // min price for longs, max price for shorts
	IsLong               bool
	LastIncreasedTime    time.Time
	Now                  time.Time
	MinProfitBasisPoints uint64
	MinProfitTime        time.Duration
}

// Delta returns the unrealized PnL of a position and whether it is a profit.
// A profit smaller than the asset's min profit threshold is zeroed while the position is
// younger than MinProfitTime, so fresh positions cannot harvest tiny oracle moves.
func Delta(in DeltaInput) (hasProfit bool, delta *big.Int) {
	if types.IsZero(in.AveragePrice) {
		panic(types.Invariant("position without an average price"))
	}
	priceDelta := types.AbsDiff(in.AveragePrice, in.MarkPrice)
	delta = types.MulDiv(in.Size, priceDelta, in.AveragePrice)

	if in.IsLong {
		hasProfit = in.MarkPrice.Cmp(in.AveragePrice) > 0
	} else {
		hasProfit = in.AveragePrice.Cmp(in.MarkPrice) > 0
	}

	minBps := uint64(0)
	if !in.Now.After(in.LastIncreasedTime.Add(in.MinProfitTime)) {
		minBps = in.MinProfitBasisPoints
	}
	if hasProfit && minBps > 0 {
		lhs := new(big.Int).Mul(delta, big.NewInt(types.BasisPointsDivisor))
		rhs := new(big.Int).Mul(in.Size, new(big.Int).SetUint64(minBps))
		if lhs.Cmp(rhs) <= 0 {
			delta = types.Zero()
		}
	}
	return hasProfit, delta
}

// NextAveragePrice blends the entry price of an existing position with a new fill so
// that the unrealized PnL carried into the larger size is unchanged.
func NextAveragePrice(in DeltaInput, sizeDelta *big.Int) *big.Int {
	hasProfit, delta := Delta(in)
	nextSize := new(big.Int).Add(in.Size, sizeDelta)

	divisor := new(big.Int).Set(nextSize)
	if in.IsLong == hasProfit {
		divisor.Add(divisor, delta)
	} else {
		divisor.Sub(divisor, delta)
	}
	if divisor.Sign() <= 0 {
		panic(types.Invariant("non-positive average price divisor"))
	}
	return types.MulDiv(in.MarkPrice, nextSize, divisor)
}

// NextGlobalShortAveragePrice blends the aggregate short entry price with a new short.
func NextGlobalShortAveragePrice(size, averagePrice, nextPrice, sizeDelta *big.Int) *big.Int {
	if types.IsZero(size) || types.IsZero(averagePrice) {
		return types.Copy(nextPrice)
	}
	priceDelta := types.AbsDiff(averagePrice, nextPrice)
	delta := types.MulDiv(size, priceDelta, averagePrice)
	hasProfit := averagePrice.Cmp(nextPrice) > 0

	nextSize := new(big.Int).Add(size, sizeDelta)
	divisor := new(big.Int).Set(nextSize)
	if hasProfit {
		divisor.Sub(divisor, delta)
	} else {
		divisor.Add(divisor, delta)
	}
	if divisor.Sign() <= 0 {
		panic(types.Invariant("non-positive global short divisor"))
	}
	return types.MulDiv(nextPrice, nextSize, divisor)
}

// GlobalShortDelta is the aggregate PnL of all shorts on an asset at price, from the
// traders' point of view.
func GlobalShortDelta(size, averagePrice, price *big.Int) (hasProfit bool, delta *big.Int) {
	if types.IsZero(size) || types.IsZero(averagePrice) {
		return false, types.Zero()
	}
	priceDelta := types.AbsDiff(averagePrice, price)
	return averagePrice.Cmp(price) > 0, types.MulDiv(size, priceDelta, averagePrice)
}
