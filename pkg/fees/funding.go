package fees

import (
	"math/big"
	"time"

	"github.com/luxfi/perpvault/pkg/types"
)

// FundingRate records one accrual step of an asset's cumulative funding rate.
type FundingRate struct {
	Asset      types.Asset
	Rate       *big.Int // added to the accumulator, FundingRatePrecision scale
	Cumulative *big.Int
	Intervals  int64
	Timestamp  time.Time
}

// FundingFee is the funding owed by a position of size opened at entryFundingRate.
func (e *Engine) FundingFee(size, entryFundingRate, cumulativeFundingRate *big.Int) *big.Int {
	if types.IsZero(size) {
		return types.Zero()
	}
	rate := new(big.Int).Sub(types.Copy(cumulativeFundingRate), types.Copy(entryFundingRate))
	if rate.Sign() <= 0 {
		return types.Zero()
	}
	return types.MulDiv(size, rate, big.NewInt(types.FundingRatePrecision))
}

// NextFundingRate is the rate that would be added if funding were updated at now.
// It is proportional to utilization (reserved / pool) and the number of whole intervals
// elapsed since the last update.
func (e *Engine) NextFundingRate(pool *types.PoolState, isStable bool, now time.Time) *big.Int {
	intervals := e.elapsedIntervals(pool.LastFundingTime, now)
	if intervals <= 0 || types.IsZero(pool.PoolAmount) {
		return types.Zero()
	}
	factor := e.params.FundingRateFactor
	if isStable {
		factor = e.params.StableFundingRateFactor
	}
	n := new(big.Int).SetUint64(factor)
	n.Mul(n, pool.ReservedAmount)
	n.Mul(n, big.NewInt(intervals))
	return n.Quo(n, pool.PoolAmount)
}

// UpdateCumulativeFundingRate accrues funding on pool in place. The first call only
// aligns the funding clock. It returns the accrual record when the accumulator moved
// forward in time, nil otherwise.
func (e *Engine) UpdateCumulativeFundingRate(pool *types.PoolState, isStable bool, now time.Time) *FundingRate {
	if pool.LastFundingTime.IsZero() {
		pool.LastFundingTime = e.alignDown(now)
		return nil
	}
	intervals := e.elapsedIntervals(pool.LastFundingTime, now)
	if intervals <= 0 {
		return nil
	}

	rate := e.NextFundingRate(pool, isStable, now)
	pool.CumulativeFundingRate = new(big.Int).Add(types.Copy(pool.CumulativeFundingRate), rate)
	pool.LastFundingTime = e.alignDown(now)

	return &FundingRate{
		Asset:      pool.Asset,
		Rate:       rate,
		Cumulative: types.Copy(pool.CumulativeFundingRate),
		Intervals:  intervals,
		Timestamp:  pool.LastFundingTime,
	}
}

func (e *Engine) elapsedIntervals(last, now time.Time) int64 {
	if e.params.FundingInterval <= 0 || last.IsZero() || !now.After(last) {
		return 0
	}
	return int64(now.Sub(last) / e.params.FundingInterval)
}

func (e *Engine) alignDown(t time.Time) time.Time {
	if e.params.FundingInterval <= 0 {
		return t
	}
	return t.Truncate(e.params.FundingInterval)
}
