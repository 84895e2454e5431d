// Package fees computes margin, swap, mint and burn fees and accrues per-asset funding.
// Every function is a pure computation over the state handed in; the ledger owns the
// state and decides whether a fee can be afforded.
package fees

import (
	"math/big"
	"time"

	"github.com/luxfi/perpvault/pkg/types"
)

// Params holds the fee and funding configuration.
type Params struct {
	TaxBasisPoints           uint64
	StableTaxBasisPoints     uint64
	MintBurnFeeBasisPoints   uint64
	SwapFeeBasisPoints       uint64
	StableSwapFeeBasisPoints uint64
	MarginFeeBasisPoints     uint64

	LiquidationFeeUsd *big.Int
	MinProfitTime     time.Duration
	HasDynamicFees    bool

	FundingInterval         time.Duration
	FundingRateFactor       uint64
	StableFundingRateFactor uint64
}

// DefaultParams mirrors the production deployment values.
func DefaultParams() Params {
	return Params{
		TaxBasisPoints:           10,
		StableTaxBasisPoints:     5,
		MintBurnFeeBasisPoints:   20,
		SwapFeeBasisPoints:       20,
		StableSwapFeeBasisPoints: 1,
		MarginFeeBasisPoints:     10,
		LiquidationFeeUsd:        types.ExpandDecimals(2, types.PriceDecimals),
		MinProfitTime:            24 * time.Hour,
		HasDynamicFees:           true,
		FundingInterval:          time.Hour,
		FundingRateFactor:        100,
		StableFundingRateFactor:  100,
	}
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	p.LiquidationFeeUsd = types.Copy(p.LiquidationFeeUsd)
	return p
}

// Engine evaluates fees against a parameter set.
type Engine struct {
	params Params
}

// NewEngine creates an engine for params.
func NewEngine(params Params) *Engine {
	return &Engine{params: params.Clone()}
}

// Params returns the parameters in use.
func (e *Engine) Params() Params {
	return e.params.Clone()
}

// PositionFee is the margin fee charged on a size change.
func (e *Engine) PositionFee(sizeDelta *big.Int) *big.Int {
	if types.IsZero(sizeDelta) {
		return types.Zero()
	}
	return types.ApplyBasisPoints(sizeDelta, e.params.MarginFeeBasisPoints)
}

// MarginFees is the position fee on sizeDelta plus the funding owed on the existing size.
func (e *Engine) MarginFees(sizeDelta, size, entryFundingRate, cumulativeFundingRate *big.Int) *big.Int {
	fee := e.PositionFee(sizeDelta)
	return fee.Add(fee, e.FundingFee(size, entryFundingRate, cumulativeFundingRate))
}

// Pool weight inputs for the dynamic fee.
type Balance struct {
	UsdgAmount *big.Int
	Weight     uint64
	IsStable   bool
}

// Weights describes the whole basket.
type Weights struct {
	TotalWeights uint64
	UsdgSupply   *big.Int
}

// TargetUsdgAmount is the synthetic debt an asset would carry at its target weight.
func TargetUsdgAmount(b Balance, w Weights) *big.Int {
	if types.IsZero(w.UsdgSupply) || w.TotalWeights == 0 {
		return types.Zero()
	}
	return types.MulDiv(new(big.Int).SetUint64(b.Weight), w.UsdgSupply, new(big.Int).SetUint64(w.TotalWeights))
}

// FeeBasisPoints applies the tax adjustment: a change moving the asset towards its target
// weight is rebated down to zero, a change moving it away is taxed proportionally to the
// average distance from target.
func (e *Engine) FeeBasisPoints(b Balance, w Weights, usdgDelta *big.Int, feeBps, taxBps uint64, increment bool) uint64 {
	if !e.params.HasDynamicFees {
		return feeBps
	}

	initial := types.Copy(b.UsdgAmount)
	next := new(big.Int)
	if increment {
		next.Add(initial, usdgDelta)
	} else if usdgDelta.Cmp(initial) < 0 {
		next.Sub(initial, usdgDelta)
	}

	target := TargetUsdgAmount(b, w)
	if target.Sign() == 0 {
		return feeBps
	}

	initialDiff := types.AbsDiff(initial, target)
	nextDiff := types.AbsDiff(next, target)
	tax := new(big.Int).SetUint64(taxBps)

	if nextDiff.Cmp(initialDiff) < 0 {
		rebate := types.MulDiv(tax, initialDiff, target).Uint64()
		if rebate > feeBps {
			return 0
		}
		return feeBps - rebate
	}

	averageDiff := new(big.Int).Add(initialDiff, nextDiff)
	averageDiff.Quo(averageDiff, big.NewInt(2))
	if averageDiff.Cmp(target) > 0 {
		averageDiff = target
	}
	return feeBps + types.MulDiv(tax, averageDiff, target).Uint64()
}

// BuyUsdgFeeBasisPoints is the mint fee for depositing into an asset pool.
func (e *Engine) BuyUsdgFeeBasisPoints(b Balance, w Weights, usdgAmount *big.Int) uint64 {
	return e.FeeBasisPoints(b, w, usdgAmount, e.params.MintBurnFeeBasisPoints, e.params.TaxBasisPoints, true)
}

// SellUsdgFeeBasisPoints is the burn fee for withdrawing from an asset pool.
func (e *Engine) SellUsdgFeeBasisPoints(b Balance, w Weights, usdgAmount *big.Int) uint64 {
	return e.FeeBasisPoints(b, w, usdgAmount, e.params.MintBurnFeeBasisPoints, e.params.TaxBasisPoints, false)
}

// SwapFeeBasisPoints prices both legs and charges the more expensive one.
func (e *Engine) SwapFeeBasisPoints(in, out Balance, w Weights, usdgAmount *big.Int) uint64 {
	stableSwap := in.IsStable && out.IsStable
	base, tax := e.params.SwapFeeBasisPoints, e.params.TaxBasisPoints
	if stableSwap {
		base, tax = e.params.StableSwapFeeBasisPoints, e.params.StableTaxBasisPoints
	}
	bps0 := e.FeeBasisPoints(in, w, usdgAmount, base, tax, true)
	bps1 := e.FeeBasisPoints(out, w, usdgAmount, base, tax, false)
	if bps0 > bps1 {
		return bps0
	}
	return bps1
}

// SwapFee returns the USD fee for swapping amountUsd from in to out.
func (e *Engine) SwapFee(in, out Balance, w Weights, amountUsd *big.Int) *big.Int {
	usdg := types.AdjustForDecimals(amountUsd, types.PriceDecimals, types.USDGDecimals)
	return types.ApplyBasisPoints(amountUsd, e.SwapFeeBasisPoints(in, out, w, usdg))
}

// AfterFee returns amount less bps and the fee itself.
func AfterFee(amount *big.Int, bps uint64) (afterFee, fee *big.Int) {
	if bps >= types.BasisPointsDivisor {
		return types.Zero(), types.Copy(amount)
	}
	afterFee = types.MulDiv(amount, new(big.Int).SetUint64(types.BasisPointsDivisor-bps), big.NewInt(types.BasisPointsDivisor))
	fee = new(big.Int).Sub(amount, afterFee)
	return afterFee, fee
}
