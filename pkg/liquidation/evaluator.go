// Package liquidation classifies the margin health of a position. Everything here is
// read-only: the ledger decides what to do with the verdict.
package liquidation

import (
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/perpvault/pkg/fees"
	"github.com/luxfi/perpvault/pkg/types"
)

// State is the health classification of a position.
type State int

const (
	Healthy State = iota
	Liquidatable
	ExceedsMaxLeverage
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Liquidatable:
		return "liquidatable"
	case ExceedsMaxLeverage:
		return "exceeds_max_leverage"
	default:
		return "unknown"
	}
}

var (
	ErrLossesExceedCollateral          = types.Validation("losses_exceed_collateral", "losses exceed collateral")
	ErrFeesExceedCollateral            = types.Validation("fees_exceed_collateral", "fees exceed collateral")
	ErrLiquidationFeesExceedCollateral = types.Validation("liquidation_fees_exceed_collateral", "liquidation fees exceed collateral")
	ErrMaxLeverageExceeded             = types.Validation("max_leverage_exceeded", "max leverage exceeded")
	ErrEmptyPosition                   = types.Validation("empty_position", "position does not exist")
)

// Inputs is the position and market context of one evaluation.
type Inputs struct {
	Position              *types.Position
	MarkPrice             *big.Int // min price for longs, max price for shorts
	CumulativeFundingRate *big.Int // of the collateral asset
	MinProfitBasisPoints  uint64   // of the index asset
	Now                   time.Time
}

// Result is the verdict of an evaluation.
type Result struct {
	State           State
	MarginFees      *big.Int // funding fee + position fee to close the full size
	HasProfit       bool
	Delta           *big.Int
	RemainingMargin *big.Int // signed
}

// Evaluator checks margin health against the fee schedule and leverage cap.
type Evaluator struct {
	fees        *fees.Engine
	maxLeverage uint64
}

// NewEvaluator creates an evaluator. maxLeverage is in basis points (500000 = 50x).
func NewEvaluator(engine *fees.Engine, maxLeverage uint64) *Evaluator {
	if maxLeverage == 0 {
		maxLeverage = types.DefaultMaxLeverage
	}
	return &Evaluator{fees: engine, maxLeverage: maxLeverage}
}

// MaxLeverage returns the leverage cap in basis points.
func (e *Evaluator) MaxLeverage() uint64 { return e.maxLeverage }

// Validate classifies in.Position. It never mutates its inputs. With shouldRaise set a
// non-healthy verdict is returned as an error describing the breach, so enforcing callers
// and read-only health checks share one implementation.
func (e *Evaluator) Validate(in Inputs, shouldRaise bool) (*Result, error) {
	pos := in.Position
	if pos.IsEmpty() {
		return nil, ErrEmptyPosition
	}
	params := e.fees.Params()

	hasProfit, delta := Delta(DeltaInput{
		Size:                 pos.Size,
		AveragePrice:         pos.AveragePrice,
		MarkPrice:            in.MarkPrice,
		IsLong:               pos.Key.IsLong,
		LastIncreasedTime:    pos.LastIncreasedTime,
		Now:                  in.Now,
		MinProfitBasisPoints: in.MinProfitBasisPoints,
		MinProfitTime:        params.MinProfitTime,
	})

	marginFees := e.fees.FundingFee(pos.Size, pos.EntryFundingRate, in.CumulativeFundingRate)
	marginFees.Add(marginFees, e.fees.PositionFee(pos.Size))

	remaining := types.Copy(pos.Collateral)
	if hasProfit {
		remaining.Add(remaining, delta)
	} else {
		remaining.Sub(remaining, delta)
	}
	beforeFees := types.Copy(remaining)
	remaining.Sub(remaining, marginFees)

	res := &Result{
		State:           Healthy,
		MarginFees:      marginFees,
		HasProfit:       hasProfit,
		Delta:           delta,
		RemainingMargin: remaining,
	}

	liquidationFee := types.Copy(params.LiquidationFeeUsd)
	switch {
	case beforeFees.Sign() < 0:
		res.State = Liquidatable
		return res, raise(shouldRaise, ErrLossesExceedCollateral, pos)
	case remaining.Sign() <= 0:
		res.State = Liquidatable
		return res, raise(shouldRaise, ErrFeesExceedCollateral, pos)
	case remaining.Cmp(liquidationFee) < 0:
		res.State = Liquidatable
		return res, raise(shouldRaise, ErrLiquidationFeesExceedCollateral, pos)
	}

	lhs := new(big.Int).Mul(remaining, new(big.Int).SetUint64(e.maxLeverage))
	rhs := new(big.Int).Mul(pos.Size, big.NewInt(types.BasisPointsDivisor))
	if lhs.Cmp(rhs) < 0 {
		res.State = ExceedsMaxLeverage
		return res, raise(shouldRaise, ErrMaxLeverageExceeded, pos)
	}
	return res, nil
}

func raise(shouldRaise bool, err error, pos *types.Position) error {
	if !shouldRaise {
		return nil
	}
	return fmt.Errorf("%w: %s size=%s collateral=%s", err, pos.Key, types.FormatUSD(pos.Size), types.FormatUSD(pos.Collateral))
}
