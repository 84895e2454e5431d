package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perpvault/pkg/events"
	"github.com/luxfi/perpvault/pkg/liquidation"
	"github.com/luxfi/perpvault/pkg/types"
)

// IncreaseRequest opens or grows a position. CollateralIn is pulled from Account with
// the operation; tokens sent to the vault beforehand are picked up as well.
type IncreaseRequest struct {
	Account         common.Address
	CollateralAsset types.Asset
	IndexAsset      types.Asset
	CollateralIn    *big.Int
	SizeDelta       *big.Int
	IsLong          bool
}

// DecreaseRequest shrinks or closes a position and pays Receiver.
type DecreaseRequest struct {
	Account         common.Address
	CollateralAsset types.Asset
	IndexAsset      types.Asset
	CollateralDelta *big.Int
	SizeDelta       *big.Int
	IsLong          bool
	Receiver        common.Address
}

// LiquidateRequest closes an unhealthy position.
type LiquidateRequest struct {
	Account         common.Address
	CollateralAsset types.Asset
	IndexAsset      types.Asset
	IsLong          bool
	FeeReceiver     common.Address
}

func positionKey(account common.Address, collateral, index types.Asset, isLong bool) types.PositionKey {
	return types.PositionKey{
		Account:         account,
		CollateralAsset: collateral.Normalize(),
		IndexAsset:      index.Normalize(),
		IsLong:          isLong,
	}
}

// Key returns the position key of the request.
func (r IncreaseRequest) Key() types.PositionKey {
	return positionKey(r.Account, r.CollateralAsset, r.IndexAsset, r.IsLong)
}

func (r DecreaseRequest) Key() types.PositionKey {
	return positionKey(r.Account, r.CollateralAsset, r.IndexAsset, r.IsLong)
}

func (r LiquidateRequest) Key() types.PositionKey {
	return positionKey(r.Account, r.CollateralAsset, r.IndexAsset, r.IsLong)
}

func (t *txn) validateAssets(collateral, index types.Asset, isLong bool) error {
	cc, err := t.asset(collateral)
	if err != nil {
		return err
	}
	ic, err := t.asset(index)
	if err != nil {
		return err
	}
	if isLong {
		if collateral != index {
			return ErrCollateralMustMatchIndex
		}
		if cc.IsStable {
			return ErrStableLongCollateral
		}
		return nil
	}
	if !cc.IsStable {
		return ErrStableShortCollateral
	}
	if ic.IsStable {
		return ErrStableIndex
	}
	if !ic.IsShortable {
		return ErrNotShortable
	}
	return nil
}

// markPrice is the price that realizes PnL against the trader.
func (t *txn) markPrice(index types.Asset, isLong bool) *big.Int {
	if isLong {
		return t.minPrice(index)
	}
	return t.maxPrice(index)
}

func (t *txn) deltaInput(pos *types.Position, markPrice *big.Int) liquidation.DeltaInput {
	return liquidation.DeltaInput{
		Size:                 pos.Size,
		AveragePrice:         pos.AveragePrice,
		MarkPrice:            markPrice,
		IsLong:               pos.Key.IsLong,
		LastIncreasedTime:    pos.LastIncreasedTime,
		Now:                  t.env.Now,
		MinProfitBasisPoints: t.mustAsset(pos.Key.IndexAsset).MinProfitBasisPoints,
		MinProfitTime:        t.env.Gov.Fees.MinProfitTime,
	}
}

func (t *txn) validateLiquidation(pos *types.Position, shouldRaise bool) (*liquidation.Result, error) {
	return t.eval.Validate(liquidation.Inputs{
		Position:              pos,
		MarkPrice:             t.markPrice(pos.Key.IndexAsset, pos.Key.IsLong),
		CumulativeFundingRate: t.pool(pos.Key.CollateralAsset).CumulativeFundingRate,
		MinProfitBasisPoints:  t.mustAsset(pos.Key.IndexAsset).MinProfitBasisPoints,
		Now:                   t.env.Now,
	}, shouldRaise)
}

func validatePosition(size, collateral *big.Int) error {
	if size.Sign() == 0 {
		if collateral.Sign() != 0 {
			return ErrSizeBelowCollateral
		}
		return nil
	}
	if size.Cmp(collateral) < 0 {
		return ErrSizeBelowCollateral
	}
	return nil
}

// collectMarginFees books the position fee on sizeDelta and the funding owed on size
// into the collateral asset's fee reserve and returns the fee in USD.
func (t *txn) collectMarginFees(collateral types.Asset, sizeDelta, size, entryFundingRate *big.Int) (feeUsd, feeTokens *big.Int) {
	feeUsd = t.fees.MarginFees(sizeDelta, size, entryFundingRate, t.pool(collateral).CumulativeFundingRate)
	feeTokens = t.usdToTokenMin(collateral, feeUsd)
	p := t.pool(collateral)
	p.FeeReserve.Add(p.FeeReserve, feeTokens)
	return feeUsd, feeTokens
}

// IncreasePosition opens or grows a leveraged position.
func (l *Ledger) IncreasePosition(ctx context.Context, env *Env, req IncreaseRequest) (*Receipt, error) {
	key := req.Key()
	collateral, index := key.CollateralAsset, key.IndexAsset
	if req.SizeDelta == nil || req.SizeDelta.Sign() < 0 {
		return nil, types.ErrInvalidAmount
	}

	unlock := l.lock(collateral, index)
	defer unlock()

	t := l.begin(env)
	if !env.Gov.IsLeverageEnabled {
		return nil, ErrLeverageDisabled
	}
	if err := t.validateAssets(collateral, index, req.IsLong); err != nil {
		return nil, err
	}
	if err := t.requirePrices(collateral, index); err != nil {
		return nil, err
	}
	if err := t.pull(collateral, req.Account, req.CollateralIn); err != nil {
		return nil, err
	}
	t.updateFunding(collateral)

	pos := t.position(key)
	price := t.maxPrice(index)
	if !req.IsLong {
		price = t.minPrice(index)
	}
	if pos.Size.Sign() == 0 {
		pos.AveragePrice = types.Copy(price)
	}
	if pos.Size.Sign() > 0 && req.SizeDelta.Sign() > 0 {
		pos.AveragePrice = liquidation.NextAveragePrice(t.deltaInput(pos, price), req.SizeDelta)
	}

	feeUsd, feeTokens := t.collectMarginFees(collateral, req.SizeDelta, pos.Size, pos.EntryFundingRate)
	collateralDelta := t.transferIn(collateral)
	collateralDeltaUsd := t.tokenToUsdMin(collateral, collateralDelta)

	pos.Collateral.Add(pos.Collateral, collateralDeltaUsd)
	if pos.Collateral.Cmp(feeUsd) < 0 {
		return nil, ErrInsufficientCollateral
	}
	pos.Collateral.Sub(pos.Collateral, feeUsd)
	if pos.Collateral.Sign() == 0 {
		return nil, ErrInsufficientCollateral
	}
	pos.EntryFundingRate = types.Copy(t.pool(collateral).CumulativeFundingRate)
	pos.Size.Add(pos.Size, req.SizeDelta)
	pos.LastIncreasedTime = env.Now

	if pos.Size.Sign() <= 0 {
		return nil, ErrInvalidPositionSize
	}
	if err := validatePosition(pos.Size, pos.Collateral); err != nil {
		return nil, err
	}
	if _, err := t.validateLiquidation(pos, true); err != nil {
		return nil, err
	}

	// Both sides reserve the size in collateral tokens, which bounds the profit a
	// close can pay out of the pool.
	reserveDelta := t.usdToTokenMax(collateral, req.SizeDelta)
	pos.ReserveAmount.Add(pos.ReserveAmount, reserveDelta)
	if err := t.increaseReservedAmount(collateral, reserveDelta); err != nil {
		return nil, err
	}

	if req.IsLong {
		t.increaseGuaranteedUsd(collateral, new(big.Int).Add(req.SizeDelta, feeUsd))
		t.decreaseGuaranteedUsd(collateral, collateralDeltaUsd)
		t.increasePoolAmount(collateral, collateralDelta)
		if err := t.decreasePoolAmount(collateral, feeTokens); err != nil {
			return nil, err
		}
		if err := t.increaseGlobalLongSize(index, req.SizeDelta); err != nil {
			return nil, err
		}
	} else {
		ip := t.pool(index)
		if ip.GlobalShortSize.Sign() == 0 {
			ip.GlobalShortAveragePrice = types.Copy(price)
		} else {
			ip.GlobalShortAveragePrice = liquidation.NextGlobalShortAveragePrice(ip.GlobalShortSize, ip.GlobalShortAveragePrice, price, req.SizeDelta)
		}
		if err := t.increaseGlobalShortSize(index, req.SizeDelta); err != nil {
			return nil, err
		}
	}

	t.emit(events.New(events.KindIncreasePosition, env.Now, key.String()).
		With("collateralDelta", collateralDeltaUsd).
		With("sizeDelta", req.SizeDelta).
		With("price", price).
		With("fee", feeUsd))
	t.emit(positionEvent(events.KindUpdatePosition, env, pos, price))

	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return &Receipt{
		FeeUsd:    feeUsd,
		FeeAmount: feeTokens,
		Position:  pos.Clone(),
		Events:    t.events,
	}, nil
}

func positionEvent(kind events.Kind, env *Env, pos *types.Position, markPrice *big.Int) events.Event {
	return events.New(kind, env.Now, pos.Key.String()).
		With("size", pos.Size).
		With("collateral", pos.Collateral).
		With("averagePrice", pos.AveragePrice).
		With("entryFundingRate", pos.EntryFundingRate).
		With("reserveAmount", pos.ReserveAmount).
		With("realisedPnl", pos.RealisedPnl).
		With("markPrice", markPrice)
}

// DecreasePosition shrinks or closes a position, paying collateral and profit out of
// the pool.
func (l *Ledger) DecreasePosition(ctx context.Context, env *Env, req DecreaseRequest) (*Receipt, error) {
	key := req.Key()
	if req.SizeDelta == nil || req.SizeDelta.Sign() < 0 {
		return nil, types.ErrInvalidAmount
	}
	if req.CollateralDelta == nil {
		req.CollateralDelta = types.Zero()
	}
	if req.CollateralDelta.Sign() < 0 {
		return nil, types.ErrInvalidAmount
	}

	unlock := l.lock(key.CollateralAsset, key.IndexAsset)
	defer unlock()

	t := l.begin(env)
	t.strict = true
	if err := t.validateAssets(key.CollateralAsset, key.IndexAsset, key.IsLong); err != nil {
		return nil, err
	}
	if err := t.requirePrices(key.CollateralAsset, key.IndexAsset); err != nil {
		return nil, err
	}
	rec, err := t.decrease(key, req.CollateralDelta, req.SizeDelta, req.Receiver)
	if err != nil {
		return nil, err
	}
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	rec.Events = t.events
	return rec, nil
}

func (t *txn) decrease(key types.PositionKey, collateralDelta, sizeDelta *big.Int, receiver common.Address) (*Receipt, error) {
	collateral, index := key.CollateralAsset, key.IndexAsset
	t.updateFunding(collateral)

	pos := t.position(key)
	if pos.IsEmpty() {
		return nil, ErrPositionNotFound
	}
	if sizeDelta.Cmp(pos.Size) > 0 {
		return nil, ErrSizeExceeded
	}
	if collateralDelta.Cmp(pos.Collateral) > 0 {
		return nil, ErrCollateralExceeded
	}

	collateralBefore := types.Copy(pos.Collateral)
	reserveDelta := types.MulDiv(pos.ReserveAmount, sizeDelta, pos.Size)
	pos.ReserveAmount.Sub(pos.ReserveAmount, reserveDelta)
	t.decreaseReservedAmount(collateral, reserveDelta)

	usdOut, usdOutAfterFee, feeUsd, err := t.reduceCollateral(pos, collateralDelta, sizeDelta)
	if err != nil {
		return nil, err
	}

	markPrice := t.markPrice(index, key.IsLong)
	var remaining *types.Position
	if pos.Size.Cmp(sizeDelta) != 0 {
		pos.EntryFundingRate = types.Copy(t.pool(collateral).CumulativeFundingRate)
		pos.Size.Sub(pos.Size, sizeDelta)
		if err := validatePosition(pos.Size, pos.Collateral); err != nil {
			return nil, err
		}
		if pos.Collateral.Sign() <= 0 {
			return nil, ErrInsufficientCollateral
		}
		if _, err := t.validateLiquidation(pos, true); err != nil {
			return nil, err
		}
		if key.IsLong {
			t.increaseGuaranteedUsd(collateral, new(big.Int).Sub(collateralBefore, pos.Collateral))
			t.decreaseGuaranteedUsd(collateral, sizeDelta)
		}
		remaining = pos.Clone()
		t.emit(events.New(events.KindDecreasePosition, t.env.Now, key.String()).
			With("collateralDelta", collateralDelta).
			With("sizeDelta", sizeDelta).
			With("price", markPrice).
			With("fee", feeUsd))
		t.emit(positionEvent(events.KindUpdatePosition, t.env, pos, markPrice))
	} else {
		if key.IsLong {
			t.increaseGuaranteedUsd(collateral, collateralBefore)
			t.decreaseGuaranteedUsd(collateral, sizeDelta)
		}
		t.emit(events.New(events.KindDecreasePosition, t.env.Now, key.String()).
			With("collateralDelta", collateralDelta).
			With("sizeDelta", sizeDelta).
			With("price", markPrice).
			With("fee", feeUsd))
		t.emit(positionEvent(events.KindClosePosition, t.env, pos, markPrice))
		t.deletePosition(key)
	}

	if key.IsLong {
		t.decreaseGlobalLongSize(index, sizeDelta)
	} else {
		t.decreaseGlobalShortSize(index, sizeDelta)
	}

	amountOut := types.Zero()
	if usdOut.Sign() > 0 {
		if key.IsLong {
			if err := t.decreasePoolAmount(collateral, t.usdToTokenMin(collateral, usdOut)); err != nil {
				return nil, err
			}
		}
		amountOut = t.usdToTokenMin(collateral, usdOutAfterFee)
		t.transferOut(collateral, amountOut, receiver)
	}
	return &Receipt{AmountOut: amountOut, FeeUsd: feeUsd, Position: remaining}, nil
}

// reduceCollateral realizes PnL on sizeDelta, releases collateralDelta and charges the
// margin fee. It returns the USD owed to the receiver before and after the fee.
func (t *txn) reduceCollateral(pos *types.Position, collateralDelta, sizeDelta *big.Int) (usdOut, usdOutAfterFee, feeUsd *big.Int, err error) {
	collateral := pos.Key.CollateralAsset
	feeUsd, _ = t.collectMarginFees(collateral, sizeDelta, pos.Size, pos.EntryFundingRate)

	hasProfit, delta := liquidation.Delta(t.deltaInput(pos, t.markPrice(pos.Key.IndexAsset, pos.Key.IsLong)))
	adjustedDelta := types.MulDiv(sizeDelta, delta, pos.Size)

	usdOut = types.Zero()
	if adjustedDelta.Sign() > 0 {
		if hasProfit {
			usdOut.Set(adjustedDelta)
			pos.RealisedPnl.Add(pos.RealisedPnl, adjustedDelta)
			if !pos.Key.IsLong {
				if err := t.decreasePoolAmount(collateral, t.usdToTokenMin(collateral, adjustedDelta)); err != nil {
					return nil, nil, nil, err
				}
			}
		} else {
			if pos.Collateral.Cmp(adjustedDelta) < 0 {
				return nil, nil, nil, liquidation.ErrLossesExceedCollateral
			}
			pos.Collateral.Sub(pos.Collateral, adjustedDelta)
			if !pos.Key.IsLong {
				t.increasePoolAmount(collateral, t.usdToTokenMin(collateral, adjustedDelta))
			}
			pos.RealisedPnl.Sub(pos.RealisedPnl, adjustedDelta)
		}
	}

	if collateralDelta.Sign() > 0 {
		if pos.Collateral.Cmp(collateralDelta) < 0 {
			return nil, nil, nil, ErrCollateralExceeded
		}
		usdOut.Add(usdOut, collateralDelta)
		pos.Collateral.Sub(pos.Collateral, collateralDelta)
	}
	if pos.Size.Cmp(sizeDelta) == 0 {
		usdOut.Add(usdOut, pos.Collateral)
		pos.Collateral.SetInt64(0)
	}

	usdOutAfterFee = types.Copy(usdOut)
	if usdOut.Cmp(feeUsd) > 0 {
		usdOutAfterFee.Sub(usdOut, feeUsd)
	} else {
		if pos.Collateral.Cmp(feeUsd) < 0 {
			return nil, nil, nil, liquidation.ErrFeesExceedCollateral
		}
		pos.Collateral.Sub(pos.Collateral, feeUsd)
		if pos.Key.IsLong {
			if err := t.decreasePoolAmount(collateral, t.usdToTokenMin(collateral, feeUsd)); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	return usdOut, usdOutAfterFee, feeUsd, nil
}

// ValidateLiquidation classifies a position without changing anything.
func (l *Ledger) ValidateLiquidation(env *Env, key types.PositionKey) (*liquidation.Result, error) {
	key = positionKey(key.Account, key.CollateralAsset, key.IndexAsset, key.IsLong)
	t := l.begin(env)
	if _, err := t.asset(key.CollateralAsset); err != nil {
		return nil, err
	}
	if _, err := t.asset(key.IndexAsset); err != nil {
		return nil, err
	}
	if err := t.requirePrices(key.CollateralAsset, key.IndexAsset); err != nil {
		return nil, err
	}
	pos := l.Position(key)
	if pos == nil {
		return nil, ErrPositionNotFound
	}
	// Accrue pending funding on a scratch pool so the verdict matches what a
	// liquidation at this instant would see.
	t.fees.UpdateCumulativeFundingRate(t.pool(key.CollateralAsset), t.mustAsset(key.CollateralAsset).IsStable, env.Now)
	return t.validateLiquidation(pos, false)
}

// LiquidatePosition closes a position that fails validation.
func (l *Ledger) LiquidatePosition(ctx context.Context, env *Env, req LiquidateRequest) (*Receipt, *liquidation.Result, error) {
	key := req.Key()
	collateral, index := key.CollateralAsset, key.IndexAsset

	unlock := l.lock(collateral, index)
	defer unlock()

	t := l.begin(env)
	t.strict = true
	if err := t.validateAssets(collateral, index, key.IsLong); err != nil {
		return nil, nil, err
	}
	if err := t.requirePrices(collateral, index); err != nil {
		return nil, nil, err
	}
	t.updateFunding(collateral)

	pos := t.position(key)
	if pos.IsEmpty() {
		return nil, nil, ErrPositionNotFound
	}
	res, err := t.validateLiquidation(pos, false)
	if err != nil {
		return nil, nil, err
	}
	switch res.State {
	case liquidation.Healthy:
		return nil, res, ErrPositionHealthy
	case liquidation.ExceedsMaxLeverage:
		rec, err := t.decrease(key, types.Zero(), types.Copy(pos.Size), key.Account)
		if err != nil {
			return nil, res, err
		}
		if err := t.commit(ctx); err != nil {
			return nil, res, err
		}
		rec.Events = t.events
		return rec, res, nil
	}

	markPrice := t.markPrice(index, key.IsLong)
	feeTokens := t.usdToTokenMin(collateral, res.MarginFees)
	cp := t.pool(collateral)
	cp.FeeReserve.Add(cp.FeeReserve, feeTokens)

	t.decreaseReservedAmount(collateral, pos.ReserveAmount)

	// Liquidatable means the remaining margin is below the liquidation fee, so
	// nothing is left over for the account.
	if key.IsLong {
		t.decreaseGuaranteedUsd(collateral, new(big.Int).Sub(pos.Size, pos.Collateral))
		if err := t.decreasePoolAmount(collateral, feeTokens); err != nil {
			return nil, res, err
		}
		t.decreaseGlobalLongSize(index, pos.Size)
	} else {
		// Short collateral sits outside the pool: what the trader lost, net of fees,
		// moves into it.
		fees := types.Min(res.MarginFees, pos.Collateral)
		t.increasePoolAmount(collateral, t.usdToTokenMin(collateral, new(big.Int).Sub(pos.Collateral, fees)))
		t.decreaseGlobalShortSize(index, pos.Size)
	}

	liquidationFeeTokens := t.usdToTokenMin(collateral, env.Gov.Fees.LiquidationFeeUsd)
	if err := t.decreasePoolAmount(collateral, liquidationFeeTokens); err != nil {
		return nil, res, err
	}

	t.emit(events.New(events.KindLiquidatePosition, env.Now, key.String()).
		With("size", pos.Size).
		With("collateral", pos.Collateral).
		With("reserveAmount", pos.ReserveAmount).
		With("realisedPnl", pos.RealisedPnl).
		With("markPrice", markPrice).
		With("marginFees", res.MarginFees).
		With("state", res.State))
	t.deletePosition(key)

	t.transferOut(collateral, liquidationFeeTokens, req.FeeReceiver)

	if err := t.commit(ctx); err != nil {
		return nil, res, err
	}
	return &Receipt{
		AmountOut: types.Zero(),
		FeeUsd:    res.MarginFees,
		FeeAmount: liquidationFeeTokens,
		Events:    t.events,
	}, res, nil
}
