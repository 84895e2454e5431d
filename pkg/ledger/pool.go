package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perpvault/pkg/events"
	"github.com/luxfi/perpvault/pkg/fees"
	"github.com/luxfi/perpvault/pkg/types"
)

// usdgLock serializes operations that touch synthetic balances and supply. It sorts
// before every symbol so the lock order stays global.
const usdgLock types.Asset = "\x00usdg"

// BuyRequest deposits Amount of Asset and mints synthetic units to Receiver.
type BuyRequest struct {
	Account  common.Address
	Asset    types.Asset
	Amount   *big.Int
	Receiver common.Address
}

// SellRequest burns UsdgAmount of Account's synthetic units and pays Asset to Receiver.
type SellRequest struct {
	Account    common.Address
	Asset      types.Asset
	UsdgAmount *big.Int
	Receiver   common.Address
}

// SwapRequest exchanges AmountIn of AssetIn for AssetOut against the pool.
type SwapRequest struct {
	Account  common.Address
	AssetIn  types.Asset
	AssetOut types.Asset
	AmountIn *big.Int
	Receiver common.Address
}

func (t *txn) balance(a types.Asset) fees.Balance {
	c := t.mustAsset(a)
	return fees.Balance{UsdgAmount: t.pool(a).UsdgAmount, Weight: c.Weight, IsStable: c.IsStable}
}

func (t *txn) weights() fees.Weights {
	return fees.Weights{TotalWeights: t.env.Gov.TotalTokenWeights, UsdgSupply: t.usdgSupply()}
}

// collectSwapFees books the fee portion of amount into the fee reserve.
func (t *txn) collectSwapFees(a types.Asset, amount *big.Int, bps uint64) (afterFee, fee *big.Int) {
	afterFee, fee = fees.AfterFee(amount, bps)
	p := t.pool(a)
	p.FeeReserve.Add(p.FeeReserve, fee)
	return afterFee, fee
}

// tokenToUsdg values a token amount at price in synthetic units.
func (t *txn) tokenToUsdg(a types.Asset, amount, price *big.Int) *big.Int {
	usd := types.TokenToUsd(amount, price, t.mustAsset(a).Decimals)
	return types.AdjustForDecimals(usd, types.PriceDecimals, types.USDGDecimals)
}

func (t *txn) validateBuffer(a types.Asset) error {
	buffer := t.mustAsset(a).BufferAmount
	if !types.IsZero(buffer) && t.pool(a).PoolAmount.Cmp(buffer) < 0 {
		return ErrPoolBelowBuffer
	}
	return nil
}

// BuyUSDG adds liquidity: the deposit, less the mint fee, joins the pool and the
// receiver is credited its value at the min price.
func (l *Ledger) BuyUSDG(ctx context.Context, env *Env, req BuyRequest) (*Receipt, error) {
	asset := req.Asset.Normalize()
	unlock := l.lock(asset, usdgLock)
	defer unlock()

	t := l.begin(env)
	if _, err := t.asset(asset); err != nil {
		return nil, err
	}
	if err := t.requirePrices(asset); err != nil {
		return nil, err
	}
	if err := t.pull(asset, req.Account, req.Amount); err != nil {
		return nil, err
	}
	t.updateFunding(asset)

	amount := t.transferIn(asset)
	if amount.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	price := t.minPrice(asset)
	usdg := t.tokenToUsdg(asset, amount, price)
	if usdg.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}

	bps := t.fees.BuyUsdgFeeBasisPoints(t.balance(asset), t.weights(), usdg)
	afterFee, fee := t.collectSwapFees(asset, amount, bps)
	mint := t.tokenToUsdg(asset, afterFee, price)
	if mint.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}

	if err := t.increaseUsdgAmount(asset, mint); err != nil {
		return nil, err
	}
	t.increasePoolAmount(asset, afterFee)
	t.mintUsdg(req.Receiver, mint)

	t.emit(events.New(events.KindBuyUSDG, env.Now, string(asset)).
		With("receiver", req.Receiver).
		With("amount", amount).
		With("usdgAmount", mint).
		With("feeBasisPoints", bps))

	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return &Receipt{
		UsdgAmount:     mint,
		FeeAmount:      fee,
		FeeUsd:         types.TokenToUsd(fee, price, t.mustAsset(asset).Decimals),
		FeeBasisPoints: bps,
		Events:         t.events,
	}, nil
}

// SellUSDG removes liquidity: the synthetic amount is redeemed at the max price and the
// burn fee stays in the vault.
func (l *Ledger) SellUSDG(ctx context.Context, env *Env, req SellRequest) (*Receipt, error) {
	asset := req.Asset.Normalize()
	unlock := l.lock(asset, usdgLock)
	defer unlock()

	t := l.begin(env)
	if _, err := t.asset(asset); err != nil {
		return nil, err
	}
	if err := t.requirePrices(asset); err != nil {
		return nil, err
	}
	if req.UsdgAmount == nil || req.UsdgAmount.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	t.updateFunding(asset)

	price := t.maxPrice(asset)
	decimals := t.mustAsset(asset).Decimals
	usd := types.AdjustForDecimals(req.UsdgAmount, types.USDGDecimals, types.PriceDecimals)
	redemption := types.UsdToToken(usd, price, decimals)
	if redemption.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}

	// The fee is priced before the debt is reduced.
	bps := t.fees.SellUsdgFeeBasisPoints(t.balance(asset), t.weights(), req.UsdgAmount)

	t.decreaseUsdgAmount(asset, req.UsdgAmount)
	if err := t.decreasePoolAmount(asset, redemption); err != nil {
		return nil, err
	}
	if err := t.burnUsdg(req.Account, req.UsdgAmount); err != nil {
		return nil, err
	}

	out, fee := t.collectSwapFees(asset, redemption, bps)
	if out.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	t.transferOut(asset, out, req.Receiver)

	t.emit(events.New(events.KindSellUSDG, env.Now, string(asset)).
		With("account", req.Account).
		With("receiver", req.Receiver).
		With("usdgAmount", req.UsdgAmount).
		With("amountOut", out).
		With("feeBasisPoints", bps))

	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return &Receipt{
		AmountOut:      out,
		UsdgAmount:     types.Copy(req.UsdgAmount),
		FeeAmount:      fee,
		FeeUsd:         types.TokenToUsd(fee, price, decimals),
		FeeBasisPoints: bps,
		Events:         t.events,
	}, nil
}

// Swap exchanges one pooled asset for another at the unfavourable side of both prices.
func (l *Ledger) Swap(ctx context.Context, env *Env, req SwapRequest) (*Receipt, error) {
	in, out := req.AssetIn.Normalize(), req.AssetOut.Normalize()
	if in == out {
		return nil, ErrSameAsset
	}
	unlock := l.lock(in, out)
	defer unlock()

	t := l.begin(env)
	if !env.Gov.IsSwapEnabled {
		return nil, ErrSwapsDisabled
	}
	for _, a := range []types.Asset{in, out} {
		if _, err := t.asset(a); err != nil {
			return nil, err
		}
	}
	if err := t.requirePrices(in, out); err != nil {
		return nil, err
	}
	if err := t.pull(in, req.Account, req.AmountIn); err != nil {
		return nil, err
	}
	t.updateFunding(in)
	t.updateFunding(out)

	amountIn := t.transferIn(in)
	if amountIn.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	priceIn, priceOut := t.minPrice(in), t.maxPrice(out)
	usdIn := types.TokenToUsd(amountIn, priceIn, t.mustAsset(in).Decimals)
	amountOut := types.UsdToToken(usdIn, priceOut, t.mustAsset(out).Decimals)
	usdg := types.AdjustForDecimals(usdIn, types.PriceDecimals, types.USDGDecimals)

	bps := t.fees.SwapFeeBasisPoints(t.balance(in), t.balance(out), t.weights(), usdg)
	afterFee, fee := t.collectSwapFees(out, amountOut, bps)
	if afterFee.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}

	if err := t.increaseUsdgAmount(in, usdg); err != nil {
		return nil, err
	}
	t.decreaseUsdgAmount(out, usdg)
	t.increasePoolAmount(in, amountIn)
	if err := t.decreasePoolAmount(out, amountOut); err != nil {
		return nil, err
	}
	if err := t.validateBuffer(out); err != nil {
		return nil, err
	}
	t.transferOut(out, afterFee, req.Receiver)

	t.emit(events.New(events.KindSwap, env.Now, string(in)+"/"+string(out)).
		With("account", req.Account).
		With("receiver", req.Receiver).
		With("amountIn", amountIn).
		With("amountOut", afterFee).
		With("feeBasisPoints", bps))

	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return &Receipt{
		AmountOut:      afterFee,
		UsdgAmount:     usdg,
		FeeAmount:      fee,
		FeeUsd:         types.TokenToUsd(fee, priceOut, t.mustAsset(out).Decimals),
		FeeBasisPoints: bps,
		Events:         t.events,
	}, nil
}

// DirectPoolDeposit adds tokens to the pool without minting anything in return.
func (l *Ledger) DirectPoolDeposit(ctx context.Context, env *Env, account common.Address, asset types.Asset, amount *big.Int) (*Receipt, error) {
	asset = asset.Normalize()
	unlock := l.lock(asset)
	defer unlock()

	t := l.begin(env)
	if _, err := t.asset(asset); err != nil {
		return nil, err
	}
	if err := t.pull(asset, account, amount); err != nil {
		return nil, err
	}
	in := t.transferIn(asset)
	if in.Sign() <= 0 {
		return nil, types.ErrInvalidAmount
	}
	t.increasePoolAmount(asset, in)
	t.emit(events.New(events.KindDirectPoolDeposit, env.Now, string(asset)).
		With("account", account).
		With("amount", in))

	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return &Receipt{AmountOut: types.Zero(), Events: t.events}, nil
}

// UpdateCumulativeFundingRate accrues funding for asset. Calling it inside the same
// interval is a no-op.
func (l *Ledger) UpdateCumulativeFundingRate(ctx context.Context, env *Env, asset types.Asset) (*fees.FundingRate, error) {
	asset = asset.Normalize()
	unlock := l.lock(asset)
	defer unlock()

	t := l.begin(env)
	cfg, err := t.asset(asset)
	if err != nil {
		return nil, err
	}
	rate := t.fees.UpdateCumulativeFundingRate(t.pool(asset), cfg.IsStable, env.Now)
	if rate != nil {
		t.emit(events.New(events.KindFundingRate, env.Now, string(asset)).
			With("rate", rate.Rate).
			With("cumulative", rate.Cumulative).
			With("intervals", rate.Intervals))
	}
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	if rate == nil {
		p := l.Pool(asset)
		return &fees.FundingRate{Asset: asset, Rate: types.Zero(), Cumulative: p.CumulativeFundingRate, Timestamp: p.LastFundingTime}, nil
	}
	return rate, nil
}

// WithdrawFees sends the accumulated fee reserve of asset to receiver.
func (l *Ledger) WithdrawFees(ctx context.Context, env *Env, asset types.Asset, receiver common.Address) (*Receipt, error) {
	asset = asset.Normalize()
	unlock := l.lock(asset)
	defer unlock()

	t := l.begin(env)
	if _, err := t.asset(asset); err != nil {
		return nil, err
	}
	p := t.pool(asset)
	amount := types.Copy(p.FeeReserve)
	p.FeeReserve.SetInt64(0)
	t.transferOut(asset, amount, receiver)
	t.emit(events.New(events.KindCollectFees, env.Now, string(asset)).
		With("receiver", receiver).
		With("amount", amount))
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return &Receipt{AmountOut: amount, FeeAmount: amount, Events: t.events}, nil
}
