package ledger

import (
	"math/big"

	"github.com/luxfi/perpvault/pkg/liquidation"
	"github.com/luxfi/perpvault/pkg/types"
)

// GetAum values the pool: stable pools at face value, volatile pools as guaranteed USD
// plus the unreserved tokens, with unrealized short PnL netted against the total.
// maximise selects the max price side.
func (l *Ledger) GetAum(env *Env, maximise bool) (*big.Int, error) {
	aum := types.Zero()
	shortProfits := types.Zero()
	for _, a := range env.Gov.Whitelisted() {
		cfg, _ := env.Gov.Asset(a)
		p := l.Pool(a)
		if types.IsZero(p.PoolAmount) && types.IsZero(p.GlobalShortSize) {
			continue
		}
		pr, ok := env.Prices[a]
		if !ok || types.IsZero(pr.Min) || types.IsZero(pr.Max) {
			return nil, ErrMissingPrice
		}
		price := pr.Min
		if maximise {
			price = pr.Max
		}

		if cfg.IsStable {
			aum.Add(aum, types.TokenToUsd(p.PoolAmount, price, cfg.Decimals))
			continue
		}
		if p.GlobalShortSize.Sign() > 0 && !types.IsZero(p.GlobalShortAveragePrice) {
			hasProfit, delta := liquidation.GlobalShortDelta(p.GlobalShortSize, p.GlobalShortAveragePrice, price)
			if hasProfit {
				shortProfits.Add(shortProfits, delta)
			} else {
				aum.Add(aum, delta)
			}
		}
		aum.Add(aum, p.GuaranteedUsd)
		aum.Add(aum, types.TokenToUsd(p.Available(), price, cfg.Decimals))
	}
	if shortProfits.Cmp(aum) > 0 {
		return types.Zero(), nil
	}
	return aum.Sub(aum, shortProfits), nil
}

// PositionDelta returns the unrealized PnL of the position at key.
func (l *Ledger) PositionDelta(env *Env, key types.PositionKey) (hasProfit bool, delta *big.Int, err error) {
	key = positionKey(key.Account, key.CollateralAsset, key.IndexAsset, key.IsLong)
	pos := l.Position(key)
	if pos == nil {
		return false, nil, ErrPositionNotFound
	}
	t := l.begin(env)
	if _, err := t.asset(key.IndexAsset); err != nil {
		return false, nil, err
	}
	if err := t.requirePrices(key.IndexAsset); err != nil {
		return false, nil, err
	}
	hasProfit, delta = liquidation.Delta(t.deltaInput(pos, t.markPrice(key.IndexAsset, key.IsLong)))
	return hasProfit, delta, nil
}

// PositionLeverage returns size/collateral of the position at key in basis points.
func (l *Ledger) PositionLeverage(key types.PositionKey) (*big.Int, error) {
	pos := l.Position(key)
	if pos == nil {
		return nil, ErrPositionNotFound
	}
	return pos.Leverage(), nil
}
