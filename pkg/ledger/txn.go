package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perpvault/pkg/bank"
	"github.com/luxfi/perpvault/pkg/events"
	"github.com/luxfi/perpvault/pkg/fees"
	"github.com/luxfi/perpvault/pkg/liquidation"
	"github.com/luxfi/perpvault/pkg/types"
)

// txn stages one operation. Nothing it does is visible until commit.
type txn struct {
	l   *Ledger
	env *Env

	fees *fees.Engine
	eval *liquidation.Evaluator

	// strict turns reserve breaches into invariant violations. Decrease and
	// liquidation only release reserves, so a breach there means the books are wrong.
	strict bool

	pools     map[types.Asset]*types.PoolState
	positions map[common.Hash]*types.Position // nil value deletes
	usdg      map[common.Address]*big.Int
	supply    *big.Int

	netFlow   map[types.Asset]*big.Int
	transfers []bank.Transfer
	events    []events.Event
}

func (l *Ledger) begin(env *Env) *txn {
	engine := fees.NewEngine(env.Gov.Fees)
	return &txn{
		l:         l,
		env:       env,
		fees:      engine,
		eval:      liquidation.NewEvaluator(engine, env.Gov.MaxLeverage),
		pools:     make(map[types.Asset]*types.PoolState),
		positions: make(map[common.Hash]*types.Position),
		usdg:      make(map[common.Address]*big.Int),
		netFlow:   make(map[types.Asset]*big.Int),
	}
}

func (t *txn) asset(a types.Asset) (types.AssetConfig, error) {
	c, ok := t.env.Gov.Asset(a)
	if !ok {
		return types.AssetConfig{}, types.ErrAssetNotWhitelisted
	}
	return c, nil
}

func (t *txn) mustAsset(a types.Asset) types.AssetConfig {
	c, err := t.asset(a)
	if err != nil {
		panic(types.Invariant("asset %s used before whitelist check", a))
	}
	return c
}

func (t *txn) requirePrices(assets ...types.Asset) error {
	for _, a := range assets {
		p, ok := t.env.Prices[a]
		if !ok || types.IsZero(p.Min) || types.IsZero(p.Max) {
			return ErrMissingPrice
		}
	}
	return nil
}

func (t *txn) minPrice(a types.Asset) *big.Int { return t.env.Prices[a].Min }
func (t *txn) maxPrice(a types.Asset) *big.Int { return t.env.Prices[a].Max }

func (t *txn) tokenToUsdMin(a types.Asset, amount *big.Int) *big.Int {
	return types.TokenToUsd(amount, t.minPrice(a), t.mustAsset(a).Decimals)
}

// usdToTokenMin converts at the max price, yielding the fewest tokens.
func (t *txn) usdToTokenMin(a types.Asset, usd *big.Int) *big.Int {
	return types.UsdToToken(usd, t.maxPrice(a), t.mustAsset(a).Decimals)
}

// usdToTokenMax converts at the min price, yielding the most tokens.
func (t *txn) usdToTokenMax(a types.Asset, usd *big.Int) *big.Int {
	return types.UsdToToken(usd, t.minPrice(a), t.mustAsset(a).Decimals)
}

func (t *txn) pool(a types.Asset) *types.PoolState {
	if p, ok := t.pools[a]; ok {
		return p
	}
	t.l.mu.RLock()
	cur, ok := t.l.pools[a]
	t.l.mu.RUnlock()
	var p *types.PoolState
	if ok {
		p = cur.Clone()
	} else {
		p = types.NewPoolState(a)
	}
	t.pools[a] = p
	return p
}

func (t *txn) position(key types.PositionKey) *types.Position {
	h := key.Hash()
	if p, ok := t.positions[h]; ok {
		if p == nil {
			return types.NewPosition(key)
		}
		return p
	}
	t.l.mu.RLock()
	cur, ok := t.l.positions[h]
	t.l.mu.RUnlock()
	var p *types.Position
	if ok {
		p = cur.Clone()
	} else {
		p = types.NewPosition(key)
	}
	t.positions[h] = p
	return p
}

func (t *txn) deletePosition(key types.PositionKey) {
	t.positions[key.Hash()] = nil
}

func (t *txn) usdgBalance(a common.Address) *big.Int {
	if v, ok := t.usdg[a]; ok {
		return v
	}
	t.l.mu.RLock()
	v := types.Copy(t.l.usdg[a])
	t.l.mu.RUnlock()
	t.usdg[a] = v
	return v
}

func (t *txn) usdgSupply() *big.Int {
	if t.supply == nil {
		t.l.mu.RLock()
		t.supply = types.Copy(t.l.supply)
		t.l.mu.RUnlock()
	}
	return t.supply
}

func (t *txn) mintUsdg(to common.Address, amount *big.Int) {
	bal := t.usdgBalance(to)
	bal.Add(bal, amount)
	supply := t.usdgSupply()
	supply.Add(supply, amount)
}

func (t *txn) burnUsdg(from common.Address, amount *big.Int) error {
	bal := t.usdgBalance(from)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientUsdg
	}
	bal.Sub(bal, amount)
	supply := t.usdgSupply()
	supply.Sub(supply, amount)
	return nil
}

// vaultBalance is the vault's token balance once the staged transfers settle.
func (t *txn) vaultBalance(a types.Asset) *big.Int {
	bal := t.l.bank.BalanceOf(a, t.l.vault)
	if flow, ok := t.netFlow[a]; ok {
		bal.Add(bal, flow)
	}
	return bal
}

func (t *txn) flow(a types.Asset, delta *big.Int) {
	f, ok := t.netFlow[a]
	if !ok {
		f = types.Zero()
		t.netFlow[a] = f
	}
	f.Add(f, delta)
}

// pull stages a transfer from an account into the vault.
func (t *txn) pull(a types.Asset, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return types.ErrInvalidAmount
	}
	t.transfers = append(t.transfers, bank.Transfer{Asset: a, From: from, To: t.l.vault, Amount: types.Copy(amount)})
	t.flow(a, amount)
	return nil
}

// transferIn reconciles the pool's observed balance and returns what arrived since.
func (t *txn) transferIn(a types.Asset) *big.Int {
	p := t.pool(a)
	next := t.vaultBalance(a)
	delta := new(big.Int).Sub(next, p.TokenBalance)
	if delta.Sign() < 0 {
		panic(types.Invariant("vault balance of %s fell below the recorded balance", a))
	}
	p.TokenBalance = next
	return delta
}

func (t *txn) transferOut(a types.Asset, amount *big.Int, to common.Address) {
	if amount.Sign() == 0 {
		return
	}
	t.transfers = append(t.transfers, bank.Transfer{Asset: a, From: t.l.vault, To: to, Amount: types.Copy(amount)})
	t.flow(a, new(big.Int).Neg(amount))
	t.pool(a).TokenBalance = t.vaultBalance(a)
}

func (t *txn) increasePoolAmount(a types.Asset, amount *big.Int) {
	p := t.pool(a)
	p.PoolAmount.Add(p.PoolAmount, amount)
	if p.PoolAmount.Cmp(t.vaultBalance(a)) > 0 {
		panic(types.Invariant("pool amount of %s exceeds the vault balance", a))
	}
}

func (t *txn) decreasePoolAmount(a types.Asset, amount *big.Int) error {
	p := t.pool(a)
	if p.PoolAmount.Cmp(amount) < 0 {
		if t.strict {
			panic(types.Invariant("pool amount of %s underflow", a))
		}
		return types.ErrInsufficientPool
	}
	p.PoolAmount.Sub(p.PoolAmount, amount)
	return t.checkReserve(p)
}

func (t *txn) checkReserve(p *types.PoolState) error {
	if p.ReserveWithinPool() {
		return nil
	}
	if t.strict {
		panic(types.Invariant("reserved %s exceeds pool %s for %s", p.ReservedAmount, p.PoolAmount, p.Asset))
	}
	return types.ErrReserveExceedsPool
}

func (t *txn) increaseReservedAmount(a types.Asset, amount *big.Int) error {
	p := t.pool(a)
	p.ReservedAmount.Add(p.ReservedAmount, amount)
	return t.checkReserve(p)
}

func (t *txn) decreaseReservedAmount(a types.Asset, amount *big.Int) {
	p := t.pool(a)
	if p.ReservedAmount.Cmp(amount) < 0 {
		panic(types.Invariant("reserved amount of %s underflow", a))
	}
	p.ReservedAmount.Sub(p.ReservedAmount, amount)
}

func (t *txn) increaseGuaranteedUsd(a types.Asset, usd *big.Int) {
	p := t.pool(a)
	p.GuaranteedUsd.Add(p.GuaranteedUsd, usd)
}

func (t *txn) decreaseGuaranteedUsd(a types.Asset, usd *big.Int) {
	p := t.pool(a)
	p.GuaranteedUsd.Sub(p.GuaranteedUsd, usd)
}

func (t *txn) increaseUsdgAmount(a types.Asset, amount *big.Int) error {
	p := t.pool(a)
	p.UsdgAmount.Add(p.UsdgAmount, amount)
	if max := t.mustAsset(a).MaxUsdgAmount; !types.IsZero(max) && p.UsdgAmount.Cmp(max) > 0 {
		return ErrMaxUsdgExceeded
	}
	return nil
}

func (t *txn) decreaseUsdgAmount(a types.Asset, amount *big.Int) {
	p := t.pool(a)
	if p.UsdgAmount.Cmp(amount) <= 0 {
		p.UsdgAmount.SetInt64(0)
		return
	}
	p.UsdgAmount.Sub(p.UsdgAmount, amount)
}

func (t *txn) increaseGlobalShortSize(a types.Asset, usd *big.Int) error {
	p := t.pool(a)
	p.GlobalShortSize.Add(p.GlobalShortSize, usd)
	if max := t.mustAsset(a).MaxGlobalShortSize; !types.IsZero(max) && p.GlobalShortSize.Cmp(max) > 0 {
		return ErrMaxShortsExceeded
	}
	return nil
}

func (t *txn) decreaseGlobalShortSize(a types.Asset, usd *big.Int) {
	p := t.pool(a)
	if p.GlobalShortSize.Cmp(usd) <= 0 {
		p.GlobalShortSize.SetInt64(0)
		return
	}
	p.GlobalShortSize.Sub(p.GlobalShortSize, usd)
}

func (t *txn) increaseGlobalLongSize(a types.Asset, usd *big.Int) error {
	p := t.pool(a)
	p.GlobalLongSize.Add(p.GlobalLongSize, usd)
	if max := t.mustAsset(a).MaxGlobalLongSize; !types.IsZero(max) && p.GlobalLongSize.Cmp(max) > 0 {
		return ErrMaxLongsExceeded
	}
	return nil
}

func (t *txn) decreaseGlobalLongSize(a types.Asset, usd *big.Int) {
	p := t.pool(a)
	if p.GlobalLongSize.Cmp(usd) <= 0 {
		p.GlobalLongSize.SetInt64(0)
		return
	}
	p.GlobalLongSize.Sub(p.GlobalLongSize, usd)
}

func (t *txn) updateFunding(a types.Asset) {
	rate := t.fees.UpdateCumulativeFundingRate(t.pool(a), t.mustAsset(a).IsStable, t.env.Now)
	if rate == nil {
		return
	}
	t.emit(events.New(events.KindFundingRate, t.env.Now, string(a)).
		With("rate", rate.Rate).
		With("cumulative", rate.Cumulative).
		With("intervals", rate.Intervals))
}

func (t *txn) emit(e events.Event) {
	t.events = append(t.events, e)
}

// assertBooks panics when staged state violates an accounting invariant.
func (t *txn) assertBooks() {
	for a, p := range t.pools {
		if !p.ReserveWithinPool() {
			panic(types.Invariant("reserved exceeds pool for %s at commit", a))
		}
		for name, v := range map[string]*big.Int{
			"pool": p.PoolAmount, "reserved": p.ReservedAmount, "guaranteed": p.GuaranteedUsd,
			"fee reserve": p.FeeReserve, "usdg": p.UsdgAmount, "token balance": p.TokenBalance,
		} {
			if v.Sign() < 0 {
				panic(types.Invariant("negative %s amount for %s", name, a))
			}
		}
	}
	for _, pos := range t.positions {
		if pos == nil {
			continue
		}
		if pos.Collateral.Sign() < 0 || pos.Size.Sign() < 0 || pos.ReserveAmount.Sign() < 0 {
			panic(types.Invariant("negative position amounts for %s", pos.Key))
		}
	}
	if t.supply != nil && t.supply.Sign() < 0 {
		panic(types.Invariant("negative synthetic supply"))
	}
}

// commit settles transfers and publishes the staged state.
func (t *txn) commit(ctx context.Context) error {
	t.assertBooks()

	if len(t.transfers) > 0 {
		if err := t.l.bank.TransferBatch(t.transfers); err != nil {
			return err
		}
	}

	t.l.mu.Lock()
	for a, p := range t.pools {
		t.l.pools[a] = p
	}
	for h, p := range t.positions {
		if p == nil || p.IsEmpty() {
			delete(t.l.positions, h)
			continue
		}
		t.l.positions[h] = p
	}
	for a, v := range t.usdg {
		if v.Sign() == 0 {
			delete(t.l.usdg, a)
			continue
		}
		t.l.usdg[a] = v
	}
	if t.supply != nil {
		t.l.supply = t.supply
	}
	t.l.mu.Unlock()

	t.persist()
	t.l.publish(ctx, t.events)
	return nil
}

func (t *txn) persist() {
	if t.l.store == nil {
		return
	}
	err := t.l.store.Save(t.changes())
	t.l.persistMu.Lock()
	t.l.persistErr = err
	t.l.persistMu.Unlock()
	if err != nil {
		t.l.logger.Error("Failed to persist ledger commit", "error", err)
	}
}

func (t *txn) changes() *Changes {
	c := &Changes{
		Pools:     make([]*types.PoolState, 0, len(t.pools)),
		Positions: make(map[common.Hash]*types.Position, len(t.positions)),
		Usdg:      t.usdg,
		Supply:    t.supply,
	}
	for _, p := range t.pools {
		c.Pools = append(c.Pools, p)
	}
	for h, p := range t.positions {
		if p != nil && p.IsEmpty() {
			p = nil
		}
		c.Positions[h] = p
	}
	return c
}
