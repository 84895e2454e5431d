// Package vault is the public entry point of the trading vault. Each operation reads one
// governance snapshot and one price snapshot per asset, checks the caller's capabilities
// and hands a fixed environment to the ledger.
package vault

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perpvault/pkg/events"
	"github.com/luxfi/perpvault/pkg/fees"
	"github.com/luxfi/perpvault/pkg/governance"
	"github.com/luxfi/perpvault/pkg/ledger"
	"github.com/luxfi/perpvault/pkg/liquidation"
	"github.com/luxfi/perpvault/pkg/metrics"
	"github.com/luxfi/perpvault/pkg/oracle"
	"github.com/luxfi/perpvault/pkg/types"
)

// Pricer is the oracle surface the vault reads.
type Pricer interface {
	Snapshot(asset types.Asset) (*oracle.Snapshot, error)
	SetAssetPricing(asset types.Asset, p oracle.AssetPricing) error
}

// Vault wires governance, pricing and the ledger.
type Vault struct {
	gov     governance.Provider
	prices  Pricer
	fast    *oracle.FastFeed
	ledger  *ledger.Ledger
	metrics *metrics.VaultMetrics
	sink    events.Sink
	logger  log.Logger
	now     func() time.Time

	pricingVersion atomic.Int64
}

// Option configures a Vault.
type Option func(*Vault)

// WithFastFeed enables SubmitPriceUpdate.
func WithFastFeed(f *oracle.FastFeed) Option { return func(v *Vault) { v.fast = f } }

// WithMetrics records operations on m.
func WithMetrics(m *metrics.VaultMetrics) Option { return func(v *Vault) { v.metrics = m } }

// WithEvents publishes facade level events, such as accepted price updates, to sink.
func WithEvents(sink events.Sink) Option { return func(v *Vault) { v.sink = sink } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(v *Vault) { v.now = now } }

// New creates a vault facade.
func New(gov governance.Provider, prices Pricer, l *ledger.Ledger, logger log.Logger, opts ...Option) *Vault {
	v := &Vault{
		gov:    gov,
		prices: prices,
		ledger: l,
		logger: logger,
		now:    time.Now,
	}
	v.pricingVersion.Store(-1)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Ledger exposes the underlying ledger for read-only callers.
func (v *Vault) Ledger() *ledger.Ledger { return v.ledger }

// syncPricing pushes per-asset spreads to the oracle when governance changed.
func (v *Vault) syncPricing(s *governance.Snapshot) {
	if v.pricingVersion.Load() == int64(s.Version) {
		return
	}
	for a, c := range s.Assets {
		err := v.prices.SetAssetPricing(a, oracle.AssetPricing{
			SpreadBasisPoints: c.SpreadBasisPoints,
			IsStrictStable:    c.IsStrictStable,
		})
		if err != nil {
			v.logger.Warn("Failed to apply asset pricing", "asset", a, "error", err)
		}
	}
	v.pricingVersion.Store(int64(s.Version))
}

// env fixes governance, prices and time for one operation.
func (v *Vault) env(assets ...types.Asset) (*ledger.Env, error) {
	s := v.gov.Snapshot()
	v.syncPricing(s)
	env := &ledger.Env{Gov: s, Prices: make(map[types.Asset]ledger.Price, len(assets)), Now: v.now()}
	for _, a := range assets {
		a = a.Normalize()
		if _, ok := env.Prices[a]; ok {
			continue
		}
		if _, ok := s.Asset(a); !ok {
			return nil, types.ErrAssetNotWhitelisted
		}
		snap, err := v.prices.Snapshot(a)
		if err != nil {
			return nil, err
		}
		if snap.Degraded() {
			v.metrics.RecordDegraded(a, snap.Flags.Reasons())
			v.logger.Debug("Degraded price snapshot", "asset", a, "reasons", snap.Flags.Reasons())
		}
		env.Prices[a] = ledger.Price{Min: snap.MinPrice, Max: snap.MaxPrice}
	}
	return env, nil
}

// run executes one operation and records its outcome.
func (v *Vault) run(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		r := reject(op, err)
		v.metrics.RecordOperation(op, r.Code, time.Since(start))
		v.logger.Debug("Operation rejected", "op", op, "code", r.Code, "error", err)
		return r
	}
	v.metrics.RecordOperation(op, "", time.Since(start))
	return nil
}

func (v *Vault) observe(assets ...types.Asset) {
	if v.metrics == nil {
		return
	}
	s := v.gov.Snapshot()
	for _, a := range assets {
		if c, ok := s.Asset(a); ok {
			v.metrics.UpdatePool(v.ledger.Pool(a), c.Decimals)
		}
	}
	v.metrics.SetOpenPositions(v.ledger.PositionCount())
}

func requireCapability(s *governance.Snapshot, caller common.Address, c governance.Capability) error {
	if !s.Capabilities.Has(caller, c) {
		return types.ErrUnauthorized
	}
	return nil
}

// requireAccount allows an account to act for itself and routers to act for anyone.
func requireAccount(s *governance.Snapshot, caller, account common.Address) error {
	if caller == account {
		return nil
	}
	return requireCapability(s, caller, governance.Router)
}

// Deposit adds liquidity and credits the receiver with synthetic units.
func (v *Vault) Deposit(ctx context.Context, caller common.Address, asset types.Asset, amount *big.Int, receiver common.Address) (*ledger.Receipt, error) {
	var rcpt *ledger.Receipt
	err := v.run("deposit", func() error {
		env, err := v.env(asset)
		if err != nil {
			return err
		}
		if env.Gov.InManagerMode {
			if err := requireCapability(env.Gov, caller, governance.Manager); err != nil {
				return err
			}
		}
		rcpt, err = v.ledger.BuyUSDG(ctx, env, ledger.BuyRequest{Account: caller, Asset: asset, Amount: amount, Receiver: receiver})
		return err
	})
	v.observe(asset)
	return rcpt, err
}

// Withdraw redeems the caller's synthetic units for asset.
func (v *Vault) Withdraw(ctx context.Context, caller common.Address, asset types.Asset, usdgAmount *big.Int, receiver common.Address) (*ledger.Receipt, error) {
	var rcpt *ledger.Receipt
	err := v.run("withdraw", func() error {
		env, err := v.env(asset)
		if err != nil {
			return err
		}
		if env.Gov.InManagerMode {
			if err := requireCapability(env.Gov, caller, governance.Manager); err != nil {
				return err
			}
		}
		rcpt, err = v.ledger.SellUSDG(ctx, env, ledger.SellRequest{Account: caller, Asset: asset, UsdgAmount: usdgAmount, Receiver: receiver})
		return err
	})
	v.observe(asset)
	return rcpt, err
}

// Swap exchanges assetIn for assetOut.
func (v *Vault) Swap(ctx context.Context, caller common.Address, assetIn, assetOut types.Asset, amountIn *big.Int, receiver common.Address) (*ledger.Receipt, error) {
	var rcpt *ledger.Receipt
	err := v.run("swap", func() error {
		env, err := v.env(assetIn, assetOut)
		if err != nil {
			return err
		}
		rcpt, err = v.ledger.Swap(ctx, env, ledger.SwapRequest{
			Account: caller, AssetIn: assetIn, AssetOut: assetOut, AmountIn: amountIn, Receiver: receiver,
		})
		return err
	})
	v.observe(assetIn, assetOut)
	return rcpt, err
}

// DirectPoolDeposit donates tokens to the pool.
func (v *Vault) DirectPoolDeposit(ctx context.Context, caller common.Address, asset types.Asset, amount *big.Int) (*ledger.Receipt, error) {
	var rcpt *ledger.Receipt
	err := v.run("direct_pool_deposit", func() error {
		env, err := v.env()
		if err != nil {
			return err
		}
		rcpt, err = v.ledger.DirectPoolDeposit(ctx, env, caller, asset, amount)
		return err
	})
	v.observe(asset)
	return rcpt, err
}

// IncreasePosition opens or grows a position for req.Account.
func (v *Vault) IncreasePosition(ctx context.Context, caller common.Address, req ledger.IncreaseRequest) (*ledger.Receipt, error) {
	var rcpt *ledger.Receipt
	err := v.run("increase_position", func() error {
		env, err := v.env(req.CollateralAsset, req.IndexAsset)
		if err != nil {
			return err
		}
		if err := requireAccount(env.Gov, caller, req.Account); err != nil {
			return err
		}
		rcpt, err = v.ledger.IncreasePosition(ctx, env, req)
		return err
	})
	v.observe(req.CollateralAsset, req.IndexAsset)
	return rcpt, err
}

// DecreasePosition shrinks or closes a position of req.Account.
func (v *Vault) DecreasePosition(ctx context.Context, caller common.Address, req ledger.DecreaseRequest) (*ledger.Receipt, error) {
	var rcpt *ledger.Receipt
	err := v.run("decrease_position", func() error {
		env, err := v.env(req.CollateralAsset, req.IndexAsset)
		if err != nil {
			return err
		}
		if err := requireAccount(env.Gov, caller, req.Account); err != nil {
			return err
		}
		rcpt, err = v.ledger.DecreasePosition(ctx, env, req)
		return err
	})
	v.observe(req.CollateralAsset, req.IndexAsset)
	return rcpt, err
}

// LiquidatePosition closes a non-healthy position. In private liquidation mode only
// liquidators may call it.
func (v *Vault) LiquidatePosition(ctx context.Context, caller common.Address, req ledger.LiquidateRequest) (*ledger.Receipt, *liquidation.Result, error) {
	var (
		rcpt *ledger.Receipt
		res  *liquidation.Result
	)
	err := v.run("liquidate_position", func() error {
		env, err := v.env(req.CollateralAsset, req.IndexAsset)
		if err != nil {
			return err
		}
		if env.Gov.InPrivateLiquidationMode {
			if err := requireCapability(env.Gov, caller, governance.Liquidator); err != nil {
				return err
			}
		}
		rcpt, res, err = v.ledger.LiquidatePosition(ctx, env, req)
		return err
	})
	if err == nil {
		v.metrics.RecordLiquidation(res.State.String())
		v.logger.Info("Position liquidated",
			"key", req.Key().String(),
			"state", res.State.String(),
			"liquidator", caller.Hex(),
		)
	}
	v.observe(req.CollateralAsset, req.IndexAsset)
	return rcpt, res, err
}

// ValidateLiquidation classifies a position without changing state.
func (v *Vault) ValidateLiquidation(key types.PositionKey) (*liquidation.Result, error) {
	var res *liquidation.Result
	err := v.run("validate_liquidation", func() error {
		env, err := v.env(key.CollateralAsset, key.IndexAsset)
		if err != nil {
			return err
		}
		res, err = v.ledger.ValidateLiquidation(env, key)
		return err
	})
	return res, err
}

// UpdateCumulativeFundingRate accrues funding for asset.
func (v *Vault) UpdateCumulativeFundingRate(ctx context.Context, asset types.Asset) (*fees.FundingRate, error) {
	var rate *fees.FundingRate
	err := v.run("update_funding_rate", func() error {
		env, err := v.env()
		if err != nil {
			return err
		}
		rate, err = v.ledger.UpdateCumulativeFundingRate(ctx, env, asset)
		return err
	})
	if err == nil && rate.Intervals > 0 {
		v.metrics.RecordFundingUpdate()
	}
	return rate, err
}

// SubmitPriceUpdate forwards a signed secondary price update to the fast feed.
func (v *Vault) SubmitPriceUpdate(ctx context.Context, update oracle.SignedUpdate, fee *big.Int) (int, error) {
	var applied int
	err := v.run("submit_price_update", func() error {
		if v.fast == nil {
			return ErrNoFastFeed
		}
		var err error
		applied, err = v.fast.SubmitUpdate(ctx, v.gov.Snapshot().Capabilities, update, fee)
		return err
	})
	v.metrics.RecordPriceUpdate(err == nil)
	if err == nil && applied > 0 && v.sink != nil {
		e := events.New(events.KindPriceUpdate, v.now(), "fast_feed").With("applied", applied)
		if perr := v.sink.Publish(ctx, []events.Event{e}); perr != nil {
			v.logger.Warn("Failed to publish price update", "error", perr)
		}
	}
	return applied, err
}

// WithdrawFees sends asset's fee reserve to receiver. Gov only.
func (v *Vault) WithdrawFees(ctx context.Context, caller common.Address, asset types.Asset, receiver common.Address) (*ledger.Receipt, error) {
	var rcpt *ledger.Receipt
	err := v.run("withdraw_fees", func() error {
		env, err := v.env()
		if err != nil {
			return err
		}
		if err := requireCapability(env.Gov, caller, governance.Gov); err != nil {
			return err
		}
		rcpt, err = v.ledger.WithdrawFees(ctx, env, asset, receiver)
		return err
	})
	v.observe(asset)
	return rcpt, err
}

// GetMinPrice returns the min side of asset's current price.
func (v *Vault) GetMinPrice(asset types.Asset) (*big.Int, error) {
	env, err := v.env(asset)
	if err != nil {
		return nil, reject("get_min_price", err)
	}
	return env.Prices[asset.Normalize()].Min, nil
}

// GetMaxPrice returns the max side of asset's current price.
func (v *Vault) GetMaxPrice(asset types.Asset) (*big.Int, error) {
	env, err := v.env(asset)
	if err != nil {
		return nil, reject("get_max_price", err)
	}
	return env.Prices[asset.Normalize()].Max, nil
}

// PriceSnapshot returns the full priced view of asset including degradation flags.
func (v *Vault) PriceSnapshot(asset types.Asset) (*oracle.Snapshot, error) {
	s := v.gov.Snapshot()
	v.syncPricing(s)
	if _, ok := s.Asset(asset); !ok {
		return nil, reject("price_snapshot", types.ErrAssetNotWhitelisted)
	}
	snap, err := v.prices.Snapshot(asset.Normalize())
	if err != nil {
		return nil, reject("price_snapshot", err)
	}
	return snap, nil
}

func (v *Vault) Pool(asset types.Asset) *types.PoolState        { return v.ledger.Pool(asset) }
func (v *Vault) PoolAmount(asset types.Asset) *big.Int          { return v.ledger.PoolAmount(asset) }
func (v *Vault) ReservedAmount(asset types.Asset) *big.Int      { return v.ledger.ReservedAmount(asset) }
func (v *Vault) GuaranteedUsd(asset types.Asset) *big.Int       { return v.ledger.GuaranteedUsd(asset) }
func (v *Vault) Position(key types.PositionKey) *types.Position { return v.ledger.Position(key) }
func (v *Vault) UsdgBalance(account common.Address) *big.Int    { return v.ledger.UsdgBalance(account) }

// PositionDelta returns the unrealized PnL of the position at key.
func (v *Vault) PositionDelta(key types.PositionKey) (bool, *big.Int, error) {
	env, err := v.env(key.IndexAsset)
	if err != nil {
		return false, nil, reject("position_delta", err)
	}
	hasProfit, delta, err := v.ledger.PositionDelta(env, key)
	if err != nil {
		return false, nil, reject("position_delta", err)
	}
	return hasProfit, delta, nil
}

// PositionLeverage returns the leverage of the position at key in basis points.
func (v *Vault) PositionLeverage(key types.PositionKey) (*big.Int, error) {
	lev, err := v.ledger.PositionLeverage(key)
	if err != nil {
		return nil, reject("position_leverage", err)
	}
	return lev, nil
}

// GetAum values the pool across every whitelisted asset.
func (v *Vault) GetAum(maximise bool) (*big.Int, error) {
	env, err := v.env(v.gov.Snapshot().Whitelisted()...)
	if err != nil {
		return nil, reject("get_aum", err)
	}
	aum, err := v.ledger.GetAum(env, maximise)
	if err != nil {
		return nil, reject("get_aum", err)
	}
	return aum, nil
}

// InstrumentSink counts publications made through sink.
func InstrumentSink(sink events.Sink, m *metrics.VaultMetrics) events.Sink {
	return instrumentedSink{sink: sink, metrics: m}
}

type instrumentedSink struct {
	sink    events.Sink
	metrics *metrics.VaultMetrics
}

func (s instrumentedSink) Publish(ctx context.Context, evs []events.Event) error {
	err := s.sink.Publish(ctx, evs)
	s.metrics.RecordEvents(len(evs), err)
	return err
}

// Assets lists the whitelisted assets.
func (v *Vault) Assets() []types.Asset { return v.gov.Snapshot().Whitelisted() }
