// Package ledger owns the vault's pool and position accounting. Every operation stages
// its changes on cloned state and commits them, together with the token transfers they
// imply, in one step; a rejected operation leaves no trace.
package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/perpvault/pkg/bank"
	"github.com/luxfi/perpvault/pkg/events"
	"github.com/luxfi/perpvault/pkg/governance"
	"github.com/luxfi/perpvault/pkg/types"
)

// VaultAddress holds the pooled tokens in the bank.
var VaultAddress = common.HexToAddress("0x00000000000000000000000000000000000f1a7e")

// Bank moves tokens. TransferBatch must apply every transfer or none.
type Bank interface {
	BalanceOf(asset types.Asset, holder common.Address) *big.Int
	TransferBatch(transfers []bank.Transfer) error
}

// Price is the derived price pair of one asset.
type Price struct {
	Min *big.Int
	Max *big.Int
}

// Env is the fixed input of one operation: governance, prices and time are read once
// before any state is touched.
type Env struct {
	Gov    *governance.Snapshot
	Prices map[types.Asset]Price
	Now    time.Time
}

// Receipt describes a committed operation.
type Receipt struct {
	AmountOut      *big.Int
	UsdgAmount     *big.Int
	FeeAmount      *big.Int // token units
	FeeUsd         *big.Int
	FeeBasisPoints uint64
	Position       *types.Position // nil once closed
	Events         []events.Event
}

// Ledger is the authoritative store of pools, positions and synthetic balances.
type Ledger struct {
	vault  common.Address
	bank   Bank
	store  *Store
	sink   events.Sink
	logger log.Logger

	mu        sync.RWMutex
	pools     map[types.Asset]*types.PoolState
	positions map[common.Hash]*types.Position
	usdg      map[common.Address]*big.Int
	supply    *big.Int

	locksMu sync.Mutex
	locks   map[types.Asset]*sync.Mutex

	persistMu  sync.Mutex
	persistErr error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStore persists every commit to s.
func WithStore(s *Store) Option { return func(l *Ledger) { l.store = s } }

// WithSink publishes committed events to s.
func WithSink(s events.Sink) Option { return func(l *Ledger) { l.sink = s } }

// WithVaultAddress overrides the holder of pooled tokens.
func WithVaultAddress(a common.Address) Option { return func(l *Ledger) { l.vault = a } }

// New creates an empty ledger.
func New(b Bank, logger log.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		vault:     VaultAddress,
		bank:      b,
		logger:    logger,
		pools:     make(map[types.Asset]*types.PoolState),
		positions: make(map[common.Hash]*types.Position),
		usdg:      make(map[common.Address]*big.Int),
		supply:    types.Zero(),
		locks:     make(map[types.Asset]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Vault returns the address holding pooled tokens.
func (l *Ledger) Vault() common.Address { return l.vault }

// Load replaces in-memory state with what the store holds.
func (l *Ledger) Load() error {
	if l.store == nil {
		return nil
	}
	st, err := l.store.Load()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pools = st.Pools
	l.positions = st.Positions
	l.usdg = st.Usdg
	l.supply = st.Supply
	return nil
}

// PersistErr returns the last persistence failure, if any.
func (l *Ledger) PersistErr() error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	return l.persistErr
}

// lock acquires the per-asset locks of assets in sorted order and returns the release.
func (l *Ledger) lock(assets ...types.Asset) func() {
	uniq := make(map[types.Asset]struct{}, len(assets))
	for _, a := range assets {
		uniq[a.Normalize()] = struct{}{}
	}
	sorted := make([]types.Asset, 0, len(uniq))
	for a := range uniq {
		sorted = append(sorted, a)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	l.locksMu.Lock()
	held := make([]*sync.Mutex, len(sorted))
	for i, a := range sorted {
		m, ok := l.locks[a]
		if !ok {
			m = new(sync.Mutex)
			l.locks[a] = m
		}
		held[i] = m
	}
	l.locksMu.Unlock()

	for _, m := range held {
		m.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Pool returns a copy of asset's pool state.
func (l *Ledger) Pool(asset types.Asset) *types.PoolState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.pools[asset.Normalize()]; ok {
		return p.Clone()
	}
	return types.NewPoolState(asset.Normalize())
}

// Pools returns copies of every pool that has been touched.
func (l *Ledger) Pools() []*types.PoolState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.PoolState, 0, len(l.pools))
	for _, p := range l.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

func (l *Ledger) PoolAmount(asset types.Asset) *big.Int     { return l.Pool(asset).PoolAmount }
func (l *Ledger) ReservedAmount(asset types.Asset) *big.Int { return l.Pool(asset).ReservedAmount }
func (l *Ledger) GuaranteedUsd(asset types.Asset) *big.Int  { return l.Pool(asset).GuaranteedUsd }
func (l *Ledger) FeeReserve(asset types.Asset) *big.Int     { return l.Pool(asset).FeeReserve }

// Position returns a copy of the position at key, or nil.
func (l *Ledger) Position(key types.PositionKey) *types.Position {
	key.CollateralAsset = key.CollateralAsset.Normalize()
	key.IndexAsset = key.IndexAsset.Normalize()
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[key.Hash()]; ok {
		return p.Clone()
	}
	return nil
}

// Positions returns copies of every open position of account.
func (l *Ledger) Positions(account common.Address) []*types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*types.Position
	for _, p := range l.positions {
		if p.Key.Account == account {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// AllPositions returns copies of every open position.
func (l *Ledger) AllPositions() []*types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// UsdgBalance returns account's synthetic balance.
func (l *Ledger) UsdgBalance(account common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.Copy(l.usdg[account])
}

// UsdgSupply returns the synthetic supply.
func (l *Ledger) UsdgSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return types.Copy(l.supply)
}

func (l *Ledger) publish(ctx context.Context, evs []events.Event) {
	if l.sink == nil || len(evs) == 0 {
		return
	}
	if err := l.sink.Publish(ctx, evs); err != nil {
		l.logger.Error("Failed to publish ledger events", "count", len(evs), "error", err)
	}
}

// PositionCount returns the number of open positions.
func (l *Ledger) PositionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}
