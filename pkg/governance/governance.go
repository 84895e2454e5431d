// Package governance supplies the vault's configuration and role assignments as
// immutable snapshots. Every operation reads exactly one snapshot.
package governance

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perpvault/pkg/fees"
	"github.com/luxfi/perpvault/pkg/types"
)

// Snapshot is a consistent view of governance state.
type Snapshot struct {
	Version uint64

	Assets            map[types.Asset]types.AssetConfig
	TotalTokenWeights uint64

	Fees        fees.Params
	MaxLeverage uint64 // basis points

	IsSwapEnabled            bool
	IsLeverageEnabled        bool
	InManagerMode            bool
	InPrivateLiquidationMode bool

	Capabilities Capabilities
}

// NewSnapshot returns defaults with no whitelisted assets and no roles. Liquidation
// is restricted to Liquidator holders until private mode is switched off.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Assets:                   map[types.Asset]types.AssetConfig{},
		Fees:                     fees.DefaultParams(),
		MaxLeverage:              types.DefaultMaxLeverage,
		IsSwapEnabled:            true,
		IsLeverageEnabled:        true,
		InPrivateLiquidationMode: true,
		Capabilities:             NewCapabilities(nil),
	}
}

// Asset returns the whitelisted config for a.
func (s *Snapshot) Asset(a types.Asset) (types.AssetConfig, bool) {
	c, ok := s.Assets[a.Normalize()]
	return c, ok
}

// Whitelisted lists the whitelisted assets in sorted order.
func (s *Snapshot) Whitelisted() []types.Asset {
	out := make([]types.Asset, 0, len(s.Assets))
	for a := range s.Assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	next := *s
	next.Assets = make(map[types.Asset]types.AssetConfig, len(s.Assets))
	for a, c := range s.Assets {
		next.Assets[a] = c.Clone()
	}
	next.Fees = s.Fees.Clone()
	return &next
}

func (s *Snapshot) recomputeWeights() {
	var total uint64
	for _, c := range s.Assets {
		total += c.Weight
	}
	s.TotalTokenWeights = total
}

// Provider hands out the current snapshot.
type Provider interface {
	Snapshot() *Snapshot
}

var ErrInvalidAssetConfig = types.Validation("invalid_asset_config", "invalid asset configuration")

// Static is an in-process Provider updated by copy-on-write.
type Static struct {
	cur atomic.Pointer[Snapshot]
	mu  sync.Mutex
}

// NewStatic serves s.
func NewStatic(s *Snapshot) *Static {
	if s == nil {
		s = NewSnapshot()
	}
	s = s.Clone()
	s.recomputeWeights()
	p := &Static{}
	p.cur.Store(s)
	return p
}

// Snapshot returns the current snapshot. Callers must not mutate it.
func (p *Static) Snapshot() *Snapshot {
	return p.cur.Load()
}

// Update applies fn to a copy of the current snapshot and publishes it.
func (p *Static) Update(fn func(*Snapshot) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cur.Load().Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.recomputeWeights()
	next.Version++
	p.cur.Store(next)
	return nil
}

// SetAsset whitelists or reconfigures an asset.
func (p *Static) SetAsset(c types.AssetConfig) error {
	c.Symbol = c.Symbol.Normalize()
	if c.Symbol == "" || c.Decimals > 36 {
		return ErrInvalidAssetConfig
	}
	if c.SpreadBasisPoints >= types.BasisPointsDivisor {
		return ErrInvalidAssetConfig
	}
	return p.Update(func(s *Snapshot) error {
		s.Assets[c.Symbol] = c.Clone()
		return nil
	})
}

// RemoveAsset drops an asset from the whitelist.
func (p *Static) RemoveAsset(a types.Asset) error {
	return p.Update(func(s *Snapshot) error {
		delete(s.Assets, a.Normalize())
		return nil
	})
}

// Grant gives addr capability.
func (p *Static) Grant(addr common.Address, capability Capability) error {
	return p.Update(func(s *Snapshot) error {
		s.Capabilities = s.Capabilities.Grant(addr, capability)
		return nil
	})
}

// Revoke removes capability from addr.
func (p *Static) Revoke(addr common.Address, capability Capability) error {
	return p.Update(func(s *Snapshot) error {
		s.Capabilities = s.Capabilities.Revoke(addr, capability)
		return nil
	})
}
