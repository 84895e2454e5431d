package governance

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/types"
)

var (
	keeper = common.HexToAddress("0xbeef")
	signer = common.HexToAddress("0x5167")
)

func TestCapabilities_GrantRevoke(t *testing.T) {
	caps := NewCapabilities(map[Capability][]common.Address{
		Liquidator: {keeper},
		Signer:     {signer},
		Updater:    {signer},
	})
	assert.True(t, caps.Has(keeper, Liquidator))
	assert.False(t, caps.IsUpdater(keeper))
	assert.True(t, caps.IsUpdater(signer))
	assert.Equal(t, []string{"signer", "updater"}, caps.For(signer).Names())

	next := caps.Grant(keeper, Manager)
	assert.True(t, next.Has(keeper, Manager))
	assert.False(t, caps.Has(keeper, Manager), "grant must not mutate the original")

	revoked := next.Revoke(keeper, Liquidator).Revoke(keeper, Manager)
	assert.Empty(t, revoked.Holders(Liquidator))
	assert.Equal(t, []common.Address{keeper}, next.Holders(Liquidator))
}

func TestParseCapability(t *testing.T) {
	c, ok := ParseCapability(" Liquidator ")
	require.True(t, ok)
	assert.Equal(t, Liquidator, c)
	assert.Equal(t, "liquidator", c.String())

	_, ok = ParseCapability("admin")
	assert.False(t, ok)
}

func TestStatic_UpdateIsCopyOnWrite(t *testing.T) {
	p := NewStatic(nil)
	before := p.Snapshot()

	require.NoError(t, p.SetAsset(types.AssetConfig{Symbol: " eth ", Decimals: 18, Weight: 3000}))
	require.NoError(t, p.SetAsset(types.AssetConfig{Symbol: "USDC", Decimals: 6, Weight: 7000, IsStable: true}))

	after := p.Snapshot()
	assert.Empty(t, before.Assets)
	assert.Equal(t, uint64(2), after.Version)
	assert.Equal(t, uint64(10000), after.TotalTokenWeights)
	assert.Equal(t, []types.Asset{"ETH", "USDC"}, after.Whitelisted())

	c, ok := after.Asset("eth")
	require.True(t, ok)
	assert.Equal(t, uint8(18), c.Decimals)

	require.NoError(t, p.RemoveAsset("ETH"))
	assert.Equal(t, uint64(7000), p.Snapshot().TotalTokenWeights)
	_, ok = after.Asset("ETH")
	assert.True(t, ok, "published snapshots are immutable")
}

func TestStatic_RejectsInvalidAsset(t *testing.T) {
	p := NewStatic(nil)
	require.ErrorIs(t, p.SetAsset(types.AssetConfig{Symbol: "  "}), ErrInvalidAssetConfig)
	require.ErrorIs(t, p.SetAsset(types.AssetConfig{Symbol: "X", SpreadBasisPoints: 10000}), ErrInvalidAssetConfig)
	assert.Equal(t, uint64(0), p.Snapshot().Version)
}

func TestStatic_Grant(t *testing.T) {
	p := NewStatic(nil)
	require.NoError(t, p.Grant(keeper, Liquidator))
	assert.True(t, p.Snapshot().Capabilities.Has(keeper, Liquidator))
	require.NoError(t, p.Revoke(keeper, Liquidator))
	assert.False(t, p.Snapshot().Capabilities.Has(keeper, Liquidator))
}

func TestNewSnapshot_Defaults(t *testing.T) {
	s := NewSnapshot()
	assert.True(t, s.InPrivateLiquidationMode)
	assert.False(t, s.InManagerMode)
	assert.True(t, s.IsLeverageEnabled)
	assert.Equal(t, uint64(types.DefaultMaxLeverage), s.MaxLeverage)
	assert.Empty(t, s.Capabilities.Holders(Liquidator))
}
