package types

import (
	"math/big"
	"strings"
)

// Asset identifies a whitelisted token by its symbol.
type Asset string

// Normalize returns the canonical upper case symbol.
func (a Asset) Normalize() Asset {
	return Asset(strings.ToUpper(strings.TrimSpace(string(a))))
}

func (a Asset) String() string { return string(a) }

// AssetConfig is the governance-owned configuration of a whitelisted asset.
type AssetConfig struct {
	Symbol               Asset
	Decimals             uint8
	Weight               uint64
	MinProfitBasisPoints uint64
	MaxUsdgAmount        *big.Int // zero means uncapped
	IsStable             bool
	IsShortable          bool
	IsStrictStable       bool
	SpreadBasisPoints    uint64
	BufferAmount         *big.Int // minimum pool amount left after a swap out
	MaxGlobalLongSize    *big.Int // USD, zero means uncapped
	MaxGlobalShortSize   *big.Int // USD, zero means uncapped
}

// Clone returns a deep copy.
func (c AssetConfig) Clone() AssetConfig {
	c.MaxUsdgAmount = Copy(c.MaxUsdgAmount)
	c.BufferAmount = Copy(c.BufferAmount)
	c.MaxGlobalLongSize = Copy(c.MaxGlobalLongSize)
	c.MaxGlobalShortSize = Copy(c.MaxGlobalShortSize)
	return c
}
