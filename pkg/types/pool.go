package types

import (
	"math/big"
	"time"
)

// PoolState is the per-asset accounting owned by the ledger.
type PoolState struct {
	Asset Asset `json:"asset"`

	PoolAmount     *big.Int `json:"poolAmount"`     // token units
	ReservedAmount *big.Int `json:"reservedAmount"` // token units
	GuaranteedUsd  *big.Int `json:"guaranteedUsd"`
	FeeReserve     *big.Int `json:"feeReserve"` // token units
	UsdgAmount     *big.Int `json:"usdgAmount"` // synthetic units owed against this asset

	GlobalLongSize          *big.Int `json:"globalLongSize"`
	GlobalShortSize         *big.Int `json:"globalShortSize"`
	GlobalShortAveragePrice *big.Int `json:"globalShortAveragePrice"`

	CumulativeFundingRate *big.Int  `json:"cumulativeFundingRate"`
	LastFundingTime       time.Time `json:"lastFundingTime"`

	// TokenBalance is the vault balance last observed for this asset. The difference to
	// the live balance is what a caller transferred in ahead of an operation.
	TokenBalance *big.Int `json:"tokenBalance"`
}

// NewPoolState returns an empty pool for asset.
func NewPoolState(asset Asset) *PoolState {
	return &PoolState{
		Asset:                   asset,
		PoolAmount:              Zero(),
		ReservedAmount:          Zero(),
		GuaranteedUsd:           Zero(),
		FeeReserve:              Zero(),
		UsdgAmount:              Zero(),
		GlobalLongSize:          Zero(),
		GlobalShortSize:         Zero(),
		GlobalShortAveragePrice: Zero(),
		CumulativeFundingRate:   Zero(),
		TokenBalance:            Zero(),
	}
}

// Clone returns a deep copy.
func (p *PoolState) Clone() *PoolState {
	return &PoolState{
		Asset:                   p.Asset,
		PoolAmount:              Copy(p.PoolAmount),
		ReservedAmount:          Copy(p.ReservedAmount),
		GuaranteedUsd:           Copy(p.GuaranteedUsd),
		FeeReserve:              Copy(p.FeeReserve),
		UsdgAmount:              Copy(p.UsdgAmount),
		GlobalLongSize:          Copy(p.GlobalLongSize),
		GlobalShortSize:         Copy(p.GlobalShortSize),
		GlobalShortAveragePrice: Copy(p.GlobalShortAveragePrice),
		CumulativeFundingRate:   Copy(p.CumulativeFundingRate),
		LastFundingTime:         p.LastFundingTime,
		TokenBalance:            Copy(p.TokenBalance),
	}
}

// ReserveWithinPool reports whether reservedAmount <= poolAmount.
func (p *PoolState) ReserveWithinPool() bool {
	return p.ReservedAmount.Cmp(p.PoolAmount) <= 0
}

// Available returns poolAmount - reservedAmount.
func (p *PoolState) Available() *big.Int {
	return new(big.Int).Sub(p.PoolAmount, p.ReservedAmount)
}
