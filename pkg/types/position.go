package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PositionKey identifies a position. A position is exclusively owned by its key.
type PositionKey struct {
	Account         common.Address `json:"account"`
	CollateralAsset Asset          `json:"collateralAsset"`
	IndexAsset      Asset          `json:"indexAsset"`
	IsLong          bool           `json:"isLong"`
}

// Hash is the keccak256 digest used as the storage key.
func (k PositionKey) Hash() common.Hash {
	side := byte(0)
	if k.IsLong {
		side = 1
	}
	return crypto.Keccak256Hash(
		k.Account.Bytes(),
		[]byte(k.CollateralAsset),
		[]byte{0},
		[]byte(k.IndexAsset),
		[]byte{side},
	)
}

func (k PositionKey) String() string {
	side := "short"
	if k.IsLong {
		side = "long"
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.Account.Hex(), k.CollateralAsset, k.IndexAsset, side)
}

// Position is a leveraged position record. All USD fields use 30 decimals.
type Position struct {
	Key               PositionKey `json:"key"`
	Size              *big.Int    `json:"size"`
	Collateral        *big.Int    `json:"collateral"`
	AveragePrice      *big.Int    `json:"averagePrice"`
	EntryFundingRate  *big.Int    `json:"entryFundingRate"`
	ReserveAmount     *big.Int    `json:"reserveAmount"`
	RealisedPnl       *big.Int    `json:"realisedPnl"`
	LastIncreasedTime time.Time   `json:"lastIncreasedTime"`
}

// NewPosition returns the empty position for key.
func NewPosition(key PositionKey) *Position {
	return &Position{
		Key:              key,
		Size:             Zero(),
		Collateral:       Zero(),
		AveragePrice:     Zero(),
		EntryFundingRate: Zero(),
		ReserveAmount:    Zero(),
		RealisedPnl:      Zero(),
	}
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	return &Position{
		Key:               p.Key,
		Size:              Copy(p.Size),
		Collateral:        Copy(p.Collateral),
		AveragePrice:      Copy(p.AveragePrice),
		EntryFundingRate:  Copy(p.EntryFundingRate),
		ReserveAmount:     Copy(p.ReserveAmount),
		RealisedPnl:       Copy(p.RealisedPnl),
		LastIncreasedTime: p.LastIncreasedTime,
	}
}

// IsEmpty reports whether the position has no size.
func (p *Position) IsEmpty() bool {
	return p == nil || IsZero(p.Size)
}

// Leverage returns size/collateral in basis points, or zero without collateral.
func (p *Position) Leverage() *big.Int {
	if p.IsEmpty() || IsZero(p.Collateral) {
		return Zero()
	}
	return MulDiv(p.Size, big.NewInt(BasisPointsDivisor), p.Collateral)
}
