// Package bank is the in-process token transfer primitive used by the vault.
package bank

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perpvault/pkg/types"
)

var ErrInsufficientBalance = types.Validation("insufficient_balance", "transfer amount exceeds balance")

// Transfer moves Amount of Asset between two holders.
type Transfer struct {
	Asset  types.Asset
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Memory keeps token balances per asset and holder.
type Memory struct {
	balances map[types.Asset]map[common.Address]*big.Int
	mu       sync.RWMutex
}

// NewMemory creates an empty bank.
func NewMemory() *Memory {
	return &Memory{balances: make(map[types.Asset]map[common.Address]*big.Int)}
}

// BalanceOf returns a copy of holder's balance.
func (m *Memory) BalanceOf(asset types.Asset, holder common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.Copy(m.balances[asset.Normalize()][holder])
}

// Mint credits holder out of thin air.
func (m *Memory) Mint(asset types.Asset, holder common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balance(asset.Normalize(), holder)
	bal.Add(bal, amount)
}

// Transfer moves a single amount.
func (m *Memory) Transfer(asset types.Asset, from, to common.Address, amount *big.Int) error {
	return m.TransferBatch([]Transfer{{Asset: asset, From: from, To: to, Amount: amount}})
}

// TransferBatch applies every transfer or none. Transfers are applied in order, so a
// later transfer may spend funds received by an earlier one.
func (m *Memory) TransferBatch(transfers []Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	type slot struct {
		asset  types.Asset
		holder common.Address
	}
	staged := make(map[slot]*big.Int)
	get := func(asset types.Asset, holder common.Address) *big.Int {
		k := slot{asset, holder}
		if v, ok := staged[k]; ok {
			return v
		}
		v := types.Copy(m.balances[asset][holder])
		staged[k] = v
		return v
	}

	for _, t := range transfers {
		if t.Amount == nil || t.Amount.Sign() < 0 {
			return types.ErrInvalidAmount
		}
		if t.Amount.Sign() == 0 || t.From == t.To {
			continue
		}
		asset := t.Asset.Normalize()
		from := get(asset, t.From)
		if from.Cmp(t.Amount) < 0 {
			return ErrInsufficientBalance
		}
		from.Sub(from, t.Amount)
		to := get(asset, t.To)
		to.Add(to, t.Amount)
	}

	for k, v := range staged {
		m.balance(k.asset, k.holder).Set(v)
	}
	return nil
}

func (m *Memory) balance(asset types.Asset, holder common.Address) *big.Int {
	holders, ok := m.balances[asset]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		m.balances[asset] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(big.Int)
		holders[holder] = bal
	}
	return bal
}
