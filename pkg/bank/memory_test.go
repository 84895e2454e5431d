package bank

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/types"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
	carol = common.HexToAddress("0xca201")
)

func TestMemory_Transfer(t *testing.T) {
	m := NewMemory()
	m.Mint("eth", alice, big.NewInt(100))

	require.NoError(t, m.Transfer("ETH", alice, bob, big.NewInt(40)))
	assert.Equal(t, int64(60), m.BalanceOf("ETH", alice).Int64())
	assert.Equal(t, int64(40), m.BalanceOf("ETH", bob).Int64())

	assert.ErrorIs(t, m.Transfer("ETH", bob, alice, big.NewInt(41)), ErrInsufficientBalance)
	assert.ErrorIs(t, m.Transfer("ETH", bob, alice, big.NewInt(-1)), types.ErrInvalidAmount)
}

func TestMemory_TransferBatchIsAtomic(t *testing.T) {
	m := NewMemory()
	m.Mint("ETH", alice, big.NewInt(10))

	err := m.TransferBatch([]Transfer{
		{Asset: "ETH", From: alice, To: bob, Amount: big.NewInt(10)},
		{Asset: "ETH", From: bob, To: carol, Amount: big.NewInt(11)},
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(10), m.BalanceOf("ETH", alice).Int64())
	assert.Equal(t, int64(0), m.BalanceOf("ETH", bob).Int64())

	require.NoError(t, m.TransferBatch([]Transfer{
		{Asset: "ETH", From: alice, To: bob, Amount: big.NewInt(10)},
		{Asset: "ETH", From: bob, To: carol, Amount: big.NewInt(4)},
	}))
	assert.Equal(t, int64(0), m.BalanceOf("ETH", alice).Int64())
	assert.Equal(t, int64(6), m.BalanceOf("ETH", bob).Int64())
	assert.Equal(t, int64(4), m.BalanceOf("ETH", carol).Int64())
}
