package events

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_With(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	e := New(KindSwap, at, "ETH").
		With("amount", big.NewInt(42)).
		With("nil", (*big.Int)(nil)).
		With("account", common.HexToAddress("0x01")).
		With("long", true)

	assert.Equal(t, "42", e.Attrs["amount"])
	assert.Equal(t, "0", e.Attrs["nil"])
	assert.Equal(t, common.HexToAddress("0x01").Hex(), e.Attrs["account"])
	assert.Equal(t, "true", e.Attrs["long"])
	assert.NotEqual(t, New(KindSwap, at, "ETH").ID, e.ID)
}

func TestBuffer_Recent(t *testing.T) {
	b := NewBuffer(2)
	now := time.Now()
	require.NoError(t, b.Publish(context.Background(), []Event{
		New(KindBuyUSDG, now, "ETH"),
		New(KindSwap, now, "ETH"),
		New(KindSellUSDG, now, "ETH"),
	}))
	assert.Equal(t, []Kind{KindSwap, KindSellUSDG}, b.Kinds())
	recent := b.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, KindSellUSDG, recent[0].Kind)
}

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, []Event) error { return f.err }

func TestMulti_ReportsFirstFailure(t *testing.T) {
	b := NewBuffer(0)
	boom := errors.New("boom")
	m := Multi{failingSink{boom}, nil, b}

	err := m.Publish(context.Background(), []Event{New(KindSwap, time.Now(), "BTC")})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, b.Recent(0), 1)
}

func TestJournal_Replay(t *testing.T) {
	j, err := OpenJournal(t.TempDir())
	require.NoError(t, err)
	defer func() { assert.NoError(t, j.Close()) }()

	now := time.Unix(1700000000, 0).UTC()
	written := []Event{
		New(KindBuyUSDG, now, "ETH").With("amount", big.NewInt(1)),
		New(KindIncreasePosition, now, "key").With("size", big.NewInt(2)),
		New(KindLiquidatePosition, now, "key"),
	}
	require.NoError(t, j.Publish(context.Background(), written))
	assert.Equal(t, uint64(3), j.CurrentIndex())

	var got []Event
	require.NoError(t, j.Replay(1, func(_ uint64, e Event) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, written[1].ID, got[0].ID)
	assert.Equal(t, "2", got[0].Attrs["size"])
	assert.Equal(t, KindLiquidatePosition, got[1].Kind)

	stop := errors.New("stop")
	err = j.Replay(0, func(uint64, Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := NewNATSPublisher(nil, "")
	assert.Equal(t, "perpvault.events.swap", p.Subject(KindSwap))
}
