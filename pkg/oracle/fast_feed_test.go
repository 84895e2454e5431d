package oracle

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perpvault/pkg/types"
)

type signedFixture struct {
	clock *testClock
	ref   *ReferenceFeed
	feed  *FastFeed
	key   *ecdsa.PrivateKey
	auth  roles
}

func newSignedFixture(t *testing.T, mutate func(*FastFeedConfig)) *signedFixture {
	t.Helper()
	clock := newClock()
	ref := NewReferenceFeed()
	_, err := ref.SubmitRound(eth, types.MustUSD("2000"), clock.now())
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	cfg := DefaultFastFeedConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return &signedFixture{
		clock: clock,
		ref:   ref,
		feed:  NewFastFeed(cfg, ref, []types.Asset{eth, "BTC"}, clock.now),
		key:   key,
		auth: roles{
			updaters: map[common.Address]bool{addr: true},
			signers:  map[common.Address]bool{addr: true},
		},
	}
}

func (f *signedFixture) sign(t *testing.T, entries ...PriceEntry) SignedUpdate {
	t.Helper()
	upd, err := SignUpdate(entries, f.key)
	require.NoError(t, err)
	return upd
}

func (f *signedFixture) entry(asset types.Asset, price string) PriceEntry {
	return PriceEntry{Asset: asset, Price: types.MustUSD(price), PublishTime: f.clock.now().Unix()}
}

func TestFastFeed_SubmitUpdate(t *testing.T) {
	f := newSignedFixture(t, nil)
	upd := f.sign(t, f.entry(eth, "2001.5"), f.entry("BTC", "60000"))

	signer, err := upd.Signer()
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(f.key.PublicKey), signer)

	n, err := f.feed.SubmitUpdate(context.Background(), f.auth, upd, types.Zero())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, ok := f.feed.Reading(eth)
	require.True(t, ok)
	assertUSD(t, "2001.5", r.Price)
	assert.Equal(t, f.clock.now().Unix(), r.PublishTime.Unix())
	assert.True(t, r.Favored)
	assert.Equal(t, f.clock.now(), f.feed.LastUpdatedAt())
}

func TestFastFeed_RejectsUnknownSigner(t *testing.T) {
	f := newSignedFixture(t, nil)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	upd, err := SignUpdate([]PriceEntry{f.entry(eth, "2000")}, other)
	require.NoError(t, err)
	_, err = f.feed.SubmitUpdate(context.Background(), f.auth, upd, types.Zero())
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	upd.Signature[10] ^= 0xff
	_, err = f.feed.SubmitUpdate(context.Background(), f.auth, upd, types.Zero())
	assert.Error(t, err)
}

func TestFastFeed_TamperedPayloadRecoversDifferentSigner(t *testing.T) {
	f := newSignedFixture(t, nil)
	upd := f.sign(t, f.entry(eth, "2000"))
	upd.Payload = []byte(`{"entries":[{"asset":"ETH","price":1,"publish_time":0}]}`)

	_, err := f.feed.SubmitUpdate(context.Background(), f.auth, upd, types.Zero())
	assert.Error(t, err)
	_, ok := f.feed.Reading(eth)
	assert.False(t, ok)
}

func TestFastFeed_UpdateFee(t *testing.T) {
	f := newSignedFixture(t, func(c *FastFeedConfig) {
		c.BaseUpdateFee = big.NewInt(1000)
		c.PerByteUpdateFee = big.NewInt(2)
	})
	upd := f.sign(t, f.entry(eth, "2000"))
	required := f.feed.UpdateFee(len(upd.Payload))
	assert.Equal(t, int64(1000+2*len(upd.Payload)), required.Int64())

	short := new(big.Int).Sub(required, big.NewInt(1))
	_, err := f.feed.SubmitUpdate(context.Background(), f.auth, upd, short)
	assert.ErrorIs(t, err, ErrInsufficientFee)

	_, err = f.feed.SubmitUpdate(context.Background(), f.auth, upd, required)
	assert.NoError(t, err)
}

func TestFastFeed_BatchIsAllOrNothing(t *testing.T) {
	f := newSignedFixture(t, nil)
	bad := f.entry("BTC", "0")
	upd := f.sign(t, f.entry(eth, "2000"), bad)

	_, err := f.feed.SubmitUpdate(context.Background(), f.auth, upd, types.Zero())
	assert.ErrorIs(t, err, types.ErrInvalidPrice)
	_, ok := f.feed.Reading(eth)
	assert.False(t, ok)

	upd = f.sign(t, f.entry(eth, "2000"), f.entry("DOGE", "1"))
	_, err = f.feed.SubmitUpdate(context.Background(), f.auth, upd, types.Zero())
	assert.ErrorIs(t, err, ErrUnknownAsset)
	_, ok = f.feed.Reading(eth)
	assert.False(t, ok)
}

func TestFastFeed_MinUpdateInterval(t *testing.T) {
	f := newSignedFixture(t, func(c *FastFeedConfig) { c.MinUpdateInterval = 3 * time.Second })

	_, err := f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, f.entry(eth, "2000")), types.Zero())
	require.NoError(t, err)

	f.clock.advance(time.Second)
	_, err = f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, f.entry(eth, "2001")), types.Zero())
	assert.ErrorIs(t, err, ErrUpdateTooFrequent)

	f.clock.advance(2 * time.Second)
	_, err = f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, f.entry(eth, "2002")), types.Zero())
	require.NoError(t, err)
	r, _ := f.feed.Reading(eth)
	assertUSD(t, "2002", r.Price)
}

func TestFastFeed_PublishTimeDeviation(t *testing.T) {
	f := newSignedFixture(t, func(c *FastFeedConfig) { c.MaxTimeDeviation = time.Minute })
	e := f.entry(eth, "2000")
	e.PublishTime = f.clock.now().Add(2 * time.Minute).Unix()

	_, err := f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, e), types.Zero())
	assert.ErrorIs(t, err, ErrPublishTimeOutOfSkew)
}

func TestFastFeed_OlderEntriesAreSkipped(t *testing.T) {
	f := newSignedFixture(t, nil)
	_, err := f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, f.entry(eth, "2000")), types.Zero())
	require.NoError(t, err)

	older := f.entry(eth, "1500")
	older.PublishTime -= 30
	n, err := f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, older), types.Zero())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	r, _ := f.feed.Reading(eth)
	assertUSD(t, "2000", r.Price)
}

func TestFastFeed_DisableVotes(t *testing.T) {
	f := newSignedFixture(t, nil)
	signer := crypto.PubkeyToAddress(f.key.PublicKey)
	_, err := f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, f.entry(eth, "2000")), types.Zero())
	require.NoError(t, err)

	require.NoError(t, f.feed.DisableFastPrice(f.auth, signer))
	assert.ErrorIs(t, f.feed.DisableFastPrice(f.auth, signer), ErrAlreadyVoted)
	assert.Equal(t, 1, f.feed.DisableVotes())
	r, _ := f.feed.Reading(eth)
	assert.False(t, r.Favored)

	require.NoError(t, f.feed.EnableFastPrice(f.auth, signer))
	assert.ErrorIs(t, f.feed.EnableFastPrice(f.auth, signer), ErrNotVoted)
	r, _ = f.feed.Reading(eth)
	assert.True(t, r.Favored)

	assert.ErrorIs(t, f.feed.DisableFastPrice(f.auth, common.HexToAddress("0xdead")), types.ErrUnauthorized)
}

func TestFastFeed_CumulativeDeltaGuard(t *testing.T) {
	f := newSignedFixture(t, func(c *FastFeedConfig) {
		c.MaxCumulativeDeltaDiffs = map[types.Asset]uint64{eth: 100_000} // 1%
	})
	submit := func(price string) {
		_, err := f.feed.SubmitUpdate(context.Background(), f.auth, f.sign(t, f.entry(eth, price)), types.Zero())
		require.NoError(t, err)
	}

	submit("2000")
	submit("2010") // +0.5% fast, 0% reference
	r, _ := f.feed.Reading(eth)
	assert.True(t, r.Favored)

	submit("2040") // cumulative fast delta now above 1%
	r, _ = f.feed.Reading(eth)
	assert.False(t, r.Favored)

	// a new data interval resets the window
	f.clock.advance(time.Minute)
	submit("2040")
	r, _ = f.feed.Reading(eth)
	assert.True(t, r.Favored)
}

func TestFastFeed_SetPricesRequiresUpdater(t *testing.T) {
	f := newSignedFixture(t, nil)
	_, err := f.feed.SetPrices(f.auth, common.HexToAddress("0xbeef"), []PriceEntry{f.entry(eth, "1")})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestDecodeBatch_Malformed(t *testing.T) {
	_, err := DecodeBatch([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedUpdate)
	_, err = DecodeBatch([]byte(`{"entries":[]}`))
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}
