package oracle

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perpvault/pkg/types"
)

// CumulativeDeltaPrecision scales the per-window cumulative price deltas.
const CumulativeDeltaPrecision = 10_000_000

// FastFeedConfig configures the secondary feed.
type FastFeedConfig struct {
	MinUpdateInterval time.Duration
	MaxTimeDeviation  time.Duration
	PriceDataInterval time.Duration
	MinAuthorizations int
	// MaxCumulativeDeltaDiffs caps how far the fast price may move beyond the reference
	// price within one PriceDataInterval, in CumulativeDeltaPrecision units.
	MaxCumulativeDeltaDiffs map[types.Asset]uint64
	BaseUpdateFee           *big.Int
	PerByteUpdateFee        *big.Int
}

// DefaultFastFeedConfig mirrors the deployment defaults.
func DefaultFastFeedConfig() FastFeedConfig {
	return FastFeedConfig{
		MaxTimeDeviation:        time.Hour,
		PriceDataInterval:       time.Minute,
		MinAuthorizations:       1,
		MaxCumulativeDeltaDiffs: map[types.Asset]uint64{},
		BaseUpdateFee:           types.Zero(),
		PerByteUpdateFee:        types.Zero(),
	}
}

type fastPrice struct {
	price       *big.Int
	confidence  *big.Int
	publishTime time.Time
	updatedAt   time.Time

	refPrice  *big.Int
	refTime   time.Time
	refDelta  *big.Int
	fastDelta *big.Int
}

// FastFeed is the signed, push-updated secondary price feed.
type FastFeed struct {
	config  FastFeedConfig
	primary PrimaryFeed
	now     func() time.Time

	prices map[types.Asset]*atomic.Pointer[fastPrice]

	spreadEnabled atomic.Bool
	disableVotes  atomic.Int32
	lastUpdatedAt atomic.Int64

	writeMu sync.Mutex
	votes   map[common.Address]bool
}

// NewFastFeed creates a feed for the given assets. The primary feed supplies the
// reference price for the cumulative delta guard and may be nil.
func NewFastFeed(config FastFeedConfig, primary PrimaryFeed, assets []types.Asset, now func() time.Time) *FastFeed {
	if now == nil {
		now = time.Now
	}
	if config.BaseUpdateFee == nil {
		config.BaseUpdateFee = types.Zero()
	}
	if config.PerByteUpdateFee == nil {
		config.PerByteUpdateFee = types.Zero()
	}
	if config.MaxCumulativeDeltaDiffs == nil {
		config.MaxCumulativeDeltaDiffs = map[types.Asset]uint64{}
	}
	f := &FastFeed{
		config:  config,
		primary: primary,
		now:     now,
		prices:  make(map[types.Asset]*atomic.Pointer[fastPrice], len(assets)),
		votes:   make(map[common.Address]bool),
	}
	for _, a := range assets {
		f.prices[a.Normalize()] = new(atomic.Pointer[fastPrice])
	}
	return f
}

// UpdateFee is the fee owed for a payload of the given length.
func (f *FastFeed) UpdateFee(payloadLen int) *big.Int {
	fee := new(big.Int).Mul(f.config.PerByteUpdateFee, big.NewInt(int64(payloadLen)))
	return fee.Add(fee, f.config.BaseUpdateFee)
}

// SubmitUpdate verifies and applies a signed batch. Either every entry is applied or none.
// Entries older than the stored reading are skipped.
func (f *FastFeed) SubmitUpdate(ctx context.Context, auth Authorizer, update SignedUpdate, fee *big.Int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	signer, err := update.Signer()
	if err != nil {
		return 0, err
	}
	if auth == nil || !auth.IsUpdater(signer) {
		return 0, types.ErrUnauthorized
	}
	if fee == nil || fee.Cmp(f.UpdateFee(len(update.Payload))) < 0 {
		return 0, ErrInsufficientFee
	}
	batch, err := DecodeBatch(update.Payload)
	if err != nil {
		return 0, err
	}
	return f.apply(batch.Entries)
}

// SetPrices applies entries from an authorized updater without a signed envelope.
func (f *FastFeed) SetPrices(auth Authorizer, caller common.Address, entries []PriceEntry) (int, error) {
	if auth == nil || !auth.IsUpdater(caller) {
		return 0, types.ErrUnauthorized
	}
	if len(entries) == 0 {
		return 0, ErrMalformedUpdate
	}
	return f.apply(entries)
}

func (f *FastFeed) apply(entries []PriceEntry) (int, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	now := f.now()
	if f.config.MinUpdateInterval > 0 {
		last := f.lastUpdatedAt.Load()
		if last != 0 && now.Sub(time.Unix(0, last)) < f.config.MinUpdateInterval {
			return 0, ErrUpdateTooFrequent
		}
	}

	staged := make(map[types.Asset]*fastPrice, len(entries))
	for _, e := range entries {
		asset := e.Asset.Normalize()
		slot, ok := f.prices[asset]
		if !ok {
			return 0, ErrUnknownAsset
		}
		if _, dup := staged[asset]; dup {
			return 0, ErrMalformedUpdate
		}
		if e.Price == nil || e.Price.Sign() <= 0 {
			return 0, types.ErrInvalidPrice
		}
		publishTime := time.Unix(e.PublishTime, 0)
		if f.config.MaxTimeDeviation > 0 {
			skew := now.Sub(publishTime)
			if skew < 0 {
				skew = -skew
			}
			if skew > f.config.MaxTimeDeviation {
				return 0, ErrPublishTimeOutOfSkew
			}
		}
		prev := slot.Load()
		if prev != nil && publishTime.Before(prev.publishTime) {
			staged[asset] = nil
			continue
		}
		staged[asset] = f.next(asset, prev, e, publishTime, now)
	}

	applied := 0
	for asset, next := range staged {
		if next == nil {
			continue
		}
		f.prices[asset].Store(next)
		applied++
	}
	f.lastUpdatedAt.Store(now.UnixNano())
	return applied, nil
}

func (f *FastFeed) next(asset types.Asset, prev *fastPrice, e PriceEntry, publishTime, now time.Time) *fastPrice {
	p := &fastPrice{
		price:       types.Copy(e.Price),
		confidence:  types.Copy(e.Confidence),
		publishTime: publishTime,
		updatedAt:   now,
		refDelta:    types.Zero(),
		fastDelta:   types.Zero(),
	}
	if f.primary == nil {
		return p
	}
	ref := latestPrice(f.primary, asset)
	if ref.Sign() == 0 {
		return p
	}
	p.refPrice = ref
	p.refTime = now
	if prev == nil || prev.refPrice == nil || prev.refPrice.Sign() == 0 {
		return p
	}

	if f.sameWindow(prev.refTime, now) {
		p.refDelta.Set(prev.refDelta)
		p.fastDelta.Set(prev.fastDelta)
	}
	precision := big.NewInt(CumulativeDeltaPrecision)
	p.refDelta.Add(p.refDelta, types.MulDiv(types.AbsDiff(ref, prev.refPrice), precision, prev.refPrice))
	if prev.price.Sign() > 0 {
		p.fastDelta.Add(p.fastDelta, types.MulDiv(types.AbsDiff(p.price, prev.price), precision, prev.price))
	}
	return p
}

func (f *FastFeed) sameWindow(a, b time.Time) bool {
	if f.config.PriceDataInterval <= 0 {
		return true
	}
	return a.Truncate(f.config.PriceDataInterval).Equal(b.Truncate(f.config.PriceDataInterval))
}

// Reading implements SecondaryFeed.
func (f *FastFeed) Reading(asset types.Asset) (Reading, bool) {
	slot, ok := f.prices[asset.Normalize()]
	if !ok {
		return Reading{}, false
	}
	p := slot.Load()
	if p == nil {
		return Reading{}, false
	}
	return Reading{
		Price:       types.Copy(p.price),
		Confidence:  types.Copy(p.confidence),
		PublishTime: p.publishTime,
		UpdatedAt:   p.updatedAt,
		Favored:     f.favored(asset.Normalize(), p),
	}, true
}

func (f *FastFeed) favored(asset types.Asset, p *fastPrice) bool {
	if f.spreadEnabled.Load() {
		return false
	}
	if f.config.MinAuthorizations > 0 && int(f.disableVotes.Load()) >= f.config.MinAuthorizations {
		return false
	}
	if maxDiff, ok := f.config.MaxCumulativeDeltaDiffs[asset]; ok && p.fastDelta.Cmp(p.refDelta) > 0 {
		diff := new(big.Int).Sub(p.fastDelta, p.refDelta)
		if diff.Cmp(new(big.Int).SetUint64(maxDiff)) > 0 {
			return false
		}
	}
	return true
}

// SetSpreadEnabled forces the inactive spread on every reading.
func (f *FastFeed) SetSpreadEnabled(enabled bool) {
	f.spreadEnabled.Store(enabled)
}

// SpreadEnabled reports the spread switch.
func (f *FastFeed) SpreadEnabled() bool {
	return f.spreadEnabled.Load()
}

// DisableFastPrice records a signer vote against fast pricing.
func (f *FastFeed) DisableFastPrice(auth Authorizer, signer common.Address) error {
	return f.vote(auth, signer, true)
}

// EnableFastPrice withdraws a signer's disable vote.
func (f *FastFeed) EnableFastPrice(auth Authorizer, signer common.Address) error {
	return f.vote(auth, signer, false)
}

var (
	ErrAlreadyVoted = types.Validation("already_voted", "signer already voted to disable fast price")
	ErrNotVoted     = types.Validation("not_voted", "signer has not voted to disable fast price")
)

func (f *FastFeed) vote(auth Authorizer, signer common.Address, disable bool) error {
	if auth == nil || !auth.IsSigner(signer) {
		return types.ErrUnauthorized
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.votes[signer] == disable {
		if disable {
			return ErrAlreadyVoted
		}
		return ErrNotVoted
	}
	if disable {
		f.votes[signer] = true
		f.disableVotes.Add(1)
	} else {
		delete(f.votes, signer)
		f.disableVotes.Add(-1)
	}
	return nil
}

// DisableVotes returns the current number of disable votes.
func (f *FastFeed) DisableVotes() int {
	return int(f.disableVotes.Load())
}

// LastUpdatedAt returns the time of the last applied batch.
func (f *FastFeed) LastUpdatedAt() time.Time {
	n := f.lastUpdatedAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
