package oracle

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/perpvault/pkg/types"
)

var (
	ErrUnknownAsset         = types.Validation("unknown_price_asset", "no price feed for asset")
	ErrNoRounds             = types.Validation("no_price_rounds", "price feed has no rounds")
	ErrStaleRound           = types.Validation("stale_round", "round is older than the latest round")
	ErrBadSignature         = types.Validation("bad_update_signature", "price update signature is invalid")
	ErrMalformedUpdate      = types.Validation("malformed_update", "price update payload is malformed")
	ErrInsufficientFee      = types.Validation("insufficient_update_fee", "price update fee is too low")
	ErrUpdateTooFrequent    = types.Validation("update_too_frequent", "price update submitted too soon")
	ErrPublishTimeOutOfSkew = types.Validation("publish_time_out_of_range", "price publish time deviates too far from now")
)

// Round is one answer of the primary reference feed.
type Round struct {
	ID        uint64
	Price     *big.Int // 30 decimals
	UpdatedAt time.Time
}

// PrimaryFeed is the slow reference price source.
type PrimaryFeed interface {
	// LatestRounds returns up to n rounds, newest first.
	LatestRounds(asset types.Asset, n int) ([]Round, error)
}

// Reading is a lock-free snapshot of the secondary feed for one asset.
type Reading struct {
	Price       *big.Int
	Confidence  *big.Int
	PublishTime time.Time
	UpdatedAt   time.Time
	// Favored is false when watchers disabled fast pricing, the spread switch is on, or
	// the fast price moved much further than the reference price in the current window.
	Favored bool
}

// SecondaryFeed is the fast push-updated price source.
type SecondaryFeed interface {
	Reading(asset types.Asset) (Reading, bool)
}

// Authorizer resolves feed roles for an address.
type Authorizer interface {
	IsUpdater(addr common.Address) bool
	IsSigner(addr common.Address) bool
}

const maxRoundHistory = 32

// ReferenceFeed stores primary rounds per asset. Rounds are written by the poller or by
// an authorized updater and read by the oracle.
type ReferenceFeed struct {
	rounds map[types.Asset][]Round // oldest first, bounded
	mu     sync.RWMutex
}

// NewReferenceFeed creates an empty reference feed.
func NewReferenceFeed() *ReferenceFeed {
	return &ReferenceFeed{rounds: make(map[types.Asset][]Round)}
}

// SubmitRound appends a round. Rounds must not go back in time.
func (f *ReferenceFeed) SubmitRound(asset types.Asset, price *big.Int, updatedAt time.Time) (Round, error) {
	if price == nil || price.Sign() <= 0 {
		return Round{}, types.ErrInvalidPrice
	}
	asset = asset.Normalize()

	f.mu.Lock()
	defer f.mu.Unlock()

	history := f.rounds[asset]
	id := uint64(1)
	if n := len(history); n > 0 {
		last := history[n-1]
		if updatedAt.Before(last.UpdatedAt) {
			return Round{}, ErrStaleRound
		}
		id = last.ID + 1
	}

	round := Round{ID: id, Price: types.Copy(price), UpdatedAt: updatedAt}
	history = append(history, round)
	if len(history) > maxRoundHistory {
		history = history[len(history)-maxRoundHistory:]
	}
	f.rounds[asset] = history
	return round, nil
}

// LatestRounds implements PrimaryFeed.
func (f *ReferenceFeed) LatestRounds(asset types.Asset, n int) ([]Round, error) {
	if n <= 0 {
		n = 1
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	history, ok := f.rounds[asset.Normalize()]
	if !ok || len(history) == 0 {
		return nil, ErrNoRounds
	}
	out := make([]Round, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		r := history[i]
		r.Price = types.Copy(r.Price)
		out = append(out, r)
	}
	return out, nil
}

// LatestPrice returns the newest round's price and timestamp.
func (f *ReferenceFeed) LatestPrice(asset types.Asset) (*big.Int, time.Time, error) {
	rounds, err := f.LatestRounds(asset, 1)
	if err != nil {
		return nil, time.Time{}, err
	}
	return rounds[0].Price, rounds[0].UpdatedAt, nil
}

func latestPrice(feed PrimaryFeed, asset types.Asset) *big.Int {
	rounds, err := feed.LatestRounds(asset, 1)
	if err != nil || len(rounds) == 0 {
		return types.Zero()
	}
	return rounds[0].Price
}
