// Package oracle derives the min/max prices the vault trades against from a slow
// reference feed and an optional fast signed feed.
package oracle

import (
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/perpvault/pkg/types"
)

// Mode selects which feeds take part in pricing.
type Mode int

const (
	PrimaryOnly Mode = iota
	PrimaryPlusSecondary
)

func (m Mode) String() string {
	if m == PrimaryPlusSecondary {
		return "primary+secondary"
	}
	return "primary"
}

// ParseMode accepts "primary" or "primary+secondary".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "primary", "primary_only":
		return PrimaryOnly, nil
	case "primary+secondary", "primary_plus_secondary", "blended":
		return PrimaryPlusSecondary, nil
	}
	return PrimaryOnly, types.Validation("unknown_oracle_mode", "unknown oracle mode "+s)
}

// Flags describe how a snapshot was derived.
type Flags uint8

const (
	FlagSecondaryUsed Flags = 1 << iota
	FlagSecondaryStale
	FlagDivergent
	FlagInactive
	FlagPrimaryStale
)

// Degraded reports whether any fallback path was taken.
func (f Flags) Degraded() bool {
	return f&(FlagSecondaryStale|FlagDivergent|FlagInactive|FlagPrimaryStale) != 0
}

// Reasons lists the degraded states for logs and metrics labels.
func (f Flags) Reasons() []string {
	var out []string
	if f&FlagSecondaryStale != 0 {
		out = append(out, "secondary_stale")
	}
	if f&FlagDivergent != 0 {
		out = append(out, "divergent")
	}
	if f&FlagInactive != 0 {
		out = append(out, "inactive")
	}
	if f&FlagPrimaryStale != 0 {
		out = append(out, "primary_stale")
	}
	return out
}

// Config holds the pricing parameters.
type Config struct {
	Mode                          Mode
	PriceSampleSpace              int
	MaxStrictPriceDeviation       *big.Int
	MaxDeviationBasisPoints       uint64
	PriceDuration                 time.Duration
	MaxPriceUpdateDelay           time.Duration
	SpreadBasisPointsIfInactive   uint64
	SpreadBasisPointsIfChainError uint64
	// MaxPrimaryAge of zero disables the reference staleness check.
	MaxPrimaryAge time.Duration
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                          PrimaryPlusSecondary,
		PriceSampleSpace:              1,
		MaxStrictPriceDeviation:       types.ExpandDecimals(1, 28),
		MaxDeviationBasisPoints:       250,
		PriceDuration:                 5 * time.Minute,
		MaxPriceUpdateDelay:           time.Hour,
		SpreadBasisPointsIfInactive:   50,
		SpreadBasisPointsIfChainError: 500,
	}
}

var ErrSpreadTooLarge = types.Validation("spread_too_large", "spread must be below 10000 basis points")

// Validate rejects configurations that could yield a non-positive min price.
func (c Config) Validate() error {
	if c.SpreadBasisPointsIfInactive >= types.BasisPointsDivisor ||
		c.SpreadBasisPointsIfChainError >= types.BasisPointsDivisor ||
		c.SpreadBasisPointsIfInactive+c.SpreadBasisPointsIfChainError >= types.BasisPointsDivisor {
		return ErrSpreadTooLarge
	}
	return nil
}

// AssetPricing is the per-asset part of pricing owned by governance.
type AssetPricing struct {
	SpreadBasisPoints uint64
	IsStrictStable    bool
}

// Snapshot is the priced view of one asset at one instant.
type Snapshot struct {
	Asset             types.Asset
	MinPrice          *big.Int
	MaxPrice          *big.Int
	PrimaryMin        *big.Int
	PrimaryMax        *big.Int
	Secondary         *big.Int
	PublishTime       time.Time
	SpreadBasisPoints uint64
	Flags             Flags
	At                time.Time
}

// Degraded reports whether a fallback path priced this snapshot.
func (s *Snapshot) Degraded() bool { return s.Flags.Degraded() }

// Price returns the max price when maximise is set and the min price otherwise.
func (s *Snapshot) Price(maximise bool) *big.Int {
	if maximise {
		return s.MaxPrice
	}
	return s.MinPrice
}

// PriceOracle implements the two pricing variants.
type PriceOracle struct {
	config    Config
	primary   PrimaryFeed
	secondary SecondaryFeed
	now       func() time.Time

	pricing  atomic.Pointer[map[types.Asset]AssetPricing]
	pricingM sync.Mutex
}

// New builds an oracle. secondary may be nil only in PrimaryOnly mode.
func New(config Config, primary PrimaryFeed, secondary SecondaryFeed, now func() time.Time) (*PriceOracle, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PriceSampleSpace <= 0 {
		config.PriceSampleSpace = 1
	}
	if config.MaxStrictPriceDeviation == nil {
		config.MaxStrictPriceDeviation = types.Zero()
	}
	if config.Mode == PrimaryPlusSecondary && secondary == nil {
		return nil, types.Validation("missing_secondary_feed", "blended mode needs a secondary feed")
	}
	if now == nil {
		now = time.Now
	}
	o := &PriceOracle{config: config, primary: primary, secondary: secondary, now: now}
	empty := map[types.Asset]AssetPricing{}
	o.pricing.Store(&empty)
	return o, nil
}

// Mode returns the configured variant.
func (o *PriceOracle) Mode() Mode { return o.config.Mode }

// SetAssetPricing replaces the spread and stable flag for an asset.
func (o *PriceOracle) SetAssetPricing(asset types.Asset, p AssetPricing) error {
	if p.SpreadBasisPoints >= types.BasisPointsDivisor {
		return ErrSpreadTooLarge
	}
	o.pricingM.Lock()
	defer o.pricingM.Unlock()

	cur := *o.pricing.Load()
	next := make(map[types.Asset]AssetPricing, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[asset.Normalize()] = p
	o.pricing.Store(&next)
	return nil
}

// GetMinPrice returns the price used when the vault is paid out.
func (o *PriceOracle) GetMinPrice(asset types.Asset) (*big.Int, error) {
	s, err := o.Snapshot(asset)
	if err != nil {
		return nil, err
	}
	return s.MinPrice, nil
}

// GetMaxPrice returns the price used when the vault is paid in.
func (o *PriceOracle) GetMaxPrice(asset types.Asset) (*big.Int, error) {
	s, err := o.Snapshot(asset)
	if err != nil {
		return nil, err
	}
	return s.MaxPrice, nil
}

// Snapshot prices asset once; both sides share the same feed readings.
func (o *PriceOracle) Snapshot(asset types.Asset) (*Snapshot, error) {
	asset = asset.Normalize()
	now := o.now()

	rounds, err := o.primary.LatestRounds(asset, o.config.PriceSampleSpace)
	if err != nil {
		return nil, err
	}
	lo, hi, latest, err := sampleRounds(rounds)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Asset: asset, PrimaryMin: lo, PrimaryMax: hi, At: now}
	var extraSpread uint64
	if o.config.MaxPrimaryAge > 0 && now.Sub(latest) > o.config.MaxPrimaryAge {
		snap.Flags |= FlagPrimaryStale
		extraSpread += o.config.SpreadBasisPointsIfChainError
	}

	minCandidate, maxCandidate := lo, hi
	if o.config.Mode == PrimaryPlusSecondary {
		if reading, ok := o.secondary.Reading(asset); ok {
			params := o.blendParams()
			var minFlags, maxFlags Flags
			minCandidate, minFlags = blend(lo, &reading, params, now)
			maxCandidate, maxFlags = blend(hi, &reading, params, now)
			snap.Flags |= minFlags | maxFlags
			if snap.Flags&FlagSecondaryStale == 0 {
				snap.Secondary = types.Copy(reading.Price)
				snap.PublishTime = reading.PublishTime
			}
			if snap.Flags&FlagInactive != 0 {
				extraSpread += o.config.SpreadBasisPointsIfInactive
			}
		}
	}

	low := types.Copy(types.Min(lo, minCandidate))
	high := types.Copy(types.Max(hi, maxCandidate))

	pricing := (*o.pricing.Load())[asset]
	if pricing.IsStrictStable {
		snap.MinPrice = o.strictStable(low, false)
		snap.MaxPrice = o.strictStable(high, true)
		return snap, nil
	}

	spread := pricing.SpreadBasisPoints + extraSpread
	if spread >= types.BasisPointsDivisor {
		spread = types.BasisPointsDivisor - 1
	}
	snap.SpreadBasisPoints = spread
	snap.MinPrice = types.ApplyBasisPoints(low, types.BasisPointsDivisor-spread)
	snap.MaxPrice = types.ApplyBasisPoints(high, types.BasisPointsDivisor+spread)
	if snap.MinPrice.Sign() <= 0 {
		return nil, types.ErrInvalidPrice
	}
	return snap, nil
}

func (o *PriceOracle) strictStable(price *big.Int, maximise bool) *big.Int {
	if types.AbsDiff(price, types.OneUSD).Cmp(o.config.MaxStrictPriceDeviation) <= 0 {
		return types.Copy(types.OneUSD)
	}
	if maximise && price.Cmp(types.OneUSD) > 0 {
		return price
	}
	if !maximise && price.Cmp(types.OneUSD) < 0 {
		return price
	}
	return types.Copy(types.OneUSD)
}

func (o *PriceOracle) blendParams() BlendParams {
	return BlendParams{
		MaxDeviationBasisPoints: o.config.MaxDeviationBasisPoints,
		PriceDuration:           o.config.PriceDuration,
		MaxPriceUpdateDelay:     o.config.MaxPriceUpdateDelay,
	}
}

// sampleRounds returns the min and max price over rounds and the newest round time.
// The newest round must be priced; later zero rounds are skipped.
func sampleRounds(rounds []Round) (lo, hi *big.Int, latest time.Time, err error) {
	if len(rounds) == 0 {
		return nil, nil, time.Time{}, ErrNoRounds
	}
	if rounds[0].Price == nil || rounds[0].Price.Sign() <= 0 {
		return nil, nil, time.Time{}, types.ErrInvalidPrice
	}
	lo, hi = rounds[0].Price, rounds[0].Price
	for _, r := range rounds[1:] {
		if r.Price == nil || r.Price.Sign() <= 0 {
			continue
		}
		lo = types.Min(lo, r.Price)
		hi = types.Max(hi, r.Price)
	}
	return types.Copy(lo), types.Copy(hi), rounds[0].UpdatedAt, nil
}

// BlendParams are the secondary feed acceptance thresholds.
type BlendParams struct {
	MaxDeviationBasisPoints uint64
	PriceDuration           time.Duration
	MaxPriceUpdateDelay     time.Duration
}

// blend picks the candidate price for one side from a primary price and a secondary
// reading. It has no side effects.
func blend(primary *big.Int, reading *Reading, p BlendParams, now time.Time) (*big.Int, Flags) {
	if reading == nil || reading.Price == nil || reading.Price.Sign() <= 0 {
		return primary, 0
	}
	age := now.Sub(reading.PublishTime)
	if p.MaxPriceUpdateDelay > 0 && age > p.MaxPriceUpdateDelay {
		return primary, FlagSecondaryStale
	}

	var flags Flags
	if p.PriceDuration > 0 && age > p.PriceDuration {
		flags |= FlagInactive
	}
	if !reading.Favored {
		flags |= FlagInactive
	}

	if primary.Sign() > 0 {
		deviation := types.MulDiv(types.AbsDiff(reading.Price, primary), big.NewInt(types.BasisPointsDivisor), primary)
		if deviation.Cmp(new(big.Int).SetUint64(p.MaxDeviationBasisPoints)) > 0 {
			return primary, flags | FlagDivergent
		}
	}
	return reading.Price, flags | FlagSecondaryUsed
}
