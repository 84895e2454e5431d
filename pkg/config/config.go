// Package config loads the daemon configuration from YAML. Amounts are decimal strings
// in human units; they are converted to the ledger's fixed point when resolved.
package config

import (
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/perpvault/pkg/governance"
	"github.com/luxfi/perpvault/pkg/oracle"
	"github.com/luxfi/perpvault/pkg/types"
)

// File is the YAML document as written by operators.
type File struct {
	Vault   VaultSection        `yaml:"vault"`
	Fees    FeesSection         `yaml:"fees"`
	Oracle  OracleSection       `yaml:"oracle"`
	Assets  []AssetSection      `yaml:"assets"`
	Roles   map[string][]string `yaml:"roles"`
	Storage Storage             `yaml:"storage"`
	NATS    NATS                `yaml:"nats"`
	API     API                 `yaml:"api"`
	Log     Log                 `yaml:"log"`
}

type VaultSection struct {
	MaxLeverage            string `yaml:"max_leverage"` // multiple, e.g. "50"
	SwapEnabled            bool   `yaml:"swap_enabled"`
	LeverageEnabled        bool   `yaml:"leverage_enabled"`
	ManagerMode            bool   `yaml:"manager_mode"`
	PrivateLiquidationMode bool   `yaml:"private_liquidation_mode"`
}

type FeesSection struct {
	TaxBasisPoints           uint64        `yaml:"tax_basis_points"`
	StableTaxBasisPoints     uint64        `yaml:"stable_tax_basis_points"`
	MintBurnFeeBasisPoints   uint64        `yaml:"mint_burn_fee_basis_points"`
	SwapFeeBasisPoints       uint64        `yaml:"swap_fee_basis_points"`
	StableSwapFeeBasisPoints uint64        `yaml:"stable_swap_fee_basis_points"`
	MarginFeeBasisPoints     uint64        `yaml:"margin_fee_basis_points"`
	LiquidationFeeUsd        string        `yaml:"liquidation_fee_usd"`
	MinProfitTime            time.Duration `yaml:"min_profit_time"`
	HasDynamicFees           bool          `yaml:"has_dynamic_fees"`
	FundingInterval          time.Duration `yaml:"funding_interval"`
	FundingRateFactor        uint64        `yaml:"funding_rate_factor"`
	StableFundingRateFactor  uint64        `yaml:"stable_funding_rate_factor"`
}

type OracleSection struct {
	Mode                          string        `yaml:"mode"`
	PriceSampleSpace              int           `yaml:"price_sample_space"`
	MaxStrictPriceDeviation       string        `yaml:"max_strict_price_deviation"` // USD
	MaxDeviationBasisPoints       uint64        `yaml:"max_deviation_basis_points"`
	PriceDuration                 time.Duration `yaml:"price_duration"`
	MaxPriceUpdateDelay           time.Duration `yaml:"max_price_update_delay"`
	SpreadBasisPointsIfInactive   uint64        `yaml:"spread_basis_points_if_inactive"`
	SpreadBasisPointsIfChainError uint64        `yaml:"spread_basis_points_if_chain_error"`
	MaxPrimaryAge                 time.Duration `yaml:"max_primary_age"`

	FastFeed FastFeedSection `yaml:"fast_feed"`
	Poller   PollerSection   `yaml:"poller"`
	Relay    RelaySection    `yaml:"relay"`
}

type FastFeedSection struct {
	MinUpdateInterval       time.Duration     `yaml:"min_update_interval"`
	MaxTimeDeviation        time.Duration     `yaml:"max_time_deviation"`
	PriceDataInterval       time.Duration     `yaml:"price_data_interval"`
	MinAuthorizations       int               `yaml:"min_authorizations"`
	MaxCumulativeDeltaDiffs map[string]uint64 `yaml:"max_cumulative_delta_diffs"`
	BaseUpdateFee           string            `yaml:"base_update_fee"`
	PerByteUpdateFee        string            `yaml:"per_byte_update_fee"`
}

type PollerSection struct {
	Endpoints    map[string]string `yaml:"endpoints"`
	PollInterval time.Duration     `yaml:"poll_interval"`
	Timeout      time.Duration     `yaml:"timeout"`
	MaxFailures  int               `yaml:"max_failures"`
}

type RelaySection struct {
	URL               string        `yaml:"url"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

type AssetSection struct {
	Symbol               string `yaml:"symbol"`
	Decimals             uint8  `yaml:"decimals"`
	Weight               uint64 `yaml:"weight"`
	MinProfitBasisPoints uint64 `yaml:"min_profit_basis_points"`
	MaxUsdgAmount        string `yaml:"max_usdg_amount"` // synthetic units
	Stable               bool   `yaml:"stable"`
	Shortable            bool   `yaml:"shortable"`
	StrictStable         bool   `yaml:"strict_stable"`
	SpreadBasisPoints    uint64 `yaml:"spread_basis_points"`
	BufferAmount         string `yaml:"buffer_amount"` // tokens
	MaxGlobalLongSize    string `yaml:"max_global_long_size"`
	MaxGlobalShortSize   string `yaml:"max_global_short_size"`
}

type Storage struct {
	Engine     string `yaml:"engine"` // memdb or badgerdb
	Path       string `yaml:"path"`
	Namespace  string `yaml:"namespace"`
	JournalDir string `yaml:"journal_dir"`
}

type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type API struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Log struct {
	Level string `yaml:"level"`
}

// Default returns the deployment defaults. Parse decodes on top of it, so a document
// only needs the keys it changes.
func Default() File {
	fp := oracle.DefaultFastFeedConfig()
	return File{
		Vault: VaultSection{
			MaxLeverage:            "50",
			SwapEnabled:            true,
			LeverageEnabled:        true,
			PrivateLiquidationMode: true,
		},
		Fees: FeesSection{
			TaxBasisPoints:           10,
			StableTaxBasisPoints:     5,
			MintBurnFeeBasisPoints:   20,
			SwapFeeBasisPoints:       20,
			StableSwapFeeBasisPoints: 1,
			MarginFeeBasisPoints:     10,
			LiquidationFeeUsd:        "2",
			MinProfitTime:            24 * time.Hour,
			HasDynamicFees:           true,
			FundingInterval:          time.Hour,
			FundingRateFactor:        100,
			StableFundingRateFactor:  100,
		},
		Oracle: OracleSection{
			Mode:                          "primary+secondary",
			PriceSampleSpace:              1,
			MaxStrictPriceDeviation:       "0.01",
			MaxDeviationBasisPoints:       250,
			PriceDuration:                 5 * time.Minute,
			MaxPriceUpdateDelay:           time.Hour,
			SpreadBasisPointsIfInactive:   50,
			SpreadBasisPointsIfChainError: 500,
			FastFeed: FastFeedSection{
				MaxTimeDeviation:  fp.MaxTimeDeviation,
				PriceDataInterval: fp.PriceDataInterval,
				MinAuthorizations: fp.MinAuthorizations,
				BaseUpdateFee:     "0",
				PerByteUpdateFee:  "0",
			},
			Poller: PollerSection{
				PollInterval: 15 * time.Second,
				Timeout:      5 * time.Second,
				MaxFailures:  3,
			},
			Relay: RelaySection{
				HandshakeTimeout:  10 * time.Second,
				HeartbeatInterval: 30 * time.Second,
				ReconnectDelay:    time.Second,
				MaxReconnectDelay: 30 * time.Second,
			},
		},
		Storage: Storage{Engine: "memdb", Namespace: "perpvault"},
		NATS:    NATS{SubjectPrefix: "perpvault.events."},
		API:     API{Listen: ":8080", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		Log:     Log{Level: "info"},
	}
}

// Config is the resolved configuration.
type Config struct {
	Governance *governance.Snapshot
	Oracle     oracle.Config
	FastFeed   oracle.FastFeedConfig
	Poller     oracle.PollerConfig
	Relay      oracle.RelayConfig
	Pricing    map[types.Asset]oracle.AssetPricing

	Storage Storage
	NATS    NATS
	API     API
	Log     Log
}

// Load reads and resolves the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse resolves a YAML document.
func Parse(data []byte) (*Config, error) {
	f := Default()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return f.Resolve()
}

// Resolve converts f into runtime configuration.
func (f File) Resolve() (*Config, error) {
	gov, err := f.governance()
	if err != nil {
		return nil, err
	}
	oc, err := f.oracle()
	if err != nil {
		return nil, err
	}
	ff, err := f.fastFeed()
	if err != nil {
		return nil, err
	}

	c := &Config{
		Governance: gov,
		Oracle:     oc,
		FastFeed:   ff,
		Poller: oracle.PollerConfig{
			Endpoints:    make(map[types.Asset]string, len(f.Oracle.Poller.Endpoints)),
			PollInterval: f.Oracle.Poller.PollInterval,
			Timeout:      f.Oracle.Poller.Timeout,
			MaxFailures:  f.Oracle.Poller.MaxFailures,
		},
		Relay:   oracle.RelayConfig(f.Oracle.Relay),
		Pricing: make(map[types.Asset]oracle.AssetPricing, len(gov.Assets)),
		Storage: f.Storage,
		NATS:    f.NATS,
		API:     f.API,
		Log:     f.Log,
	}
	for a, url := range f.Oracle.Poller.Endpoints {
		asset := types.Asset(a).Normalize()
		if _, ok := gov.Assets[asset]; !ok {
			return nil, errors.Errorf("poller endpoint for unknown asset %s", a)
		}
		c.Poller.Endpoints[asset] = url
	}
	for a, cfg := range gov.Assets {
		c.Pricing[a] = oracle.AssetPricing{SpreadBasisPoints: cfg.SpreadBasisPoints, IsStrictStable: cfg.IsStrictStable}
	}
	switch c.Storage.Engine {
	case "memdb", "badgerdb":
	default:
		return nil, errors.Errorf("unsupported storage engine %q", c.Storage.Engine)
	}
	return c, nil
}

func (f File) governance() (*governance.Snapshot, error) {
	s := governance.NewSnapshot()
	s.IsSwapEnabled = f.Vault.SwapEnabled
	s.IsLeverageEnabled = f.Vault.LeverageEnabled
	s.InManagerMode = f.Vault.ManagerMode
	s.InPrivateLiquidationMode = f.Vault.PrivateLiquidationMode

	lev, err := decimal.NewFromString(f.Vault.MaxLeverage)
	if err != nil {
		return nil, errors.Wrap(err, "vault.max_leverage")
	}
	bps := lev.Mul(decimal.NewFromInt(types.BasisPointsDivisor))
	if bps.LessThan(decimal.NewFromInt(types.MinLeverage)) {
		return nil, errors.Errorf("vault.max_leverage %s is below 1x", f.Vault.MaxLeverage)
	}
	s.MaxLeverage = uint64(bps.IntPart())

	fees := s.Fees
	fees.TaxBasisPoints = f.Fees.TaxBasisPoints
	fees.StableTaxBasisPoints = f.Fees.StableTaxBasisPoints
	fees.MintBurnFeeBasisPoints = f.Fees.MintBurnFeeBasisPoints
	fees.SwapFeeBasisPoints = f.Fees.SwapFeeBasisPoints
	fees.StableSwapFeeBasisPoints = f.Fees.StableSwapFeeBasisPoints
	fees.MarginFeeBasisPoints = f.Fees.MarginFeeBasisPoints
	fees.MinProfitTime = f.Fees.MinProfitTime
	fees.HasDynamicFees = f.Fees.HasDynamicFees
	fees.FundingInterval = f.Fees.FundingInterval
	fees.FundingRateFactor = f.Fees.FundingRateFactor
	fees.StableFundingRateFactor = f.Fees.StableFundingRateFactor
	if fees.LiquidationFeeUsd, err = amount(f.Fees.LiquidationFeeUsd, types.PriceDecimals, "fees.liquidation_fee_usd"); err != nil {
		return nil, err
	}
	for name, v := range map[string]uint64{
		"tax_basis_points":             fees.TaxBasisPoints,
		"stable_tax_basis_points":      fees.StableTaxBasisPoints,
		"mint_burn_fee_basis_points":   fees.MintBurnFeeBasisPoints,
		"swap_fee_basis_points":        fees.SwapFeeBasisPoints,
		"stable_swap_fee_basis_points": fees.StableSwapFeeBasisPoints,
		"margin_fee_basis_points":      fees.MarginFeeBasisPoints,
	} {
		if v > 500 {
			return nil, errors.Errorf("fees.%s %d exceeds 500", name, v)
		}
	}
	if fees.FundingInterval < time.Hour {
		return nil, errors.Errorf("fees.funding_interval %s is below one hour", fees.FundingInterval)
	}
	s.Fees = fees

	for i, a := range f.Assets {
		c, err := a.resolve()
		if err != nil {
			return nil, errors.Wrapf(err, "assets[%d]", i)
		}
		if _, dup := s.Assets[c.Symbol]; dup {
			return nil, errors.Errorf("assets[%d]: duplicate symbol %s", i, c.Symbol)
		}
		s.Assets[c.Symbol] = c
		s.TotalTokenWeights += c.Weight
	}

	grants := make(map[governance.Capability][]common.Address)
	for role, addrs := range f.Roles {
		capability, ok := governance.ParseCapability(role)
		if !ok {
			return nil, errors.Errorf("roles: unknown role %q", role)
		}
		for _, a := range addrs {
			if !common.IsHexAddress(a) {
				return nil, errors.Errorf("roles.%s: invalid address %q", role, a)
			}
			grants[capability] = append(grants[capability], common.HexToAddress(a))
		}
	}
	s.Capabilities = governance.NewCapabilities(grants)
	return s, nil
}

func (a AssetSection) resolve() (types.AssetConfig, error) {
	c := types.AssetConfig{
		Symbol:               types.Asset(a.Symbol).Normalize(),
		Decimals:             a.Decimals,
		Weight:               a.Weight,
		MinProfitBasisPoints: a.MinProfitBasisPoints,
		IsStable:             a.Stable,
		IsShortable:          a.Shortable,
		IsStrictStable:       a.StrictStable,
		SpreadBasisPoints:    a.SpreadBasisPoints,
	}
	if c.Symbol == "" {
		return c, errors.New("symbol is required")
	}
	if c.Decimals > 36 {
		return c, errors.Errorf("decimals %d out of range", c.Decimals)
	}
	if c.SpreadBasisPoints >= types.BasisPointsDivisor {
		return c, errors.Errorf("spread_basis_points %d out of range", c.SpreadBasisPoints)
	}
	if c.IsStrictStable && !c.IsStable {
		return c, errors.New("strict_stable requires stable")
	}
	if c.IsShortable && c.IsStable {
		return c, errors.New("a stable asset cannot be shortable")
	}

	var err error
	if c.MaxUsdgAmount, err = amount(a.MaxUsdgAmount, types.USDGDecimals, "max_usdg_amount"); err != nil {
		return c, err
	}
	if c.BufferAmount, err = amount(a.BufferAmount, c.Decimals, "buffer_amount"); err != nil {
		return c, err
	}
	if c.MaxGlobalLongSize, err = amount(a.MaxGlobalLongSize, types.PriceDecimals, "max_global_long_size"); err != nil {
		return c, err
	}
	if c.MaxGlobalShortSize, err = amount(a.MaxGlobalShortSize, types.PriceDecimals, "max_global_short_size"); err != nil {
		return c, err
	}
	return c, nil
}

func (f File) oracle() (oracle.Config, error) {
	mode, err := oracle.ParseMode(f.Oracle.Mode)
	if err != nil {
		return oracle.Config{}, errors.Wrap(err, "oracle.mode")
	}
	dev, err := amount(f.Oracle.MaxStrictPriceDeviation, types.PriceDecimals, "oracle.max_strict_price_deviation")
	if err != nil {
		return oracle.Config{}, err
	}
	c := oracle.Config{
		Mode:                          mode,
		PriceSampleSpace:              f.Oracle.PriceSampleSpace,
		MaxStrictPriceDeviation:       dev,
		MaxDeviationBasisPoints:       f.Oracle.MaxDeviationBasisPoints,
		PriceDuration:                 f.Oracle.PriceDuration,
		MaxPriceUpdateDelay:           f.Oracle.MaxPriceUpdateDelay,
		SpreadBasisPointsIfInactive:   f.Oracle.SpreadBasisPointsIfInactive,
		SpreadBasisPointsIfChainError: f.Oracle.SpreadBasisPointsIfChainError,
		MaxPrimaryAge:                 f.Oracle.MaxPrimaryAge,
	}
	if err := c.Validate(); err != nil {
		return oracle.Config{}, errors.Wrap(err, "oracle")
	}
	return c, nil
}

func (f File) fastFeed() (oracle.FastFeedConfig, error) {
	s := f.Oracle.FastFeed
	c := oracle.FastFeedConfig{
		MinUpdateInterval:       s.MinUpdateInterval,
		MaxTimeDeviation:        s.MaxTimeDeviation,
		PriceDataInterval:       s.PriceDataInterval,
		MinAuthorizations:       s.MinAuthorizations,
		MaxCumulativeDeltaDiffs: make(map[types.Asset]uint64, len(s.MaxCumulativeDeltaDiffs)),
	}
	for a, v := range s.MaxCumulativeDeltaDiffs {
		c.MaxCumulativeDeltaDiffs[types.Asset(a).Normalize()] = v
	}
	var err error
	if c.BaseUpdateFee, err = integer(s.BaseUpdateFee, "oracle.fast_feed.base_update_fee"); err != nil {
		return c, err
	}
	if c.PerByteUpdateFee, err = integer(s.PerByteUpdateFee, "oracle.fast_feed.per_byte_update_fee"); err != nil {
		return c, err
	}
	return c, nil
}

// amount parses a non-negative decimal string into fixed point. Empty means zero.
func amount(s string, decimals uint8, field string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.Zero(), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Wrap(err, field)
	}
	if d.IsNegative() {
		return nil, errors.Errorf("%s must not be negative", field)
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

func integer(s, field string) (*big.Int, error) {
	v, err := amount(s, 0, field)
	if err != nil {
		return nil, err
	}
	d, _ := decimal.NewFromString(strings.TrimSpace(s))
	if strings.TrimSpace(s) != "" && !d.IsInteger() {
		return nil, errors.Errorf("%s must be an integer", field)
	}
	return v, nil
}

// Marshal renders f as YAML.
func (f File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}
