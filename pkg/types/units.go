// Package types holds the ledger value types shared by the oracle, fee, liquidation,
// ledger and vault packages, together with the fixed point helpers they all use.
package types

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// PriceDecimals is the scale of every USD amount and price in the ledger.
	PriceDecimals = 30
	// USDGDecimals is the scale of the synthetic stable unit.
	USDGDecimals = 18

	BasisPointsDivisor   = 10000
	FundingRatePrecision = 1000000

	// MinLeverage is 1x expressed in basis points.
	MinLeverage = 10000
	// DefaultMaxLeverage is 50x expressed in basis points.
	DefaultMaxLeverage = 50 * 10000
)

var (
	PricePrecision = ExpandDecimals(1, PriceDecimals)
	// OneUSD is the strict stable anchor.
	OneUSD = new(big.Int).Set(PricePrecision)
)

// ExpandDecimals returns n * 10^decimals.
func ExpandDecimals(n int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(decimals))
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// Zero returns a fresh zero value.
func Zero() *big.Int { return new(big.Int) }

// Copy returns a copy of v, treating nil as zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// AbsDiff returns |a-b|.
func AbsDiff(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	return d.Abs(d)
}

// MulDiv returns a*b/c rounded towards zero. c must be non-zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		panic(Invariant("division by zero in fixed point math"))
	}
	n := new(big.Int).Mul(a, b)
	return n.Quo(n, c)
}

// ApplyBasisPoints returns v * bps / 10000.
func ApplyBasisPoints(v *big.Int, bps uint64) *big.Int {
	return MulDiv(v, new(big.Int).SetUint64(bps), big.NewInt(BasisPointsDivisor))
}

// TokenToUsd values amount (in token units with the given decimals) at price.
func TokenToUsd(amount, price *big.Int, decimals uint8) *big.Int {
	if IsZero(amount) {
		return Zero()
	}
	return MulDiv(amount, price, pow10(decimals))
}

// UsdToToken converts a USD amount into token units at price. A zero price is an
// invariant violation: every price reaching the ledger has been validated by the oracle.
func UsdToToken(usd, price *big.Int, decimals uint8) *big.Int {
	if IsZero(usd) {
		return Zero()
	}
	if IsZero(price) {
		panic(Invariant("usd to token conversion against an uninitialized price"))
	}
	return MulDiv(usd, pow10(decimals), price)
}

// AdjustForDecimals rescales amount from decimals `from` to decimals `to`.
func AdjustForDecimals(amount *big.Int, from, to uint8) *big.Int {
	return MulDiv(amount, pow10(to), pow10(from))
}

// ParseUSD parses a decimal string such as "10.5" into a 30 decimal USD value.
func ParseUSD(s string) (*big.Int, error) {
	return ParseFixed(s, PriceDecimals)
}

// ParseFixed parses a decimal string into a fixed point integer with the given decimals.
func ParseFixed(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// MustUSD is ParseUSD for constants and tests.
func MustUSD(s string) *big.Int {
	v, err := ParseUSD(s)
	if err != nil {
		panic(err)
	}
	return v
}

// MustFixed is ParseFixed for constants and tests.
func MustFixed(s string, decimals uint8) *big.Int {
	v, err := ParseFixed(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUSD renders a 30 decimal USD value for logs.
func FormatUSD(v *big.Int) string {
	return FormatFixed(v, PriceDecimals)
}

// FormatFixed renders a fixed point integer with the given decimals.
func FormatFixed(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).String()
}
