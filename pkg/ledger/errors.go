package ledger

import "github.com/luxfi/perpvault/pkg/types"

var (
	ErrSwapsDisabled            = types.Validation("swaps_disabled", "swaps are not enabled")
	ErrLeverageDisabled         = types.Validation("leverage_disabled", "leverage is not enabled")
	ErrSameAsset                = types.Validation("same_asset", "input and output asset are the same")
	ErrCollateralMustMatchIndex = types.Validation("collateral_index_mismatch", "long collateral must be the index asset")
	ErrStableLongCollateral     = types.Validation("stable_long_collateral", "long collateral must not be a stable asset")
	ErrStableShortCollateral    = types.Validation("short_collateral_not_stable", "short collateral must be a stable asset")
	ErrStableIndex              = types.Validation("stable_index", "index asset must not be a stable asset")
	ErrNotShortable             = types.Validation("not_shortable", "index asset is not shortable")
	ErrInvalidPositionSize      = types.Validation("invalid_position_size", "position size must be positive")
	ErrSizeBelowCollateral      = types.Validation("size_below_collateral", "position size must be at least its collateral")
	ErrInsufficientCollateral   = types.Validation("insufficient_collateral", "collateral does not cover fees")
	ErrPositionNotFound         = types.Validation("position_not_found", "position does not exist")
	ErrSizeExceeded             = types.Validation("position_size_exceeded", "size delta exceeds position size")
	ErrCollateralExceeded       = types.Validation("position_collateral_exceeded", "collateral delta exceeds position collateral")
	ErrPositionHealthy          = types.Validation("position_healthy", "position cannot be liquidated")
	ErrMaxUsdgExceeded          = types.Validation("max_usdg_exceeded", "synthetic debt cap exceeded")
	ErrPoolBelowBuffer          = types.Validation("pool_below_buffer", "pool amount below buffer")
	ErrMaxLongsExceeded         = types.Validation("max_longs_exceeded", "global long size cap exceeded")
	ErrMaxShortsExceeded        = types.Validation("max_shorts_exceeded", "global short size cap exceeded")
	ErrInsufficientUsdg         = types.Validation("insufficient_usdg", "synthetic balance too low")
	ErrMissingPrice             = types.Validation("missing_price", "no price for asset")
)
