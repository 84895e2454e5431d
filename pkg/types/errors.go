package types

import "fmt"

// ErrorKind classifies a rejection.
type ErrorKind int

const (
	// KindValidation is a caller-fixable rejection.
	KindValidation ErrorKind = iota
	// KindAuthorization means the caller lacks a capability.
	KindAuthorization
	// KindInvariant marks an accounting bug. These are raised as panics.
	KindInvariant
	// KindDegraded marks handled oracle degradation; never returned as a failure.
	KindDegraded
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindInvariant:
		return "invariant"
	case KindDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Error is a sentinel rejection carrying a stable reason code.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Validation declares a validation sentinel.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Authorization declares an authorization sentinel.
func Authorization(code, msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: code, Message: msg}
}

// InvariantError is the panic value used when ledger accounting is found inconsistent.
// Clamping such a state would hide insolvency, so it is never returned as an error.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Message
}

// Invariant builds an InvariantError.
func Invariant(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Message: fmt.Sprintf(format, args...)}
}

// Rejections shared across packages.
var (
	ErrAssetNotWhitelisted = Validation("asset_not_whitelisted", "asset is not whitelisted")
	ErrInvalidPrice        = Validation("invalid_price", "invalid price")
	ErrInvalidAmount       = Validation("invalid_amount", "invalid amount")
	ErrInsufficientPool    = Validation("insufficient_pool", "pool amount exceeded")
	ErrReserveExceedsPool  = Validation("reserve_exceeds_pool", "reserve exceeds pool")
	ErrUnauthorized        = Authorization("unauthorized", "caller lacks the required capability")
)
