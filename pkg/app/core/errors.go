package core

import "errors"

// Validation errors. Returned synchronously, no state is changed.
var (
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidPrice        = errors.New("limit price must be positive")
	ErrInvalidSide         = errors.New("side must be BUY or SELL")
	ErrUnknownToken        = errors.New("unknown token")
	ErrTokenNotTradable    = errors.New("token is not tradable")
	ErrOrderExpired        = errors.New("expiry must be in the future")
	ErrMissingUser         = errors.New("user id is required")
	ErrInsufficientHolding = errors.New("insufficient token holding")
)

// Lookup and state errors.
var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrNotOrderOwner       = errors.New("order belongs to another user")
	ErrOrderNotCancellable = errors.New("order is not open")
	ErrTradeNotFound       = errors.New("trade not found")
	ErrTradeFinalized      = errors.New("trade already finalized")
	ErrEngineClosed        = errors.New("matching engine closed")
)

// IsValidation reports whether err is an input validation failure.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidQuantity, ErrInvalidPrice, ErrInvalidSide, ErrUnknownToken,
		ErrTokenNotTradable, ErrOrderExpired, ErrMissingUser, ErrInsufficientHolding,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
