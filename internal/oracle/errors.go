package oracle

import (
	"errors"
	"fmt"
)

// Configuration errors. Detected before any external call.
var (
	ErrZeroAddress   = errors.New("required address is zero")
	ErrZeroThreshold = errors.New("threshold must be non-zero")
	ErrInvalidParams = errors.New("invalid submodule params")
)

// Source-unavailability errors.
var (
	ErrFeedInvalid      = errors.New("feed unreachable or not a price feed")
	ErrInvalidPrice     = errors.New("feed returned a non-positive price")
	ErrIncompleteRound  = errors.New("feed round not complete")
	ErrStalePrice       = errors.New("feed price is stale")
	ErrPriceUnavailable = errors.New("no price available")
	ErrNoDestination    = errors.New("no priceable destination token in pool")
	ErrTokenNotInPool   = errors.New("lookup token not in pool")
)

// Consistency errors. Defensive checks against pool misconfiguration.
var (
	ErrLengthMismatch = errors.New("pool array lengths mismatch")
	ErrZeroBalance    = errors.New("pool reported a zero balance")
	ErrZeroSupply     = errors.New("pool total supply is zero")
)

// ErrWrongPoolType marks a type-probe failure: the target contract does not
// answer the submodule's type-specific read. Callers may try another submodule.
var ErrWrongPoolType = errors.New("wrong pool type")

// ErrReentrancy marks a pool whose mutex is held while its state is being read.
var ErrReentrancy = errors.New("pool is locked (reentrancy)")

// DecimalsError reports a decimal exponent above a component's overflow-safety
// maximum.
type DecimalsError struct {
	Field string
	Value uint8
	Max   uint8
}

func (e *DecimalsError) Error() string {
	return fmt.Sprintf("%s out of bounds: %d > max %d", e.Field, e.Value, e.Max)
}

// IsDecimalsError reports whether err is (or wraps) a DecimalsError.
func IsDecimalsError(err error) bool {
	var de *DecimalsError
	return errors.As(err, &de)
}
