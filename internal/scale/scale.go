// Package scale converts raw integer quantities between decimal precisions.
// Every feed and pool adapter funnels through Convert, so the rules here are
// load-bearing: multiply before dividing, truncate toward zero, and refuse
// exponents large enough to make the intermediate product unreasonable.
package scale

import (
	"math/big"

	"priceScope/internal/oracle"
)

var ten = big.NewInt(10)

// Pow10 returns 10^exp as a fresh big.Int.
func Pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(exp)), nil)
}

// Convert rescales value from sourceDecimals to targetDecimals, truncating
// toward zero. Both exponents must be <= maxDecimals; violations report which
// side offended and the limit.
func Convert(value *big.Int, sourceDecimals, targetDecimals, maxDecimals uint8) (*big.Int, error) {
	if sourceDecimals > maxDecimals {
		return nil, &oracle.DecimalsError{Field: "source decimals", Value: sourceDecimals, Max: maxDecimals}
	}
	if targetDecimals > maxDecimals {
		return nil, &oracle.DecimalsError{Field: "target decimals", Value: targetDecimals, Max: maxDecimals}
	}
	if value == nil {
		return new(big.Int), nil
	}

	out := new(big.Int).Mul(value, Pow10(targetDecimals))
	out.Quo(out, Pow10(sourceDecimals))
	return out, nil
}
