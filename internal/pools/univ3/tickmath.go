package univ3

import (
	"math/big"
)

// tickPrec is the big.Float mantissa width used for tick exponentiation.
// Exponentiation by squaring touches ~20 multiplications at the extreme tick,
// so 256 bits leave the accumulated error far below one unit at any usable
// output scale.
const tickPrec = 256

// maxTick mirrors the tick bound of the concentrated-liquidity design.
const maxTick = 887272

// ratioAtScale returns floor(1.0001^tick * 10^scaleExp). scaleExp may be
// negative. Ticks outside the supported range are clamped to it.
func ratioAtScale(tick int64, scaleExp int) *big.Int {
	if tick > maxTick {
		tick = maxTick
	}
	if tick < -maxTick {
		tick = -maxTick
	}

	ratio := powRatio(tick)

	if scaleExp >= 0 {
		pow := new(big.Float).SetPrec(tickPrec).SetInt(pow10Int(scaleExp))
		ratio.Mul(ratio, pow)
	} else {
		pow := new(big.Float).SetPrec(tickPrec).SetInt(pow10Int(-scaleExp))
		ratio.Quo(ratio, pow)
	}

	out, _ := ratio.Int(nil)
	return out
}

// powRatio computes 1.0001^tick by exponentiation by squaring.
func powRatio(tick int64) *big.Float {
	one := big.NewRat(1, 1)
	base := new(big.Float).SetPrec(tickPrec).SetRat(big.NewRat(10001, 10000))
	result := new(big.Float).SetPrec(tickPrec).SetRat(one)

	n := tick
	if n < 0 {
		n = -n
	}
	acc := new(big.Float).SetPrec(tickPrec).Set(base)
	for n > 0 {
		if n&1 == 1 {
			result.Mul(result, acc)
		}
		n >>= 1
		if n > 0 {
			acc.Mul(acc, acc)
		}
	}

	if tick < 0 {
		inv := new(big.Float).SetPrec(tickPrec).SetRat(one)
		result = inv.Quo(inv, result)
	}
	return result
}

func pow10Int(exp int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
