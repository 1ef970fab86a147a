// Package fixedmath implements the fixed-point numeric primitives the pool
// valuations are built on: natural log, exponential, and power at 18-decimal
// scale, and the stable-swap invariant math. All routines work on big.Int
// values with an explicit 10^18 scale and carry twice that precision (10^36)
// internally so that the final rounding step dominates the error.
package fixedmath

import (
	"errors"
	"fmt"
	"math/big"
)

// Decimals is the fixed internal precision of Pow/Ln/Exp. Callers rescale
// their inputs to this precision first and rescale results afterwards.
const Decimals = 18

var (
	// One is 10^18, the fixed-point representation of 1.
	One = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

	inner     = new(big.Int).Exp(big.NewInt(10), big.NewInt(2*Decimals), nil)
	innerHalf = new(big.Int).Quo(inner, big.NewInt(2))
	twoInner  = new(big.Int).Mul(inner, big.NewInt(2))
	stepHalf  = new(big.Int).Quo(One, big.NewInt(2))

	// ln(2) at 10^36 scale, truncated.
	ln2Inner, _ = new(big.Int).SetString("693147180559945309417232121458176568", 10)

	// exp() argument bound at 10^36 scale. exp(130) already exceeds any price
	// a downstream consumer can represent, matching the usual fixed-point cap.
	maxExpArg = new(big.Int).Mul(big.NewInt(130), inner)
)

var (
	ErrNonPositiveBase  = errors.New("fixedmath: base must be positive")
	ErrNegativeExponent = errors.New("fixedmath: exponent must be non-negative")
	ErrExpOutOfBounds   = errors.New("fixedmath: exp argument out of bounds")
)

// Ln returns the natural logarithm of x (18-decimal fixed point). The result
// is negative for x < 1.
func Ln(x *big.Int) (*big.Int, error) {
	lnX, err := lnInner(x)
	if err != nil {
		return nil, err
	}
	return roundInner(lnX), nil
}

// Exp returns e^x for an 18-decimal fixed-point x, which may be negative.
func Exp(x *big.Int) (*big.Int, error) {
	arg := new(big.Int).Mul(x, One)
	out, err := expInner(arg)
	if err != nil {
		return nil, err
	}
	return roundInner(out), nil
}

// Pow returns x^y for 18-decimal fixed-point x > 0 and y >= 0, computed as
// exp(y * ln(x)) at doubled internal precision and rounded half-up at the end.
func Pow(x, y *big.Int) (*big.Int, error) {
	if x == nil || x.Sign() <= 0 {
		return nil, ErrNonPositiveBase
	}
	if y == nil || y.Sign() < 0 {
		return nil, ErrNegativeExponent
	}
	if y.Sign() == 0 {
		return new(big.Int).Set(One), nil
	}
	if y.Cmp(One) == 0 {
		return new(big.Int).Set(x), nil
	}
	if x.Cmp(One) == 0 {
		return new(big.Int).Set(One), nil
	}

	lnX, err := lnInner(x)
	if err != nil {
		return nil, err
	}

	// y*ln(x): y is 10^18-scaled, lnX 10^36-scaled; dividing by 10^18 keeps
	// the product at inner scale.
	arg := new(big.Int).Mul(lnX, y)
	arg.Quo(arg, One)

	out, err := expInner(arg)
	if err != nil {
		return nil, fmt.Errorf("pow: %w", err)
	}
	return roundInner(out), nil
}

// lnInner computes ln(x18) at 10^36 scale. x18 is 10^18-scaled and must be
// positive. Argument reduction to [1, 2) by powers of two, then the atanh
// series ln(m) = 2*(z + z^3/3 + z^5/5 + ...) with z = (m-1)/(m+1) < 1/3.
func lnInner(x18 *big.Int) (*big.Int, error) {
	if x18 == nil || x18.Sign() <= 0 {
		return nil, ErrNonPositiveBase
	}

	m := new(big.Int).Mul(x18, One)
	k := int64(0)
	for m.Cmp(twoInner) >= 0 {
		m.Rsh(m, 1)
		k++
	}
	for m.Cmp(inner) < 0 {
		m.Lsh(m, 1)
		k--
	}

	num := new(big.Int).Sub(m, inner)
	den := new(big.Int).Add(m, inner)
	z := num.Mul(num, inner)
	z.Quo(z, den)

	zsq := new(big.Int).Mul(z, z)
	zsq.Quo(zsq, inner)

	sum := new(big.Int).Set(z)
	term := new(big.Int).Set(z)
	for n := int64(3); n <= 121; n += 2 {
		term.Mul(term, zsq)
		term.Quo(term, inner)
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, new(big.Int).Quo(term, big.NewInt(n)))
	}
	sum.Mul(sum, big.NewInt(2))

	if k != 0 {
		shift := new(big.Int).Mul(ln2Inner, big.NewInt(k))
		sum.Add(sum, shift)
	}
	return sum, nil
}

// expInner computes e^x at 10^36 scale for a signed 10^36-scaled x.
// Reduction x = k*ln2 + r with r in [0, ln2), Taylor series on r, then a
// binary shift by k.
func expInner(x *big.Int) (*big.Int, error) {
	if x.CmpAbs(maxExpArg) > 0 {
		return nil, ErrExpOutOfBounds
	}

	k := new(big.Int)
	r := new(big.Int)
	k.QuoRem(x, ln2Inner, r)
	if r.Sign() < 0 {
		r.Add(r, ln2Inner)
		k.Sub(k, big.NewInt(1))
	}

	sum := new(big.Int).Set(inner)
	term := new(big.Int).Set(inner)
	for n := int64(1); n <= 64; n++ {
		term.Mul(term, r)
		term.Quo(term, inner)
		term.Quo(term, big.NewInt(n))
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}

	shift := k.Int64()
	switch {
	case shift > 0:
		sum.Lsh(sum, uint(shift))
	case shift < 0:
		sum.Rsh(sum, uint(-shift))
	}
	return sum, nil
}

// roundInner rescales a signed 10^36-scaled value to 10^18, rounding half
// away from zero.
func roundInner(v *big.Int) *big.Int {
	out := new(big.Int)
	if v.Sign() >= 0 {
		out.Add(v, stepHalf)
	} else {
		out.Sub(v, stepHalf)
	}
	return out.Quo(out, One)
}
