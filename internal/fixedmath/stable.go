package fixedmath

import (
	"errors"
	"math/big"
)

// AmpPrecision is the scale of the amplification parameter as reported by
// stable pools (raw amp = amplification * AmpPrecision).
const AmpPrecision = 1000

var (
	ErrInvariantDiverged = errors.New("fixedmath: stable invariant did not converge")
	ErrBalanceDiverged   = errors.New("fixedmath: stable balance did not converge")
	ErrBadTokenIndex     = errors.New("fixedmath: token index out of range")
)

var ampPrecisionInt = big.NewInt(AmpPrecision)

// StableInvariant computes the stable-swap invariant D for balances scaled to
// 18 decimals, by Newton iteration. amp is the raw amplification parameter
// (already multiplied by AmpPrecision). Returns 0 for an empty pool.
func StableInvariant(amp *big.Int, balances []*big.Int) (*big.Int, error) {
	n := int64(len(balances))
	nInt := big.NewInt(n)

	sum := new(big.Int)
	for _, b := range balances {
		sum.Add(sum, b)
	}
	if sum.Sign() == 0 {
		return new(big.Int), nil
	}

	invariant := new(big.Int).Set(sum)
	ampTimesTotal := new(big.Int).Mul(amp, nInt)
	one := big.NewInt(1)

	for i := 0; i < 255; i++ {
		// pd = n^n * Π balances / D^(n-1), built incrementally.
		pd := new(big.Int).Mul(balances[0], nInt)
		for j := int64(1); j < n; j++ {
			pd.Mul(pd, balances[j])
			pd.Mul(pd, nInt)
			pd.Quo(pd, invariant)
		}

		prev := new(big.Int).Set(invariant)

		num := new(big.Int).Mul(nInt, invariant)
		num.Mul(num, invariant)
		aux := new(big.Int).Mul(ampTimesTotal, sum)
		aux.Mul(aux, pd)
		aux.Quo(aux, ampPrecisionInt)
		num.Add(num, aux)

		den := new(big.Int).Mul(big.NewInt(n+1), invariant)
		aux = new(big.Int).Sub(ampTimesTotal, ampPrecisionInt)
		aux.Mul(aux, pd)
		aux.Quo(aux, ampPrecisionInt)
		den.Add(den, aux)

		invariant = num.Quo(num, den)

		diff := new(big.Int).Sub(invariant, prev)
		if diff.CmpAbs(one) <= 0 {
			return invariant, nil
		}
	}
	return nil, ErrInvariantDiverged
}

// StableOutGivenIn simulates an exact-in swap on a stable pool: amountIn of
// token indexIn enters, and the invariant determines how much of token
// indexOut leaves. All balances and amounts are 18-decimal scaled.
func StableOutGivenIn(amp *big.Int, balances []*big.Int, indexIn, indexOut int, amountIn, invariant *big.Int) (*big.Int, error) {
	if indexIn < 0 || indexIn >= len(balances) || indexOut < 0 || indexOut >= len(balances) || indexIn == indexOut {
		return nil, ErrBadTokenIndex
	}

	adjusted := make([]*big.Int, len(balances))
	for i, b := range balances {
		adjusted[i] = new(big.Int).Set(b)
	}
	adjusted[indexIn].Add(adjusted[indexIn], amountIn)

	finalOut, err := stableBalanceGivenInvariant(amp, adjusted, invariant, indexOut)
	if err != nil {
		return nil, err
	}

	out := new(big.Int).Sub(balances[indexOut], finalOut)
	out.Sub(out, big.NewInt(1))
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out, nil
}

// stableBalanceGivenInvariant solves for the balance of one token that keeps
// the invariant satisfied given all other balances, by Newton iteration on
// f(x) = x^2 + c over the line 2x + b - D.
func stableBalanceGivenInvariant(amp *big.Int, balances []*big.Int, invariant *big.Int, tokenIndex int) (*big.Int, error) {
	n := int64(len(balances))
	nInt := big.NewInt(n)

	ampTimesTotal := new(big.Int).Mul(amp, nInt)
	sum := new(big.Int).Set(balances[0])
	pd := new(big.Int).Mul(balances[0], nInt)
	for j := int64(1); j < n; j++ {
		pd.Mul(pd, balances[j])
		pd.Mul(pd, nInt)
		pd.Quo(pd, invariant)
		sum.Add(sum, balances[j])
	}
	sum.Sub(sum, balances[tokenIndex])

	invSquared := new(big.Int).Mul(invariant, invariant)

	c := new(big.Int).Mul(ampTimesTotal, pd)
	c = divUp(invSquared, c)
	c.Mul(c, ampPrecisionInt)
	c.Mul(c, balances[tokenIndex])

	b := new(big.Int).Quo(invariant, ampTimesTotal)
	b.Mul(b, ampPrecisionInt)
	b.Add(b, sum)

	one := big.NewInt(1)
	balance := divUp(new(big.Int).Add(invSquared, c), new(big.Int).Add(invariant, b))
	for i := 0; i < 255; i++ {
		prev := new(big.Int).Set(balance)

		num := new(big.Int).Mul(balance, balance)
		num.Add(num, c)
		den := new(big.Int).Mul(balance, big.NewInt(2))
		den.Add(den, b)
		den.Sub(den, invariant)
		balance = divUp(num, den)

		diff := new(big.Int).Sub(balance, prev)
		if diff.CmpAbs(one) <= 0 {
			return balance, nil
		}
	}
	return nil, ErrBalanceDiverged
}

func divUp(a, b *big.Int) *big.Int {
	if a.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Sub(a, big.NewInt(1))
	out.Quo(out, b)
	return out.Add(out, big.NewInt(1))
}
