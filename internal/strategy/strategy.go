// Package strategy reconciles multiple raw price observations for the same
// asset into one value. Observations are fixed-point integers at a caller-wide
// scale; a nil or zero entry means the source failed or had no data. All
// strategies are pure functions: a failed source is skipped, never retried.
package strategy

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

const bpsMax = 10000

var (
	ErrNoObservations  = errors.New("strategy: no observations supplied")
	ErrNotEnoughPrices = errors.New("strategy: not enough observations")
	ErrNoNonZeroPrices = errors.New("strategy: all observations are zero")
	ErrZeroDeviation   = errors.New("strategy: deviation threshold must be non-zero")
	ErrBadDeviation    = errors.New("strategy: deviation threshold above 10000 bps")
)

// FirstNonZero returns the first non-zero observation in order, or zero when
// every entry is zero. An empty input is a misconfiguration.
func FirstNonZero(observations []*big.Int) (*big.Int, error) {
	if len(observations) == 0 {
		return nil, ErrNoObservations
	}
	for _, obs := range observations {
		if obs != nil && obs.Sign() != 0 {
			return new(big.Int).Set(obs), nil
		}
	}
	return new(big.Int), nil
}

// Average returns the arithmetic mean of the non-zero observations. It fails
// when no non-zero observation exists.
func Average(observations []*big.Int) (*big.Int, error) {
	if len(observations) == 0 {
		return nil, ErrNoObservations
	}
	nonZero := filterNonZero(observations)
	if len(nonZero) == 0 {
		return nil, ErrNoNonZeroPrices
	}
	return mean(nonZero), nil
}

// Median returns the middle non-zero observation (or the mean of the two
// middle ones for an even count). Below three non-zero observations it falls
// back to Average.
func Median(observations []*big.Int) (*big.Int, error) {
	if len(observations) == 0 {
		return nil, ErrNoObservations
	}
	nonZero := filterNonZero(observations)
	if len(nonZero) < 3 {
		return Average(observations)
	}
	sortPrices(nonZero)
	return medianOfSorted(nonZero), nil
}

// AverageIfDeviation returns the average of the non-zero observations when
// the set's minimum or maximum deviates from that average by more than
// deviationBps; otherwise it returns the first non-zero observation
// unchanged, trusting the primary source while sources agree. With a single
// non-zero observation it returns it directly; with none it returns zero.
func AverageIfDeviation(observations []*big.Int, deviationBps uint32) (*big.Int, error) {
	if err := checkDeviationInput(observations, deviationBps, 2); err != nil {
		return nil, err
	}

	nonZero := filterNonZero(observations)
	switch len(nonZero) {
	case 0:
		return new(big.Int), nil
	case 1:
		return new(big.Int).Set(nonZero[0]), nil
	}

	sorted := make([]*big.Int, len(nonZero))
	copy(sorted, nonZero)
	sortPrices(sorted)

	average := mean(sorted)
	if deviates(sorted[0], average, deviationBps) || deviates(sorted[len(sorted)-1], average, deviationBps) {
		return average, nil
	}
	return new(big.Int).Set(nonZero[0]), nil
}

// MedianIfDeviation applies the same gate as AverageIfDeviation but returns
// the median of the non-zero observations when deviation is detected, and the
// raw first element (not the first non-zero one) when it is not.
func MedianIfDeviation(observations []*big.Int, deviationBps uint32) (*big.Int, error) {
	if err := checkDeviationInput(observations, deviationBps, 3); err != nil {
		return nil, err
	}

	nonZero := filterNonZero(observations)
	switch len(nonZero) {
	case 0:
		return new(big.Int), nil
	case 1:
		return new(big.Int).Set(nonZero[0]), nil
	}

	sorted := make([]*big.Int, len(nonZero))
	copy(sorted, nonZero)
	sortPrices(sorted)

	average := mean(sorted)
	if deviates(sorted[0], average, deviationBps) || deviates(sorted[len(sorted)-1], average, deviationBps) {
		return medianOfSorted(sorted), nil
	}
	if observations[0] == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(observations[0]), nil
}

func checkDeviationInput(observations []*big.Int, deviationBps uint32, minCount int) error {
	if len(observations) < minCount {
		return fmt.Errorf("%w: need at least %d, got %d", ErrNotEnoughPrices, minCount, len(observations))
	}
	if deviationBps == 0 {
		return ErrZeroDeviation
	}
	if deviationBps > bpsMax {
		return ErrBadDeviation
	}
	return nil
}

// deviates reports whether a and b differ by more than deviationBps relative
// to the larger of the two. A spread of exactly the threshold still counts as
// agreement.
func deviates(a, b *big.Int, deviationBps uint32) bool {
	larger, smaller := a, b
	if larger.Cmp(smaller) < 0 {
		larger, smaller = smaller, larger
	}
	if larger.Sign() == 0 {
		return false
	}
	diff := new(big.Int).Sub(larger, smaller)
	diff.Mul(diff, big.NewInt(bpsMax))
	diff.Quo(diff, larger)
	return diff.Cmp(new(big.Int).SetUint64(uint64(deviationBps))) > 0
}

func filterNonZero(observations []*big.Int) []*big.Int {
	out := make([]*big.Int, 0, len(observations))
	for _, obs := range observations {
		if obs != nil && obs.Sign() != 0 {
			out = append(out, obs)
		}
	}
	return out
}

func sortPrices(prices []*big.Int) {
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
}

func mean(prices []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, p := range prices {
		sum.Add(sum, p)
	}
	return sum.Quo(sum, big.NewInt(int64(len(prices))))
}

func medianOfSorted(sorted []*big.Int) *big.Int {
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewInt(2))
}
