package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"priceScope/internal/fixedmath"
	"priceScope/internal/oracle"
	"priceScope/internal/scale"
)

// StablePoolTokenPrice values one unit of a stable pool's BPT as
// rate * min(constituent prices). The minimum is deliberate: the stable
// invariant guarantees a BPT is redeemable for at least the worst-priced
// constituent's share, so the minimum is the defensible floor while the
// average could be inflated by a single depegged constituent.
func (s *Submodule) StablePoolTokenPrice(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	pool, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	if _, err := s.amplification(ctx, pool); err != nil {
		return nil, err
	}

	if err := s.ensureNotLocked(ctx); err != nil {
		return nil, err
	}

	rate, err := s.poolRate(ctx, pool)
	if err != nil {
		return nil, err
	}

	tokens, _, err := s.poolTokens(ctx, pool)
	if err != nil {
		return nil, err
	}

	var minPrice *big.Int
	counted := 0
	for i, token := range tokens {
		// Composable stable pools register their own BPT; it is not a
		// constituent.
		if token == pool {
			continue
		}
		if token == (common.Address{}) {
			return nil, fmt.Errorf("pool %s token %d: %w", pool.Hex(), i, oracle.ErrZeroAddress)
		}
		price, err := s.resolver.GetPrice(ctx, token, fixedmath.Decimals)
		if err != nil {
			return nil, fmt.Errorf("price constituent %d (%s): %w", i, token.Hex(), err)
		}
		if price.Sign() == 0 {
			return nil, fmt.Errorf("constituent %d (%s): %w", i, token.Hex(), oracle.ErrPriceUnavailable)
		}
		if minPrice == nil || price.Cmp(minPrice) < 0 {
			minPrice = price
		}
		counted++
	}
	if counted == 0 {
		return nil, fmt.Errorf("pool %s has no constituents: %w", pool.Hex(), oracle.ErrLengthMismatch)
	}

	value := new(big.Int).Mul(rate, minPrice)
	value.Quo(value, fixedmath.One)
	out, err := scale.Convert(value, fixedmath.Decimals, outputDecimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("stable pool token priced",
		zap.String("pool", pool.Hex()), zap.Int("constituents", counted), zap.String("price", out.String()))
	return out, nil
}

// StablePoolTokenSpotPrice prices lookup by simulating a one-unit swap from a
// priced destination constituent into the lookup token through the pool's
// exact invariant, then dividing the destination price by the swap output.
func (s *Submodule) StablePoolTokenSpotPrice(ctx context.Context, lookup common.Address, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	pool, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	amp, err := s.amplification(ctx, pool)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNotLocked(ctx); err != nil {
		return nil, err
	}

	tokens, rawBalances, err := s.poolTokens(ctx, pool)
	if err != nil {
		return nil, err
	}

	// Drop the pre-minted BPT entry before running the invariant math.
	constituents := make([]common.Address, 0, len(tokens))
	balances := make([]*big.Int, 0, len(tokens))
	for i, token := range tokens {
		if token == pool {
			continue
		}
		scaled, err := s.balanceAt18(ctx, token, rawBalances[i])
		if err != nil {
			return nil, err
		}
		if scaled.Sign() == 0 {
			return nil, fmt.Errorf("pool %s token %s: %w", pool.Hex(), token.Hex(), oracle.ErrZeroBalance)
		}
		constituents = append(constituents, token)
		balances = append(balances, scaled)
	}

	lookupIndex := indexOf(constituents, lookup)
	if lookupIndex < 0 {
		return nil, fmt.Errorf("pool %s, token %s: %w", pool.Hex(), lookup.Hex(), oracle.ErrTokenNotInPool)
	}

	destIndex, destPrice := s.findDestination(ctx, pool, constituents, lookupIndex, outputDecimals)
	if destIndex < 0 {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrNoDestination)
	}

	invariant, err := fixedmath.StableInvariant(amp, balances)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), err)
	}

	// One destination token in, lookup tokens out.
	swapOut, err := fixedmath.StableOutGivenIn(amp, balances, destIndex, lookupIndex, fixedmath.One, invariant)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), err)
	}
	if swapOut.Sign() == 0 {
		return nil, fmt.Errorf("pool %s swap output is zero: %w", pool.Hex(), oracle.ErrPriceUnavailable)
	}

	out := new(big.Int).Mul(destPrice, fixedmath.One)
	return out.Quo(out, swapOut), nil
}

// amplification reads the pool's amplification parameter, normalizing it to
// the fixedmath.AmpPrecision scale. A revert marks a non-stable pool.
func (s *Submodule) amplification(ctx context.Context, pool common.Address) (*big.Int, error) {
	_, poolParsed, err := abis()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := s.call(ctx, poolParsed, pool, "getAmplificationParameter")
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("getAmplificationParameter return size %d", len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("amplification unexpected type %T", values[0])
	}
	precision, ok := values[2].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("amplification precision unexpected type %T", values[2])
	}
	if precision.Sign() == 0 {
		return nil, fmt.Errorf("pool %s amplification precision is zero: %w", pool.Hex(), oracle.ErrInvalidParams)
	}

	amp := new(big.Int).Mul(value, big.NewInt(fixedmath.AmpPrecision))
	return amp.Quo(amp, precision), nil
}

func (s *Submodule) poolRate(ctx context.Context, pool common.Address) (*big.Int, error) {
	_, poolParsed, err := abis()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := s.call(ctx, poolParsed, pool, "getRate")
	if err != nil {
		return nil, fmt.Errorf("pool %s getRate: %w", pool.Hex(), err)
	}
	rate, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getRate unexpected type %T", values[0])
	}
	if rate.Sign() == 0 {
		return nil, fmt.Errorf("pool %s rate is zero: %w", pool.Hex(), oracle.ErrPriceUnavailable)
	}
	return rate, nil
}
