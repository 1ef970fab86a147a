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

// WeightedPoolTokenPrice values one unit of a weighted pool's BPT as
// (invariant/totalSupply) * Π(price_i/weight_i)^weight_i. The product term
// depends only on constituent market prices and the fixed weights, so the
// valuation cannot be moved by shifting the pool's internal balances.
func (s *Submodule) WeightedPoolTokenPrice(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	pool, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	weights, err := s.normalizedWeights(ctx, pool)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNotLocked(ctx); err != nil {
		return nil, err
	}

	tokens, _, err := s.poolTokens(ctx, pool)
	if err != nil {
		return nil, err
	}
	if len(tokens) != len(weights) {
		return nil, fmt.Errorf("pool %s tokens %d weights %d: %w",
			pool.Hex(), len(tokens), len(weights), oracle.ErrLengthMismatch)
	}

	product := new(big.Int).Set(fixedmath.One)
	for i, token := range tokens {
		if token == (common.Address{}) {
			return nil, fmt.Errorf("pool %s token %d: %w", pool.Hex(), i, oracle.ErrZeroAddress)
		}
		if weights[i] == nil || weights[i].Sign() == 0 {
			return nil, fmt.Errorf("pool %s weight %d is zero: %w", pool.Hex(), i, oracle.ErrInvalidParams)
		}

		price, err := s.resolver.GetPrice(ctx, token, fixedmath.Decimals)
		if err != nil {
			return nil, fmt.Errorf("price constituent %d (%s): %w", i, token.Hex(), err)
		}
		if price.Sign() == 0 {
			return nil, fmt.Errorf("constituent %d (%s): %w", i, token.Hex(), oracle.ErrPriceUnavailable)
		}

		ratio := new(big.Int).Mul(price, fixedmath.One)
		ratio.Quo(ratio, weights[i])
		factor, err := fixedmath.Pow(ratio, weights[i])
		if err != nil {
			return nil, fmt.Errorf("pool %s constituent %d: %w", pool.Hex(), i, err)
		}
		product.Mul(product, factor)
		product.Quo(product, fixedmath.One)
	}

	invariant, err := s.invariant(ctx, pool)
	if err != nil {
		return nil, err
	}
	supply, err := s.supplyAt18(ctx, pool)
	if err != nil {
		return nil, err
	}

	value := new(big.Int).Mul(invariant, product)
	value.Quo(value, supply)
	out, err := scale.Convert(value, fixedmath.Decimals, outputDecimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("weighted pool token priced",
		zap.String("pool", pool.Hex()), zap.Int("constituents", len(tokens)), zap.String("price", out.String()))
	return out, nil
}

// WeightedPoolTokenSpotPrice prices lookup against the first constituent the
// resolver can value, using the weight-adjusted balance ratio. Unpriceable
// candidates are skipped; the valuation fails only when none remains.
func (s *Submodule) WeightedPoolTokenSpotPrice(ctx context.Context, lookup common.Address, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	pool, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	weights, err := s.normalizedWeights(ctx, pool)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNotLocked(ctx); err != nil {
		return nil, err
	}

	tokens, balances, err := s.poolTokens(ctx, pool)
	if err != nil {
		return nil, err
	}
	if len(tokens) != len(weights) {
		return nil, fmt.Errorf("pool %s tokens %d weights %d: %w",
			pool.Hex(), len(tokens), len(weights), oracle.ErrLengthMismatch)
	}

	lookupIndex := indexOf(tokens, lookup)
	if lookupIndex < 0 {
		return nil, fmt.Errorf("pool %s, token %s: %w", pool.Hex(), lookup.Hex(), oracle.ErrTokenNotInPool)
	}
	if weights[lookupIndex].Sign() == 0 {
		return nil, fmt.Errorf("pool %s weight %d is zero: %w", pool.Hex(), lookupIndex, oracle.ErrInvalidParams)
	}

	destIndex, destPrice := s.findDestination(ctx, pool, tokens, lookupIndex, outputDecimals)
	if destIndex < 0 {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrNoDestination)
	}
	if weights[destIndex].Sign() == 0 {
		return nil, fmt.Errorf("pool %s weight %d is zero: %w", pool.Hex(), destIndex, oracle.ErrInvalidParams)
	}

	lookupBalance, err := s.balanceAt18(ctx, tokens[lookupIndex], balances[lookupIndex])
	if err != nil {
		return nil, err
	}
	destBalance, err := s.balanceAt18(ctx, tokens[destIndex], balances[destIndex])
	if err != nil {
		return nil, err
	}
	if lookupBalance.Sign() == 0 || destBalance.Sign() == 0 {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrZeroBalance)
	}

	// (destBalance/destWeight) * destPrice / (lookupBalance/lookupWeight);
	// the 1e18 weight scales cancel.
	numer := new(big.Int).Mul(destBalance, weights[lookupIndex])
	numer.Mul(numer, destPrice)
	denom := new(big.Int).Mul(lookupBalance, weights[destIndex])
	return numer.Quo(numer, denom), nil
}

// findDestination scans constituents in pool order for the first one the
// resolver can price, skipping the lookup token and the pool's own token.
func (s *Submodule) findDestination(ctx context.Context, pool common.Address, tokens []common.Address, lookupIndex int, outputDecimals uint8) (int, *big.Int) {
	for i, token := range tokens {
		if i == lookupIndex || token == pool || token == (common.Address{}) {
			continue
		}
		price, err := s.resolver.GetPrice(ctx, token, outputDecimals)
		if err != nil || price.Sign() == 0 {
			s.logger.Debug("destination candidate skipped",
				zap.String("pool", pool.Hex()), zap.String("token", token.Hex()), zap.Error(err))
			continue
		}
		return i, price
	}
	return -1, nil
}

func (s *Submodule) normalizedWeights(ctx context.Context, pool common.Address) ([]*big.Int, error) {
	_, poolParsed, err := abis()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := s.call(ctx, poolParsed, pool, "getNormalizedWeights")
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	weights, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("getNormalizedWeights unexpected type %T", values[0])
	}
	return weights, nil
}

func (s *Submodule) invariant(ctx context.Context, pool common.Address) (*big.Int, error) {
	_, poolParsed, err := abis()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := s.call(ctx, poolParsed, pool, "getInvariant")
	if err != nil {
		return nil, fmt.Errorf("pool %s getInvariant: %w", pool.Hex(), err)
	}
	invariant, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getInvariant unexpected type %T", values[0])
	}
	return invariant, nil
}

func indexOf(tokens []common.Address, token common.Address) int {
	for i, t := range tokens {
		if t == token {
			return i
		}
	}
	return -1
}
