// Package resolver orchestrates price resolution: it looks an asset up in the
// registry, fans out to every configured source, and reconciles the raw
// observations through the asset's aggregation strategy. It implements
// oracle.PriceResolver, so the pool submodules it dispatches to can call back
// in to price their constituent tokens.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"priceScope/internal/config"
	"priceScope/internal/feeds"
	"priceScope/internal/oracle"
	"priceScope/internal/pools/balancer"
	"priceScope/internal/pools/bunni"
	"priceScope/internal/pools/curve"
	"priceScope/internal/pools/erc4626"
	"priceScope/internal/pools/univ2"
	"priceScope/internal/pools/univ3"
	"priceScope/internal/strategy"
)

// SourceFunc fetches one raw observation for an asset.
type SourceFunc func(ctx context.Context, lookup common.Address, params json.RawMessage, outputDecimals uint8) (*big.Int, error)

// Submodules bundles the price sources the resolver dispatches to. Any nil
// entry simply leaves its kinds unregistered.
type Submodules struct {
	Feeds    *feeds.Chainlink
	UniV2    *univ2.Submodule
	UniV3    *univ3.Submodule
	Balancer *balancer.Submodule
	Curve    *curve.Submodule
	ERC4626  *erc4626.Submodule
	Bunni    *bunni.Submodule
}

// Resolver implements oracle.PriceResolver over a validated registry.
type Resolver struct {
	registry *config.Registry
	sources  map[string]SourceFunc
	logger   *zap.Logger
}

func New(registry *config.Registry, subs Submodules, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		registry: registry,
		sources:  make(map[string]SourceFunc),
		logger:   logger,
	}

	if subs.Feeds != nil {
		r.register(config.KindFeed, ignoreLookup(subs.Feeds.GetOneFeedPrice))
		r.register(config.KindFeedDiv, ignoreLookup(subs.Feeds.GetTwoFeedPriceDiv))
		r.register(config.KindFeedMul, ignoreLookup(subs.Feeds.GetTwoFeedPriceMul))
	}
	if subs.UniV2 != nil {
		r.register(config.KindUniV2LP, ignoreLookup(subs.UniV2.PoolTokenPrice))
		r.register(config.KindUniV2Spot, subs.UniV2.TokenSpotPrice)
	}
	if subs.UniV3 != nil {
		r.register(config.KindUniV3TWAP, subs.UniV3.TokenTWAP)
		r.register(config.KindUniV3Spot, subs.UniV3.TokenSpotPrice)
	}
	if subs.Balancer != nil {
		r.register(config.KindBalancerWeightedLP, ignoreLookup(subs.Balancer.WeightedPoolTokenPrice))
		r.register(config.KindBalancerWeightedSpot, subs.Balancer.WeightedPoolTokenSpotPrice)
		r.register(config.KindBalancerStableLP, ignoreLookup(subs.Balancer.StablePoolTokenPrice))
		r.register(config.KindBalancerStableSpot, subs.Balancer.StablePoolTokenSpotPrice)
	}
	if subs.Curve != nil {
		r.register(config.KindCurveLP, ignoreLookup(subs.Curve.PoolTokenPrice))
	}
	if subs.ERC4626 != nil {
		r.register(config.KindERC4626, ignoreLookup(subs.ERC4626.PoolTokenPrice))
	}
	if subs.Bunni != nil {
		r.register(config.KindBunni, ignoreLookup(subs.Bunni.PoolTokenPrice))
	}
	return r
}

func (r *Resolver) register(kind string, fn SourceFunc) {
	r.sources[kind] = fn
}

// ignoreLookup adapts pool-token pricers, which identify their asset through
// params alone, to the SourceFunc shape.
func ignoreLookup(fn func(context.Context, json.RawMessage, uint8) (*big.Int, error)) SourceFunc {
	return func(ctx context.Context, _ common.Address, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
		return fn(ctx, params, outputDecimals)
	}
}

type visitingKey struct{}

// visiting is the set of assets currently being resolved further up this call
// chain. It rides the context because resolution re-enters through submodules
// pricing constituents, and a registry that (mis)configures two assets in
// terms of each other must terminate instead of recursing.
func visitingSet(ctx context.Context) map[common.Address]struct{} {
	if v, ok := ctx.Value(visitingKey{}).(map[common.Address]struct{}); ok {
		return v
	}
	return nil
}

// Result is one completed resolution with its source health.
type Result struct {
	Price        *big.Int
	SourcesOK    int
	SourcesTotal int
}

// GetPrice resolves an asset through its configured sources and strategy.
func (r *Resolver) GetPrice(ctx context.Context, asset common.Address, outputDecimals uint8) (*big.Int, error) {
	result, err := r.Resolve(ctx, asset, outputDecimals)
	if err != nil {
		return nil, err
	}
	return result.Price, nil
}

// Resolve is GetPrice plus source health, recorded by the snapshot daemon.
func (r *Resolver) Resolve(ctx context.Context, asset common.Address, outputDecimals uint8) (*Result, error) {
	entry, ok := r.registry.Lookup(asset)
	if !ok {
		return nil, fmt.Errorf("asset %s not in registry: %w", asset.Hex(), oracle.ErrPriceUnavailable)
	}

	visiting := visitingSet(ctx)
	if visiting == nil {
		visiting = make(map[common.Address]struct{})
		ctx = context.WithValue(ctx, visitingKey{}, visiting)
	}
	if _, mid := visiting[asset]; mid {
		return nil, fmt.Errorf("asset %s depends on its own price: %w", asset.Hex(), oracle.ErrPriceUnavailable)
	}
	visiting[asset] = struct{}{}
	defer delete(visiting, asset)

	observations := make([]*big.Int, 0, len(entry.Sources))
	sourcesOK := 0
	for i, source := range entry.Sources {
		fn, ok := r.sources[source.Kind]
		if !ok {
			return nil, fmt.Errorf("asset %s source %d: kind %q not wired", asset.Hex(), i, source.Kind)
		}
		price, err := fn(ctx, asset, source.Params, outputDecimals)
		if err != nil {
			// A failed source is a zero observation, never a retry.
			r.logger.Warn("source failed",
				zap.String("asset", entry.Symbol), zap.Int("source", i),
				zap.String("kind", source.Kind), zap.Error(err))
			observations = append(observations, new(big.Int))
			continue
		}
		observations = append(observations, price)
		if price.Sign() != 0 {
			sourcesOK++
		}
	}

	price, err := r.applyStrategy(entry, observations)
	if err != nil {
		if errors.Is(err, strategy.ErrNoNonZeroPrices) {
			return nil, fmt.Errorf("asset %s: %v: %w", asset.Hex(), err, oracle.ErrPriceUnavailable)
		}
		return nil, fmt.Errorf("asset %s strategy %s: %w", asset.Hex(), entry.Strategy, err)
	}
	if price.Sign() == 0 {
		return nil, fmt.Errorf("asset %s: all %d sources returned nothing: %w",
			asset.Hex(), len(entry.Sources), oracle.ErrPriceUnavailable)
	}

	r.logger.Debug("asset resolved",
		zap.String("asset", entry.Symbol), zap.Int("sources_ok", sourcesOK),
		zap.Int("sources", len(entry.Sources)), zap.String("price", price.String()))
	return &Result{Price: price, SourcesOK: sourcesOK, SourcesTotal: len(entry.Sources)}, nil
}

func (r *Resolver) applyStrategy(entry *config.AssetConfig, observations []*big.Int) (*big.Int, error) {
	switch entry.Strategy {
	case config.StrategyFirstNonZero:
		return strategy.FirstNonZero(observations)
	case config.StrategyAverage:
		return strategy.Average(observations)
	case config.StrategyMedian:
		return strategy.Median(observations)
	case config.StrategyAverageIfDeviation:
		return strategy.AverageIfDeviation(observations, entry.DeviationBps)
	case config.StrategyMedianIfDeviation:
		return strategy.MedianIfDeviation(observations, entry.DeviationBps)
	default:
		return nil, fmt.Errorf("unknown strategy %q: %w", entry.Strategy, oracle.ErrInvalidParams)
	}
}
