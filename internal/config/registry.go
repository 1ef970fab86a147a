package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Source kinds dispatched by the resolver.
const (
	KindFeed                 = "feed"
	KindFeedDiv              = "feed-div"
	KindFeedMul              = "feed-mul"
	KindUniV2LP              = "univ2-lp"
	KindUniV2Spot            = "univ2-spot"
	KindUniV3TWAP            = "univ3-twap"
	KindUniV3Spot            = "univ3-spot"
	KindBalancerWeightedLP   = "balancer-weighted-lp"
	KindBalancerWeightedSpot = "balancer-weighted-spot"
	KindBalancerStableLP     = "balancer-stable-lp"
	KindBalancerStableSpot   = "balancer-stable-spot"
	KindCurveLP              = "curve-lp"
	KindERC4626              = "erc4626"
	KindBunni                = "bunni"
)

// Aggregation strategy names.
const (
	StrategyFirstNonZero       = "first_non_zero"
	StrategyAverage            = "average"
	StrategyMedian             = "median"
	StrategyAverageIfDeviation = "average_if_deviation"
	StrategyMedianIfDeviation  = "median_if_deviation"
)

var knownKinds = map[string]struct{}{
	KindFeed: {}, KindFeedDiv: {}, KindFeedMul: {},
	KindUniV2LP: {}, KindUniV2Spot: {},
	KindUniV3TWAP: {}, KindUniV3Spot: {},
	KindBalancerWeightedLP: {}, KindBalancerWeightedSpot: {},
	KindBalancerStableLP: {}, KindBalancerStableSpot: {},
	KindCurveLP: {}, KindERC4626: {}, KindBunni: {},
}

var knownStrategies = map[string]struct{}{
	StrategyFirstNonZero: {}, StrategyAverage: {}, StrategyMedian: {},
	StrategyAverageIfDeviation: {}, StrategyMedianIfDeviation: {},
}

// gatedStrategies require a non-zero deviation threshold.
var gatedStrategies = map[string]struct{}{
	StrategyAverageIfDeviation: {}, StrategyMedianIfDeviation: {},
}

// SourceConfig is one price source for an asset: a dispatch kind plus the
// source-specific parameter blob the submodule decodes itself.
type SourceConfig struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// AssetConfig describes how one asset is resolved.
type AssetConfig struct {
	Asset        string         `json:"asset"`
	Symbol       string         `json:"symbol"`
	Strategy     string         `json:"strategy"`
	DeviationBps uint32         `json:"deviation_bps"`
	Sources      []SourceConfig `json:"sources"`

	// Address is the parsed form of Asset, populated by Validate.
	Address common.Address `json:"-"`
}

// Registry is the full asset registry file.
type Registry struct {
	Assets []AssetConfig `json:"assets"`
}

// LoadRegistry reads and validates the registry file. Every configuration
// mistake is rejected here, at startup, rather than surfacing as a confusing
// resolution failure later.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate checks every asset entry and fills in parsed addresses.
func (r *Registry) Validate() error {
	if len(r.Assets) == 0 {
		return fmt.Errorf("registry has no assets")
	}

	seen := make(map[common.Address]string, len(r.Assets))
	for i := range r.Assets {
		asset := &r.Assets[i]
		label := asset.Symbol
		if label == "" {
			label = asset.Asset
		}

		if !common.IsHexAddress(asset.Asset) {
			return fmt.Errorf("asset %q: malformed address %q", label, asset.Asset)
		}
		asset.Address = common.HexToAddress(asset.Asset)
		if asset.Address == (common.Address{}) {
			return fmt.Errorf("asset %q: zero address", label)
		}
		if prev, dup := seen[asset.Address]; dup {
			return fmt.Errorf("asset %q: duplicate of %q", label, prev)
		}
		seen[asset.Address] = label

		if _, ok := knownStrategies[asset.Strategy]; !ok {
			return fmt.Errorf("asset %q: unknown strategy %q", label, asset.Strategy)
		}
		if _, gated := gatedStrategies[asset.Strategy]; gated {
			if asset.DeviationBps == 0 || asset.DeviationBps > 10000 {
				return fmt.Errorf("asset %q: strategy %q needs deviation_bps in 1..10000, got %d",
					label, asset.Strategy, asset.DeviationBps)
			}
		}

		if len(asset.Sources) == 0 {
			return fmt.Errorf("asset %q: no sources", label)
		}
		for j, source := range asset.Sources {
			kind := strings.TrimSpace(source.Kind)
			if _, ok := knownKinds[kind]; !ok {
				return fmt.Errorf("asset %q source %d: unknown kind %q", label, j, source.Kind)
			}
			if len(source.Params) == 0 {
				return fmt.Errorf("asset %q source %d (%s): missing params", label, j, kind)
			}
		}
	}
	return nil
}

// Lookup returns the registry entry for an asset address.
func (r *Registry) Lookup(asset common.Address) (*AssetConfig, bool) {
	for i := range r.Assets {
		if r.Assets[i].Address == asset {
			return &r.Assets[i], true
		}
	}
	return nil, false
}
