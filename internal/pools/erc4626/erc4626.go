// Package erc4626 prices vault shares through the vault's own conversion
// function: one whole share converted to the underlying asset, times the
// asset's resolved price.
package erc4626

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"priceScope/internal/erc20"
	"priceScope/internal/oracle"
	"priceScope/internal/scale"
)

const vaultABIJSON = `[
  {"inputs": [], "name": "asset", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "shares", "type": "uint256"}], "name": "convertToAssets", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

var (
	vaultABI     abi.ABI
	abiParseOnce sync.Once
	abiParseErr  error
)

func parsedABI() (abi.ABI, error) {
	abiParseOnce.Do(func() {
		vaultABI, abiParseErr = abi.JSON(strings.NewReader(vaultABIJSON))
	})
	return vaultABI, abiParseErr
}

// DefaultMaxDecimals bounds share, asset and output decimals.
const DefaultMaxDecimals = 38

// Config carries the module-scoped constants.
type Config struct {
	MaxDecimals uint8
}

// Submodule prices ERC4626 vault shares.
type Submodule struct {
	caller   oracle.ContractCaller
	resolver oracle.PriceResolver
	cfg      Config
	logger   *zap.Logger
}

func New(caller oracle.ContractCaller, resolver oracle.PriceResolver, cfg Config, logger *zap.Logger) *Submodule {
	if cfg.MaxDecimals == 0 {
		cfg.MaxDecimals = DefaultMaxDecimals
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submodule{caller: caller, resolver: resolver, cfg: cfg, logger: logger}
}

// VaultParams is the parameter blob for vault share valuations.
type VaultParams struct {
	Vault common.Address `json:"vault"`
}

// PoolTokenPrice values one whole share as
// convertToAssets(10^shareDecimals) * assetPrice / 10^assetDecimals.
// The vault's conversion already reflects accrued yield, so no separate
// reserve read or lock probe exists for this asset class.
func (s *Submodule) PoolTokenPrice(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	var p VaultParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", oracle.ErrInvalidParams, err)
	}
	if p.Vault == (common.Address{}) {
		return nil, fmt.Errorf("vault: %w", oracle.ErrZeroAddress)
	}
	if outputDecimals > s.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "output decimals", Value: outputDecimals, Max: s.cfg.MaxDecimals}
	}

	asset, err := s.asset(ctx, p.Vault)
	if err != nil {
		return nil, err
	}

	shareDecimals, err := erc20.Decimals(ctx, s.caller, p.Vault)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", p.Vault.Hex(), err)
	}
	if shareDecimals > s.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "share decimals", Value: shareDecimals, Max: s.cfg.MaxDecimals}
	}
	assetDecimals, err := erc20.Decimals(ctx, s.caller, asset)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", asset.Hex(), err)
	}
	if assetDecimals > s.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "asset decimals", Value: assetDecimals, Max: s.cfg.MaxDecimals}
	}

	assetsPerShare, err := s.convertToAssets(ctx, p.Vault, scale.Pow10(shareDecimals))
	if err != nil {
		return nil, err
	}
	if assetsPerShare.Sign() == 0 {
		return nil, fmt.Errorf("vault %s converts a share to nothing: %w", p.Vault.Hex(), oracle.ErrInvalidPrice)
	}

	assetPrice, err := s.resolver.GetPrice(ctx, asset, outputDecimals)
	if err != nil {
		return nil, fmt.Errorf("price asset %s: %w", asset.Hex(), err)
	}
	if assetPrice.Sign() == 0 {
		return nil, fmt.Errorf("asset %s: %w", asset.Hex(), oracle.ErrPriceUnavailable)
	}

	value := new(big.Int).Mul(assetsPerShare, assetPrice)
	value.Quo(value, scale.Pow10(assetDecimals))

	s.logger.Debug("vault share priced",
		zap.String("vault", p.Vault.Hex()), zap.String("asset", asset.Hex()), zap.String("price", value.String()))
	return value, nil
}

// asset reads the vault's underlying token. A revert marks a non-4626 target.
func (s *Submodule) asset(ctx context.Context, vault common.Address) (common.Address, error) {
	parsed, err := parsedABI()
	if err != nil {
		return common.Address{}, fmt.Errorf("parse vault abi: %w", err)
	}
	data, err := parsed.Pack("asset")
	if err != nil {
		return common.Address{}, fmt.Errorf("pack asset: %w", err)
	}
	msg := ethereum.CallMsg{To: &vault, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("vault %s: %w: %v", vault.Hex(), oracle.ErrWrongPoolType, err)
	}
	values, err := parsed.Unpack("asset", resp)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack asset: %w", err)
	}
	asset, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("asset unexpected type %T", values[0])
	}
	if asset == (common.Address{}) {
		return common.Address{}, fmt.Errorf("vault %s asset: %w", vault.Hex(), oracle.ErrZeroAddress)
	}
	return asset, nil
}

func (s *Submodule) convertToAssets(ctx context.Context, vault common.Address, shares *big.Int) (*big.Int, error) {
	parsed, err := parsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}
	data, err := parsed.Pack("convertToAssets", shares)
	if err != nil {
		return nil, fmt.Errorf("pack convertToAssets: %w", err)
	}
	msg := ethereum.CallMsg{To: &vault, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("vault %s convertToAssets: %w", vault.Hex(), err)
	}
	values, err := parsed.Unpack("convertToAssets", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack convertToAssets: %w", err)
	}
	assets, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("convertToAssets unexpected type %T", values[0])
	}
	return assets, nil
}
