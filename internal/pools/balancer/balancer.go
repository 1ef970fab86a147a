// Package balancer prices Balancer-style vault pools: weighted pools through
// the invariant/weight formula and stable pools through their rate and
// invariant math. Pool state lives in a central vault, so every valuation
// first verifies the vault's mutex is not held (the vault exposes no lock
// getter; a no-op manageUserBalance call reverts while it is).
package balancer

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
	"priceScope/internal/fixedmath"
	"priceScope/internal/oracle"
	"priceScope/internal/scale"
)

const vaultABIJSON = `[
  {"inputs": [{"name": "poolId", "type": "bytes32"}], "name": "getPoolTokens", "outputs": [
    {"name": "tokens", "type": "address[]"},
    {"name": "balances", "type": "uint256[]"},
    {"name": "lastChangeBlock", "type": "uint256"}
  ], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "ops", "type": "tuple[]", "components": [
    {"name": "kind", "type": "uint8"},
    {"name": "asset", "type": "address"},
    {"name": "amount", "type": "uint256"},
    {"name": "sender", "type": "address"},
    {"name": "recipient", "type": "address"}
  ]}], "name": "manageUserBalance", "outputs": [], "stateMutability": "payable", "type": "function"}
]`

const poolABIJSON = `[
  {"inputs": [], "name": "getPoolId", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "getNormalizedWeights", "outputs": [{"type": "uint256[]"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "getInvariant", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "getRate", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "getAmplificationParameter", "outputs": [
    {"name": "value", "type": "uint256"},
    {"name": "isUpdating", "type": "bool"},
    {"name": "precision", "type": "uint256"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	vaultABI     abi.ABI
	poolABI      abi.ABI
	abiParseOnce sync.Once
	abiParseErr  error
)

func abis() (abi.ABI, abi.ABI, error) {
	abiParseOnce.Do(func() {
		vaultABI, abiParseErr = abi.JSON(strings.NewReader(vaultABIJSON))
		if abiParseErr != nil {
			return
		}
		poolABI, abiParseErr = abi.JSON(strings.NewReader(poolABIJSON))
	})
	return vaultABI, poolABI, abiParseErr
}

// DefaultMaxDecimals bounds token and output decimals for this submodule.
const DefaultMaxDecimals = 60

// Config carries the module-scoped constants. Vault is the Balancer vault the
// submodule's pools are registered with.
type Config struct {
	Vault       common.Address
	MaxDecimals uint8
}

// Submodule prices Balancer weighted and stable pools.
type Submodule struct {
	caller   oracle.ContractCaller
	resolver oracle.PriceResolver
	cfg      Config
	logger   *zap.Logger
}

func New(caller oracle.ContractCaller, resolver oracle.PriceResolver, cfg Config, logger *zap.Logger) (*Submodule, error) {
	if cfg.Vault == (common.Address{}) {
		return nil, fmt.Errorf("vault: %w", oracle.ErrZeroAddress)
	}
	if cfg.MaxDecimals == 0 {
		cfg.MaxDecimals = DefaultMaxDecimals
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submodule{caller: caller, resolver: resolver, cfg: cfg, logger: logger}, nil
}

// PoolParams is the parameter blob for every Balancer operation.
type PoolParams struct {
	Pool common.Address `json:"pool"`
}

type userBalanceOp struct {
	Kind      uint8
	Asset     common.Address
	Amount    *big.Int
	Sender    common.Address
	Recipient common.Address
}

// ensureNotLocked performs the vault's no-op user-balance call. The call does
// nothing when the vault is quiescent and reverts while the vault mutex is
// held, which is exactly the reentrancy signal needed before trusting any
// balance read.
func (s *Submodule) ensureNotLocked(ctx context.Context) error {
	vault, _, err := abis()
	if err != nil {
		return fmt.Errorf("parse vault abi: %w", err)
	}
	data, err := vault.Pack("manageUserBalance", []userBalanceOp{})
	if err != nil {
		return fmt.Errorf("pack manageUserBalance: %w", err)
	}
	msg := ethereum.CallMsg{To: &s.cfg.Vault, Data: data}
	if _, err := s.caller.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("vault %s: %w", s.cfg.Vault.Hex(), oracle.ErrReentrancy)
	}
	return nil
}

func (s *Submodule) decodeParams(params json.RawMessage, outputDecimals uint8) (common.Address, error) {
	var p PoolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", oracle.ErrInvalidParams, err)
	}
	if p.Pool == (common.Address{}) {
		return common.Address{}, fmt.Errorf("pool: %w", oracle.ErrZeroAddress)
	}
	if outputDecimals > s.cfg.MaxDecimals {
		return common.Address{}, &oracle.DecimalsError{Field: "output decimals", Value: outputDecimals, Max: s.cfg.MaxDecimals}
	}
	return p.Pool, nil
}

// poolTokens reads the pool's registered tokens and raw balances from the
// vault.
func (s *Submodule) poolTokens(ctx context.Context, pool common.Address) ([]common.Address, []*big.Int, error) {
	vault, poolParsed, err := abis()
	if err != nil {
		return nil, nil, fmt.Errorf("parse abi: %w", err)
	}

	values, err := s.call(ctx, poolParsed, pool, "getPoolId")
	if err != nil {
		return nil, nil, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	poolID, ok := values[0].([32]byte)
	if !ok {
		return nil, nil, fmt.Errorf("pool %s: getPoolId unexpected type %T", pool.Hex(), values[0])
	}

	data, err := vault.Pack("getPoolTokens", poolID)
	if err != nil {
		return nil, nil, fmt.Errorf("pack getPoolTokens: %w", err)
	}
	msg := ethereum.CallMsg{To: &s.cfg.Vault, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("vault getPoolTokens: %w", err)
	}
	values, err = vault.Unpack("getPoolTokens", resp)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack getPoolTokens: %w", err)
	}

	tokens, ok := values[0].([]common.Address)
	if !ok {
		return nil, nil, fmt.Errorf("getPoolTokens tokens unexpected type %T", values[0])
	}
	balances, ok := values[1].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("getPoolTokens balances unexpected type %T", values[1])
	}
	if len(tokens) != len(balances) {
		return nil, nil, fmt.Errorf("pool %s tokens %d balances %d: %w",
			pool.Hex(), len(tokens), len(balances), oracle.ErrLengthMismatch)
	}
	return tokens, balances, nil
}

// balanceAt18 rescales a raw token balance to the 18-decimal internal scale.
func (s *Submodule) balanceAt18(ctx context.Context, token common.Address, balance *big.Int) (*big.Int, error) {
	decimals, err := erc20.Decimals(ctx, s.caller, token)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	out, err := scale.Convert(balance, decimals, fixedmath.Decimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	return out, nil
}

// supplyAt18 reads the pool token's total supply at the 18-decimal scale.
func (s *Submodule) supplyAt18(ctx context.Context, pool common.Address) (*big.Int, error) {
	supply, err := erc20.TotalSupply(ctx, s.caller, pool)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), err)
	}
	if supply.Sign() == 0 {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrZeroSupply)
	}
	decimals, err := erc20.Decimals(ctx, s.caller, pool)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), err)
	}
	return scale.Convert(supply, decimals, fixedmath.Decimals, s.cfg.MaxDecimals)
}

func (s *Submodule) call(ctx context.Context, parsed abi.ABI, target common.Address, method string) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &target, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned nothing", method)
	}
	return values, nil
}
