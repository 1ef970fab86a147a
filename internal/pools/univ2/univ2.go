// Package univ2 prices constant-product (Uniswap V2 style) pools.
//
// Pool token valuation uses the fair-LP formula 2*sqrt(p0*p1*k)/totalSupply,
// which depends on the invariant k and the constituents' market prices but not
// on the pool's internal reserve ratio, so shifting reserves with a flash loan
// does not move it. Spot pricing reads the raw reserve ratio and is therefore
// manipulable; it is meant as a fallback source only.
package univ2

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

const pairABIJSON = `[
  {"inputs": [], "name": "token0", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "token1", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "getReserves", "outputs": [
    {"name": "reserve0", "type": "uint112"},
    {"name": "reserve1", "type": "uint112"},
    {"name": "blockTimestampLast", "type": "uint32"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	pairABI     abi.ABI
	pairABIOnce sync.Once
	pairABIErr  error
)

func pairABIInstance() (abi.ABI, error) {
	pairABIOnce.Do(func() {
		pairABI, pairABIErr = abi.JSON(strings.NewReader(pairABIJSON))
	})
	return pairABI, pairABIErr
}

// DefaultMaxDecimals keeps the four-factor product under sqrt inside a sane
// width.
const DefaultMaxDecimals = 26

// Config carries the module-scoped constants.
type Config struct {
	MaxDecimals uint8
}

// Submodule prices Uniswap V2 style pairs.
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

// PoolParams is the parameter blob for both operations.
type PoolParams struct {
	Pool common.Address `json:"pool"`
}

type pairState struct {
	token0, token1     common.Address
	reserve0, reserve1 *big.Int
}

// PoolTokenPrice returns the unit price of the pair's LP token at
// outputDecimals via the fair-LP formula. Any unpriceable constituent fails
// the valuation.
func (s *Submodule) PoolTokenPrice(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	pool, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	state, err := s.readPair(ctx, pool)
	if err != nil {
		return nil, err
	}
	if state.reserve0.Sign() == 0 || state.reserve1.Sign() == 0 {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrZeroBalance)
	}

	r0, err := s.reserveAtScale(ctx, state.token0, state.reserve0, outputDecimals)
	if err != nil {
		return nil, err
	}
	r1, err := s.reserveAtScale(ctx, state.token1, state.reserve1, outputDecimals)
	if err != nil {
		return nil, err
	}

	price0, err := s.resolver.GetPrice(ctx, state.token0, outputDecimals)
	if err != nil {
		return nil, fmt.Errorf("price token0 %s: %w", state.token0.Hex(), err)
	}
	price1, err := s.resolver.GetPrice(ctx, state.token1, outputDecimals)
	if err != nil {
		return nil, fmt.Errorf("price token1 %s: %w", state.token1.Hex(), err)
	}

	supply, err := s.poolSupplyAtScale(ctx, pool, outputDecimals)
	if err != nil {
		return nil, err
	}

	// 2*sqrt(p0*p1*r0*r1)/supply, everything at outputDecimals. The product
	// sits at 4x scale, its root at 2x, and the supply division lands the
	// result back at outputDecimals.
	product := new(big.Int).Mul(price0, price1)
	product.Mul(product, r0)
	product.Mul(product, r1)
	root := new(big.Int).Sqrt(product)
	out := root.Mul(root, big.NewInt(2))
	return out.Quo(out, supply), nil
}

// TokenSpotPrice prices lookup in USD from the pair's reserve ratio and the
// opposite token's resolved price.
func (s *Submodule) TokenSpotPrice(ctx context.Context, lookup common.Address, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	pool, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	state, err := s.readPair(ctx, pool)
	if err != nil {
		return nil, err
	}

	var destToken common.Address
	var lookupReserve, destReserve *big.Int
	switch lookup {
	case state.token0:
		destToken, lookupReserve, destReserve = state.token1, state.reserve0, state.reserve1
	case state.token1:
		destToken, lookupReserve, destReserve = state.token0, state.reserve1, state.reserve0
	default:
		return nil, fmt.Errorf("pool %s, token %s: %w", pool.Hex(), lookup.Hex(), oracle.ErrTokenNotInPool)
	}

	destPrice, err := s.resolver.GetPrice(ctx, destToken, outputDecimals)
	if err != nil {
		// A two-token pool has exactly one destination candidate.
		s.logger.Debug("destination token unpriceable",
			zap.String("pool", pool.Hex()), zap.String("token", destToken.Hex()), zap.Error(err))
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrNoDestination)
	}

	lookupScaled, err := s.reserveAtScale(ctx, lookup, lookupReserve, outputDecimals)
	if err != nil {
		return nil, err
	}
	if lookupScaled.Sign() == 0 {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrZeroBalance)
	}
	destScaled, err := s.reserveAtScale(ctx, destToken, destReserve, outputDecimals)
	if err != nil {
		return nil, err
	}

	out := new(big.Int).Mul(destScaled, destPrice)
	return out.Quo(out, lookupScaled), nil
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

// readPair probes the pair's type-specific reads; a revert from any of them
// means this is not a constant-product pair.
func (s *Submodule) readPair(ctx context.Context, pool common.Address) (pairState, error) {
	parsed, err := pairABIInstance()
	if err != nil {
		return pairState{}, fmt.Errorf("parse pair abi: %w", err)
	}

	token0, err := s.callAddress(ctx, parsed, pool, "token0")
	if err != nil {
		return pairState{}, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	token1, err := s.callAddress(ctx, parsed, pool, "token1")
	if err != nil {
		return pairState{}, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}

	values, err := s.call(ctx, parsed, pool, "getReserves")
	if err != nil {
		return pairState{}, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	if len(values) != 3 {
		return pairState{}, fmt.Errorf("pool %s: getReserves return size %d", pool.Hex(), len(values))
	}
	reserve0, ok0 := values[0].(*big.Int)
	reserve1, ok1 := values[1].(*big.Int)
	if !ok0 || !ok1 {
		return pairState{}, fmt.Errorf("pool %s: getReserves unexpected types %T %T", pool.Hex(), values[0], values[1])
	}

	return pairState{token0: token0, token1: token1, reserve0: reserve0, reserve1: reserve1}, nil
}

func (s *Submodule) reserveAtScale(ctx context.Context, token common.Address, reserve *big.Int, outputDecimals uint8) (*big.Int, error) {
	decimals, err := erc20.Decimals(ctx, s.caller, token)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	out, err := scale.Convert(reserve, decimals, outputDecimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	return out, nil
}

func (s *Submodule) poolSupplyAtScale(ctx context.Context, pool common.Address, outputDecimals uint8) (*big.Int, error) {
	supply, err := erc20.TotalSupply(ctx, s.caller, pool)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), err)
	}
	if supply.Sign() == 0 {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrZeroSupply)
	}
	poolDecimals, err := erc20.Decimals(ctx, s.caller, pool)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), err)
	}
	return scale.Convert(supply, poolDecimals, outputDecimals, s.cfg.MaxDecimals)
}

func (s *Submodule) callAddress(ctx context.Context, parsed abi.ABI, pool common.Address, method string) (common.Address, error) {
	values, err := s.call(ctx, parsed, pool, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s unexpected type %T", method, values[0])
	}
	return addr, nil
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
