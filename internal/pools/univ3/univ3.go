// Package univ3 prices tokens from concentrated-liquidity (Uniswap V3 style)
// pools, either over a time-weighted average tick or from the instantaneous
// tick. TWAP pricing is the safer path; the spot path exists as a fallback
// and guards on the pool's lock flag before trusting slot0.
package univ3

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

const poolABIJSON = `[
  {"inputs": [], "name": "token0", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "token1", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "slot0", "outputs": [
    {"name": "sqrtPriceX96", "type": "uint160"},
    {"name": "tick", "type": "int24"},
    {"name": "observationIndex", "type": "uint16"},
    {"name": "observationCardinality", "type": "uint16"},
    {"name": "observationCardinalityNext", "type": "uint16"},
    {"name": "feeProtocol", "type": "uint8"},
    {"name": "unlocked", "type": "bool"}
  ], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "secondsAgos", "type": "uint32[]"}], "name": "observe", "outputs": [
    {"name": "tickCumulatives", "type": "int56[]"},
    {"name": "secondsPerLiquidityCumulativeX128s", "type": "uint160[]"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	poolABI     abi.ABI
	poolABIOnce sync.Once
	poolABIErr  error
)

func poolABIInstance() (abi.ABI, error) {
	poolABIOnce.Do(func() {
		poolABI, poolABIErr = abi.JSON(strings.NewReader(poolABIJSON))
	})
	return poolABI, poolABIErr
}

const (
	DefaultMaxDecimals = 38

	// DefaultMinObservationWindow is the shortest TWAP window accepted.
	// Shorter windows produce unreliable averages (and revert inside the
	// underlying tick libraries), so they are rejected as misconfiguration.
	DefaultMinObservationWindow = 19
)

// Config carries the module-scoped constants.
type Config struct {
	MaxDecimals          uint8
	MinObservationWindow uint32
}

// Submodule prices tokens via Uniswap V3 style pools.
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
	if cfg.MinObservationWindow == 0 {
		cfg.MinObservationWindow = DefaultMinObservationWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submodule{caller: caller, resolver: resolver, cfg: cfg, logger: logger}
}

// PoolParams is the parameter blob for both operations. ObservationWindow is
// only used by the TWAP path.
type PoolParams struct {
	Pool              common.Address `json:"pool"`
	ObservationWindow uint32         `json:"observationWindowSeconds"`
}

// TokenTWAP prices lookup from the pool's time-weighted average tick over the
// configured window.
func (s *Submodule) TokenTWAP(ctx context.Context, lookup common.Address, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	p, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}
	if p.ObservationWindow < s.cfg.MinObservationWindow {
		return nil, fmt.Errorf("observation window %ds below minimum %ds: %w",
			p.ObservationWindow, s.cfg.MinObservationWindow, oracle.ErrInvalidParams)
	}

	parsed, err := poolABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	token0, token1, err := s.poolTokens(ctx, parsed, p.Pool)
	if err != nil {
		return nil, err
	}

	tick, err := s.meanTick(ctx, parsed, p.Pool, p.ObservationWindow)
	if err != nil {
		return nil, err
	}

	return s.priceAtTick(ctx, lookup, token0, token1, tick, p.Pool, outputDecimals)
}

// TokenSpotPrice prices lookup from the pool's current tick. The slot0 lock
// flag is the reentrancy guard: a locked pool is mid-mutation and its tick
// cannot be trusted.
func (s *Submodule) TokenSpotPrice(ctx context.Context, lookup common.Address, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	p, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	parsed, err := poolABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	token0, token1, err := s.poolTokens(ctx, parsed, p.Pool)
	if err != nil {
		return nil, err
	}

	tick, unlocked, err := s.slot0(ctx, parsed, p.Pool)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w: %v", p.Pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	if !unlocked {
		return nil, fmt.Errorf("pool %s: %w", p.Pool.Hex(), oracle.ErrReentrancy)
	}

	return s.priceAtTick(ctx, lookup, token0, token1, tick, p.Pool, outputDecimals)
}

func (s *Submodule) decodeParams(params json.RawMessage, outputDecimals uint8) (PoolParams, error) {
	var p PoolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return PoolParams{}, fmt.Errorf("%w: %v", oracle.ErrInvalidParams, err)
	}
	if p.Pool == (common.Address{}) {
		return PoolParams{}, fmt.Errorf("pool: %w", oracle.ErrZeroAddress)
	}
	if outputDecimals > s.cfg.MaxDecimals {
		return PoolParams{}, &oracle.DecimalsError{Field: "output decimals", Value: outputDecimals, Max: s.cfg.MaxDecimals}
	}
	return p, nil
}

func (s *Submodule) priceAtTick(ctx context.Context, lookup, token0, token1 common.Address, tick int64, pool common.Address, outputDecimals uint8) (*big.Int, error) {
	var destToken common.Address
	switch lookup {
	case token0:
		destToken = token1
	case token1:
		destToken = token0
		tick = -tick
	default:
		return nil, fmt.Errorf("pool %s, token %s: %w", pool.Hex(), lookup.Hex(), oracle.ErrTokenNotInPool)
	}

	destPrice, err := s.resolver.GetPrice(ctx, destToken, outputDecimals)
	if err != nil {
		s.logger.Debug("quote token unpriceable",
			zap.String("pool", pool.Hex()), zap.String("token", destToken.Hex()), zap.Error(err))
		return nil, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrNoDestination)
	}

	lookupDecimals, err := erc20.Decimals(ctx, s.caller, lookup)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", lookup.Hex(), err)
	}
	destDecimals, err := erc20.Decimals(ctx, s.caller, destToken)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", destToken.Hex(), err)
	}
	if lookupDecimals > s.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "lookup token decimals", Value: lookupDecimals, Max: s.cfg.MaxDecimals}
	}
	if destDecimals > s.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "quote token decimals", Value: destDecimals, Max: s.cfg.MaxDecimals}
	}

	// Units of quote token per lookup token, at outputDecimals.
	ratio := ratioAtScale(tick, int(lookupDecimals)-int(destDecimals)+int(outputDecimals))

	out := new(big.Int).Mul(ratio, destPrice)
	return out.Quo(out, scale.Pow10(outputDecimals)), nil
}

func (s *Submodule) poolTokens(ctx context.Context, parsed abi.ABI, pool common.Address) (common.Address, common.Address, error) {
	token0, err := s.callAddress(ctx, parsed, pool, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	token1, err := s.callAddress(ctx, parsed, pool, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	return token0, token1, nil
}

func (s *Submodule) meanTick(ctx context.Context, parsed abi.ABI, pool common.Address, window uint32) (int64, error) {
	data, err := parsed.Pack("observe", []uint32{window, 0})
	if err != nil {
		return 0, fmt.Errorf("pack observe: %w", err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return 0, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
	}
	values, err := parsed.Unpack("observe", resp)
	if err != nil {
		return 0, fmt.Errorf("unpack observe: %w", err)
	}
	cumulatives, ok := values[0].([]*big.Int)
	if !ok || len(cumulatives) != 2 {
		return 0, fmt.Errorf("pool %s: observe returned unexpected shape", pool.Hex())
	}

	delta := new(big.Int).Sub(cumulatives[1], cumulatives[0])
	return floorDiv(delta.Int64(), int64(window)), nil
}

func (s *Submodule) slot0(ctx context.Context, parsed abi.ABI, pool common.Address) (int64, bool, error) {
	data, err := parsed.Pack("slot0")
	if err != nil {
		return 0, false, fmt.Errorf("pack slot0: %w", err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return 0, false, err
	}
	values, err := parsed.Unpack("slot0", resp)
	if err != nil {
		return 0, false, fmt.Errorf("unpack slot0: %w", err)
	}
	if len(values) != 7 {
		return 0, false, fmt.Errorf("slot0 return size %d", len(values))
	}
	tick, ok := values[1].(*big.Int)
	if !ok {
		return 0, false, fmt.Errorf("slot0 tick unexpected type %T", values[1])
	}
	unlocked, ok := values[6].(bool)
	if !ok {
		return 0, false, fmt.Errorf("slot0 unlocked unexpected type %T", values[6])
	}
	return tick.Int64(), unlocked, nil
}

func (s *Submodule) callAddress(ctx context.Context, parsed abi.ABI, pool common.Address, method string) (common.Address, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return common.Address{}, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return common.Address{}, err
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s unexpected type %T", method, values[0])
	}
	return addr, nil
}

// floorDiv divides rounding toward negative infinity, matching the tick
// convention for negative cumulative deltas.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
