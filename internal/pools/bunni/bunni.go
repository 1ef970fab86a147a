// Package bunni prices Bunni position tokens: fungible wrappers around a
// Uniswap V3 range. Reserves come from the lens contract for the token's
// {pool, tickLower, tickUpper} key, and the valuation is gated twice: on the
// pool's slot0 unlocked flag and on the spot-vs-TWAP tick deviation, so a
// single-block price push cannot move the token's valuation.
package bunni

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

const tokenABIJSON = `[
  {"inputs": [], "name": "pool", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "tickLower", "outputs": [{"type": "int24"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "tickUpper", "outputs": [{"type": "int24"}], "stateMutability": "view", "type": "function"}
]`

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

const lensABIJSON = `[
  {"inputs": [{"name": "key", "type": "tuple", "components": [
    {"name": "pool", "type": "address"},
    {"name": "tickLower", "type": "int24"},
    {"name": "tickUpper", "type": "int24"}
  ]}], "name": "getReserves", "outputs": [
    {"name": "reserve0", "type": "uint112"},
    {"name": "reserve1", "type": "uint112"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	tokenABI     abi.ABI
	poolABI      abi.ABI
	lensABI      abi.ABI
	abiParseOnce sync.Once
	abiParseErr  error
)

func abis() (abi.ABI, abi.ABI, abi.ABI, error) {
	abiParseOnce.Do(func() {
		tokenABI, abiParseErr = abi.JSON(strings.NewReader(tokenABIJSON))
		if abiParseErr != nil {
			return
		}
		poolABI, abiParseErr = abi.JSON(strings.NewReader(poolABIJSON))
		if abiParseErr != nil {
			return
		}
		lensABI, abiParseErr = abi.JSON(strings.NewReader(lensABIJSON))
	})
	return tokenABI, poolABI, lensABI, abiParseErr
}

const (
	// DefaultMaxDecimals bounds token and output decimals for this submodule.
	DefaultMaxDecimals = 38

	// DefaultMinObservationWindow is the shortest accepted TWAP window in
	// seconds. Two blocks of history is the floor below which the mean tick
	// degenerates into a second spot read.
	DefaultMinObservationWindow = 19
)

// Config carries the module-scoped constants.
type Config struct {
	MaxDecimals          uint8
	MinObservationWindow uint32
}

// Submodule prices Bunni position tokens.
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

// TokenParams is the parameter blob for Bunni valuations. TwapMaxDeviation is
// in ticks, which are within rounding a basis point each.
type TokenParams struct {
	Token             common.Address `json:"token"`
	Lens              common.Address `json:"lens"`
	TwapMaxDeviation  int64          `json:"twapMaxDeviationBps"`
	ObservationWindow uint32         `json:"twapObservationWindowSeconds"`
}

type rangeKey struct {
	Pool      common.Address
	TickLower *big.Int
	TickUpper *big.Int
}

// PoolTokenPrice values one unit of the position token as
// (reserve0*price0 + reserve1*price1) / totalSupply.
func (s *Submodule) PoolTokenPrice(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	p, err := s.decodeParams(params, outputDecimals)
	if err != nil {
		return nil, err
	}

	key, err := s.positionKey(ctx, p.Token)
	if err != nil {
		return nil, err
	}

	spotTick, err := s.ensureUnlocked(ctx, key.Pool)
	if err != nil {
		return nil, err
	}
	twapTick, err := s.meanTick(ctx, key.Pool, p.ObservationWindow)
	if err != nil {
		return nil, err
	}
	if deviation := spotTick - twapTick; deviation > p.TwapMaxDeviation || deviation < -p.TwapMaxDeviation {
		return nil, fmt.Errorf("pool %s spot tick %d vs twap tick %d exceeds %d: %w",
			key.Pool.Hex(), spotTick, twapTick, p.TwapMaxDeviation, oracle.ErrInvalidPrice)
	}

	reserve0, reserve1, err := s.reserves(ctx, p.Lens, key)
	if err != nil {
		return nil, err
	}

	token0, token1, err := s.poolTokens(ctx, key.Pool)
	if err != nil {
		return nil, err
	}

	value0, err := s.constituentValue(ctx, token0, reserve0)
	if err != nil {
		return nil, err
	}
	value1, err := s.constituentValue(ctx, token1, reserve1)
	if err != nil {
		return nil, err
	}

	supply, err := erc20.TotalSupply(ctx, s.caller, p.Token)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", p.Token.Hex(), err)
	}
	if supply.Sign() == 0 {
		return nil, fmt.Errorf("token %s: %w", p.Token.Hex(), oracle.ErrZeroSupply)
	}
	tokenDecimals, err := erc20.Decimals(ctx, s.caller, p.Token)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", p.Token.Hex(), err)
	}
	supply18, err := scale.Convert(supply, tokenDecimals, fixedmath.Decimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", p.Token.Hex(), err)
	}
	if supply18.Sign() == 0 {
		return nil, fmt.Errorf("token %s: %w", p.Token.Hex(), oracle.ErrZeroSupply)
	}

	value := new(big.Int).Add(value0, value1)
	value.Mul(value, fixedmath.One)
	value.Quo(value, supply18)
	out, err := scale.Convert(value, fixedmath.Decimals, outputDecimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("position token priced",
		zap.String("token", p.Token.Hex()), zap.Int64("spotTick", spotTick),
		zap.Int64("twapTick", twapTick), zap.String("price", out.String()))
	return out, nil
}

func (s *Submodule) decodeParams(params json.RawMessage, outputDecimals uint8) (*TokenParams, error) {
	var p TokenParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", oracle.ErrInvalidParams, err)
	}
	if p.Token == (common.Address{}) {
		return nil, fmt.Errorf("token: %w", oracle.ErrZeroAddress)
	}
	if p.Lens == (common.Address{}) {
		return nil, fmt.Errorf("lens: %w", oracle.ErrZeroAddress)
	}
	if p.TwapMaxDeviation <= 0 {
		return nil, fmt.Errorf("twap max deviation: %w", oracle.ErrZeroThreshold)
	}
	if p.ObservationWindow < s.cfg.MinObservationWindow {
		return nil, fmt.Errorf("observation window %ds below minimum %ds: %w",
			p.ObservationWindow, s.cfg.MinObservationWindow, oracle.ErrInvalidParams)
	}
	if outputDecimals > s.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "output decimals", Value: outputDecimals, Max: s.cfg.MaxDecimals}
	}
	return &p, nil
}

// positionKey reads the token's {pool, tickLower, tickUpper} range. A revert
// on pool() marks a non-Bunni token.
func (s *Submodule) positionKey(ctx context.Context, token common.Address) (*rangeKey, error) {
	tokenParsed, _, _, err := abis()
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	values, err := s.call(ctx, tokenParsed, token, "pool")
	if err != nil {
		return nil, fmt.Errorf("token %s: %w: %v", token.Hex(), oracle.ErrWrongPoolType, err)
	}
	pool, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("pool unexpected type %T", values[0])
	}
	if pool == (common.Address{}) {
		return nil, fmt.Errorf("token %s pool: %w", token.Hex(), oracle.ErrZeroAddress)
	}

	lower, err := s.tickBound(ctx, tokenParsed, token, "tickLower")
	if err != nil {
		return nil, err
	}
	upper, err := s.tickBound(ctx, tokenParsed, token, "tickUpper")
	if err != nil {
		return nil, err
	}
	if lower.Cmp(upper) >= 0 {
		return nil, fmt.Errorf("token %s range [%s, %s): %w", token.Hex(), lower, upper, oracle.ErrInvalidParams)
	}
	return &rangeKey{Pool: pool, TickLower: lower, TickUpper: upper}, nil
}

func (s *Submodule) tickBound(ctx context.Context, parsed abi.ABI, token common.Address, method string) (*big.Int, error) {
	values, err := s.call(ctx, parsed, token, method)
	if err != nil {
		return nil, fmt.Errorf("token %s %s: %w", token.Hex(), method, err)
	}
	tick, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s unexpected type %T", method, values[0])
	}
	return tick, nil
}

// ensureUnlocked reads slot0 and returns the spot tick; a cleared unlocked
// flag means the pool is mid-mutation and nothing read from it can be trusted.
func (s *Submodule) ensureUnlocked(ctx context.Context, pool common.Address) (int64, error) {
	_, poolParsed, _, err := abis()
	if err != nil {
		return 0, fmt.Errorf("parse pool abi: %w", err)
	}
	values, err := s.call(ctx, poolParsed, pool, "slot0")
	if err != nil {
		return 0, fmt.Errorf("pool %s slot0: %w", pool.Hex(), err)
	}
	if len(values) != 7 {
		return 0, fmt.Errorf("slot0 return size %d", len(values))
	}
	tick, ok := values[1].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("slot0 tick unexpected type %T", values[1])
	}
	unlocked, ok := values[6].(bool)
	if !ok {
		return 0, fmt.Errorf("slot0 unlocked unexpected type %T", values[6])
	}
	if !unlocked {
		return 0, fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrReentrancy)
	}
	return tick.Int64(), nil
}

// meanTick derives the time-weighted mean tick over the window, rounding
// toward negative infinity as the pool's own oracle library does.
func (s *Submodule) meanTick(ctx context.Context, pool common.Address, window uint32) (int64, error) {
	_, poolParsed, _, err := abis()
	if err != nil {
		return 0, fmt.Errorf("parse pool abi: %w", err)
	}
	data, err := poolParsed.Pack("observe", []uint32{window, 0})
	if err != nil {
		return 0, fmt.Errorf("pack observe: %w", err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return 0, fmt.Errorf("pool %s observe: %w", pool.Hex(), err)
	}
	values, err := poolParsed.Unpack("observe", resp)
	if err != nil {
		return 0, fmt.Errorf("unpack observe: %w", err)
	}
	cumulatives, ok := values[0].([]*big.Int)
	if !ok {
		return 0, fmt.Errorf("observe unexpected type %T", values[0])
	}
	if len(cumulatives) != 2 {
		return 0, fmt.Errorf("observe returned %d cumulatives: %w", len(cumulatives), oracle.ErrLengthMismatch)
	}
	delta := new(big.Int).Sub(cumulatives[1], cumulatives[0])
	return floorDiv(delta.Int64(), int64(window)), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// reserves reads the position's current holdings from the lens.
func (s *Submodule) reserves(ctx context.Context, lens common.Address, key *rangeKey) (*big.Int, *big.Int, error) {
	_, _, lensParsed, err := abis()
	if err != nil {
		return nil, nil, fmt.Errorf("parse lens abi: %w", err)
	}
	data, err := lensParsed.Pack("getReserves", *key)
	if err != nil {
		return nil, nil, fmt.Errorf("pack getReserves: %w", err)
	}
	msg := ethereum.CallMsg{To: &lens, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("lens %s getReserves: %w", lens.Hex(), err)
	}
	values, err := lensParsed.Unpack("getReserves", resp)
	if err != nil {
		return nil, nil, fmt.Errorf("unpack getReserves: %w", err)
	}
	reserve0, ok := values[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("reserve0 unexpected type %T", values[0])
	}
	reserve1, ok := values[1].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("reserve1 unexpected type %T", values[1])
	}
	return reserve0, reserve1, nil
}

func (s *Submodule) poolTokens(ctx context.Context, pool common.Address) (common.Address, common.Address, error) {
	_, poolParsed, _, err := abis()
	if err != nil {
		return common.Address{}, common.Address{}, fmt.Errorf("parse pool abi: %w", err)
	}
	token0, err := s.tokenAt(ctx, poolParsed, pool, "token0")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	token1, err := s.tokenAt(ctx, poolParsed, pool, "token1")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return token0, token1, nil
}

func (s *Submodule) tokenAt(ctx context.Context, parsed abi.ABI, pool common.Address, method string) (common.Address, error) {
	values, err := s.call(ctx, parsed, pool, method)
	if err != nil {
		return common.Address{}, fmt.Errorf("pool %s %s: %w", pool.Hex(), method, err)
	}
	token, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%s unexpected type %T", method, values[0])
	}
	if token == (common.Address{}) {
		return common.Address{}, fmt.Errorf("pool %s %s: %w", pool.Hex(), method, oracle.ErrZeroAddress)
	}
	return token, nil
}

// constituentValue is reserve * price at the 18-decimal internal scale.
func (s *Submodule) constituentValue(ctx context.Context, token common.Address, reserve *big.Int) (*big.Int, error) {
	decimals, err := erc20.Decimals(ctx, s.caller, token)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	scaled, err := scale.Convert(reserve, decimals, fixedmath.Decimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), err)
	}
	price, err := s.resolver.GetPrice(ctx, token, fixedmath.Decimals)
	if err != nil {
		return nil, fmt.Errorf("price token %s: %w", token.Hex(), err)
	}
	if price.Sign() == 0 {
		return nil, fmt.Errorf("token %s: %w", token.Hex(), oracle.ErrPriceUnavailable)
	}
	value := new(big.Int).Mul(scaled, price)
	return value.Quo(value, fixedmath.One), nil
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
