// Package curve prices Curve pool tokens. Stable, two-crypto and tri-crypto
// pools all expose get_virtual_price, so one defensive formula covers them:
// virtual price times the minimum constituent price. The minimum is the
// redeemable floor; an average could be inflated by a single depegged coin.
package curve

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

	"priceScope/internal/fixedmath"
	"priceScope/internal/oracle"
	"priceScope/internal/scale"
)

const poolABIJSON = `[
  {"inputs": [{"name": "i", "type": "uint256"}], "name": "coins", "outputs": [{"type": "address"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "get_virtual_price", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "claim_admin_fees", "outputs": [], "stateMutability": "nonpayable", "type": "function"}
]`

var (
	poolABI      abi.ABI
	abiParseOnce sync.Once
	abiParseErr  error
)

func parsedABI() (abi.ABI, error) {
	abiParseOnce.Do(func() {
		poolABI, abiParseErr = abi.JSON(strings.NewReader(poolABIJSON))
	})
	return poolABI, abiParseErr
}

const (
	// DefaultMaxDecimals bounds token and output decimals for this submodule.
	DefaultMaxDecimals = 38

	// DefaultMaxCoins caps the coins(i) enumeration. No deployed Curve pool
	// holds more than eight coins; anything past that is a broken contract.
	DefaultMaxCoins = 8
)

// Config carries the module-scoped constants.
type Config struct {
	MaxDecimals uint8
	MaxCoins    int
}

// Submodule prices Curve pool tokens.
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
	if cfg.MaxCoins == 0 {
		cfg.MaxCoins = DefaultMaxCoins
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submodule{caller: caller, resolver: resolver, cfg: cfg, logger: logger}
}

// PoolParams is the parameter blob for Curve valuations.
type PoolParams struct {
	Pool common.Address `json:"pool"`
}

// PoolTokenPrice values one unit of the pool token as
// get_virtual_price() * min(constituent prices). Constituents are discovered
// by walking coins(i) until the call reverts.
func (s *Submodule) PoolTokenPrice(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	var p PoolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", oracle.ErrInvalidParams, err)
	}
	if p.Pool == (common.Address{}) {
		return nil, fmt.Errorf("pool: %w", oracle.ErrZeroAddress)
	}
	if outputDecimals > s.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "output decimals", Value: outputDecimals, Max: s.cfg.MaxDecimals}
	}

	coins, err := s.coins(ctx, p.Pool)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNotLocked(ctx, p.Pool); err != nil {
		return nil, err
	}

	var minPrice *big.Int
	for i, coin := range coins {
		price, err := s.resolver.GetPrice(ctx, coin, fixedmath.Decimals)
		if err != nil {
			return nil, fmt.Errorf("price coin %d (%s): %w", i, coin.Hex(), err)
		}
		if price.Sign() == 0 {
			return nil, fmt.Errorf("coin %d (%s): %w", i, coin.Hex(), oracle.ErrPriceUnavailable)
		}
		if minPrice == nil || price.Cmp(minPrice) < 0 {
			minPrice = price
		}
	}

	virtualPrice, err := s.virtualPrice(ctx, p.Pool)
	if err != nil {
		return nil, err
	}

	value := new(big.Int).Mul(virtualPrice, minPrice)
	value.Quo(value, fixedmath.One)
	out, err := scale.Convert(value, fixedmath.Decimals, outputDecimals, s.cfg.MaxDecimals)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("curve pool token priced",
		zap.String("pool", p.Pool.Hex()), zap.Int("coins", len(coins)), zap.String("price", out.String()))
	return out, nil
}

// coins enumerates the pool's constituent addresses. A revert on coins(0)
// marks a non-Curve pool; a revert on a later index ends the enumeration.
func (s *Submodule) coins(ctx context.Context, pool common.Address) ([]common.Address, error) {
	parsed, err := parsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}

	var out []common.Address
	for i := 0; i < s.cfg.MaxCoins; i++ {
		data, err := parsed.Pack("coins", big.NewInt(int64(i)))
		if err != nil {
			return nil, fmt.Errorf("pack coins(%d): %w", i, err)
		}
		msg := ethereum.CallMsg{To: &pool, Data: data}
		resp, err := s.caller.CallContract(ctx, msg, nil)
		if err != nil {
			if i == 0 {
				return nil, fmt.Errorf("pool %s: %w: %v", pool.Hex(), oracle.ErrWrongPoolType, err)
			}
			return out, nil
		}
		values, err := parsed.Unpack("coins", resp)
		if err != nil {
			return nil, fmt.Errorf("unpack coins(%d): %w", i, err)
		}
		coin, ok := values[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("coins(%d) unexpected type %T", i, values[0])
		}
		if coin == (common.Address{}) {
			return nil, fmt.Errorf("pool %s coin %d: %w", pool.Hex(), i, oracle.ErrZeroAddress)
		}
		out = append(out, coin)
	}
	return out, nil
}

// ensureNotLocked probes the pool's admin-fee claim through eth_call. The
// entrypoint is a state-mutating no-op under eth_call when the pool is
// quiescent and reverts while the pool's own lock is held, which is the only
// reentrancy signal Curve pools expose.
func (s *Submodule) ensureNotLocked(ctx context.Context, pool common.Address) error {
	parsed, err := parsedABI()
	if err != nil {
		return fmt.Errorf("parse pool abi: %w", err)
	}
	data, err := parsed.Pack("claim_admin_fees")
	if err != nil {
		return fmt.Errorf("pack claim_admin_fees: %w", err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	if _, err := s.caller.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("pool %s: %w", pool.Hex(), oracle.ErrReentrancy)
	}
	return nil
}

func (s *Submodule) virtualPrice(ctx context.Context, pool common.Address) (*big.Int, error) {
	parsed, err := parsedABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	data, err := parsed.Pack("get_virtual_price")
	if err != nil {
		return nil, fmt.Errorf("pack get_virtual_price: %w", err)
	}
	msg := ethereum.CallMsg{To: &pool, Data: data}
	resp, err := s.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("pool %s get_virtual_price: %w", pool.Hex(), err)
	}
	values, err := parsed.Unpack("get_virtual_price", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack get_virtual_price: %w", err)
	}
	vp, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("get_virtual_price unexpected type %T", values[0])
	}
	if vp.Sign() == 0 {
		return nil, fmt.Errorf("pool %s virtual price is zero: %w", pool.Hex(), oracle.ErrPriceUnavailable)
	}
	return vp, nil
}
