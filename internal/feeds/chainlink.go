// Package feeds implements single-source price lookups against
// Chainlink-style aggregator contracts, including two-feed composition for
// indirect price paths.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"priceScope/internal/oracle"
	"priceScope/internal/scale"
)

const aggregatorABIJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "latestRoundData", "outputs": [
    {"name": "roundId", "type": "uint80"},
    {"name": "answer", "type": "int256"},
    {"name": "startedAt", "type": "uint256"},
    {"name": "updatedAt", "type": "uint256"},
    {"name": "answeredInRound", "type": "uint80"}
  ], "stateMutability": "view", "type": "function"}
]`

var (
	aggregatorABI     abi.ABI
	aggregatorABIOnce sync.Once
	aggregatorABIErr  error
)

func aggregatorABIInstance() (abi.ABI, error) {
	aggregatorABIOnce.Do(func() {
		aggregatorABI, aggregatorABIErr = abi.JSON(strings.NewReader(aggregatorABIJSON))
	})
	return aggregatorABI, aggregatorABIErr
}

// DefaultMaxDecimals bounds both feed and requested output decimals. 10^38
// still leaves ample headroom when two rescaled answers are multiplied.
const DefaultMaxDecimals = 38

// Config carries the module-scoped constants for the Chainlink adapter.
type Config struct {
	MaxDecimals uint8
	// Now supplies the wall clock for staleness checks; tests override it.
	Now func() time.Time
}

// Chainlink reads Chainlink-style aggregator feeds.
type Chainlink struct {
	caller oracle.ContractCaller
	cfg    Config
}

func NewChainlink(caller oracle.ContractCaller, cfg Config) *Chainlink {
	if cfg.MaxDecimals == 0 {
		cfg.MaxDecimals = DefaultMaxDecimals
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Chainlink{caller: caller, cfg: cfg}
}

// FeedParams identifies one aggregator and its maximum acceptable round age.
type FeedParams struct {
	Feed            common.Address `json:"feed"`
	UpdateThreshold uint64         `json:"updateThreshold"`
}

// TwoFeedParams composes two independent feed lookups.
type TwoFeedParams struct {
	First  FeedParams `json:"first"`
	Second FeedParams `json:"second"`
}

// GetOneFeedPrice fetches and validates the latest round of a single feed and
// returns it at outputDecimals.
func (c *Chainlink) GetOneFeedPrice(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	var p FeedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", oracle.ErrInvalidParams, err)
	}
	return c.fetchValidated(ctx, p, outputDecimals)
}

// GetTwoFeedPriceDiv returns first/second at outputDecimals.
func (c *Chainlink) GetTwoFeedPriceDiv(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	first, second, err := c.fetchPair(ctx, params, outputDecimals)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(first, scale.Pow10(outputDecimals))
	return out.Quo(out, second), nil
}

// GetTwoFeedPriceMul returns first*second at outputDecimals.
func (c *Chainlink) GetTwoFeedPriceMul(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, error) {
	first, second, err := c.fetchPair(ctx, params, outputDecimals)
	if err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(first, second)
	return out.Quo(out, scale.Pow10(outputDecimals)), nil
}

func (c *Chainlink) fetchPair(ctx context.Context, params json.RawMessage, outputDecimals uint8) (*big.Int, *big.Int, error) {
	var p TwoFeedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", oracle.ErrInvalidParams, err)
	}

	// Validate both configurations before touching the network, so config
	// errors on the second feed surface even when the first feed is down.
	if err := validateFeedParams(p.First, "first"); err != nil {
		return nil, nil, err
	}
	if err := validateFeedParams(p.Second, "second"); err != nil {
		return nil, nil, err
	}

	first, err := c.fetchValidated(ctx, p.First, outputDecimals)
	if err != nil {
		return nil, nil, fmt.Errorf("first feed: %w", err)
	}
	second, err := c.fetchValidated(ctx, p.Second, outputDecimals)
	if err != nil {
		return nil, nil, fmt.Errorf("second feed: %w", err)
	}
	if second.Sign() == 0 {
		return nil, nil, fmt.Errorf("second feed: %w", oracle.ErrInvalidPrice)
	}
	return first, second, nil
}

func validateFeedParams(p FeedParams, label string) error {
	if p.Feed == (common.Address{}) {
		return fmt.Errorf("%s feed: %w", label, oracle.ErrZeroAddress)
	}
	if p.UpdateThreshold == 0 {
		return fmt.Errorf("%s feed: %w", label, oracle.ErrZeroThreshold)
	}
	return nil
}

func (c *Chainlink) fetchValidated(ctx context.Context, p FeedParams, outputDecimals uint8) (*big.Int, error) {
	if p.Feed == (common.Address{}) {
		return nil, fmt.Errorf("feed: %w", oracle.ErrZeroAddress)
	}
	if p.UpdateThreshold == 0 {
		return nil, fmt.Errorf("feed %s: %w", p.Feed.Hex(), oracle.ErrZeroThreshold)
	}
	if outputDecimals > c.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "output decimals", Value: outputDecimals, Max: c.cfg.MaxDecimals}
	}

	parsed, err := aggregatorABIInstance()
	if err != nil {
		return nil, fmt.Errorf("parse aggregator abi: %w", err)
	}

	feedDecimals, err := c.feedDecimals(ctx, parsed, p.Feed)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w: %v", p.Feed.Hex(), oracle.ErrFeedInvalid, err)
	}
	if feedDecimals > c.cfg.MaxDecimals {
		return nil, &oracle.DecimalsError{Field: "feed decimals", Value: feedDecimals, Max: c.cfg.MaxDecimals}
	}

	round, err := c.latestRound(ctx, parsed, p.Feed)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w: %v", p.Feed.Hex(), oracle.ErrFeedInvalid, err)
	}
	if round.Answer.Sign() <= 0 {
		return nil, fmt.Errorf("feed %s answer %s: %w", p.Feed.Hex(), round.Answer, oracle.ErrInvalidPrice)
	}
	if round.AnsweredInRound.Cmp(round.RoundID) < 0 {
		return nil, fmt.Errorf("feed %s round %s: %w", p.Feed.Hex(), round.RoundID, oracle.ErrIncompleteRound)
	}

	now := uint64(c.cfg.Now().Unix())
	updatedAt := round.UpdatedAt.Uint64()
	if updatedAt+p.UpdateThreshold < now {
		return nil, fmt.Errorf("feed %s updated at %d (threshold %ds): %w",
			p.Feed.Hex(), updatedAt, p.UpdateThreshold, oracle.ErrStalePrice)
	}

	return scale.Convert(round.Answer, feedDecimals, outputDecimals, c.cfg.MaxDecimals)
}

type roundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       *big.Int
	UpdatedAt       *big.Int
	AnsweredInRound *big.Int
}

func (c *Chainlink) feedDecimals(ctx context.Context, parsed abi.ABI, feed common.Address) (uint8, error) {
	values, err := c.call(ctx, parsed, feed, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals unexpected type %T", values[0])
	}
	return decimals, nil
}

func (c *Chainlink) latestRound(ctx context.Context, parsed abi.ABI, feed common.Address) (roundData, error) {
	values, err := c.call(ctx, parsed, feed, "latestRoundData")
	if err != nil {
		return roundData{}, err
	}
	if len(values) != 5 {
		return roundData{}, fmt.Errorf("latestRoundData return size %d", len(values))
	}

	round := roundData{}
	fields := []**big.Int{&round.RoundID, &round.Answer, &round.StartedAt, &round.UpdatedAt, &round.AnsweredInRound}
	for i, field := range fields {
		v, ok := values[i].(*big.Int)
		if !ok {
			return roundData{}, fmt.Errorf("latestRoundData field %d unexpected type %T", i, values[i])
		}
		*field = v
	}
	return round, nil
}

func (c *Chainlink) call(ctx context.Context, parsed abi.ABI, target common.Address, method string) ([]interface{}, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &target, Data: data}
	resp, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}
