// Package pooltest provides the test doubles shared by the pool submodule
// tests: a scripted contract caller keyed by target and method selector, and
// a canned price resolver.
package pooltest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MustABI parses an ABI JSON literal or panics; test-only convenience.
func MustABI(jsonDef string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(jsonDef))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ERC20ABI covers the reads the adapters perform against token contracts.
var ERC20ABI = MustABI(`[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "totalSupply", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "account", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"}
]`)

// Encode ABI-encodes method return values.
func Encode(parsed abi.ABI, method string, values ...interface{}) []byte {
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic(fmt.Sprintf("encode %s: %v", method, err))
	}
	return out
}

type response struct {
	data []byte
	err  error
}

// Caller is a scripted oracle.ContractCaller. Every registered method is
// keyed by target address plus 4-byte selector; unregistered calls fail, and
// the ordered call log lets tests assert what was (not) touched.
type Caller struct {
	mu        sync.Mutex
	responses map[string]response
	CallLog   []string
}

func NewCaller() *Caller {
	return &Caller{responses: map[string]response{}}
}

func key(target common.Address, selector []byte) string {
	return target.Hex() + "." + common.Bytes2Hex(selector)
}

// Respond registers a successful response for target.method.
func (c *Caller) Respond(target common.Address, parsed abi.ABI, method string, values ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key(target, parsed.Methods[method].ID)] = response{data: Encode(parsed, method, values...)}
}

// Revert registers a failing response for target.method.
func (c *Caller) Revert(target common.Address, parsed abi.ABI, method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key(target, parsed.Methods[method].ID)] = response{err: fmt.Errorf("execution reverted")}
}

func argKey(target common.Address, parsed abi.ABI, method string, args []interface{}) string {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", method, err))
	}
	return key(target, data)
}

// RespondArgs registers a response keyed by the full calldata, for methods
// scripted per argument (e.g. Curve's coins(i) walk).
func (c *Caller) RespondArgs(target common.Address, parsed abi.ABI, method string, args []interface{}, values ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[argKey(target, parsed, method, args)] = response{data: Encode(parsed, method, values...)}
}

// RevertArgs registers a failing response keyed by the full calldata.
func (c *Caller) RevertArgs(target common.Address, parsed abi.ABI, method string, args []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[argKey(target, parsed, method, args)] = response{err: fmt.Errorf("execution reverted")}
}

func (c *Caller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("malformed call")
	}
	k := key(*msg.To, msg.Data[:4])

	c.mu.Lock()
	c.CallLog = append(c.CallLog, k)
	// Argument-keyed scripts take precedence over selector-keyed ones.
	resp, ok := c.responses[key(*msg.To, msg.Data)]
	if !ok {
		resp, ok = c.responses[k]
	}
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unexpected call %s", k)
	}
	return resp.data, resp.err
}

// Calls returns how many contract calls were made.
func (c *Caller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.CallLog)
}

// Called reports whether target.method was invoked.
func (c *Caller) Called(target common.Address, parsed abi.ABI, method string) bool {
	k := key(target, parsed.Methods[method].ID)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, logged := range c.CallLog {
		if logged == k {
			return true
		}
	}
	return false
}

// SetERC20 scripts decimals and totalSupply for a token.
func (c *Caller) SetERC20(token common.Address, decimals uint8, totalSupply *big.Int) {
	c.Respond(token, ERC20ABI, "decimals", decimals)
	if totalSupply != nil {
		c.Respond(token, ERC20ABI, "totalSupply", totalSupply)
	}
}

// Resolver is a canned oracle.PriceResolver: fixed price or error per asset.
type Resolver struct {
	mu     sync.Mutex
	Prices map[common.Address]*big.Int
	Errs   map[common.Address]error
	Asked  []common.Address
}

func NewResolver() *Resolver {
	return &Resolver{Prices: map[common.Address]*big.Int{}, Errs: map[common.Address]error{}}
}

func (r *Resolver) GetPrice(_ context.Context, asset common.Address, _ uint8) (*big.Int, error) {
	r.mu.Lock()
	r.Asked = append(r.Asked, asset)
	r.mu.Unlock()

	if err, ok := r.Errs[asset]; ok {
		return nil, err
	}
	if price, ok := r.Prices[asset]; ok {
		return new(big.Int).Set(price), nil
	}
	return nil, fmt.Errorf("no price for %s", asset.Hex())
}
