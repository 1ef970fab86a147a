// Package erc20 provides the ERC20 reads every adapter needs: decimals and
// totalSupply. Decimals are re-read on every call rather than cached; the
// token contract is authoritative and the read is cheap.
package erc20

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"priceScope/internal/oracle"
)

const erc20ABIJSON = `[
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "totalSupply", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"}
]`

var (
	erc20ABI     abi.ABI
	erc20ABIOnce sync.Once
	erc20ABIErr  error
)

func abiInstance() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

func call(ctx context.Context, caller oracle.ContractCaller, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	parsed, err := abiInstance()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &token, Data: data}
	resp, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, token.Hex(), err)
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s return size %d", method, len(values))
	}
	return values, nil
}

// Decimals returns the token's decimal precision.
func Decimals(ctx context.Context, caller oracle.ContractCaller, token common.Address) (uint8, error) {
	values, err := call(ctx, caller, token, "decimals")
	if err != nil {
		return 0, err
	}
	switch v := values[0].(type) {
	case uint8:
		return v, nil
	case *big.Int:
		return uint8(v.Uint64()), nil
	default:
		return 0, fmt.Errorf("decimals unexpected type %T", values[0])
	}
}

// TotalSupply returns the token's total supply in its native decimals.
func TotalSupply(ctx context.Context, caller oracle.ContractCaller, token common.Address) (*big.Int, error) {
	values, err := call(ctx, caller, token, "totalSupply")
	if err != nil {
		return nil, err
	}
	supply, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("totalSupply unexpected type %T", values[0])
	}
	return supply, nil
}
