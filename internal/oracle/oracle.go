// Package oracle defines the contracts shared by every price source: the
// resolver that values an asset in USD, the read-only chain caller that
// feed and pool adapters fetch state through, and the error taxonomy.
package oracle

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// ContractCaller performs read-only contract calls. chain.Client satisfies it;
// tests substitute doubles.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PriceResolver values an asset in USD at the requested output decimals.
// Submodules hold the resolver they were constructed with and call back into
// it to price pool constituents, so implementations must tolerate nested calls.
type PriceResolver interface {
	GetPrice(ctx context.Context, asset common.Address, outputDecimals uint8) (*big.Int, error)
}
