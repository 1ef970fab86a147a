package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"priceScope/internal/oracle"
	"priceScope/internal/pooltest"
)

var (
	vaultAddr = common.HexToAddress("0x0000000000000000000000000000000000000E01")
	poolAddr  = common.HexToAddress("0x0000000000000000000000000000000000000E02")
	token1    = common.HexToAddress("0x0000000000000000000000000000000000000011")
	token2    = common.HexToAddress("0x0000000000000000000000000000000000000022")
	token3    = common.HexToAddress("0x0000000000000000000000000000000000000033")
)

var (
	testVaultABI = pooltest.MustABI(vaultABIJSON)
	testPoolABI  = pooltest.MustABI(poolABIJSON)
)

func num(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad literal %q", s)
	}
	return v
}

func assertWithin(t *testing.T, got, want *big.Int, units int64) {
	t.Helper()
	diff := new(big.Int).Sub(got, want)
	if diff.CmpAbs(big.NewInt(units)) > 0 {
		t.Fatalf("value out of tolerance: got %s want %s (±%d)", got, want, units)
	}
}

func poolParams(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PoolParams{Pool: poolAddr})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func newSubmodule(t *testing.T, caller oracle.ContractCaller, resolver oracle.PriceResolver) *Submodule {
	t.Helper()
	sub, err := New(caller, resolver, Config{Vault: vaultAddr}, nil)
	if err != nil {
		t.Fatalf("new submodule: %v", err)
	}
	return sub
}

func registerPool(caller *pooltest.Caller, tokens []common.Address, balances []*big.Int) {
	var poolID [32]byte
	poolID[0] = 1
	caller.Respond(poolAddr, testPoolABI, "getPoolId", poolID)
	caller.Respond(vaultAddr, testVaultABI, "getPoolTokens", tokens, balances, big.NewInt(0))
	caller.Respond(vaultAddr, testVaultABI, "manageUserBalance")
}

func weightedFixture(t *testing.T) (*pooltest.Caller, *pooltest.Resolver) {
	t.Helper()
	caller := pooltest.NewCaller()
	one := num(t, "1000000000000000000")
	half := num(t, "500000000000000000")

	registerPool(caller,
		[]common.Address{token1, token2},
		[]*big.Int{num(t, "1000000000000000000000"), num(t, "1000000000")})
	caller.Respond(poolAddr, testPoolABI, "getNormalizedWeights", []*big.Int{half, half})
	caller.Respond(poolAddr, testPoolABI, "getInvariant", num(t, "1000000000000000000000"))
	caller.SetERC20(poolAddr, 18, num(t, "2000000000000000000000"))
	caller.SetERC20(token1, 18, nil)
	caller.SetERC20(token2, 6, nil)

	resolver := pooltest.NewResolver()
	resolver.Prices[token1] = one
	resolver.Prices[token2] = one
	return caller, resolver
}

func TestWeightedPoolTokenPrice(t *testing.T) {
	caller, resolver := weightedFixture(t)
	sub := newSubmodule(t, caller, resolver)

	got, err := sub.WeightedPoolTokenPrice(context.Background(), poolParams(t), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// (invariant/supply) * (1/0.5)^0.5 * (1/0.5)^0.5 = 0.5 * 2 = 1.0.
	assertWithin(t, got, num(t, "1000000000000000000"), 5)
}

func TestWeightedPoolConstituentFailurePropagates(t *testing.T) {
	caller, resolver := weightedFixture(t)
	delete(resolver.Prices, token2)
	resolver.Errs[token2] = oracle.ErrPriceUnavailable
	sub := newSubmodule(t, caller, resolver)

	if _, err := sub.WeightedPoolTokenPrice(context.Background(), poolParams(t), 18); !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected constituent failure to propagate, got %v", err)
	}
}

func TestWeightedPoolZeroWeightRejected(t *testing.T) {
	caller, resolver := weightedFixture(t)
	caller.Respond(poolAddr, testPoolABI, "getNormalizedWeights",
		[]*big.Int{num(t, "1000000000000000000"), new(big.Int)})
	sub := newSubmodule(t, caller, resolver)

	if _, err := sub.WeightedPoolTokenPrice(context.Background(), poolParams(t), 18); !errors.Is(err, oracle.ErrInvalidParams) {
		t.Fatalf("expected zero weight rejection, got %v", err)
	}
}

func TestWeightedPoolReentrancyGuardOrdering(t *testing.T) {
	caller, resolver := weightedFixture(t)
	caller.Revert(vaultAddr, testVaultABI, "manageUserBalance")
	sub := newSubmodule(t, caller, resolver)

	_, err := sub.WeightedPoolTokenPrice(context.Background(), poolParams(t), 18)
	if !errors.Is(err, oracle.ErrReentrancy) {
		t.Fatalf("expected reentrancy error, got %v", err)
	}

	// The guard must trip before any balance is read or any constituent
	// priced: a malicious pool must not observe intermediate values.
	if caller.Called(vaultAddr, testVaultABI, "getPoolTokens") {
		t.Fatalf("balances were read despite a held vault mutex")
	}
	if len(resolver.Asked) != 0 {
		t.Fatalf("constituents were priced despite a held vault mutex: %v", resolver.Asked)
	}
}

func TestWeightedSpotPriceSkipsUnpriceableDestination(t *testing.T) {
	caller := pooltest.NewCaller()
	registerPool(caller,
		[]common.Address{token1, token2, token3},
		[]*big.Int{num(t, "100000000000000000000"), num(t, "50000000000000000000"), num(t, "500000000000000000000")})
	caller.Respond(poolAddr, testPoolABI, "getNormalizedWeights",
		[]*big.Int{num(t, "200000000000000000"), num(t, "300000000000000000"), num(t, "500000000000000000")})
	caller.SetERC20(token1, 18, nil)
	caller.SetERC20(token2, 18, nil)
	caller.SetERC20(token3, 18, nil)

	resolver := pooltest.NewResolver()
	resolver.Errs[token2] = oracle.ErrPriceUnavailable
	resolver.Prices[token3] = num(t, "2000000000000000000")

	sub := newSubmodule(t, caller, resolver)
	got, err := sub.WeightedPoolTokenSpotPrice(context.Background(), token1, poolParams(t), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// (500/0.5) * $2 / (100/0.2) = $4, via token3 after skipping token2.
	if got.Cmp(num(t, "4000000000000000000")) != 0 {
		t.Fatalf("spot price mismatch: %s", got)
	}
	if len(resolver.Asked) != 2 || resolver.Asked[0] != token2 || resolver.Asked[1] != token3 {
		t.Fatalf("expected scan order token2 then token3, got %v", resolver.Asked)
	}
}

func TestWeightedSpotPriceNoDestination(t *testing.T) {
	caller, resolver := weightedFixture(t)
	delete(resolver.Prices, token2)
	sub := newSubmodule(t, caller, resolver)

	if _, err := sub.WeightedPoolTokenSpotPrice(context.Background(), token1, poolParams(t), 18); !errors.Is(err, oracle.ErrNoDestination) {
		t.Fatalf("expected no-destination error, got %v", err)
	}
}

func stableFixture(t *testing.T) (*pooltest.Caller, *pooltest.Resolver) {
	t.Helper()
	caller := pooltest.NewCaller()
	registerPool(caller,
		[]common.Address{token1, token2},
		[]*big.Int{num(t, "1000000000000000000000"), num(t, "1000000000")})
	caller.Respond(poolAddr, testPoolABI, "getAmplificationParameter",
		num(t, "100000"), false, num(t, "1000"))
	caller.Respond(poolAddr, testPoolABI, "getRate", num(t, "1020000000000000000"))
	caller.SetERC20(token1, 18, nil)
	caller.SetERC20(token2, 6, nil)

	resolver := pooltest.NewResolver()
	resolver.Prices[token1] = num(t, "990000000000000000")
	resolver.Prices[token2] = num(t, "1010000000000000000")
	return caller, resolver
}

func TestStablePoolTokenPriceUsesMinimum(t *testing.T) {
	caller, resolver := stableFixture(t)
	sub := newSubmodule(t, caller, resolver)

	got, err := sub.StablePoolTokenPrice(context.Background(), poolParams(t), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// rate 1.02 * min(0.99, 1.01) = 1.0098.
	if got.Cmp(num(t, "1009800000000000000")) != 0 {
		t.Fatalf("price mismatch: %s", got)
	}
}

func TestStablePoolTokenPriceConstituentFailurePropagates(t *testing.T) {
	caller, resolver := stableFixture(t)
	delete(resolver.Prices, token2)
	resolver.Errs[token2] = oracle.ErrPriceUnavailable
	sub := newSubmodule(t, caller, resolver)

	if _, err := sub.StablePoolTokenPrice(context.Background(), poolParams(t), 18); !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected propagation, got %v", err)
	}
}

func TestStableSpotPriceNearParity(t *testing.T) {
	caller, resolver := stableFixture(t)
	resolver.Prices[token2] = num(t, "1000000000000000000")
	sub := newSubmodule(t, caller, resolver)

	got, err := sub.StablePoolTokenSpotPrice(context.Background(), token1, poolParams(t), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A balanced high-amp pool swaps near 1:1, so the implied price hovers
	// just above the destination's $1.
	low := num(t, "1000000000000000000")
	high := num(t, "1010000000000000000")
	if got.Cmp(low) < 0 || got.Cmp(high) > 0 {
		t.Fatalf("spot price out of range: %s", got)
	}
}

func TestStablePoolWrongType(t *testing.T) {
	caller, resolver := stableFixture(t)
	caller.Revert(poolAddr, testPoolABI, "getAmplificationParameter")
	sub := newSubmodule(t, caller, resolver)

	if _, err := sub.StablePoolTokenPrice(context.Background(), poolParams(t), 18); !errors.Is(err, oracle.ErrWrongPoolType) {
		t.Fatalf("expected wrong-pool-type error, got %v", err)
	}
}

func TestNewRejectsZeroVault(t *testing.T) {
	if _, err := New(pooltest.NewCaller(), pooltest.NewResolver(), Config{}, nil); !errors.Is(err, oracle.ErrZeroAddress) {
		t.Fatalf("expected zero vault rejection, got %v", err)
	}
}
