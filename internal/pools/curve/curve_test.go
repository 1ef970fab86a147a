package curve

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
	poolAddr = common.HexToAddress("0x0000000000000000000000000000000000000F01")
	coinA    = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	coinB    = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	coinC    = common.HexToAddress("0x00000000000000000000000000000000000000C1")
)

var testPoolABI = pooltest.MustABI(poolABIJSON)

func num(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad literal %q", s)
	}
	return v
}

func poolParams(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PoolParams{Pool: poolAddr})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func triPoolFixture(t *testing.T) (*pooltest.Caller, *pooltest.Resolver) {
	t.Helper()
	caller := pooltest.NewCaller()
	coins := []common.Address{coinA, coinB, coinC}
	for i, coin := range coins {
		caller.RespondArgs(poolAddr, testPoolABI, "coins", []interface{}{big.NewInt(int64(i))}, coin)
	}
	caller.RevertArgs(poolAddr, testPoolABI, "coins", []interface{}{big.NewInt(3)})
	caller.Respond(poolAddr, testPoolABI, "claim_admin_fees")
	caller.Respond(poolAddr, testPoolABI, "get_virtual_price", num(t, "1030000000000000000"))

	resolver := pooltest.NewResolver()
	resolver.Prices[coinA] = num(t, "1001000000000000000")
	resolver.Prices[coinB] = num(t, "999000000000000000")
	resolver.Prices[coinC] = num(t, "1000000000000000000")
	return caller, resolver
}

func TestPoolTokenPriceUsesMinimumCoin(t *testing.T) {
	caller, resolver := triPoolFixture(t)
	sub := New(caller, resolver, Config{}, nil)

	got, err := sub.PoolTokenPrice(context.Background(), poolParams(t), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// virtual price 1.03 * min(1.001, 0.999, 1.000) = 1.028970.
	if got.Cmp(num(t, "1028970000000000000")) != 0 {
		t.Fatalf("price mismatch: %s", got)
	}
	if len(resolver.Asked) != 3 {
		t.Fatalf("expected all three coins priced, got %v", resolver.Asked)
	}
}

func TestPoolTokenPriceRescalesOutput(t *testing.T) {
	caller, resolver := triPoolFixture(t)
	sub := New(caller, resolver, Config{}, nil)

	got, err := sub.PoolTokenPrice(context.Background(), poolParams(t), 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(num(t, "102897000")) != 0 {
		t.Fatalf("rescaled price mismatch: %s", got)
	}
}

func TestWrongPoolType(t *testing.T) {
	caller := pooltest.NewCaller()
	caller.RevertArgs(poolAddr, testPoolABI, "coins", []interface{}{big.NewInt(0)})
	sub := New(caller, pooltest.NewResolver(), Config{}, nil)

	if _, err := sub.PoolTokenPrice(context.Background(), poolParams(t), 18); !errors.Is(err, oracle.ErrWrongPoolType) {
		t.Fatalf("expected wrong-pool-type error, got %v", err)
	}
}

func TestConstituentFailurePropagates(t *testing.T) {
	caller, resolver := triPoolFixture(t)
	delete(resolver.Prices, coinB)
	resolver.Errs[coinB] = oracle.ErrPriceUnavailable
	sub := New(caller, resolver, Config{}, nil)

	if _, err := sub.PoolTokenPrice(context.Background(), poolParams(t), 18); !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected propagation, got %v", err)
	}
}

func TestReentrancyGuardOrdering(t *testing.T) {
	caller, resolver := triPoolFixture(t)
	caller.Revert(poolAddr, testPoolABI, "claim_admin_fees")
	sub := New(caller, resolver, Config{}, nil)

	_, err := sub.PoolTokenPrice(context.Background(), poolParams(t), 18)
	if !errors.Is(err, oracle.ErrReentrancy) {
		t.Fatalf("expected reentrancy error, got %v", err)
	}
	if len(resolver.Asked) != 0 {
		t.Fatalf("coins were priced despite a held pool lock: %v", resolver.Asked)
	}
	if caller.Called(poolAddr, testPoolABI, "get_virtual_price") {
		t.Fatalf("virtual price was read despite a held pool lock")
	}
}

func TestZeroVirtualPriceRejected(t *testing.T) {
	caller, resolver := triPoolFixture(t)
	caller.Respond(poolAddr, testPoolABI, "get_virtual_price", new(big.Int))
	sub := New(caller, resolver, Config{}, nil)

	if _, err := sub.PoolTokenPrice(context.Background(), poolParams(t), 18); !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("expected zero virtual price rejection, got %v", err)
	}
}

func TestConfigErrorsBeforeAnyCall(t *testing.T) {
	caller := pooltest.NewCaller()
	sub := New(caller, pooltest.NewResolver(), Config{}, nil)

	raw, err := json.Marshal(PoolParams{})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if _, err := sub.PoolTokenPrice(context.Background(), raw, 18); !errors.Is(err, oracle.ErrZeroAddress) {
		t.Fatalf("expected zero address rejection, got %v", err)
	}

	var decimalsErr *oracle.DecimalsError
	if _, err := sub.PoolTokenPrice(context.Background(), poolParams(t), DefaultMaxDecimals+1); !errors.As(err, &decimalsErr) {
		t.Fatalf("expected decimals bound rejection, got %v", err)
	}
	if caller.Calls() != 0 {
		t.Fatalf("expected no calls for config errors, saw %d", caller.Calls())
	}
}
