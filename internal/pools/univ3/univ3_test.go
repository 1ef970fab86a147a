package univ3

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
	poolAddr = common.HexToAddress("0x0000000000000000000000000000000000000D01")
	tokenA   = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	tokenB   = common.HexToAddress("0x00000000000000000000000000000000000000BB")
	tokenX   = common.HexToAddress("0x00000000000000000000000000000000000000CC")
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

func params(t *testing.T, window uint32) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(PoolParams{Pool: poolAddr, ObservationWindow: window})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func respondSlot0(caller *pooltest.Caller, tick int64, unlocked bool) {
	caller.Respond(poolAddr, testPoolABI, "slot0",
		big.NewInt(0), big.NewInt(tick), uint16(0), uint16(0), uint16(0), uint8(0), unlocked)
}

func setupPool(t *testing.T) (*pooltest.Caller, *pooltest.Resolver) {
	t.Helper()
	caller := pooltest.NewCaller()
	caller.Respond(poolAddr, testPoolABI, "token0", tokenA)
	caller.Respond(poolAddr, testPoolABI, "token1", tokenB)
	caller.SetERC20(tokenA, 18, nil)
	caller.SetERC20(tokenB, 18, nil)

	resolver := pooltest.NewResolver()
	resolver.Prices[tokenB] = num(t, "2000000000000000000000") // $2000
	resolver.Prices[tokenA] = num(t, "1000000000000000000")
	return caller, resolver
}

func TestTokenSpotPriceAtTickZero(t *testing.T) {
	caller, resolver := setupPool(t)
	respondSlot0(caller, 0, true)
	sub := New(caller, resolver, Config{}, nil)

	got, err := sub.TokenSpotPrice(context.Background(), tokenA, params(t, 0), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Tick 0 with equal decimals is a 1:1 ratio; price equals the quote price.
	if got.Cmp(num(t, "2000000000000000000000")) != 0 {
		t.Fatalf("price mismatch: %s", got)
	}
}

func TestTokenSpotPriceLockedPool(t *testing.T) {
	caller, resolver := setupPool(t)
	respondSlot0(caller, 100, false)
	sub := New(caller, resolver, Config{}, nil)

	_, err := sub.TokenSpotPrice(context.Background(), tokenA, params(t, 0), 18)
	if !errors.Is(err, oracle.ErrReentrancy) {
		t.Fatalf("expected reentrancy error, got %v", err)
	}
	if len(resolver.Asked) != 0 {
		t.Fatalf("guard must trip before any constituent pricing, resolver saw %v", resolver.Asked)
	}
}

func TestTokenTWAP(t *testing.T) {
	caller, resolver := setupPool(t)
	// Mean tick of 1000 over a 60s window.
	caller.Respond(poolAddr, testPoolABI, "observe",
		[]*big.Int{big.NewInt(0), big.NewInt(60_000)},
		[]*big.Int{big.NewInt(0), big.NewInt(0)})
	sub := New(caller, resolver, Config{}, nil)

	got, err := sub.TokenTWAP(context.Background(), tokenA, params(t, 60), 18)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 1.0001^1000 is ~1.10516, so the price sits between $2210 and $2211.
	low := num(t, "2210000000000000000000")
	high := num(t, "2211000000000000000000")
	if got.Cmp(low) < 0 || got.Cmp(high) > 0 {
		t.Fatalf("TWAP price out of range: %s", got)
	}
}

func TestTokenTWAPWindowTooShort(t *testing.T) {
	caller, resolver := setupPool(t)
	sub := New(caller, resolver, Config{}, nil)

	_, err := sub.TokenTWAP(context.Background(), tokenA, params(t, 10), 18)
	if !errors.Is(err, oracle.ErrInvalidParams) {
		t.Fatalf("expected window rejection, got %v", err)
	}
	if caller.Calls() != 0 {
		t.Fatalf("expected no calls for config error, saw %d", caller.Calls())
	}
}

func TestTokenSpotPriceLookupNotInPool(t *testing.T) {
	caller, resolver := setupPool(t)
	respondSlot0(caller, 0, true)
	sub := New(caller, resolver, Config{}, nil)

	_, err := sub.TokenSpotPrice(context.Background(), tokenX, params(t, 0), 18)
	if !errors.Is(err, oracle.ErrTokenNotInPool) {
		t.Fatalf("expected token-not-in-pool error, got %v", err)
	}
}

func TestWrongPoolType(t *testing.T) {
	caller := pooltest.NewCaller()
	caller.Revert(poolAddr, testPoolABI, "token0")
	sub := New(caller, pooltest.NewResolver(), Config{}, nil)

	_, err := sub.TokenSpotPrice(context.Background(), tokenA, params(t, 0), 18)
	if !errors.Is(err, oracle.ErrWrongPoolType) {
		t.Fatalf("expected wrong-pool-type error, got %v", err)
	}
}

func TestFloorDiv(t *testing.T) {
	cases := []struct{ a, b, want int64 }{
		{60000, 60, 1000},
		{-15, 10, -2},
		{15, 10, 1},
		{-20, 10, -2},
	}
	for _, tc := range cases {
		if got := floorDiv(tc.a, tc.b); got != tc.want {
			t.Fatalf("floorDiv(%d, %d) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRatioAtScale(t *testing.T) {
	// Tick 0 is exactly 1 at any scale.
	if got := ratioAtScale(0, 18); got.Cmp(num(t, "1000000000000000000")) != 0 {
		t.Fatalf("ratio at tick 0 mismatch: %s", got)
	}

	// Opposite ticks are reciprocal: r * r' ~= 10^36 at scale 18.
	r := ratioAtScale(5000, 18)
	rInv := ratioAtScale(-5000, 18)
	product := new(big.Int).Mul(r, rInv)
	low := num(t, "999999999999999000000000000000000000")
	high := num(t, "1000000000000001000000000000000000000")
	if product.Cmp(low) < 0 || product.Cmp(high) > 0 {
		t.Fatalf("reciprocal ticks product out of range: %s", product)
	}

	// Monotone in the tick.
	if ratioAtScale(100, 18).Cmp(ratioAtScale(99, 18)) <= 0 {
		t.Fatalf("ratio not monotone in tick")
	}
}
