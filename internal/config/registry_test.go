package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func validRegistry() *Registry {
	return &Registry{Assets: []AssetConfig{
		{
			Asset:    "0x2222222222222222222222222222222222222222",
			Symbol:   "WETH",
			Strategy: StrategyFirstNonZero,
			Sources: []SourceConfig{
				{Kind: KindFeed, Params: json.RawMessage(`{"feed":"0x1111111111111111111111111111111111111111","updateThresholdSeconds":3600}`)},
			},
		},
		{
			Asset:        "0x3333333333333333333333333333333333333333",
			Symbol:       "LP",
			Strategy:     StrategyMedianIfDeviation,
			DeviationBps: 100,
			Sources: []SourceConfig{
				{Kind: KindUniV2LP, Params: json.RawMessage(`{"pool":"0x4444444444444444444444444444444444444444"}`)},
				{Kind: KindBalancerWeightedLP, Params: json.RawMessage(`{"pool":"0x5555555555555555555555555555555555555555"}`)},
			},
		},
	}}
}

func TestValidateFillsAddresses(t *testing.T) {
	reg := validRegistry()
	if err := reg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if reg.Assets[0].Address != want {
		t.Fatalf("address not parsed: %s", reg.Assets[0].Address.Hex())
	}
	if _, ok := reg.Lookup(want); !ok {
		t.Fatalf("lookup failed for %s", want.Hex())
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Registry)
		want   string
	}{
		{"malformed address", func(r *Registry) { r.Assets[0].Asset = "not-an-address" }, "malformed address"},
		{"duplicate asset", func(r *Registry) { r.Assets[1].Asset = r.Assets[0].Asset }, "duplicate"},
		{"unknown strategy", func(r *Registry) { r.Assets[0].Strategy = "mode" }, "unknown strategy"},
		{"zero deviation on gated", func(r *Registry) { r.Assets[1].DeviationBps = 0 }, "deviation_bps"},
		{"oversized deviation", func(r *Registry) { r.Assets[1].DeviationBps = 10001 }, "deviation_bps"},
		{"no sources", func(r *Registry) { r.Assets[0].Sources = nil }, "no sources"},
		{"unknown kind", func(r *Registry) { r.Assets[0].Sources[0].Kind = "warp" }, "unknown kind"},
		{"missing params", func(r *Registry) { r.Assets[0].Sources[0].Params = nil }, "missing params"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := validRegistry()
			tc.mutate(reg)
			err := reg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRegistry(t *testing.T) {
	reg := validRegistry()
	data, err := json.Marshal(reg)
	if err != nil {
		t.Fatalf("marshal registry: %v", err)
	}
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}

	loaded, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(loaded.Assets) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(loaded.Assets))
	}
	if loaded.Assets[1].Address == (common.Address{}) {
		t.Fatalf("loaded registry not validated")
	}
}

func TestLoadRegistryRejectsMissingFile(t *testing.T) {
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
