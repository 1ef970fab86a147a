package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"priceScope/internal/config"
	"priceScope/internal/model"
	"priceScope/internal/resolver"
)

var (
	assetA = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	assetB = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

type fakeSource struct {
	results map[common.Address]*resolver.Result
	errs    map[common.Address]error
	calls   map[common.Address]int
}

func (f *fakeSource) Resolve(_ context.Context, asset common.Address, _ uint8) (*resolver.Result, error) {
	if f.calls == nil {
		f.calls = map[common.Address]int{}
	}
	f.calls[asset]++
	if err, ok := f.errs[asset]; ok {
		return nil, err
	}
	if result, ok := f.results[asset]; ok {
		return result, nil
	}
	return nil, fmt.Errorf("no result for %s", asset.Hex())
}

type fakeBlocks struct{}

func (fakeBlocks) LatestBlockNumber(context.Context) (uint64, error)    { return 19000000, nil }
func (fakeBlocks) BlockTimestamp(context.Context, uint64) (uint64, error) { return 1700000000, nil }

type memorySink struct {
	batches [][]model.PriceSnapshot
}

func (m *memorySink) PutSnapshotBatch(snapshots []model.PriceSnapshot) error {
	m.batches = append(m.batches, snapshots)
	return nil
}

func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	reg := &config.Registry{Assets: []config.AssetConfig{
		{Asset: assetA.Hex(), Symbol: "WETH", Strategy: config.StrategyFirstNonZero,
			Sources: []config.SourceConfig{{Kind: config.KindFeed, Params: json.RawMessage(`{}`)}}},
		{Asset: assetB.Hex(), Symbol: "LP", Strategy: config.StrategyFirstNonZero,
			Sources: []config.SourceConfig{{Kind: config.KindUniV2LP, Params: json.RawMessage(`{}`)}}},
	}}
	if err := reg.Validate(); err != nil {
		t.Fatalf("registry validate: %v", err)
	}
	return reg
}

func TestRunSingleCycle(t *testing.T) {
	source := &fakeSource{results: map[common.Address]*resolver.Result{
		assetA: {Price: big.NewInt(2000), SourcesOK: 2, SourcesTotal: 2},
		assetB: {Price: big.NewInt(50), SourcesOK: 1, SourcesTotal: 1},
	}}
	sink := &memorySink{}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	runner := NewRunner(RunConfig{
		ChainID: 1,
		Now:     func() time.Time { return now },
	}, testRegistry(t), source, fakeBlocks{}, sink, nil, NewMetrics(prometheus.NewRegistry()), nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("expected one batch of two snapshots, got %+v", sink.batches)
	}
	snap := sink.batches[0][0]
	if snap.Symbol != "WETH" || snap.Price != "2000" || snap.BlockNumber != 19000000 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if snap.Timestamp != 1700000000 || snap.ResolvedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("snapshot timing mismatch: %+v", snap)
	}
	if snap.Decimals != 18 || snap.Strategy != config.StrategyFirstNonZero {
		t.Fatalf("snapshot metadata mismatch: %+v", snap)
	}
}

func TestFailedAssetDoesNotAbortCycle(t *testing.T) {
	source := &fakeSource{
		results: map[common.Address]*resolver.Result{
			assetB: {Price: big.NewInt(50), SourcesOK: 1, SourcesTotal: 1},
		},
		errs: map[common.Address]error{assetA: fmt.Errorf("all sources down")},
	}
	sink := &memorySink{}

	runner := NewRunner(RunConfig{ChainID: 1}, testRegistry(t), source, fakeBlocks{}, sink, nil, nil, nil)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("one bad asset must not fail the cycle: %v", err)
	}

	if len(sink.batches) != 1 || len(sink.batches[0]) != 1 {
		t.Fatalf("expected a batch with the surviving asset, got %+v", sink.batches)
	}
	if sink.batches[0][0].Symbol != "LP" {
		t.Fatalf("wrong surviving asset: %+v", sink.batches[0][0])
	}
}

func TestResolveRetries(t *testing.T) {
	attempts := 0
	source := &retryingSource{failures: 2, onCall: func() { attempts++ }}
	sink := &memorySink{}

	reg := &config.Registry{Assets: []config.AssetConfig{
		{Asset: assetA.Hex(), Symbol: "WETH", Strategy: config.StrategyFirstNonZero,
			Sources: []config.SourceConfig{{Kind: config.KindFeed, Params: json.RawMessage(`{}`)}}},
	}}
	if err := reg.Validate(); err != nil {
		t.Fatalf("registry validate: %v", err)
	}

	runner := NewRunner(RunConfig{
		ChainID:      1,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}, reg, source, fakeBlocks{}, sink, nil, nil, nil)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 2 failures then success, saw %d attempts", attempts)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 1 {
		t.Fatalf("expected the retried asset to be snapshotted, got %+v", sink.batches)
	}
}

type fakeState struct {
	last    uint64
	found   bool
	loads   int
	saves   []uint64
	loadErr error
	saveErr error
}

func (f *fakeState) LoadState(_ context.Context, name string) (uint64, bool, error) {
	if name != "snapshot" {
		return 0, false, fmt.Errorf("unexpected state name %q", name)
	}
	f.loads++
	return f.last, f.found, f.loadErr
}

func (f *fakeState) SaveState(_ context.Context, name string, ts uint64) error {
	if name != "snapshot" {
		return fmt.Errorf("unexpected state name %q", name)
	}
	f.saves = append(f.saves, ts)
	return f.saveErr
}

func TestCycleStateLoadedAndAdvanced(t *testing.T) {
	source := &fakeSource{results: map[common.Address]*resolver.Result{
		assetA: {Price: big.NewInt(2000), SourcesOK: 1, SourcesTotal: 1},
		assetB: {Price: big.NewInt(50), SourcesOK: 1, SourcesTotal: 1},
	}}
	state := &fakeState{last: 1699999000, found: true}

	runner := NewRunner(RunConfig{ChainID: 1}, testRegistry(t), source, fakeBlocks{}, &memorySink{}, state, nil, nil)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state.loads != 1 {
		t.Fatalf("expected one state load on startup, got %d", state.loads)
	}
	if len(state.saves) != 1 || state.saves[0] != 1700000000 {
		t.Fatalf("expected the cycle's block timestamp saved once, got %v", state.saves)
	}
}

func TestCycleStateFailureDoesNotAbort(t *testing.T) {
	source := &fakeSource{results: map[common.Address]*resolver.Result{
		assetA: {Price: big.NewInt(2000), SourcesOK: 1, SourcesTotal: 1},
		assetB: {Price: big.NewInt(50), SourcesOK: 1, SourcesTotal: 1},
	}}
	state := &fakeState{
		loadErr: fmt.Errorf("state table missing"),
		saveErr: fmt.Errorf("state table missing"),
	}
	sink := &memorySink{}

	runner := NewRunner(RunConfig{ChainID: 1}, testRegistry(t), source, fakeBlocks{}, sink, state, nil, nil)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("a broken state store must not fail the cycle: %v", err)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Fatalf("snapshots must still be written, got %+v", sink.batches)
	}
}

type retryingSource struct {
	failures int
	onCall   func()
}

func (r *retryingSource) Resolve(context.Context, common.Address, uint8) (*resolver.Result, error) {
	r.onCall()
	if r.failures > 0 {
		r.failures--
		return nil, fmt.Errorf("transient")
	}
	return &resolver.Result{Price: big.NewInt(1), SourcesOK: 1, SourcesTotal: 1}, nil
}
