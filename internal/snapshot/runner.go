// Package snapshot periodically resolves every registry asset and persists
// the results. It is the operational wrapper around the resolver: retries,
// metrics, and storage all live here, keeping the resolution core pure.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"priceScope/internal/config"
	"priceScope/internal/model"
	"priceScope/internal/resolver"
	"priceScope/internal/storage"
)

// RunConfig holds runtime settings for the snapshot daemon.
type RunConfig struct {
	ChainID      uint64
	Decimals     uint8
	Interval     time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Now          func() time.Time
}

// BlockReader supplies the chain position stamped onto snapshots.
type BlockReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// StateStore persists the chain timestamp of the last completed cycle, keyed
// by name. The runner reports the gap since that timestamp on startup and
// advances it after every successful cycle; it is a progress marker, not a
// resume cursor, so a missing or failing store never blocks a cycle.
type StateStore interface {
	LoadState(ctx context.Context, name string) (uint64, bool, error)
	SaveState(ctx context.Context, name string, ts uint64) error
}

const cycleStateName = "snapshot"

// PriceSource resolves one asset with source health attached.
type PriceSource interface {
	Resolve(ctx context.Context, asset common.Address, outputDecimals uint8) (*resolver.Result, error)
}

// Runner drives snapshot cycles.
type Runner struct {
	cfg      RunConfig
	registry *config.Registry
	source   PriceSource
	blocks   BlockReader
	storage  storage.Storage
	state    StateStore
	metrics  *Metrics
	logger   *zap.Logger
}

// NewRunner builds a Runner with its dependencies. state may be nil when no
// persistent store is configured.
func NewRunner(cfg RunConfig, registry *config.Registry, source PriceSource, blocks BlockReader, sink storage.Storage, state StateStore, metrics *Metrics, logger *zap.Logger) *Runner {
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		registry: registry,
		source:   source,
		blocks:   blocks,
		storage:  sink,
		state:    state,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run executes snapshot cycles until the context ends. A zero interval means
// one cycle.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("price source is nil")
	}
	if r.storage == nil {
		return fmt.Errorf("storage is nil")
	}
	if r.registry == nil || len(r.registry.Assets) == 0 {
		return fmt.Errorf("registry is empty")
	}

	r.reportLastCycle(ctx)

	if err := r.runCycle(ctx); err != nil {
		return err
	}
	if r.cfg.Interval == 0 {
		return nil
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.runCycle(ctx); err != nil {
				return err
			}
		}
	}
}

// runCycle resolves every asset once. A single asset failing does not abort
// the cycle; only storage and chain-position failures do.
func (r *Runner) runCycle(ctx context.Context) error {
	blockNumber, err := r.latestBlockWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	blockTime, err := r.blockTimestampWithRetry(ctx, blockNumber)
	if err != nil {
		return fmt.Errorf("block timestamp %d: %w", blockNumber, err)
	}

	resolvedAt := r.cfg.Now().UTC()
	snapshots := make([]model.PriceSnapshot, 0, len(r.registry.Assets))
	for i := range r.registry.Assets {
		asset := &r.registry.Assets[i]
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := r.resolveWithRetry(ctx, asset.Address)
		if err != nil {
			if r.metrics != nil {
				r.metrics.ResolveTotal.WithLabelValues(asset.Symbol, "error").Inc()
			}
			r.logger.Error("asset resolution failed",
				zap.String("asset", asset.Symbol), zap.Error(err))
			continue
		}

		if r.metrics != nil {
			r.metrics.ResolveTotal.WithLabelValues(asset.Symbol, "ok").Inc()
			r.metrics.SourcesOK.WithLabelValues(asset.Symbol).Set(float64(result.SourcesOK))
			r.metrics.observePrice(asset.Symbol, result.Price, r.cfg.Decimals)
		}

		snapshots = append(snapshots, model.PriceSnapshot{
			ChainID:      r.cfg.ChainID,
			Asset:        asset.Address.Hex(),
			Symbol:       asset.Symbol,
			Price:        result.Price.String(),
			Decimals:     r.cfg.Decimals,
			Strategy:     asset.Strategy,
			SourcesOK:    result.SourcesOK,
			SourcesTotal: result.SourcesTotal,
			BlockNumber:  blockNumber,
			Timestamp:    blockTime,
			ResolvedAt:   resolvedAt.Format(time.RFC3339),
		})
	}

	if err := r.storage.PutSnapshotBatch(snapshots); err != nil {
		return fmt.Errorf("store snapshots: %w", err)
	}
	r.saveLastCycle(ctx, blockTime)

	r.logger.Info("cycle complete",
		zap.Int("resolved", len(snapshots)),
		zap.Int("assets", len(r.registry.Assets)),
		zap.Uint64("block_number", blockNumber))
	return nil
}

func (r *Runner) reportLastCycle(ctx context.Context) {
	if r.state == nil {
		return
	}
	ts, found, err := r.state.LoadState(ctx, cycleStateName)
	if err != nil {
		r.logger.Warn("load cycle state failed", zap.Error(err))
		return
	}
	if !found {
		r.logger.Info("no previous cycle state, starting fresh")
		return
	}
	last := time.Unix(int64(ts), 0).UTC()
	r.logger.Info("resuming after last completed cycle",
		zap.Uint64("last_run_ts", ts),
		zap.Duration("gap", r.cfg.Now().UTC().Sub(last)))
}

func (r *Runner) saveLastCycle(ctx context.Context, blockTime uint64) {
	if r.state == nil || blockTime == 0 {
		return
	}
	if err := r.state.SaveState(ctx, cycleStateName, blockTime); err != nil {
		r.logger.Warn("save cycle state failed", zap.Error(err))
	}
}

func (r *Runner) resolveWithRetry(ctx context.Context, asset common.Address) (*resolver.Result, error) {
	started := time.Now()
	var result *resolver.Result
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		result, err = r.source.Resolve(ctx, asset, r.cfg.Decimals)
		if err != nil {
			r.logger.Warn("resolve attempt failed", zap.String("asset", asset.Hex()), zap.Error(err))
		}
		return err
	})
	if r.metrics != nil {
		r.metrics.ResolveDuration.Observe(time.Since(started).Seconds())
	}
	return result, err
}

func (r *Runner) latestBlockWithRetry(ctx context.Context) (uint64, error) {
	if r.blocks == nil {
		return 0, nil
	}
	var number uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		number, err = r.blocks.LatestBlockNumber(ctx)
		if err != nil {
			r.logger.Warn("latest block fetch failed", zap.Error(err))
		}
		return err
	})
	return number, err
}

func (r *Runner) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	if r.blocks == nil {
		return 0, nil
	}
	var ts uint64
	err := withRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = r.blocks.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			r.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}
