package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"priceScope/internal/chain"
	"priceScope/internal/config"
	"priceScope/internal/feeds"
	"priceScope/internal/oracle"
	"priceScope/internal/pools/balancer"
	"priceScope/internal/pools/bunni"
	"priceScope/internal/pools/curve"
	"priceScope/internal/pools/erc4626"
	"priceScope/internal/pools/univ2"
	"priceScope/internal/pools/univ3"
	"priceScope/internal/resolver"
)

func main() {
	root := &cobra.Command{
		Use:          "oracle",
		Short:        "On-chain price oracle aggregator",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	resolveCmd := &cobra.Command{
		Use:   "resolve <asset-address>",
		Short: "Resolve one asset price and print it",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}

	resolveCmd.Flags().String("rpc", "", "EVM RPC URL")
	resolveCmd.Flags().String("registry", "./registry.json", "asset registry path")
	resolveCmd.Flags().String("balancer-vault", "", "Balancer vault address (empty disables Balancer sources)")
	resolveCmd.Flags().Uint8("decimals", 18, "output decimal scale")
	resolveCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(resolveCmd)

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Resolve every registry asset on an interval and persist snapshots",
		RunE:  runSnapshot,
	}

	snapshotCmd.Flags().String("rpc", "", "EVM RPC URL")
	snapshotCmd.Flags().String("registry", "./registry.json", "asset registry path")
	snapshotCmd.Flags().String("balancer-vault", "", "Balancer vault address (empty disables Balancer sources)")
	snapshotCmd.Flags().String("out", "./data/prices.jsonl", "output JSONL path")
	snapshotCmd.Flags().String("pg-dsn", "", "optional Postgres DSN")
	snapshotCmd.Flags().Duration("interval", time.Minute, "cycle interval, 0 runs one cycle")
	snapshotCmd.Flags().Int("max-retries", 5, "maximum retry attempts per asset")
	snapshotCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	snapshotCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty disables)")
	snapshotCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(snapshotCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// deferredResolver breaks the construction cycle between the resolver and
// the submodules that call back into it to price constituents: submodules are
// built against this shell, which is pointed at the real resolver once it
// exists.
type deferredResolver struct {
	inner oracle.PriceResolver
}

func (d *deferredResolver) GetPrice(ctx context.Context, asset common.Address, outputDecimals uint8) (*big.Int, error) {
	if d.inner == nil {
		return nil, fmt.Errorf("resolver not initialized")
	}
	return d.inner.GetPrice(ctx, asset, outputDecimals)
}

// buildResolver wires every submodule the configuration allows into one
// resolver over the shared chain client.
func buildResolver(cfg config.Config, registry *config.Registry, chainClient *chain.Client, logger *zap.Logger) (*resolver.Resolver, error) {
	loop := &deferredResolver{}
	subs := resolver.Submodules{
		Feeds:   feeds.NewChainlink(chainClient, feeds.Config{}),
		UniV2:   univ2.New(chainClient, loop, univ2.Config{}, logger),
		UniV3:   univ3.New(chainClient, loop, univ3.Config{}, logger),
		Curve:   curve.New(chainClient, loop, curve.Config{}, logger),
		ERC4626: erc4626.New(chainClient, loop, erc4626.Config{}, logger),
		Bunni:   bunni.New(chainClient, loop, bunni.Config{}, logger),
	}

	if cfg.BalancerVault != "" {
		if !common.IsHexAddress(cfg.BalancerVault) {
			return nil, fmt.Errorf("malformed balancer vault address %q", cfg.BalancerVault)
		}
		sub, err := balancer.New(chainClient, loop, balancer.Config{
			Vault: common.HexToAddress(cfg.BalancerVault),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("balancer submodule: %w", err)
		}
		subs.Balancer = sub
	}

	r := resolver.New(registry, subs, logger)
	loop.inner = r
	return r, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
