package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"priceScope/internal/chain"
	"priceScope/internal/config"
	"priceScope/internal/scale"
)

func runResolve(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(args[0]) {
		return fmt.Errorf("malformed asset address %q", args[0])
	}
	asset := common.HexToAddress(args[0])

	decimals, err := cmd.Flags().GetUint8("decimals")
	if err != nil {
		return err
	}

	registry, err := config.LoadRegistry(cfg.Registry)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	r, err := buildResolver(cfg, registry, chainClient, logger)
	if err != nil {
		return err
	}

	logger.Info("resolve start",
		zap.String("asset", asset.Hex()),
		zap.Uint8("decimals", decimals),
		zap.String("registry", cfg.Registry),
	)

	result, err := r.Resolve(ctx, asset, decimals)
	if err != nil {
		return err
	}

	display := new(big.Rat).SetFrac(result.Price, scale.Pow10(decimals))
	fmt.Printf("%s\t%s\t(%d/%d sources)\n",
		result.Price.String(), display.FloatString(int(decimals)), result.SourcesOK, result.SourcesTotal)
	return nil
}
