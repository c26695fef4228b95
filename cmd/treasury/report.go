package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"treasuryMarket/internal/chain"
	"treasuryMarket/internal/config"
	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/model"
	"treasuryMarket/internal/storage/postgres"
	"treasuryMarket/internal/token"
)

const defaultDecimals = 18

func runReport(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReport(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	snap, ok, err := store.LoadSnapshot(ctx, cfg.SnapshotName)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("snapshot %q not found", cfg.SnapshotName)
	}

	cache := token.NewMetaCache()
	reserveBalances := make(map[common.Address]string)
	if cfg.RPCURL != "" {
		chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.RPCRPS)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()

		balances, err := fetchTokenData(ctx, chainClient, cache, snap, cfg.Concurrency, logger)
		if err != nil {
			return err
		}
		reserveBalances = balances
	}

	decimals := func(address common.Address) uint8 {
		if meta, ok := cache.Get(address); ok && meta.Decimals > 0 {
			return meta.Decimals
		}
		return defaultDecimals
	}
	symbol := func(address common.Address) string {
		if meta, ok := cache.Get(address); ok && meta.Symbol != "" {
			return meta.Symbol
		}
		return address.Hex()
	}

	logger.Info("market",
		zap.String("snapshot", cfg.SnapshotName),
		zap.Uint64("sequence", snap.Sequence),
		zap.Uint64("batch_id", snap.BatchID),
		zap.Uint64("batch_size", snap.BatchSize),
		zap.Bool("open", snap.Open),
		zap.Bool("suspended", snap.Suspended),
		zap.String("buy_fee", fixed.FormatTokenAmount(snap.BuyFeePct, 16)+"%"),
		zap.String("sell_fee", fixed.FormatTokenAmount(snap.SellFeePct, 16)+"%"),
		zap.String("reserve", snap.Reserve.Hex()),
		zap.String("treasury", snap.Treasury.Hex()),
		zap.String("beneficiary", snap.Beneficiary.Hex()),
		zap.String("formula", snap.Formula.Hex()),
		zap.String("tokens_to_be_minted", fixed.FormatTokenAmount(snap.TokensToBeMinted, defaultDecimals)),
	)

	for _, c := range snap.Collaterals {
		d := decimals(c.Token)
		fields := []zap.Field{
			zap.String("collateral", c.Token.Hex()),
			zap.String("symbol", symbol(c.Token)),
			zap.Bool("whitelisted", c.Whitelisted),
			zap.Uint32("reserve_ratio_ppm", c.ReserveRatioPPM),
			zap.String("virtual_supply", fixed.FormatTokenAmount(c.VirtualSupply, defaultDecimals)),
			zap.String("virtual_balance", fixed.FormatTokenAmount(c.VirtualBalance, d)),
			zap.String("slippage", fixed.FormatTokenAmount(c.SlippagePct, 16)+"%"),
			zap.String("to_be_claimed", formatAmount(snap.CollateralsToBeClaimed[c.Token.Hex()], d)),
		}
		if balance, ok := reserveBalances[c.Token]; ok {
			fields = append(fields, zap.String("reserve_balance", balance))
		}
		logger.Info("collateral", fields...)
	}

	for _, t := range snap.Taps {
		d := decimals(t.Token)
		logger.Info("tap",
			zap.String("collateral", t.Token.Hex()),
			zap.String("symbol", symbol(t.Token)),
			zap.String("rate", fixed.FormatTokenAmount(t.Rate, d)),
			zap.String("floor", fixed.FormatTokenAmount(t.Floor, d)),
			zap.String("tapped", fixed.FormatTokenAmount(t.Tapped, d)),
			zap.Uint64("last_tapped_batch_id", t.LastTappedBatchID),
			zap.Int64("last_parameter_update", t.LastParameterUpdate),
		)
	}

	var pending int
	for _, b := range snap.Batches {
		if !b.Settled() {
			pending++
		}
	}
	var unclaimed int
	for _, r := range snap.Receipts {
		if !r.Claimed {
			unclaimed++
		}
	}
	logger.Info("orders",
		zap.Int("batches", len(snap.Batches)),
		zap.Int("pending_batches", pending),
		zap.Int("receipts", len(snap.Receipts)),
		zap.Int("unclaimed_receipts", unclaimed),
	)

	return nil
}

// fetchTokenData loads metadata and reserve balances of every collateral
// concurrently. Per-token failures are logged and skipped.
func fetchTokenData(ctx context.Context, caller token.Caller, cache *token.MetaCache, snap model.Snapshot, concurrency int, logger *zap.Logger) (map[common.Address]string, error) {
	type result struct {
		token   common.Address
		balance string
	}

	results := make([]result, len(snap.Collaterals))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, c := range snap.Collaterals {
		i, address := i, c.Token
		g.Go(func() error {
			meta, err := cache.Load(gctx, caller, address, logger)
			if err != nil {
				logger.Warn("token metadata fetch failed", zap.String("token", address.Hex()), zap.Error(err))
			}
			balance, err := token.BalanceOf(gctx, caller, address, snap.Reserve)
			if err != nil {
				logger.Warn("reserve balance fetch failed", zap.String("token", address.Hex()), zap.Error(err))
				return gctx.Err()
			}
			decimals := meta.Decimals
			if decimals == 0 {
				decimals = defaultDecimals
			}
			results[i] = result{token: address, balance: fixed.FormatTokenAmount(balance, decimals)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[common.Address]string, len(results))
	for _, r := range results {
		if r.balance != "" {
			out[r.token] = r.balance
		}
	}
	return out, nil
}

func formatAmount(value string, decimals uint8) string {
	v, err := fixed.ParseBigInt(value)
	if err != nil {
		return value
	}
	return fixed.FormatTokenAmount(v, decimals)
}
