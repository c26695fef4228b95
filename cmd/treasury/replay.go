package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"treasuryMarket/internal/auth"
	"treasuryMarket/internal/chain"
	"treasuryMarket/internal/config"
	"treasuryMarket/internal/curve"
	"treasuryMarket/internal/fixed"
	"treasuryMarket/internal/journal"
	"treasuryMarket/internal/ledger"
	"treasuryMarket/internal/market"
	"treasuryMarket/internal/metrics"
	"treasuryMarket/internal/storage"
	"treasuryMarket/internal/storage/postgres"
)

func runReplay(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadReplay(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	marketCfg, err := marketConfig(cfg)
	if err != nil {
		return err
	}
	issued, err := journal.ParseAddress("issued-token", cfg.IssuedToken)
	if err != nil {
		return err
	}
	collaterals, err := journal.ParseAddresses(cfg.Collaterals)
	if err != nil {
		return err
	}

	ops, err := journal.ReadFile(cfg.In)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Market()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var (
		formula   curve.Formula = curve.Spot{}
		formulaAt func(common.Address) (curve.Formula, error)
	)
	if marketCfg.Formula != (common.Address{}) {
		if cfg.RPCURL == "" {
			return fmt.Errorf("rpc url is required with a formula contract")
		}
		chainClient, err := chain.NewClient(ctx, cfg.RPCURL, cfg.RPCRPS)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()

		chainID, err := chainClient.GetChainID(ctx)
		if err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
		contract := curve.NewContractFormula(chainClient, marketCfg.Formula, logger)
		logger.Info("formula contract", zap.String("chain_id", chainID.String()), zap.String("formula", contract.Address().Hex()))
		formula = contract
		formulaAt = func(address common.Address) (curve.Formula, error) {
			ok, err := chainClient.HasCode(ctx, address)
			if err != nil {
				return nil, fmt.Errorf("code at %s: %w", address.Hex(), err)
			}
			if !ok {
				return nil, fmt.Errorf("no contract at %s", address.Hex())
			}
			return curve.NewContractFormula(chainClient, address, logger), nil
		}
	} else {
		logger.Warn("no formula contract configured, pricing at spot")
	}

	mem := ledger.NewMemory(issued)
	roles := auth.NewRoleTable()
	if cfg.Operator != "" {
		operator, err := journal.ParseAddress("operator", cfg.Operator)
		if err != nil {
			return err
		}
		for _, action := range auth.Actions() {
			if err := roles.Grant(operator, action); err != nil {
				return fmt.Errorf("grant %s: %w", auth.RoleName(action), err)
			}
		}
	}

	sequencer := market.NewManualSequencer(0)
	clock := journal.NewClock(time.Unix(0, 0).UTC())
	sink := storage.NewMuted(storage.NewJsonlStorage(cfg.Out))

	exchange, err := market.New(marketCfg, market.Deps{
		Ledger:     mem,
		Token:      mem,
		Formula:    formula,
		Authorizer: roles,
		KYC:        roles,
		Sequencer:  sequencer,
		FormulaAt:  formulaAt,
		Clock:      clock.Now,
		Events:     sink,
		Metrics:    m,
	}, logger)
	if err != nil {
		return err
	}

	var (
		store        *postgres.Store
		checkpointer journal.Checkpointer = journal.NewCheckpointStore(cfg.Checkpoint, cfg.CheckpointEnabled)
	)
	if cfg.PGDSN != "" {
		store, err = postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		if cfg.CheckpointEnabled {
			checkpointer = &journal.DBStateStore{Store: store, Name: cfg.SnapshotName}
		}
	}

	runner := journal.NewRunner(journal.RunConfig{
		CheckpointEvery: cfg.CheckpointEvery,
		MaxRetries:      cfg.MaxRetries,
		RetryBackoff:    cfg.RetryBackoff,
		StopOnReject:    cfg.StopOnReject,
	}, journal.Env{
		Exchange:  exchange,
		Ledger:    mem,
		Roles:     roles,
		Sequencer: sequencer,
		Clock:     clock,
		Mute:      sink,
	}, checkpointer, m, logger)

	logger.Info("replay start",
		zap.String("in", cfg.In),
		zap.Int("operations", len(ops)),
		zap.String("out", cfg.Out),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.Bool("checkpoint_enabled", cfg.CheckpointEnabled),
		zap.Bool("postgres", store != nil),
	)

	summary, runErr := runner.Run(ctx, ops)

	snap := exchange.Snapshot()
	m.SetTokensToBeMinted(snap.TokensToBeMinted)
	for _, collateral := range collaterals {
		price, err := exchange.DynamicPricePPM(context.WithoutCancel(ctx), collateral)
		if err != nil {
			logger.Warn("price unavailable", zap.String("collateral", collateral.Hex()), zap.Error(err))
			continue
		}
		logger.Info("collateral price",
			zap.String("collateral", collateral.Hex()),
			zap.String("price_ppm", price.String()),
			zap.String("to_be_claimed", exchange.CollateralsToBeClaimed(collateral).String()),
		)
	}

	if store != nil {
		if err := store.SaveSnapshot(context.WithoutCancel(ctx), cfg.SnapshotName, snap); err != nil {
			return errors.Join(runErr, fmt.Errorf("save snapshot: %w", err))
		}
		logger.Info("snapshot saved", zap.String("name", cfg.SnapshotName), zap.Uint64("sequence", snap.Sequence))
	}

	logger.Info("replay finished",
		zap.Int("total", summary.Total),
		zap.Int("restored", summary.Restored),
		zap.Int("applied", summary.Applied),
		zap.Int("rejected", summary.Rejected),
		zap.Uint64("batch_id", snap.BatchID),
		zap.Bool("open", exchange.IsOpen()),
		zap.Bool("suspended", exchange.IsSuspended()),
		zap.String("tokens_to_be_minted", snap.TokensToBeMinted.String()),
	)
	return runErr
}

func marketConfig(cfg config.ReplayConfig) (market.Config, error) {
	out := market.Config{
		BatchSize:   cfg.BatchSize,
		TapCooldown: cfg.TapCooldown,
	}

	pcts := []struct {
		name  string
		value string
		dst   **big.Int
	}{
		{"buy-fee-pct", cfg.BuyFeePct, &out.BuyFeePct},
		{"sell-fee-pct", cfg.SellFeePct, &out.SellFeePct},
		{"max-tap-rate-increase-pct", cfg.MaxTapRateIncreasePct, &out.MaximumTapRateIncreasePct},
		{"max-tap-floor-decrease-pct", cfg.MaxTapFloorDecreasePct, &out.MaximumTapFloorDecreasePct},
	}
	for _, p := range pcts {
		v, err := fixed.ParseAmount(p.value)
		if err != nil {
			return market.Config{}, fmt.Errorf("%s: %w", p.name, err)
		}
		*p.dst = v
	}

	addrs := []struct {
		name     string
		value    string
		dst      *common.Address
		optional bool
	}{
		{"reserve", cfg.Reserve, &out.Reserve, false},
		{"treasury", cfg.Treasury, &out.Treasury, false},
		{"beneficiary", cfg.Beneficiary, &out.Beneficiary, false},
		{"formula", cfg.Formula, &out.Formula, true},
	}
	for _, a := range addrs {
		if a.optional && a.value == "" {
			continue
		}
		v, err := journal.ParseAddress(a.name, a.value)
		if err != nil {
			return market.Config{}, err
		}
		*a.dst = v
	}

	return out, nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
