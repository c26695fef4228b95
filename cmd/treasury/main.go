package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "treasury",
		Short:        "Batched bonding-curve exchange with a rate-limited reserve tap",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Apply an operation journal to a fresh exchange",
		RunE:  runReplay,
	}

	replayCmd.Flags().String("in", "", "input operation journal JSONL")
	replayCmd.Flags().String("out", "./data/events.jsonl", "output events JSONL")
	replayCmd.Flags().String("checkpoint", "./data/checkpoint.json", "checkpoint file path")
	replayCmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	replayCmd.Flags().Int("checkpoint-every", 100, "save progress after this many entries")
	replayCmd.Flags().Int("max-retries", 5, "maximum retry attempts for transport failures")
	replayCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	replayCmd.Flags().Bool("stop-on-reject", false, "abort on the first rejected operation")
	replayCmd.Flags().String("rpc", "", "RPC URL of the chain hosting the formula contract")
	replayCmd.Flags().Float64("rpc-rps", 0, "RPC requests per second, 0 means unlimited")
	replayCmd.Flags().String("pg-dsn", "", "Postgres DSN for snapshots and replay state")
	replayCmd.Flags().String("snapshot-name", "default", "snapshot and replay state name")
	replayCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	replayCmd.Flags().Uint64("batch-size", 1, "sequence numbers per batch")
	replayCmd.Flags().String("buy-fee-pct", "0", "buy fee, 1e18 = 100%")
	replayCmd.Flags().String("sell-fee-pct", "0", "sell fee, 1e18 = 100%")
	replayCmd.Flags().String("max-tap-rate-increase-pct", "0", "maximum tap rate increase, 1e18 = 100%")
	replayCmd.Flags().String("max-tap-floor-decrease-pct", "0", "maximum tap floor decrease, 1e18 = 100%")
	replayCmd.Flags().Duration("tap-cooldown", 30*24*time.Hour, "minimum delay between tap rate increases")
	replayCmd.Flags().String("reserve", "", "reserve pool address")
	replayCmd.Flags().String("treasury", "", "fee treasury address")
	replayCmd.Flags().String("beneficiary", "", "tap beneficiary address")
	replayCmd.Flags().String("operator", "", "address granted every role before replay")
	replayCmd.Flags().String("issued-token", "", "issued token address")
	replayCmd.Flags().String("formula", "", "formula contract address, empty means spot pricing")
	replayCmd.Flags().StringSlice("collateral", nil, "collateral addresses to log prices for (comma-separated)")
	replayCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(replayCmd)

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Log the latest saved snapshot",
		RunE:  runReport,
	}

	reportCmd.Flags().String("rpc", "", "RPC URL for token metadata")
	reportCmd.Flags().Float64("rpc-rps", 0, "RPC requests per second, 0 means unlimited")
	reportCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	reportCmd.Flags().String("snapshot-name", "default", "snapshot name")
	reportCmd.Flags().Int("concurrency", 4, "concurrent metadata fetches")
	reportCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(reportCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
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
