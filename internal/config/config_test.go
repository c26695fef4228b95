package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func replayFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	flags.String("in", "", "")
	flags.Uint64("batch-size", 1, "")
	flags.String("buy-fee-pct", "0", "")
	flags.StringSlice("collateral", nil, "")
	flags.Duration("tap-cooldown", 30*24*time.Hour, "")
	return flags
}

func TestLoadReplayFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "treasury.yaml")
	content := "in: ./from-file.jsonl\nbatch-size: 5\nbuy-fee-pct: \"1000\"\nrpc-rps: 2.5\ncollateral: \"0xaa, 0xbb\"\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	flags := replayFlags()
	if err := flags.Parse([]string{"--in", "./journal.jsonl"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := LoadReplay(cfgFile, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.In != "./journal.jsonl" {
		t.Fatalf("flag should win over file, got %q", cfg.In)
	}
	if cfg.BatchSize != 5 || cfg.BuyFeePct != "1000" || cfg.RPCRPS != 2.5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.Collaterals) != 2 || cfg.Collaterals[1] != "0xbb" {
		t.Fatalf("unexpected collaterals: %v", cfg.Collaterals)
	}
	if cfg.TapCooldown != 30*24*time.Hour || cfg.SnapshotName != "default" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadReplayEnv(t *testing.T) {
	t.Setenv("TREASURY_IN", "./env.jsonl")
	t.Setenv("TREASURY_SELL_FEE_PCT", "42")

	cfg, err := LoadReplay("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.In != "./env.jsonl" || cfg.SellFeePct != "42" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadReplayRequiresInput(t *testing.T) {
	if _, err := LoadReplay("", replayFlags()); err == nil {
		t.Fatalf("expected error without input")
	}
}

func TestLoadReport(t *testing.T) {
	if _, err := LoadReport("", nil); err == nil {
		t.Fatalf("expected error without dsn")
	}
	t.Setenv("TREASURY_PG_DSN", "postgres://localhost/treasury")
	t.Setenv("TREASURY_CONCURRENCY", "0")
	cfg, err := LoadReport("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Concurrency != 1 || cfg.SnapshotName != "default" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestSplitAndClean(t *testing.T) {
	got := splitAndClean(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected split: %v", got)
	}
}
