package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// ReplayConfig holds configuration for journal replay.
type ReplayConfig struct {
	RPCURL string
	RPCRPS float64

	In                string
	Out               string
	Checkpoint        string
	CheckpointEnabled bool
	CheckpointEvery   int
	MaxRetries        int
	RetryBackoff      time.Duration
	StopOnReject      bool

	PGDSN        string
	SnapshotName string
	MetricsAddr  string
	LogLevel     string

	BatchSize              uint64
	BuyFeePct              string
	SellFeePct             string
	MaxTapRateIncreasePct  string
	MaxTapFloorDecreasePct string
	TapCooldown            time.Duration

	Reserve     string
	Treasury    string
	Beneficiary string
	Operator    string
	IssuedToken string
	Formula     string
	Collaterals []string
}

// LoadReplay merges config file, environment variables, and flags into ReplayConfig.
func LoadReplay(cfgFile string, flags *pflag.FlagSet) (ReplayConfig, error) {
	v, err := newViper(cfgFile, flags, map[string]interface{}{
		"out":                        "./data/events.jsonl",
		"checkpoint":                 "./data/checkpoint.json",
		"checkpoint-enabled":         true,
		"checkpoint-every":           100,
		"max-retries":                5,
		"retry-backoff":              500 * time.Millisecond,
		"snapshot-name":              "default",
		"log-level":                  "info",
		"batch-size":                 uint64(1),
		"buy-fee-pct":                "0",
		"sell-fee-pct":               "0",
		"max-tap-rate-increase-pct":  "0",
		"max-tap-floor-decrease-pct": "0",
		"tap-cooldown":               30 * 24 * time.Hour,
	})
	if err != nil {
		return ReplayConfig{}, err
	}

	cfg := ReplayConfig{
		RPCURL:                 v.GetString("rpc"),
		RPCRPS:                 v.GetFloat64("rpc-rps"),
		In:                     v.GetString("in"),
		Out:                    v.GetString("out"),
		Checkpoint:             v.GetString("checkpoint"),
		CheckpointEnabled:      v.GetBool("checkpoint-enabled"),
		CheckpointEvery:        v.GetInt("checkpoint-every"),
		MaxRetries:             v.GetInt("max-retries"),
		RetryBackoff:           v.GetDuration("retry-backoff"),
		StopOnReject:           v.GetBool("stop-on-reject"),
		PGDSN:                  v.GetString("pg-dsn"),
		SnapshotName:           v.GetString("snapshot-name"),
		MetricsAddr:            v.GetString("metrics-addr"),
		LogLevel:               v.GetString("log-level"),
		BatchSize:              v.GetUint64("batch-size"),
		BuyFeePct:              v.GetString("buy-fee-pct"),
		SellFeePct:             v.GetString("sell-fee-pct"),
		MaxTapRateIncreasePct:  v.GetString("max-tap-rate-increase-pct"),
		MaxTapFloorDecreasePct: v.GetString("max-tap-floor-decrease-pct"),
		TapCooldown:            v.GetDuration("tap-cooldown"),
		Reserve:                v.GetString("reserve"),
		Treasury:               v.GetString("treasury"),
		Beneficiary:            v.GetString("beneficiary"),
		Operator:               v.GetString("operator"),
		IssuedToken:            v.GetString("issued-token"),
		Formula:                v.GetString("formula"),
		Collaterals:            getStringSlice(v, "collateral"),
	}

	if cfg.In == "" {
		return ReplayConfig{}, fmt.Errorf("input journal is required")
	}
	if cfg.BatchSize == 0 {
		return ReplayConfig{}, fmt.Errorf("batch size must be greater than zero")
	}

	return cfg, nil
}
