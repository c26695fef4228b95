package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// ReportConfig holds configuration for the snapshot report.
type ReportConfig struct {
	RPCURL       string
	RPCRPS       float64
	PGDSN        string
	SnapshotName string
	Concurrency  int
	LogLevel     string
}

// LoadReport merges config file, environment variables, and flags into ReportConfig.
func LoadReport(cfgFile string, flags *pflag.FlagSet) (ReportConfig, error) {
	v, err := newViper(cfgFile, flags, map[string]interface{}{
		"snapshot-name": "default",
		"concurrency":   4,
		"log-level":     "info",
	})
	if err != nil {
		return ReportConfig{}, err
	}

	cfg := ReportConfig{
		RPCURL:       v.GetString("rpc"),
		RPCRPS:       v.GetFloat64("rpc-rps"),
		PGDSN:        v.GetString("pg-dsn"),
		SnapshotName: v.GetString("snapshot-name"),
		Concurrency:  v.GetInt("concurrency"),
		LogLevel:     v.GetString("log-level"),
	}
	if cfg.PGDSN == "" {
		return ReportConfig{}, fmt.Errorf("pg dsn is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return cfg, nil
}
