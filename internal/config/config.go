// Package config holds the command-line and environment configuration of
// the statistics CLI.
package config

import (
	"fmt"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// Config holds the parsed command-line configuration.
type Config struct {
	// ShmKey is the shared memory namespace suffix. Empty selects a
	// per-UID namespace.
	ShmKey string
	// ShmSizeMultiplier scales the segment capacity: capacity is the
	// system CPU count times this multiplier.
	ShmSizeMultiplier int
	// ListPids lists the registered pids instead of the region table.
	ListPids bool
	// Filter is an optional expr-lang expression evaluated per region.
	Filter string
	// OTLP enables exporting the region snapshot as OTLP spans.
	OTLP bool
}

// envDefaults are the environment-variable defaults applied before flag
// parsing, so flags always win.
type envDefaults struct {
	ShmKey            string `env:"TALP_SHM_KEY" envDefault:""`
	ShmSizeMultiplier int    `env:"TALP_SHM_SIZE_MULTIPLIER" envDefault:"1"`
}

// ParseArgs parses command-line arguments and returns a Config.
// Expected format: program_name [--shm-key <key>] [--shm-size-multiplier <n>]
// [--list-pids] [--filter <expr>] [--otlp]
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}
	programName := args[0]

	var defaults envDefaults
	if err := env.Parse(&defaults); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg := &Config{
		ShmKey:            defaults.ShmKey,
		ShmSizeMultiplier: defaults.ShmSizeMultiplier,
	}

	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--shm-key":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--shm-key requires a value")
			}
			cfg.ShmKey = args[i+1]
			i++
		case "--shm-size-multiplier":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--shm-size-multiplier requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("--shm-size-multiplier must be a positive integer, got %q", args[i+1])
			}
			cfg.ShmSizeMultiplier = n
			i++
		case "--list-pids":
			cfg.ListPids = true
		case "--filter":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--filter requires a value")
			}
			cfg.Filter = args[i+1]
			i++
		case "--otlp":
			cfg.OTLP = true
		case "-h", "--help":
			return nil, fmt.Errorf("Usage: %s [--shm-key <key>] [--shm-size-multiplier <n>]"+
				" [--list-pids] [--filter <expr>] [--otlp]", programName)
		default:
			return nil, fmt.Errorf("unknown argument %q", args[i])
		}
	}

	return cfg, nil
}
