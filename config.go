package chroutine

import (
	"fmt"
	"os"
	"runtime"

	"github.com/BurntSushi/toml"
)

// Config tunes the engine and its workers.
type Config struct {
	// Workers is how many worker threads the engine drives.
	Workers int `toml:"workers"`
	// PollIdleMS is how long a drive loop sleeps after a turn that
	// processed nothing.
	PollIdleMS int64 `toml:"poll-idle-ms"`
	// StuckThresholdMS is how long a worker may stay inside one coroutine
	// before the engine migrates its suspended coroutines to a peer.
	StuckThresholdMS int64 `toml:"stuck-threshold-ms"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		PollIdleMS:       10,
		StuckThresholdMS: 1000,
	}
}

// LoadConfig parses a TOML config file. Missing keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PollIdleMS <= 0 {
		return fmt.Errorf("poll-idle-ms must be positive, got %d", c.PollIdleMS)
	}
	if c.StuckThresholdMS <= 0 {
		return fmt.Errorf("stuck-threshold-ms must be positive, got %d", c.StuckThresholdMS)
	}
	return nil
}
