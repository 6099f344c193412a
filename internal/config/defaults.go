package config

import "path/filepath"

// Default values for configuration fields.
const (
	DefaultEngine       = "FEASDIR"
	DefaultDataDir      = "data"
	DefaultHistorySub   = "history"
	DefaultSensType     = "FD"
	DefaultParallelMode = ModeNone
	DefaultRanks        = 1
)

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Engine == "" {
		cfg.Engine = DefaultEngine
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = filepath.Join(cfg.DataDir, DefaultHistorySub)
	}
	if cfg.Sensitivity.Type == "" {
		cfg.Sensitivity.Type = DefaultSensType
	}
	if cfg.Parallel.Mode == "" {
		cfg.Parallel.Mode = DefaultParallelMode
	}
	if cfg.Parallel.Ranks == 0 {
		cfg.Parallel.Ranks = DefaultRanks
	}
	if cfg.Options == nil {
		cfg.Options = map[string]any{}
	}
}
