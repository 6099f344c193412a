package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path starts from defaults.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	return Finish(cfg)
}

// Read parses the YAML file at path, if any, and applies environment
// overrides. Callers layer their own overrides on top and call Finish.
func Read(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Finish applies defaults and validates cfg.
func Finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies OPTBRIDGE_* variables. They run before the
// defaults so an overridden data dir still moves the default history dir.
func applyEnvOverrides(cfg *Config) {
	str := map[string]*string{
		"OPTBRIDGE_ENGINE":           &cfg.Engine,
		"OPTBRIDGE_PROBLEM":          &cfg.Problem,
		"OPTBRIDGE_DATA_DIR":         &cfg.DataDir,
		"OPTBRIDGE_HISTORY_DIR":      &cfg.History.Dir,
		"OPTBRIDGE_SENS_TYPE":        &cfg.Sensitivity.Type,
		"OPTBRIDGE_SENS_MODE":        &cfg.Sensitivity.Mode,
		"OPTBRIDGE_PARALLEL_MODE":    &cfg.Parallel.Mode,
		"OPTBRIDGE_PARALLEL_ADDRESS": &cfg.Parallel.Address,
		"OPTBRIDGE_METRICS_ADDR":     &cfg.MetricsAddr,
	}
	for key, dst := range str {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"OPTBRIDGE_PARALLEL_RANKS": &cfg.Parallel.Ranks,
		"OPTBRIDGE_PARALLEL_RANK":  &cfg.Parallel.Rank,
		"OPTBRIDGE_PARALLEL_SIZE":  &cfg.Parallel.Size,
	}
	for key, dst := range ints {
		if val := os.Getenv(key); val != "" {
			if i, err := strconv.Atoi(val); err == nil {
				*dst = i
			}
		}
	}

	if val := os.Getenv("OPTBRIDGE_SENS_STEP"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Sensitivity.Step = f
		}
	}
	if val := os.Getenv("OPTBRIDGE_TRACE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Trace = b
		}
	}
}
