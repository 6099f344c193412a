// Package config loads the run configuration of the optbridge CLI.
//
// A configuration is read from YAML, completed with defaults, overridden
// from OPTBRIDGE_* environment variables and validated as a whole.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/optbridge/internal/history"
	"github.com/cwbudde/optbridge/internal/opt"
	"github.com/cwbudde/optbridge/internal/sens"
)

// Config is a complete solve configuration.
type Config struct {
	// Engine is the optimizer name, e.g. "FEASDIR".
	Engine string `yaml:"engine"`

	// Problem names a built-in catalog problem.
	Problem string `yaml:"problem"`

	// Options are engine options, checked against the engine's option
	// table when the solve starts.
	Options map[string]any `yaml:"options,omitempty"`

	History     HistoryConfig  `yaml:"history"`
	Sensitivity sens.Config    `yaml:"sensitivity"`
	Parallel    ParallelConfig `yaml:"parallel"`

	// DataDir holds solutions, traces and, by default, histories.
	DataDir string `yaml:"data_dir"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Trace records every evaluation of the run under DataDir.
	Trace bool `yaml:"trace"`
}

// HistoryConfig selects history files.
type HistoryConfig struct {
	Store    Target `yaml:"store"`
	HotStart Target `yaml:"hot_start"`

	// Dir resolves relative history names. Defaults to <data_dir>/history.
	Dir string `yaml:"dir"`
}

// Target is a history selection. In YAML it is either a bool (use the
// engine's default name), a string (explicit name) or a mapping with
// enabled and name keys.
type Target struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name,omitempty"`
}

// UnmarshalYAML accepts the bool, string and mapping forms.
func (t *Target) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var b bool
		if err := node.Decode(&b); err == nil {
			*t = Target{Enabled: b}
			return nil
		}
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*t = Target{Enabled: s != "", Name: s}
		return nil
	}
	type plain Target
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = Target(p)
	return nil
}

// History converts t into a history selection.
func (t Target) History() history.Target {
	return history.Target{Enabled: t.Enabled, Name: t.Name}
}

// Parallel modes.
const (
	ModeNone = "none"
	ModePOA  = "poa"
)

// ParallelConfig describes the cooperating ranks.
//
// Ranks > 1 runs that many ranks inside one process. Size > 1 joins a
// multi-process run over TCP instead: rank 0 listens on Address and every
// other rank dials it.
type ParallelConfig struct {
	Mode    string `yaml:"mode"`
	Ranks   int    `yaml:"ranks"`
	Rank    int    `yaml:"rank"`
	Size    int    `yaml:"size"`
	Address string `yaml:"address,omitempty"`
}

// PllType returns the optimizer's parallel regime name.
func (p ParallelConfig) PllType() string {
	if strings.EqualFold(p.Mode, ModePOA) {
		return opt.PllPOA
	}
	return opt.PllNone
}

// Distributed reports whether the run spans processes.
func (p ParallelConfig) Distributed() bool {
	return p.Size > 1
}

// Cooperating reports whether more than one rank takes part.
func (p ParallelConfig) Cooperating() bool {
	return p.Ranks > 1 || p.Size > 1
}

// String summarizes the parallel layout for logs.
func (p ParallelConfig) String() string {
	switch {
	case p.Distributed():
		return fmt.Sprintf("%s rank %d/%d via %s", p.Mode, p.Rank, p.Size, p.Address)
	case p.Ranks > 1:
		return fmt.Sprintf("%s with %d local ranks", p.Mode, p.Ranks)
	default:
		return "serial"
	}
}
