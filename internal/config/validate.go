package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/cwbudde/optbridge/internal/opt"
	"github.com/cwbudde/optbridge/internal/sens"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path of the field, e.g. "parallel.ranks".
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every field error of a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate checks the whole configuration and reports all problems at once.
// Engine options are checked later by the engine itself.
func Validate(cfg *Config) error {
	var errs []FieldError

	if !slices.Contains(opt.Names(), strings.ToUpper(cfg.Engine)) {
		errs = append(errs, FieldError{
			Field:   "engine",
			Message: fmt.Sprintf("must be one of %s, got %q", strings.Join(opt.Names(), ", "), cfg.Engine),
		})
	}
	if cfg.Problem == "" {
		errs = append(errs, FieldError{Field: "problem", Message: "cannot be empty"})
	}
	if cfg.DataDir == "" {
		errs = append(errs, FieldError{Field: "data_dir", Message: "cannot be empty"})
	}

	errs = append(errs, validateSensitivity(cfg)...)
	errs = append(errs, validateParallel(&cfg.Parallel)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateSensitivity(cfg *Config) []FieldError {
	var errs []FieldError
	s := cfg.Sensitivity

	types := []string{sens.FD, sens.CS, sens.User}
	if !slices.ContainsFunc(types, func(t string) bool { return strings.EqualFold(t, s.Type) }) {
		errs = append(errs, FieldError{
			Field:   "sensitivity.type",
			Message: fmt.Sprintf("must be one of %s, got %q", strings.Join(types, ", "), s.Type),
		})
	}
	if s.Mode != "" && !s.PGC() {
		errs = append(errs, FieldError{
			Field:   "sensitivity.mode",
			Message: fmt.Sprintf("must be empty or %q, got %q", sens.ModePGC, s.Mode),
		})
	}
	if s.Step < 0 {
		errs = append(errs, FieldError{Field: "sensitivity.step", Message: "cannot be negative"})
	}
	if s.PGC() && !cfg.Parallel.Cooperating() {
		errs = append(errs, FieldError{Field: "sensitivity.mode", Message: "pgc needs more than one rank"})
	}
	if s.PGC() && strings.EqualFold(cfg.Parallel.Mode, ModePOA) {
		errs = append(errs, FieldError{Field: "sensitivity.mode", Message: "pgc cannot be combined with poa"})
	}
	return errs
}

func validateParallel(p *ParallelConfig) []FieldError {
	var errs []FieldError

	mode := strings.ToLower(p.Mode)
	if mode != ModeNone && mode != ModePOA {
		errs = append(errs, FieldError{
			Field:   "parallel.mode",
			Message: fmt.Sprintf("must be %q or %q, got %q", ModeNone, ModePOA, p.Mode),
		})
	}
	if p.Ranks < 1 {
		errs = append(errs, FieldError{Field: "parallel.ranks", Message: "must be at least 1"})
	}
	if p.Size < 0 {
		errs = append(errs, FieldError{Field: "parallel.size", Message: "cannot be negative"})
	}
	if p.Ranks > 1 && p.Size > 1 {
		errs = append(errs, FieldError{Field: "parallel.ranks", Message: "local ranks cannot be combined with a distributed size"})
	}
	if p.Distributed() {
		if p.Address == "" {
			errs = append(errs, FieldError{Field: "parallel.address", Message: "required when size > 1"})
		}
		if p.Rank < 0 || p.Rank >= p.Size {
			errs = append(errs, FieldError{
				Field:   "parallel.rank",
				Message: fmt.Sprintf("must be in [0, %d), got %d", p.Size, p.Rank),
			})
		}
	}
	if mode == ModePOA && !p.Cooperating() {
		errs = append(errs, FieldError{Field: "parallel.mode", Message: "poa needs more than one rank"})
	}
	return errs
}
