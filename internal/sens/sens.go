// Package sens computes objective and constraint gradients for engines that
// need them.
package sens

import (
	"context"
	"fmt"
	"strings"

	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
)

// Gradient types.
const (
	FD   = "FD"
	CS   = "CS"
	User = "User"
)

// ModePGC distributes gradient columns across ranks.
const ModePGC = "pgc"

// Default perturbation steps.
const (
	DefaultFDStep = 1e-6
	DefaultCSStep = 1e-20
)

// Config selects a gradient provider.
type Config struct {
	Type string  `json:"type" yaml:"type"`
	Mode string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Step float64 `json:"step,omitempty" yaml:"step,omitempty"`
}

// PGC reports whether parallel gradient computation is requested.
func (c Config) PGC() bool {
	return strings.EqualFold(c.Mode, ModePGC)
}

// Provider computes gradients at x given the problem-convention values f and
// g there. Results are indexed (output, variable).
type Provider interface {
	Gradient(ctx context.Context, x, f, g []float64) (problem.Gradient, error)
}

// Evaluator evaluates the real-valued problem at a structured point.
type Evaluator func(ctx context.Context, d problem.Design) (problem.Result, error)

// New builds the provider cfg asks for. eval is used for finite differences.
func New(p *problem.Problem, ix flat.Index, eval Evaluator, cfg Config, coord parallel.Coordinator) (Provider, error) {
	if coord == nil {
		coord = parallel.Local{}
	}
	if cfg.Mode != "" && !cfg.PGC() {
		return nil, fmt.Errorf("unknown sensitivity mode %q", cfg.Mode)
	}

	base := differ{p: p, ix: ix, grouped: p.UseGroups(), coord: coord, pgc: cfg.PGC()}

	switch strings.ToUpper(cfg.Type) {
	case "", strings.ToUpper(FD):
		if eval == nil {
			return nil, fmt.Errorf("finite differences need an evaluator")
		}
		base.step = cfg.Step
		if base.step == 0 {
			base.step = DefaultFDStep
		}
		base.column = base.fdColumn(eval)
		return &base, nil
	case strings.ToUpper(CS):
		if p.ComplexFunc == nil {
			return nil, fmt.Errorf("complex step needs a complex objective function")
		}
		base.step = cfg.Step
		if base.step == 0 {
			base.step = DefaultCSStep
		}
		base.column = base.csColumn
		return &base, nil
	case strings.ToUpper(User):
		if p.GradFunc == nil {
			return nil, fmt.Errorf("user sensitivities need a gradient function")
		}
		if base.pgc {
			return nil, fmt.Errorf("parallel gradient computation needs finite difference or complex step sensitivities")
		}
		return &analytic{p: p, ix: ix, grouped: base.grouped}, nil
	default:
		return nil, fmt.Errorf("unknown sensitivity type %q", cfg.Type)
	}
}

type analytic struct {
	p       *problem.Problem
	ix      flat.Index
	grouped bool
}

func (a *analytic) Gradient(ctx context.Context, x, f, g []float64) (problem.Gradient, error) {
	grad, err := a.p.GradFunc(ctx, flat.Unflatten(x, a.ix, a.grouped), f, g)
	if err != nil {
		return problem.Gradient{}, fmt.Errorf("gradient function failed: %w", err)
	}
	if err := checkShape("objective", grad.DF, len(f), len(x)); err != nil {
		return problem.Gradient{}, err
	}
	if err := checkShape("constraint", grad.DG, len(g), len(x)); err != nil {
		return problem.Gradient{}, err
	}
	return grad, nil
}

func checkShape(what string, m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("%s gradient has %d rows, want %d", what, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%s gradient row %d has %d columns, want %d", what, i, len(row), cols)
		}
	}
	return nil
}
