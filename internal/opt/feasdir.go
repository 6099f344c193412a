package opt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/cwbudde/optbridge/internal/engine"
	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/problem"
)

// FeasDir drives the feasible directions engine.
type FeasDir struct {
	base
}

func feasDirOptions() map[string]Option {
	return map[string]Option{
		"IOPT":   {IntOption, 0, "0 modified method of feasible directions, 1 fixed penalty"},
		"IONED":  {IntOption, 0, "line search: 0 halving, 1 quarter, 2 quadratic, 3 golden section"},
		"CT":     {FloatOption, -3e-2, "active constraint threshold"},
		"CTMIN":  {FloatOption, 4e-3, "violated constraint threshold"},
		"DABOBJ": {FloatOption, 1e-3, "absolute objective tolerance, scaled by |f(x0)|"},
		"DELOBJ": {FloatOption, 1e-3, "relative objective tolerance"},
		"THETAZ": {FloatOption, 1e-1, "first trial step as a fraction of the bound span"},
		"PMLT":   {FloatOption, 10.0, "equality constraint penalty weight"},
		"ITMAX":  {IntOption, 400, "maximum iterations"},
		"ITRMOP": {IntOption, 3, "stalled iterations before convergence"},
		"IPRINT": {IntOption, 0, "0 silent, 1 summary, 2 every iteration"},
		"IFILE":  {StringOption, "FEASDIR.out", "progress output file"},
	}
}

// NewFeasDir creates a feasible directions driver for the given parallel
// regime.
func NewFeasDir(pllType string) (*FeasDir, error) {
	poa, err := parsePll(pllType)
	if err != nil {
		return nil, err
	}
	return &FeasDir{base{
		name:      "FEASDIR",
		eng:       engine.FeasDir{},
		conv:      flat.Convention{},
		gradients: true,
		poa:       poa,
		opts:      NewOptions(feasDirOptions()),
	}}, nil
}

func (d *FeasDir) Solve(ctx context.Context, p *problem.Problem, req Request) (*Result, error) {
	return d.solve(ctx, p, req, d)
}

func (d *FeasDir) check(p *problem.Problem) error {
	if len(p.Constraints) == 0 {
		return configErr("constraints", "FEASDIR needs at least one constraint; use an unconstrained engine")
	}
	if len(p.Objectives) != 1 {
		return configErr("objectives", fmt.Sprintf("FEASDIR handles one objective, got %d", len(p.Objectives)))
	}
	return nil
}

func (d *FeasDir) settings(state *RunState) (engine.Settings, error) {
	o := d.opts
	for _, r := range []struct {
		name   string
		lo, hi int
	}{
		{"IOPT", 0, 1},
		{"IONED", engine.SearchHalving, engine.SearchGolden},
		{"IPRINT", 0, 2},
		{"ITMAX", 1, math.MaxInt32},
		{"ITRMOP", 1, math.MaxInt32},
	} {
		if err := o.checkRange(r.name, r.lo, r.hi); err != nil {
			return engine.Settings{}, err
		}
	}
	if o.Float("PMLT") <= 0 {
		return engine.Settings{}, configErr("PMLT", "must be positive")
	}
	if o.Float("THETAZ") <= 0 {
		return engine.Settings{}, configErr("THETAZ", "must be positive")
	}

	print := o.Int("IPRINT")
	if !state.Root() {
		print = 0
	}
	return engine.Settings{
		Method: o.Int("IOPT"),
		Search: o.Int("IONED"),
		Print:  print,
		Tol: engine.Tolerances{
			CT:     o.Float("CT"),
			CTMin:  o.Float("CTMIN"),
			DABObj: o.Float("DABOBJ"),
			DELObj: o.Float("DELOBJ"),
			ThetaZ: o.Float("THETAZ"),
			PMult:  o.Float("PMLT"),
		},
		MaxIter:   o.Int("ITMAX"),
		StallIter: o.Int("ITRMOP"),
	}, nil
}

// prepare opens the progress file and evaluates the starting point. The
// absolute tolerance is relative to the starting objective.
func (d *FeasDir) prepare(ctx context.Context, r *run) error {
	if r.call.Print > 0 {
		out, err := openOutput(r.req.HistoryDir, d.opts.String("IFILE"))
		if err != nil {
			return err
		}
		r.closers = append(r.closers, out)
		r.call.Out = out
		if r.req.Output != nil {
			r.call.Out = io.MultiWriter(out, r.req.Output)
		}
	}

	if err := r.adapter.Evaluate(ctx, r.call.X, r.call.F, r.call.G); err != nil {
		return fmt.Errorf("failed to evaluate starting point: %w", err)
	}
	if f0 := math.Abs(r.call.F[0]); f0 > 0 && f0 < flat.Infinity {
		r.call.Tol.DABObj *= f0
	}
	slog.Debug("FEASDIR starting point", "f", r.call.F[0], "dabobj", r.call.Tol.DABObj)
	return nil
}

func (d *FeasDir) cost(c engine.Counts, nvar int) int {
	return c.NFun + c.NGrd*nvar
}

// openOutput truncates the engine's progress file.
func openOutput(dir, name string) (*os.File, error) {
	if name == "" {
		return nil, configErr("IFILE", "cannot be empty when printing")
	}
	if dir != "" && !filepath.IsAbs(name) {
		name = filepath.Join(dir, name)
	}
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove old output file: %w", err)
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}
