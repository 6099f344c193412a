package opt

import (
	"time"

	"github.com/cwbudde/optbridge/internal/engine"
	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/problem"
)

type assembly struct {
	engine      string
	runID       string
	elapsed     time.Duration
	evaluations int
	inform      map[string]any
	options     map[string]any
}

// assemble snapshots the problem with the engine's final point. The
// problem's own variables and functions are left untouched.
func assemble(p *problem.Problem, conv flat.Convention, c *engine.Call, a assembly) *problem.Solution {
	vars := append([]problem.Variable(nil), p.Variables...)
	for i := range vars {
		vars[i].Value = c.X[i]
	}
	objs := append([]problem.Objective(nil), p.Objectives...)
	for k := range objs {
		objs[k].Value = c.F[k]
	}
	g := conv.FromEngine(c.G)
	cons := append([]problem.Constraint(nil), p.Constraints...)
	for j := range cons {
		cons[j].Value = g[j]
	}

	return &problem.Solution{
		RunID:       a.runID,
		Optimizer:   a.engine,
		Name:        a.engine + " Solution to " + p.Name,
		Problem:     p.Name,
		Time:        a.elapsed,
		Evaluations: a.evaluations,
		Inform:      a.inform,
		Variables:   vars,
		Objectives:  objs,
		Constraints: cons,
		Options:     a.options,
		Timestamp:   time.Now(),
	}
}
