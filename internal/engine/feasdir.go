package engine

import (
	"context"
	"fmt"
	"math"
)

// Line search variants selected by Settings.Search.
const (
	SearchHalving = iota
	SearchQuarter
	SearchQuadratic
	SearchGolden
)

const (
	armijo      = 1e-4
	maxShrinks  = 30
	goldenSteps = 12
	goldenRatio = 0.618
	maxPenalty  = 1e8
)

// FeasDir is a gradient engine: a bound-projected steepest descent on an
// exterior penalty function. Inequalities are satisfied when g <= 0.
//
// Method 0 grows the penalty tenfold after every infeasible iteration;
// method 1 keeps it fixed.
type FeasDir struct{}

func (FeasDir) Name() string { return "FEASDIR" }

// feasdir holds one run's state. Its scratch vectors are carved out of the
// caller's workspace.
type feasdir struct {
	c *Call
	n int
	m int

	dir   []float64
	trial []float64
	gphi  []float64
	df    []float64
	gt    []float64
	dg    []float64
	ft    []float64

	r      float64
	counts Counts
}

func (FeasDir) Run(ctx context.Context, c *Call) (Counts, error) {
	if err := c.Validate(); err != nil {
		return Counts{}, err
	}
	if c.NCon == 0 {
		return Counts{}, fmt.Errorf("feasible directions need at least one constraint")
	}
	if c.NObj != 1 {
		return Counts{}, fmt.Errorf("feasible directions handle one objective, got %d", c.NObj)
	}
	if c.Gradient == nil {
		return Counts{}, fmt.Errorf("feasible directions need a gradient callback")
	}
	for j, t := range c.IDG {
		if t != 1 && t != -1 {
			return Counts{}, fmt.Errorf("constraint %d has type %d, want 1 or -1", j, t)
		}
	}

	s := newFeasdir(c)
	err := s.run(ctx)
	return s.counts, err
}

func newFeasdir(c *Call) *feasdir {
	n, m := c.NVar, c.NCon
	wk := c.WK
	take := func(k int) []float64 {
		v := wk[:k:k]
		wk = wk[k:]
		clear(v)
		return v
	}
	s := &feasdir{c: c, n: n, m: m, r: 1}
	s.dir = take(n)
	s.trial = take(n)
	s.gphi = take(n)
	s.df = take(n)
	s.ft = take(1)
	s.gt = take(m)
	s.dg = take(n * m)
	clear(c.IWK)
	return s
}

func (s *feasdir) run(ctx context.Context) error {
	c := s.c
	out := c.out()

	for i := range c.X {
		c.X[i] = clamp(c.X[i], c.XL[i], c.XU[i])
	}
	if err := s.eval(ctx, c.X, c.F, c.G); err != nil {
		return err
	}
	phi := s.phi(c.F, c.G)

	maxIter := c.MaxIter
	if maxIter <= 0 {
		maxIter = 400
	}
	stallLimit := max(c.StallIter, 1)

	span := 0.0
	for i := range c.XL {
		span = max(span, c.XU[i]-c.XL[i])
	}
	alpha := 0.0
	stall := 0

	for it := 1; it <= maxIter; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Gradient(ctx, c.X, c.F, c.G, s.df, s.dg); err != nil {
			return fmt.Errorf("gradient callback failed: %w", err)
		}
		s.counts.NGrd++

		s.direction()
		norm := 0.0
		slope := 0.0
		for i := range s.dir {
			norm += s.dir[i] * s.dir[i]
			slope += s.gphi[i] * s.dir[i]
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			fmt.Fprintf(out, "FEASDIR iteration %d: zero projected gradient\n", it)
			break
		}

		if alpha == 0 {
			alpha = c.Tol.ThetaZ * span / norm
			if alpha <= 0 {
				alpha = 1 / norm
			}
		} else {
			alpha *= 2
		}

		step, next, err := s.search(ctx, phi, slope, alpha)
		if err != nil {
			return err
		}

		moved := step > 0
		if moved {
			alpha = step
			copy(c.X, s.trial)
			copy(c.F, s.ft)
			copy(c.G, s.gt)
		} else {
			alpha = 0
		}

		change := math.Abs(phi - next)
		if !moved || change < max(c.Tol.DABObj, c.Tol.DELObj*math.Abs(phi)) {
			stall++
		} else {
			stall = 0
		}
		phi = next

		active, violated := s.classify(c.G)
		if c.Print >= 2 {
			fmt.Fprintf(out, "FEASDIR iteration %d: f=%.8g phi=%.8g step=%.4g active=%d violated=%d\n",
				it, c.F[0], phi, step, active, violated)
		}

		if c.Method == 0 && violated > 0 && s.r < maxPenalty {
			s.r = min(s.r*10, maxPenalty)
			phi = s.phi(c.F, c.G)
			stall = 0
		}
		if stall >= stallLimit {
			break
		}
	}

	active, violated := s.classify(c.G)
	fmt.Fprintf(out, "FEASDIR finished: f=%.10g nfun=%d ngrd=%d active=%d violated=%d\n",
		c.F[0], s.counts.NFun, s.counts.NGrd, active, violated)
	return nil
}

func (s *feasdir) eval(ctx context.Context, x, f, g []float64) error {
	if err := s.c.Evaluate(ctx, x, f, g); err != nil {
		return fmt.Errorf("evaluation callback failed: %w", err)
	}
	s.counts.NFun++
	return nil
}

// violation of constraint j, weighted for equalities.
func (s *feasdir) violation(j int, g float64) (v, w float64) {
	if s.c.IDG[j] < 0 {
		w = s.c.Tol.PMult
		if w <= 0 {
			w = 1
		}
		return g, w
	}
	return max(g, 0), 1
}

func (s *feasdir) phi(f, g []float64) float64 {
	p := f[0]
	for j, gj := range g {
		v, w := s.violation(j, gj)
		p += s.r * w * v * v
	}
	return p
}

// direction computes the penalty gradient and its negation projected onto
// the active bounds.
func (s *feasdir) direction() {
	c := s.c
	for i := 0; i < s.n; i++ {
		d := s.df[i]
		for j := 0; j < s.m; j++ {
			v, w := s.violation(j, c.G[j])
			d += 2 * s.r * w * v * s.dg[i*s.m+j]
		}
		s.gphi[i] = d
		s.dir[i] = -d
		if (c.X[i] <= c.XL[i] && s.dir[i] < 0) || (c.X[i] >= c.XU[i] && s.dir[i] > 0) {
			s.dir[i] = 0
		}
	}
}

// at evaluates the penalty a step of length a along the direction.
func (s *feasdir) at(ctx context.Context, a float64) (float64, error) {
	c := s.c
	for i := range s.trial {
		s.trial[i] = clamp(c.X[i]+a*s.dir[i], c.XL[i], c.XU[i])
	}
	if err := s.eval(ctx, s.trial, s.ft, s.gt); err != nil {
		return 0, err
	}
	return s.phi(s.ft, s.gt), nil
}

// search returns an accepted step and the penalty there, or a zero step and
// phi0 when no decrease was found. On return trial holds the accepted point.
func (s *feasdir) search(ctx context.Context, phi0, slope, a0 float64) (float64, float64, error) {
	switch s.c.Search {
	case SearchGolden:
		return s.golden(ctx, phi0, a0)
	default:
		return s.backtrack(ctx, phi0, slope, a0)
	}
}

func (s *feasdir) backtrack(ctx context.Context, phi0, slope, a float64) (float64, float64, error) {
	shrink := 0.5
	if s.c.Search == SearchQuarter {
		shrink = 0.25
	}
	for k := 0; k < maxShrinks; k++ {
		p, err := s.at(ctx, a)
		if err != nil {
			return 0, phi0, err
		}
		if p <= phi0+armijo*a*slope {
			return a, p, nil
		}
		next := a * shrink
		if s.c.Search == SearchQuadratic {
			// Minimiser of the quadratic through phi0, slope and p.
			denom := 2 * (p - phi0 - slope*a)
			if denom > 0 {
				next = clamp(-slope*a*a/denom, 0.1*a, 0.5*a)
			}
		}
		a = next
	}
	return 0, phi0, nil
}

func (s *feasdir) golden(ctx context.Context, phi0, a0 float64) (float64, float64, error) {
	lo, hi := 0.0, a0
	a := hi - goldenRatio*(hi-lo)
	b := lo + goldenRatio*(hi-lo)
	pa, err := s.at(ctx, a)
	if err != nil {
		return 0, phi0, err
	}
	pb, err := s.at(ctx, b)
	if err != nil {
		return 0, phi0, err
	}
	for k := 0; k < goldenSteps; k++ {
		if pa < pb {
			hi, b, pb = b, a, pa
			a = hi - goldenRatio*(hi-lo)
			if pa, err = s.at(ctx, a); err != nil {
				return 0, phi0, err
			}
		} else {
			lo, a, pa = a, b, pb
			b = lo + goldenRatio*(hi-lo)
			if pb, err = s.at(ctx, b); err != nil {
				return 0, phi0, err
			}
		}
	}
	best, pbest := a, pa
	if pb < pa {
		best, pbest = b, pb
	}
	if pbest >= phi0 {
		return 0, phi0, nil
	}
	// Leave the accepted point in trial.
	if _, err := s.at(ctx, best); err != nil {
		return 0, phi0, err
	}
	return best, pbest, nil
}

// classify records active constraints in IWK and counts active and violated
// constraints.
func (s *feasdir) classify(g []float64) (active, violated int) {
	tol := s.c.Tol
	for j, gj := range g {
		s.c.IWK[j] = 0
		if s.c.IDG[j] < 0 {
			if math.Abs(gj) > tol.CTMin {
				violated++
			}
			s.c.IWK[j] = 1
			active++
			continue
		}
		if gj > tol.CTMin {
			violated++
		}
		if gj >= tol.CT {
			s.c.IWK[j] = 1
			active++
		}
	}
	return active, violated
}
