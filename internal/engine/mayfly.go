package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cwbudde/mayfly"
)

// MinPopSize is the smallest population the mayfly library accepts.
const MinPopSize = 20

const defaultPenalty = 1e3

// Mayfly is an evolutionary engine backed by the mayfly library. It needs no
// gradients. Inequalities are satisfied when g >= 0 and are handled with an
// exterior penalty; equalities are not supported.
//
// The library works on scalar bounds, so the search runs in the unit
// hypercube and every candidate is mapped onto [xl, xu].
type Mayfly struct{}

func (Mayfly) Name() string { return "MAYFLY" }

func (Mayfly) Run(ctx context.Context, c *Call) (Counts, error) {
	if err := c.Validate(); err != nil {
		return Counts{}, err
	}
	if c.NObj != 1 {
		return Counts{}, fmt.Errorf("mayfly handles one objective, got %d", c.NObj)
	}
	for j, t := range c.IDG {
		if t != 1 {
			return Counts{}, fmt.Errorf("mayfly cannot handle equality constraint %d", j)
		}
	}
	if c.PopSize < MinPopSize {
		return Counts{}, fmt.Errorf("population size %d below minimum %d", c.PopSize, MinPopSize)
	}
	if c.MaxIter <= 0 {
		return Counts{}, fmt.Errorf("maximum generations must be positive, got %d", c.MaxIter)
	}

	seed := c.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	penalty := c.Penalty
	if penalty <= 0 {
		penalty = defaultPenalty
	}

	n, m := c.NVar, c.NCon
	xt := c.WK[:n:n]
	ft := c.WK[n : n+1 : n+1]
	gt := c.WK[n+1 : n+1+m : n+1+m]

	var (
		counts  Counts
		evalErr error
		found   bool
		bestPhi = math.Inf(1)
	)
	objective := func(u []float64) float64 {
		if evalErr != nil {
			return math.Inf(1)
		}
		if err := ctx.Err(); err != nil {
			evalErr = err
			return math.Inf(1)
		}
		for i := range xt {
			xt[i] = c.XL[i] + clamp(u[i], 0, 1)*(c.XU[i]-c.XL[i])
		}
		if err := c.Evaluate(ctx, xt, ft, gt); err != nil {
			evalErr = fmt.Errorf("evaluation callback failed: %w", err)
			return math.Inf(1)
		}
		counts.NFun++

		phi := ft[0]
		for _, gj := range gt {
			if gj < 0 {
				phi += penalty * gj * gj
			}
		}
		if !found || phi < bestPhi {
			found = true
			bestPhi = phi
			copy(c.X, xt)
			copy(c.F, ft)
			copy(c.G, gt)
		}
		return phi
	}

	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = objective
	config.ProblemSize = n
	config.MaxIterations = c.MaxIter
	config.NPop = c.PopSize
	config.LowerBound = 0
	config.UpperBound = 1
	config.Rand = rand.New(rand.NewSource(seed))

	result, err := mayfly.Optimize(config)
	if evalErr != nil {
		return counts, evalErr
	}
	if err != nil {
		return counts, fmt.Errorf("mayfly optimization failed: %w", err)
	}

	out := c.out()
	if c.Print >= 1 {
		fmt.Fprintf(out, "MAYFLY finished: f=%.10g penalised=%.10g nfun=%d seed=%d\n",
			c.F[0], result.GlobalBest.Cost, counts.NFun, seed)
	}
	if c.Print >= 2 {
		for i, v := range c.X {
			fmt.Fprintf(out, "  x[%d] = %.10g\n", i, v)
		}
	}
	return counts, nil
}
