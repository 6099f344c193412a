package sens

import (
	"context"
	"fmt"

	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
)

// column is the derivative of every output with respect to one variable.
type column struct {
	DF []float64
	DG []float64
}

// block is the set of columns computed by one rank.
type block struct {
	Index   []int
	Columns []column
}

// differ computes gradients one variable at a time by perturbation.
type differ struct {
	p       *problem.Problem
	ix      flat.Index
	grouped bool
	step    float64
	coord   parallel.Coordinator
	pgc     bool
	column  func(ctx context.Context, x, f, g []float64, i int) (column, error)
}

func (d *differ) Gradient(ctx context.Context, x, f, g []float64) (problem.Gradient, error) {
	nvar := len(x)
	rank, size := 0, 1
	if d.pgc {
		rank, size = d.coord.Rank(), d.coord.Size()
	}

	var own block
	for i := rank; i < nvar; i += size {
		col, err := d.column(ctx, x, f, g, i)
		if err != nil {
			return problem.Gradient{}, err
		}
		own.Index = append(own.Index, i)
		own.Columns = append(own.Columns, col)
	}

	blocks := []block{own}
	if d.pgc && size > 1 {
		blocks = blocks[:0]
		for r := 0; r < size; r++ {
			b, err := parallel.Bcast(ctx, d.coord, own, r)
			if err != nil {
				return problem.Gradient{}, fmt.Errorf("failed to gather gradient columns from rank %d: %w", r, err)
			}
			blocks = append(blocks, b)
		}
	}

	grad := problem.Gradient{DF: matrix(len(f), nvar), DG: matrix(len(g), nvar)}
	for _, b := range blocks {
		for k, i := range b.Index {
			col := b.Columns[k]
			if len(col.DF) != len(f) || len(col.DG) != len(g) {
				return problem.Gradient{}, fmt.Errorf("gradient column %d has %d/%d outputs, want %d/%d",
					i, len(col.DF), len(col.DG), len(f), len(g))
			}
			for o, v := range col.DF {
				grad.DF[o][i] = v
			}
			for o, v := range col.DG {
				grad.DG[o][i] = v
			}
		}
	}
	return grad, nil
}

func (d *differ) fdColumn(eval Evaluator) func(ctx context.Context, x, f, g []float64, i int) (column, error) {
	return func(ctx context.Context, x, f, g []float64, i int) (column, error) {
		xp := append([]float64(nil), x...)
		xp[i] += d.step
		res, err := eval(ctx, flat.Unflatten(xp, d.ix, d.grouped))
		if err != nil {
			return column{}, fmt.Errorf("finite difference evaluation of variable %d failed: %w", i, err)
		}
		if len(res.F) != len(f) || len(res.G) != len(g) {
			return column{}, fmt.Errorf("finite difference evaluation of variable %d returned %d/%d outputs, want %d/%d",
				i, len(res.F), len(res.G), len(f), len(g))
		}
		col := column{DF: make([]float64, len(f)), DG: make([]float64, len(g))}
		for o := range f {
			col.DF[o] = (res.F[o] - f[o]) / d.step
		}
		for o := range g {
			col.DG[o] = (res.G[o] - g[o]) / d.step
		}
		return col, nil
	}
}

func (d *differ) csColumn(ctx context.Context, x, f, g []float64, i int) (column, error) {
	xc := make([]complex128, len(x))
	for j, v := range x {
		xc[j] = complex(v, 0)
	}
	xc[i] += complex(0, d.step)
	res, err := d.p.ComplexFunc(ctx, xc)
	if err != nil {
		return column{}, fmt.Errorf("complex step evaluation of variable %d failed: %w", i, err)
	}
	if len(res.F) != len(f) || len(res.G) != len(g) {
		return column{}, fmt.Errorf("complex step evaluation of variable %d returned %d/%d outputs, want %d/%d",
			i, len(res.F), len(res.G), len(f), len(g))
	}
	col := column{DF: make([]float64, len(f)), DG: make([]float64, len(g))}
	for o, v := range res.F {
		col.DF[o] = imag(v) / d.step
	}
	for o, v := range res.G {
		col.DG[o] = imag(v) / d.step
	}
	return col, nil
}

func matrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}
