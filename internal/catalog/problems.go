package catalog

import (
	"context"

	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/problem"
)

func init() {
	register(Entry{
		Name:        "paraboloid",
		Description: "x0^2 + x1^2 subject to x0 + x1 >= 1",
		Optimum:     0.5,
		New:         newParaboloid,
	})
	register(Entry{
		Name:        "grouped-paraboloid",
		Description: "paraboloid over a vector group plus a scalar group",
		Optimum:     0.5,
		New:         newGroupedParaboloid,
	})
	register(Entry{
		Name:        "rosen-suzuki",
		Description: "Rosen-Suzuki test problem, four variables and three constraints",
		Optimum:     -44,
		New:         newRosenSuzuki,
	})
	register(Entry{
		Name:        "tp037",
		Description: "Hock-Schittkowski problem 37, a box-shaped polytope",
		Optimum:     -3456,
		New:         newTP037,
	})
	register(Entry{
		Name:        "sphere",
		Description: "shifted sphere whose objective is shared across ranks",
		Optimum:     0,
		New:         newSphere,
	})
}

func newParaboloid() *problem.Problem {
	p := problem.New("paraboloid", func(_ context.Context, d problem.Design) (problem.Result, error) {
		x := d.X
		return problem.Result{
			F: []float64{x[0]*x[0] + x[1]*x[1]},
			G: []float64{1 - x[0] - x[1]},
		}, nil
	})
	p.ComplexFunc = func(_ context.Context, x []complex128) (problem.ComplexResult, error) {
		return problem.ComplexResult{
			F: []complex128{x[0]*x[0] + x[1]*x[1]},
			G: []complex128{1 - x[0] - x[1]},
		}, nil
	}
	p.GradFunc = func(_ context.Context, d problem.Design, _, _ []float64) (problem.Gradient, error) {
		x := d.X
		return problem.Gradient{
			DF: [][]float64{{2 * x[0], 2 * x[1]}},
			DG: [][]float64{{-1, -1}},
		}, nil
	}
	p.AddVar("x0", problem.Continuous, -5, 5, 2)
	p.AddVar("x1", problem.Continuous, -5, 5, 2)
	p.AddObj("f")
	p.AddCon("g", problem.Inequality)
	return p
}

// newGroupedParaboloid reads its design through groups: "xy" is a vector
// of two and "z" a scalar.
func newGroupedParaboloid() *problem.Problem {
	p := problem.New("grouped-paraboloid", func(_ context.Context, d problem.Design) (problem.Result, error) {
		xy, _ := d.Group("xy")
		z, _ := d.Group("z")
		v := xy.Floats()
		dz := z.Scalar - 1
		return problem.Result{
			F: []float64{v[0]*v[0] + v[1]*v[1] + dz*dz},
			G: []float64{1 - v[0] - v[1]},
		}, nil
	})
	p.GradFunc = func(_ context.Context, d problem.Design, _, _ []float64) (problem.Gradient, error) {
		x := d.X
		return problem.Gradient{
			DF: [][]float64{{2 * x[0], 2 * x[1], 2 * (x[2] - 1)}},
			DG: [][]float64{{-1, -1, 0}},
		}, nil
	}
	_ = p.AddVarGroup("xy", 2, problem.Continuous, -5, 5, []float64{2, 2})
	p.AddVar("z", problem.Continuous, -5, 5, 0)
	p.AddObj("f")
	p.AddCon("g", problem.Inequality)
	return p
}

func newRosenSuzuki() *problem.Problem {
	p := problem.New("rosen-suzuki", func(ctx context.Context, d problem.Design) (problem.Result, error) {
		res, err := rosenSuzuki(ctx, toComplex(d.X))
		return problem.Result{F: flat.Narrow(res.F), G: flat.Narrow(res.G), Fail: res.Fail}, err
	})
	p.ComplexFunc = rosenSuzuki
	p.GradFunc = func(_ context.Context, d problem.Design, _, _ []float64) (problem.Gradient, error) {
		x := d.X
		return problem.Gradient{
			DF: [][]float64{{2*x[0] - 5, 2*x[1] - 5, 4*x[2] - 21, 2*x[3] + 7}},
			DG: [][]float64{
				{2*x[0] + 1, 2*x[1] - 1, 2*x[2] + 1, 2*x[3] - 1},
				{2*x[0] - 1, 4 * x[1], 2 * x[2], 4*x[3] - 1},
				{4*x[0] + 2, 2*x[1] - 1, 2 * x[2], -1},
			},
		}, nil
	}
	for _, name := range []string{"x1", "x2", "x3", "x4"} {
		p.AddVar(name, problem.Continuous, -10, 10, 1)
	}
	p.AddObj("f")
	p.AddCon("g1", problem.Inequality)
	p.AddCon("g2", problem.Inequality)
	p.AddCon("g3", problem.Inequality)
	return p
}

func rosenSuzuki(_ context.Context, x []complex128) (problem.ComplexResult, error) {
	x1, x2, x3, x4 := x[0], x[1], x[2], x[3]
	return problem.ComplexResult{
		F: []complex128{x1*x1 + x2*x2 + 2*x3*x3 + x4*x4 - 5*x1 - 5*x2 - 21*x3 + 7*x4},
		G: []complex128{
			x1*x1 + x2*x2 + x3*x3 + x4*x4 + x1 - x2 + x3 - x4 - 8,
			x1*x1 + 2*x2*x2 + x3*x3 + 2*x4*x4 - x1 - x4 - 10,
			2*x1*x1 + x2*x2 + x3*x3 + 2*x1 - x2 - x4 - 5,
		},
	}, nil
}

func newTP037() *problem.Problem {
	p := problem.New("tp037", func(_ context.Context, d problem.Design) (problem.Result, error) {
		x := d.X
		s := x[0] + 2*x[1] + 2*x[2]
		return problem.Result{
			F: []float64{-x[0] * x[1] * x[2]},
			G: []float64{s - 72, -s},
		}, nil
	})
	p.ComplexFunc = func(_ context.Context, x []complex128) (problem.ComplexResult, error) {
		s := x[0] + 2*x[1] + 2*x[2]
		return problem.ComplexResult{
			F: []complex128{-x[0] * x[1] * x[2]},
			G: []complex128{s - 72, -s},
		}, nil
	}
	p.GradFunc = func(_ context.Context, d problem.Design, _, _ []float64) (problem.Gradient, error) {
		x := d.X
		return problem.Gradient{
			DF: [][]float64{{-x[1] * x[2], -x[0] * x[2], -x[0] * x[1]}},
			DG: [][]float64{{1, 2, 2}, {-1, -2, -2}},
		}, nil
	}
	for _, name := range []string{"x1", "x2", "x3"} {
		p.AddVar(name, problem.Continuous, 0, 42, 10)
	}
	p.AddObj("f")
	p.AddCon("upper", problem.Inequality)
	p.AddCon("lower", problem.Inequality)
	return p
}

const sphereDim = 6

// newSphere is sum (x_i - 1)^2 subject to sum x_i >= 1. Under parallel
// objective analysis every rank sums its share of the terms.
func newSphere() *problem.Problem {
	p := problem.New("sphere", func(ctx context.Context, d problem.Design) (problem.Result, error) {
		x := d.X
		f, err := share(ctx, len(x), func(i int) float64 {
			return (x[i] - 1) * (x[i] - 1)
		})
		if err != nil {
			return problem.Result{}, err
		}
		var s float64
		for _, v := range x {
			s += v
		}
		return problem.Result{F: []float64{f}, G: []float64{1 - s}}, nil
	})
	p.GradFunc = func(_ context.Context, d problem.Design, _, _ []float64) (problem.Gradient, error) {
		df := make([]float64, len(d.X))
		dg := make([]float64, len(d.X))
		for i, v := range d.X {
			df[i] = 2 * (v - 1)
			dg[i] = -1
		}
		return problem.Gradient{DF: [][]float64{df}, DG: [][]float64{dg}}, nil
	}
	for i := 0; i < sphereDim; i++ {
		p.AddVar("x"+string(rune('0'+i)), problem.Continuous, -3, 3, -1)
	}
	p.AddObj("f")
	p.AddCon("g", problem.Inequality)
	return p
}

func toComplex(x []float64) []complex128 {
	out := make([]complex128, len(x))
	for i, v := range x {
		out[i] = complex(v, 0)
	}
	return out
}
