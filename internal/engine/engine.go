// Package engine defines the fixed calling convention of the numerical
// optimization engines and ships two pure-Go backends for it.
//
// An engine receives one Call holding pre-sized flat buffers, tolerances and
// two callbacks. It writes candidate points into x, asks the callbacks for
// values and derivatives, and leaves its final point in X, F and G.
package engine

import (
	"context"
	"fmt"
	"io"
)

// EvalFunc fills f and g for the point x.
type EvalFunc func(ctx context.Context, x, f, g []float64) error

// GradFunc fills df (nvar x nobj) and dg (nvar x ncon), both flattened
// variable-major: df[i*nobj+k] and dg[i*ncon+j].
type GradFunc func(ctx context.Context, x, f, g, df, dg []float64) error

// Tolerances are the numeric convergence controls of a call.
type Tolerances struct {
	CT     float64 // active constraint threshold
	CTMin  float64 // violated constraint threshold
	DABObj float64 // absolute objective change
	DELObj float64 // relative objective change
	ThetaZ float64 // first trial step as a fraction of the bound span
	PMult  float64 // equality constraint penalty weight
}

// Settings carries the scalar arguments of a call. Engines ignore the ones
// they have no use for.
type Settings struct {
	Method    int // IOPT
	Search    int // IONED
	Print     int // 0 silent, 1 final summary, 2 every iteration
	Tol       Tolerances
	MaxIter   int
	StallIter int
	PopSize   int
	Seed      int64
	Penalty   float64
	Out       io.Writer
}

// Call is one invocation of an engine.
type Call struct {
	NVar int
	NCon int
	NObj int

	X  []float64
	XL []float64
	XU []float64
	F  []float64
	G  []float64

	// IDG is +1 for an inequality and -1 for an equality constraint.
	IDG []int

	WK  []float64
	IWK []int

	Settings

	Evaluate EvalFunc
	Gradient GradFunc
}

// Counts are the callback invocations an engine made.
type Counts struct {
	NFun int
	NGrd int
}

// Engine runs an optimization to completion.
type Engine interface {
	Name() string
	Run(ctx context.Context, c *Call) (Counts, error)
}

// Func adapts a plain function to Engine. Tests use it to script the
// callback sequence an engine would produce.
type Func func(ctx context.Context, c *Call) (Counts, error)

func (Func) Name() string { return "FUNC" }

func (fn Func) Run(ctx context.Context, c *Call) (Counts, error) {
	return fn(ctx, c)
}

// Workspace sizing constants.
const (
	workspaceBase = 500
)

// WorkspaceSize is the length both workspaces must have for nvar variables
// and ncon constraints.
func WorkspaceSize(nvar, ncon int) int {
	k := ncon + 2*nvar
	return workspaceBase + 10*(2*nvar+ncon) + (k + 3) + k*(k/2+1)
}

// NewWorkspaces allocates correctly sized workspaces.
func NewWorkspaces(nvar, ncon int) ([]float64, []int) {
	n := WorkspaceSize(nvar, ncon)
	return make([]float64, n), make([]int, n)
}

// Validate checks that every buffer in c matches the declared sizes.
func (c *Call) Validate() error {
	if c.NVar <= 0 {
		return fmt.Errorf("call has no design variables")
	}
	if c.NObj <= 0 {
		return fmt.Errorf("call has no objective")
	}
	for _, b := range []struct {
		name string
		got  int
		want int
	}{
		{"x", len(c.X), c.NVar},
		{"xl", len(c.XL), c.NVar},
		{"xu", len(c.XU), c.NVar},
		{"f", len(c.F), c.NObj},
		{"g", len(c.G), c.NCon},
		{"idg", len(c.IDG), c.NCon},
	} {
		if b.got != b.want {
			return fmt.Errorf("buffer %s has length %d, want %d", b.name, b.got, b.want)
		}
	}
	for i := range c.XL {
		if c.XL[i] > c.XU[i] {
			return fmt.Errorf("variable %d has lower bound %g above upper bound %g", i, c.XL[i], c.XU[i])
		}
	}
	size := WorkspaceSize(c.NVar, c.NCon)
	if len(c.WK) < size {
		return fmt.Errorf("real workspace has length %d, need %d", len(c.WK), size)
	}
	if len(c.IWK) < size {
		return fmt.Errorf("integer workspace has length %d, need %d", len(c.IWK), size)
	}
	if c.Evaluate == nil {
		return fmt.Errorf("call has no evaluation callback")
	}
	return nil
}

func (c *Call) out() io.Writer {
	if c.Out == nil || c.Print <= 0 {
		return io.Discard
	}
	return c.Out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
