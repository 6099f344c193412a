package problem

import (
	"context"
	"fmt"
)

// Kind is the type of a design variable.
type Kind string

const (
	Continuous Kind = "c"
	Integer    Kind = "i"
	Discrete   Kind = "d"
)

// ConstraintKind distinguishes inequality from equality constraints.
type ConstraintKind string

const (
	Inequality ConstraintKind = "i"
	Equality   ConstraintKind = "e"
)

// Variable is a named, bounded design variable.
type Variable struct {
	Name  string  `json:"name" yaml:"name"`
	Kind  Kind    `json:"kind" yaml:"kind"`
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
	Value float64 `json:"value" yaml:"value"`
}

// Group names a contiguous run of variables. IDs index Problem.Variables.
type Group struct {
	Name string `json:"name" yaml:"name"`
	IDs  []int  `json:"ids" yaml:"ids"`
}

// Objective is a named objective function value.
type Objective struct {
	Name  string  `json:"name" yaml:"name"`
	Value float64 `json:"value" yaml:"value"`
}

// Constraint is a named constraint. Inequalities are feasible when Value <= 0.
type Constraint struct {
	Name  string         `json:"name" yaml:"name"`
	Kind  ConstraintKind `json:"kind" yaml:"kind"`
	Value float64        `json:"value" yaml:"value"`
}

// Result is what a problem function returns for one candidate point.
// Fail marks the point as not evaluable; F and G may then be empty.
type Result struct {
	F    []float64
	G    []float64
	Fail bool
}

// ComplexResult is the complex-valued counterpart of Result, used by
// complex-step differentiation.
type ComplexResult struct {
	F    []complex128
	G    []complex128
	Fail bool
}

// Gradient holds derivatives indexed (output, variable): DF is nobj x nvar,
// DG is ncon x nvar.
type Gradient struct {
	DF [][]float64
	DG [][]float64
}

// Func evaluates objectives and constraints at a structured design point.
type Func func(ctx context.Context, d Design) (Result, error)

// ComplexFunc evaluates objectives and constraints at a flat complex point.
type ComplexFunc func(ctx context.Context, x []complex128) (ComplexResult, error)

// GradFunc computes analytic gradients at d, given the values f and g there.
type GradFunc func(ctx context.Context, d Design, f, g []float64) (Gradient, error)

// Problem is a generic nonlinear optimization problem.
//
// Every variable belongs to exactly one group: AddVar creates a group of
// width one, AddVarGroup a group of width n. Groups are only exposed to the
// objective function once AddVarGroup has been used.
type Problem struct {
	Name string

	// Func is the real-valued objective. When nil, ComplexFunc is evaluated
	// at real points and its results narrowed to their real parts.
	Func        Func
	ComplexFunc ComplexFunc
	GradFunc    GradFunc

	Variables   []Variable
	Groups      []Group
	Objectives  []Objective
	Constraints []Constraint

	Solutions []*Solution

	useGroups bool
}

// New creates an empty problem.
func New(name string, fn Func) *Problem {
	return &Problem{Name: name, Func: fn}
}

// AddVar appends a single variable and returns its index.
func (p *Problem) AddVar(name string, kind Kind, lower, upper, value float64) int {
	id := len(p.Variables)
	p.Variables = append(p.Variables, Variable{
		Name:  name,
		Kind:  kind,
		Lower: lower,
		Upper: upper,
		Value: value,
	})
	p.Groups = append(p.Groups, Group{Name: name, IDs: []int{id}})
	return id
}

// AddVarGroup appends n variables sharing bounds under one group name.
// Member variables are named "<name>_<i>".
func (p *Problem) AddVarGroup(name string, n int, kind Kind, lower, upper float64, values []float64) error {
	if n <= 0 {
		return fmt.Errorf("group %q must have at least one variable", name)
	}
	if values != nil && len(values) != n {
		return fmt.Errorf("group %q: got %d initial values for %d variables", name, len(values), n)
	}
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		var v float64
		if values != nil {
			v = values[i]
		}
		ids[i] = len(p.Variables)
		p.Variables = append(p.Variables, Variable{
			Name:  fmt.Sprintf("%s_%d", name, i),
			Kind:  kind,
			Lower: lower,
			Upper: upper,
			Value: v,
		})
	}
	p.Groups = append(p.Groups, Group{Name: name, IDs: ids})
	p.useGroups = true
	return nil
}

// AddObj appends an objective.
func (p *Problem) AddObj(name string) {
	p.Objectives = append(p.Objectives, Objective{Name: name})
}

// AddCon appends a constraint.
func (p *Problem) AddCon(name string, kind ConstraintKind) {
	p.Constraints = append(p.Constraints, Constraint{Name: name, Kind: kind})
}

// UseGroups reports whether the objective receives grouped design points.
func (p *Problem) UseGroups() bool {
	return p.useGroups
}

// AddSolution records a solution on the problem.
func (p *Problem) AddSolution(s *Solution) {
	p.Solutions = append(p.Solutions, s)
}
