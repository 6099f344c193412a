package flat

import (
	"fmt"

	"github.com/cwbudde/optbridge/internal/problem"
)

// UnsupportedKindError is returned when a variable kind cannot be flattened
// into a continuous engine array.
type UnsupportedKindError struct {
	Variable string
	Kind     problem.Kind
}

func (e *UnsupportedKindError) Error() string {
	name := map[problem.Kind]string{
		problem.Integer:  "integer",
		problem.Discrete: "discrete",
	}[e.Kind]
	if name == "" {
		name = string(e.Kind)
	}
	return "cannot handle " + name + " design variable " + e.Variable
}

// Flatten converts variables into value and bound arrays in declaration order.
func Flatten(vars []problem.Variable) (x, xl, xu []float64, err error) {
	x = make([]float64, len(vars))
	xl = make([]float64, len(vars))
	xu = make([]float64, len(vars))
	for i, v := range vars {
		if v.Kind != problem.Continuous {
			return nil, nil, nil, &UnsupportedKindError{Variable: v.Name, Kind: v.Kind}
		}
		x[i] = v.Value
		xl[i] = v.Lower
		xu[i] = v.Upper
	}
	return x, xl, xu, nil
}

// Range is a half-open [Start, End) span of the flat index space.
type Range struct {
	Start int
	End   int
}

// Width returns the number of indices in the range.
func (r Range) Width() int {
	return r.End - r.Start
}

// Index maps group names to their ranges in the flat index space.
// Ranges are contiguous and follow group declaration order.
type Index struct {
	names  []string
	ranges map[string]Range
	size   int
}

// BuildIndex lays groups out back to back over [0, nvar). It fails unless the
// groups partition the variables exactly, in declaration order.
func BuildIndex(groups []problem.Group, nvar int) (Index, error) {
	ix := Index{ranges: make(map[string]Range, len(groups))}
	k := 0
	for _, g := range groups {
		if _, dup := ix.ranges[g.Name]; dup {
			return Index{}, fmt.Errorf("duplicate variable group %q", g.Name)
		}
		for i, id := range g.IDs {
			if id != k+i {
				return Index{}, fmt.Errorf("variable group %q is not contiguous at position %d (variable %d, expected %d)", g.Name, i, id, k+i)
			}
		}
		r := Range{Start: k, End: k + len(g.IDs)}
		ix.names = append(ix.names, g.Name)
		ix.ranges[g.Name] = r
		k = r.End
	}
	if k != nvar {
		return Index{}, fmt.Errorf("variable groups cover %d of %d variables", k, nvar)
	}
	ix.size = k
	return ix, nil
}

// Names returns group names in declaration order.
func (ix Index) Names() []string {
	return append([]string(nil), ix.names...)
}

// Range returns the range of the named group.
func (ix Index) Range(name string) (Range, bool) {
	r, ok := ix.ranges[name]
	return r, ok
}

// Len returns the size of the flat index space covered.
func (ix Index) Len() int {
	return ix.size
}

// Unflatten builds the structured view of x. Groups are only populated when
// grouped is true; a width-one group becomes a scalar, wider groups a copy of
// their sub-slice.
func Unflatten(x []float64, ix Index, grouped bool) problem.Design {
	d := problem.Design{X: append([]float64(nil), x...)}
	if !grouped {
		return d
	}
	d.Groups = make(map[string]problem.Value, len(ix.names))
	for _, name := range ix.names {
		r := ix.ranges[name]
		if r.Width() == 1 {
			d.Groups[name] = problem.Value{Scalar: x[r.Start]}
		} else {
			d.Groups[name] = problem.Value{Vector: append([]float64(nil), x[r.Start:r.End]...)}
		}
	}
	return d
}

// Join is the inverse of Unflatten's grouping: it writes each group's value
// back into a flat vector of length ix.Len().
func Join(groups map[string]problem.Value, ix Index) ([]float64, error) {
	x := make([]float64, ix.size)
	for _, name := range ix.names {
		v, ok := groups[name]
		if !ok {
			return nil, fmt.Errorf("missing variable group %q", name)
		}
		r := ix.ranges[name]
		vals := v.Floats()
		if len(vals) != r.Width() {
			return nil, fmt.Errorf("variable group %q has %d values, want %d", name, len(vals), r.Width())
		}
		copy(x[r.Start:r.End], vals)
	}
	return x, nil
}

// Narrow returns the real parts of v.
func Narrow(v []complex128) []float64 {
	out := make([]float64, len(v))
	for i, c := range v {
		out[i] = real(c)
	}
	return out
}
