package problem

// Design is the structured view of a flat candidate point handed to Func.
//
// X is always the full flat vector in declaration order. When the problem
// uses groups, Groups maps each group name to its slice of X.
type Design struct {
	X      []float64
	Groups map[string]Value
}

// Value is one group's share of a design point. A group of width one is
// presented as a scalar; wider groups as a vector. Objective functions must
// accept both shapes.
type Value struct {
	Scalar float64
	Vector []float64
}

// IsScalar reports whether the group has width one.
func (v Value) IsScalar() bool {
	return v.Vector == nil
}

// Floats returns the value as a slice regardless of its shape.
func (v Value) Floats() []float64 {
	if v.IsScalar() {
		return []float64{v.Scalar}
	}
	return v.Vector
}

// Group returns the named group value.
func (d Design) Group(name string) (Value, bool) {
	v, ok := d.Groups[name]
	return v, ok
}
