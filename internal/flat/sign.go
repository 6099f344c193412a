package flat

// Infinity is the magnitude engines are given for a failed evaluation.
const Infinity = 10.e+20

// InvertSign returns -g.
func InvertSign(g []float64) []float64 {
	out := make([]float64, len(g))
	for i, v := range g {
		out[i] = -v
	}
	return out
}

// Convention describes how an engine reads constraint values.
// The problem model treats an inequality as feasible when g <= 0; an engine
// with Flip set treats it as feasible when g >= 0.
type Convention struct {
	Flip bool
}

// ToEngine writes the engine view of problem-convention values g into dst.
func (c Convention) ToEngine(dst, g []float64) {
	for i, v := range g {
		if c.Flip {
			v = -v
		}
		dst[i] = v
	}
}

// FromEngine returns the problem-convention view of engine values g.
func (c Convention) FromEngine(g []float64) []float64 {
	if c.Flip {
		return InvertSign(g)
	}
	return append([]float64(nil), g...)
}

// Sign is -1 for a flipped convention and 1 otherwise.
func (c Convention) Sign() float64 {
	if c.Flip {
		return -1
	}
	return 1
}

// Infeasible is the constraint sentinel the engine reads as infeasible.
func (c Convention) Infeasible() float64 {
	return c.Sign() * Infinity
}
