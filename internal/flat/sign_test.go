package flat

import (
	"math"
	"testing"
)

func TestInvertSignInvolution(t *testing.T) {
	inputs := [][]float64{
		nil,
		{0},
		{1, -2, 3.5},
		{math.Inf(1), -1e-300, math.MaxFloat64},
	}
	for _, g := range inputs {
		back := InvertSign(InvertSign(g))
		if len(back) != len(g) {
			t.Fatalf("length changed: %d -> %d", len(g), len(back))
		}
		for i := range g {
			if back[i] != g[i] {
				t.Errorf("InvertSign twice changed %v to %v", g[i], back[i])
			}
		}
	}
}

func TestConventionRoundTrip(t *testing.T) {
	g := []float64{1, -0.5, 0}
	for _, c := range []Convention{{Flip: false}, {Flip: true}} {
		dst := make([]float64, len(g))
		c.ToEngine(dst, g)
		if c.Flip && dst[0] != -1 {
			t.Errorf("flipped convention should negate: got %v", dst)
		}
		back := c.FromEngine(dst)
		for i := range g {
			if back[i] != g[i] {
				t.Errorf("flip=%v: round trip %v -> %v", c.Flip, g, back)
			}
		}
	}
}

func TestInfeasibleSentinel(t *testing.T) {
	if got := (Convention{}).Infeasible(); got != Infinity {
		t.Errorf("g<=0 engines need +Infinity, got %v", got)
	}
	if got := (Convention{Flip: true}).Infeasible(); got != -Infinity {
		t.Errorf("g>=0 engines need -Infinity, got %v", got)
	}
}
