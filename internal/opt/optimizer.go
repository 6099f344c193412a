// Package opt drives optimization engines over generic problems.
//
// A solve flattens the problem, validates the engine options, opens the
// history files, hands the engine one pre-sized call whose callbacks are an
// evaluation adapter, and assembles the final point into a solution record.
package opt

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cwbudde/optbridge/internal/engine"
	"github.com/cwbudde/optbridge/internal/history"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
	"github.com/cwbudde/optbridge/internal/sens"
	"github.com/cwbudde/optbridge/internal/store"
	"github.com/cwbudde/optbridge/internal/telemetry"
)

// Optimizer solves problems with one engine.
type Optimizer interface {
	// Name is the engine name, e.g. "FEASDIR".
	Name() string

	// Options is the engine's option table.
	Options() *Options

	// Solve runs the engine once on p.
	Solve(ctx context.Context, p *problem.Problem, req Request) (*Result, error)
}

// Parallel regimes accepted by constructors.
const (
	PllNone = ""
	PllPOA  = "POA"
)

// Request holds the per-solve settings.
type Request struct {
	// Sens selects the gradient provider for gradient engines. Mode "pgc"
	// spreads gradient columns over the ranks.
	Sens sens.Config

	// StoreHistory records every evaluation; HotStart replays a recorded
	// history. Names resolve against HistoryDir.
	StoreHistory history.Target
	HotStart     history.Target
	HistoryDir   string

	// StoreSolution appends the solution to the problem.
	StoreSolution bool

	// Store persists the solution on rank 0 when set.
	Store store.Store

	// Coordinator connects cooperating ranks. Nil runs single process.
	Coordinator parallel.Coordinator

	// RunID names the run. Rank 0 generates one when empty.
	RunID string

	Trace   *store.TraceWriter
	Metrics *telemetry.Metrics

	// Observe is called on rank 0 with every callback, in order, from the
	// engine's goroutine.
	Observe func(store.TraceEntry)

	// Output receives engine progress on rank 0.
	Output io.Writer
}

// Result is the outcome of a solve.
type Result struct {
	Solution *problem.Solution
	Counts   engine.Counts
}

// Factory builds an optimizer for a parallel regime.
type Factory func(pllType string) (Optimizer, error)

var registry = map[string]Factory{
	"FEASDIR": func(pll string) (Optimizer, error) {
		d, err := NewFeasDir(pll)
		if err != nil {
			return nil, err
		}
		return d, nil
	},
	"MAYFLY": func(pll string) (Optimizer, error) {
		m, err := NewMayfly(pll)
		if err != nil {
			return nil, err
		}
		return m, nil
	},
}

// New returns the optimizer registered under name.
func New(name, pllType string) (Optimizer, error) {
	f, ok := registry[strings.ToUpper(name)]
	if !ok {
		return nil, configErr("engine", fmt.Sprintf("%q is not one of %s", name, strings.Join(Names(), ", ")))
	}
	return f(pllType)
}

// Names lists the registered engines.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func parsePll(pllType string) (bool, error) {
	switch strings.ToUpper(pllType) {
	case PllNone, "NONE":
		return false, nil
	case PllPOA:
		return true, nil
	default:
		return false, configErr("pll_type", fmt.Sprintf("must be empty or %q, got %q", PllPOA, pllType))
	}
}

// now times the engine call.
var now = time.Now
