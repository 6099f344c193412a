package opt

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cwbudde/optbridge/internal/engine"
	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/history"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
)

// Mayfly drives the mayfly evolutionary engine.
type Mayfly struct {
	base
}

func mayflyOptions() map[string]Option {
	return map[string]Option{
		"PopSize":  {IntOption, 40, "population size, at least 20"},
		"maxGen":   {IntOption, 100, "maximum generations"},
		"PrintOut": {IntOption, 0, "0 silent, 1 summary, 2 summary and final point"},
		"seed":     {IntOption, 0, "random seed, 0 picks one from the clock"},
		"penalty":  {FloatOption, 1e3, "constraint violation penalty weight"},
	}
}

// NewMayfly creates a mayfly driver for the given parallel regime.
func NewMayfly(pllType string) (*Mayfly, error) {
	poa, err := parsePll(pllType)
	if err != nil {
		return nil, err
	}
	return &Mayfly{base{
		name: "MAYFLY",
		eng:  engine.Mayfly{},
		conv: flat.Convention{Flip: true},
		poa:  poa,
		opts: NewOptions(mayflyOptions()),
	}}, nil
}

func (m *Mayfly) Solve(ctx context.Context, p *problem.Problem, req Request) (*Result, error) {
	return m.solve(ctx, p, req, m)
}

func (m *Mayfly) check(p *problem.Problem) error {
	if len(p.Objectives) != 1 {
		return configErr("objectives", fmt.Sprintf("MAYFLY handles one objective, got %d", len(p.Objectives)))
	}
	for _, c := range p.Constraints {
		if c.Kind == problem.Equality {
			return configErr("constraints", "MAYFLY cannot handle equality constraint "+c.Name)
		}
	}
	return nil
}

func (m *Mayfly) settings(state *RunState) (engine.Settings, error) {
	o := m.opts
	if err := o.checkRange("PopSize", engine.MinPopSize, math.MaxInt32); err != nil {
		return engine.Settings{}, err
	}
	if err := o.checkRange("maxGen", 1, math.MaxInt32); err != nil {
		return engine.Settings{}, err
	}
	if err := o.checkRange("PrintOut", 0, 2); err != nil {
		return engine.Settings{}, err
	}
	if o.Float("penalty") <= 0 {
		return engine.Settings{}, configErr("penalty", "must be positive")
	}
	// The seed is recorded in the history as a float64.
	if seed := int64(o.Int("seed")); seed > maxSeed || seed < -maxSeed {
		return engine.Settings{}, configErr("seed", fmt.Sprintf("must be in [-2^53, 2^53], got %d", seed))
	}

	print := o.Int("PrintOut")
	if !state.Root() {
		print = 0
	}
	return engine.Settings{
		Print:   print,
		MaxIter: o.Int("maxGen"),
		PopSize: o.Int("PopSize"),
		Seed:    int64(o.Int("seed")),
		Penalty: o.Float("penalty"),
	}, nil
}

// seedMsg carries the agreed seed from rank 0.
type seedMsg struct {
	Seed int64
	Err  string
}

// prepare agrees on the random seed. A hot start reuses the seed of the
// replayed run so the engine proposes the same candidates again.
func (m *Mayfly) prepare(ctx context.Context, r *run) error {
	var msg seedMsg
	if r.state.Root() {
		msg.Seed = r.call.Seed
		if r.state.HotStart() {
			rec, ok, err := r.adapter.session.Reader.ReadLast(history.IdentSeed)
			switch {
			case err != nil:
				msg.Err = fmt.Sprintf("failed to read seed from history: %v", err)
			case ok:
				msg.Seed = int64(rec.Scalar())
			default:
				slog.Warn("Hot start history has no seed, replay will diverge", "engine", m.name)
			}
		}
		if msg.Seed == 0 {
			msg.Seed = autoSeed()
		}
	}

	msg, err := parallel.Bcast(ctx, r.state.Coordinator, msg, 0)
	if err != nil {
		return fmt.Errorf("failed to broadcast seed: %w", err)
	}
	if msg.Err != "" {
		return fmt.Errorf("rank 0: %s", msg.Err)
	}

	if r.state.Root() && r.adapter.session.Recording() {
		if err := r.adapter.session.Writer.WriteScalar(history.IdentSeed, float64(msg.Seed)); err != nil {
			return fmt.Errorf("failed to record seed: %w", err)
		}
	}
	r.call.Seed = msg.Seed
	r.inform["seed"] = msg.Seed
	if r.state.Root() {
		r.call.Out = r.req.Output
	}
	slog.Info("MAYFLY seed", "seed", msg.Seed, "rank", r.state.Rank)
	return nil
}

func (m *Mayfly) cost(c engine.Counts, _ int) int {
	return c.NFun
}

// maxSeed is the largest seed a float64 history record holds exactly.
const maxSeed = 1 << 53

// autoSeed picks a nonzero seed that a float64 history record holds exactly.
func autoSeed() int64 {
	s := time.Now().UnixNano() & (maxSeed - 1)
	if s == 0 {
		s = 1
	}
	return s
}
