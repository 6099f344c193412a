package opt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/optbridge/internal/engine"
	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/history"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
	"github.com/cwbudde/optbridge/internal/sens"
)

// binding is the engine specific half of a solve.
type binding interface {
	// check rejects problems the engine cannot handle.
	check(p *problem.Problem) error

	// settings range checks the options and converts them to engine
	// arguments. It runs on every rank before any file is touched.
	settings(state *RunState) (engine.Settings, error)

	// prepare runs after the history is open and may evaluate.
	prepare(ctx context.Context, r *run) error

	// cost is the evaluation count reported on the solution.
	cost(c engine.Counts, nvar int) int
}

// base is shared by every engine driver.
type base struct {
	name      string
	eng       engine.Engine
	conv      flat.Convention
	gradients bool
	poa       bool
	opts      *Options
}

func (b *base) Name() string      { return b.name }
func (b *base) Options() *Options { return b.opts }

// run carries one solve through prepare and assembly.
type run struct {
	req     Request
	state   *RunState
	adapter *adapter
	call    *engine.Call
	inform  map[string]any
	closers []io.Closer
}

func (r *run) close() {
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			slog.Warn("Failed to close engine output", "error", err)
		}
	}
	r.closers = nil
}

// opening is what rank 0 tells the other ranks once the history is open.
type opening struct {
	Hot   bool
	RunID string
	Err   string
}

func (b *base) solve(ctx context.Context, p *problem.Problem, req Request, bind binding) (*Result, error) {
	if p == nil {
		return nil, configErr("problem", "is nil")
	}
	state := newRunState(req.Coordinator)

	if err := b.checkRegimes(state, req.Sens); err != nil {
		return nil, err
	}
	if p.Func == nil && p.ComplexFunc == nil {
		return nil, configErr("problem", "has no objective function")
	}
	x, xl, xu, err := flat.Flatten(p.Variables)
	if err != nil {
		return nil, &ConfigError{Field: "variables", Reason: err.Error(), Err: err}
	}
	if len(x) == 0 {
		return nil, configErr("variables", "problem has no design variables")
	}
	ix, err := flat.BuildIndex(p.Groups, len(x))
	if err != nil {
		return nil, &ConfigError{Field: "groups", Reason: err.Error(), Err: err}
	}
	if len(p.Objectives) == 0 {
		return nil, configErr("objectives", "problem has no objectives")
	}
	if err := bind.check(p); err != nil {
		return nil, err
	}
	settings, err := bind.settings(state)
	if err != nil {
		return nil, err
	}

	nvar, nobj, ncon := len(x), len(p.Objectives), len(p.Constraints)
	a := &adapter{
		engine:  b.name,
		state:   state,
		p:       p,
		ix:      ix,
		conv:    b.conv,
		poa:     b.poa,
		trace:   req.Trace,
		observe: req.Observe,
		metrics: req.Metrics,
		nvar:    nvar,
		nobj:    nobj,
		ncon:    ncon,
	}
	if b.gradients {
		a.grads, err = sens.New(p, ix, a.evaluate, req.Sens, state.Coordinator)
		if err != nil {
			return nil, &ConfigError{Field: "sens_type", Reason: err.Error(), Err: err}
		}
	}

	call := newCall(p, b.conv, x, xl, xu, settings)
	call.Evaluate = a.Evaluate
	if b.gradients {
		call.Gradient = a.Gradient
	}

	if err := b.open(ctx, state, a, &req); err != nil {
		return nil, err
	}
	r := &run{req: req, state: state, adapter: a, call: call, inform: map[string]any{}}

	counts, elapsed, err := b.execute(ctx, r, bind)
	r.close()
	if err != nil {
		if abortErr := a.session.Abort(); abortErr != nil {
			slog.Warn("Failed to discard history", "error", abortErr)
		}
		return nil, err
	}
	if err := a.session.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit history: %w", err)
	}

	r.inform["nfun"] = counts.NFun
	r.inform["ngrd"] = counts.NGrd
	sol := assemble(p, b.conv, call, assembly{
		engine:      b.name,
		runID:       req.RunID,
		elapsed:     elapsed,
		evaluations: bind.cost(counts, nvar),
		inform:      r.inform,
		options:     b.opts.Snapshot(),
	})
	if b.gradients {
		sol.Sensitivities = req.Sens.Type
		if sol.Sensitivities == "" {
			sol.Sensitivities = sens.FD
		}
	}
	if req.StoreHistory.Enabled {
		sol.History = req.StoreHistory.Resolve(req.HistoryDir, b.name)
	}

	slog.Info("Solve complete", "engine", b.name, "problem", p.Name, "runID", sol.RunID,
		"evaluations", sol.Evaluations, "time", elapsed, "rank", state.Rank)

	if req.StoreSolution {
		p.AddSolution(sol)
	}
	if req.Store != nil && state.Root() {
		if err := req.Store.SaveSolution(sol); err != nil {
			return nil, fmt.Errorf("failed to persist solution: %w", err)
		}
	}
	return &Result{Solution: sol, Counts: counts}, nil
}

// checkRegimes rejects coordination requests that cannot work. Both regimes
// need more than one rank, and they cannot be combined.
func (b *base) checkRegimes(state *RunState, sc sens.Config) error {
	if b.poa && sc.PGC() {
		return configErr("sens_mode", "parallel gradient computation cannot be combined with parallel objective analysis")
	}
	if b.poa && !state.Parallel {
		return configErr("pll_type", "parallel objective analysis needs a coordinator with more than one rank")
	}
	if sc.PGC() && !state.Parallel {
		return configErr("sens_mode", "parallel gradient computation needs a coordinator with more than one rank")
	}
	if sc.PGC() && !b.gradients {
		return configErr("sens_mode", b.name+" does not use gradients")
	}
	return nil
}

// open sets up the history on rank 0 and agrees on the run ID and the
// initial hot start flag.
func (b *base) open(ctx context.Context, state *RunState, a *adapter, req *Request) error {
	var o opening
	var openErr error
	if state.Root() {
		o.RunID = req.RunID
		if o.RunID == "" {
			o.RunID = uuid.NewString()
		}
		a.session, openErr = history.OpenSession(req.HistoryDir, req.StoreHistory, req.HotStart, b.name)
		if openErr != nil {
			o.Err = openErr.Error()
		} else {
			o.Hot = a.session.HotStart()
		}
	}

	o, err := parallel.Bcast(ctx, state.Coordinator, o, 0)
	if err != nil {
		if abortErr := a.session.Abort(); abortErr != nil {
			slog.Warn("Failed to discard history", "error", abortErr)
		}
		return fmt.Errorf("failed to broadcast run setup: %w", err)
	}
	if openErr != nil {
		return fmt.Errorf("failed to open history: %w", openErr)
	}
	if o.Err != "" {
		return fmt.Errorf("rank 0 failed to open history: %s", o.Err)
	}
	state.hotStart = o.Hot
	req.RunID = o.RunID
	return nil
}

func (b *base) execute(ctx context.Context, r *run, bind binding) (engine.Counts, time.Duration, error) {
	if err := bind.prepare(ctx, r); err != nil {
		return engine.Counts{}, 0, err
	}

	slog.Info("Starting solve", "engine", b.name, "runID", r.req.RunID, "nvar", r.call.NVar,
		"ncon", r.call.NCon, "hotStart", r.state.HotStart(), "rank", r.state.Rank)

	t0 := now()
	counts, err := b.eng.Run(ctx, r.call)
	elapsed := now().Sub(t0)
	if err != nil {
		var cfg *ConfigError
		if errors.As(err, &cfg) {
			return counts, elapsed, err
		}
		return counts, elapsed, fmt.Errorf("%s run failed: %w", b.name, err)
	}
	return counts, elapsed, nil
}

// newCall builds the engine call with pre-sized buffers. F and G start from
// the values last stored on the problem.
func newCall(p *problem.Problem, conv flat.Convention, x, xl, xu []float64, s engine.Settings) *engine.Call {
	nvar, nobj, ncon := len(x), len(p.Objectives), len(p.Constraints)
	wk, iwk := engine.NewWorkspaces(nvar, ncon)
	call := &engine.Call{
		NVar:     nvar,
		NCon:     ncon,
		NObj:     nobj,
		X:        x,
		XL:       xl,
		XU:       xu,
		F:        make([]float64, nobj),
		G:        make([]float64, ncon),
		IDG:      make([]int, ncon),
		WK:       wk,
		IWK:      iwk,
		Settings: s,
	}
	for k, o := range p.Objectives {
		call.F[k] = o.Value
	}
	for j, c := range p.Constraints {
		call.G[j] = conv.Sign() * c.Value
		call.IDG[j] = 1
		if c.Kind == problem.Equality {
			call.IDG[j] = -1
		}
	}
	return call
}
