package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/optbridge/internal/flat"
	"github.com/cwbudde/optbridge/internal/history"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
	"github.com/cwbudde/optbridge/internal/sens"
	"github.com/cwbudde/optbridge/internal/store"
	"github.com/cwbudde/optbridge/internal/telemetry"
)

// evalRecord is what one function callback agrees on across ranks. Values
// are in the problem's sign convention.
type evalRecord struct {
	F    []float64
	G    []float64
	Fail bool
}

// gradRecord holds gradients indexed (output, variable).
type gradRecord struct {
	DF [][]float64
	DG [][]float64
}

// hotFlag is broadcast before every callback. Err carries a history failure
// on the root so the other ranks stop instead of waiting for a broadcast
// that never comes.
type hotFlag struct {
	Active bool
	Err    string
}

// adapter serves the engine's callbacks for one solve.
type adapter struct {
	engine string
	state  *RunState
	p      *problem.Problem
	ix     flat.Index
	conv   flat.Convention
	poa    bool

	session *history.Session
	grads   sens.Provider
	trace   *store.TraceWriter
	observe func(store.TraceEntry)
	metrics *telemetry.Metrics

	nvar, nobj, ncon int
	seq              int
}

// flush pushes buffered output so external monitors see progress.
func (a *adapter) flush() {
	if a.trace != nil {
		if err := a.trace.Flush(); err != nil {
			slog.Warn("Failed to flush evaluation trace, disabling it", "error", err)
			a.trace = nil
		}
	}
	if err := a.session.Flush(); err != nil {
		slog.Warn("Failed to flush history", "error", err)
	}
}

// Evaluate is the engine's function callback.
func (a *adapter) Evaluate(ctx context.Context, x, f, g []float64) error {
	a.flush()
	a.seq++
	start := time.Now()

	var rec evalRecord
	flag := hotFlag{Active: a.state.hotStart}
	if a.state.hotStart && a.state.Root() {
		vals, end, err := a.session.Reader.Read(history.IdentObj, history.IdentCon, history.IdentFail)
		switch {
		case err != nil:
			flag.Err = fmt.Sprintf("failed to read hot start history: %v", err)
		case end:
			a.exhaust()
			flag.Active = false
		default:
			rec = evalRecord{
				F:    vals[history.IdentObj].Data,
				G:    vals[history.IdentCon].Data,
				Fail: vals[history.IdentFail].Scalar() != 0,
			}
		}
	}

	hot, err := a.syncHotStart(ctx, flag)
	if err != nil {
		return err
	}

	source := store.SourceLive
	if hot {
		source = store.SourceHistory
		if rec, err = parallel.Bcast(ctx, a.state.Coordinator, rec, 0); err != nil {
			return fmt.Errorf("failed to broadcast replayed evaluation: %w", err)
		}
	} else {
		res, err := a.evaluate(ctx, flat.Unflatten(x, a.ix, a.p.UseGroups()))
		if err != nil {
			return fmt.Errorf("objective function failed at evaluation %d: %w", a.seq, err)
		}
		rec = evalRecord{F: res.F, G: res.G, Fail: res.Fail}
	}

	if !rec.Fail && (len(rec.F) != a.nobj || len(rec.G) != a.ncon) {
		return fmt.Errorf("evaluation %d (%s) returned %d objectives and %d constraints, want %d and %d",
			a.seq, source, len(rec.F), len(rec.G), a.nobj, a.ncon)
	}

	if a.state.Root() && a.session.Recording() {
		w := a.session.Writer
		fail := 0.0
		if rec.Fail {
			fail = 1
		}
		if err := errors.Join(
			w.WriteVector(history.IdentX, x),
			w.WriteVector(history.IdentObj, rec.F),
			w.WriteVector(history.IdentCon, rec.G),
			w.WriteScalar(history.IdentFail, fail),
		); err != nil {
			return fmt.Errorf("failed to record evaluation: %w", err)
		}
	}

	if rec.Fail {
		for k := range f {
			f[k] = flat.Infinity
		}
		for j := range g {
			g[j] = a.conv.Infeasible()
		}
	} else {
		copy(f, rec.F)
		a.conv.ToEngine(g, rec.G)
	}

	a.record(store.KindFunction, source, x, rec, start)
	slog.Debug("Evaluation", "engine", a.engine, "seq", a.seq, "source", source,
		"f", rec.F, "g", rec.G, "fail", rec.Fail)
	return nil
}

// Gradient is the engine's derivative callback. It writes df and dg
// variable-major: df[i*nobj+k] and dg[i*ncon+j].
func (a *adapter) Gradient(ctx context.Context, x, f, g, df, dg []float64) error {
	a.flush()
	a.seq++
	start := time.Now()

	var rec gradRecord
	flag := hotFlag{Active: a.state.hotStart}
	if a.state.hotStart && a.state.Root() {
		vals, end, err := a.session.Reader.Read(history.IdentGradObj, history.IdentGradCon)
		switch {
		case err != nil:
			flag.Err = fmt.Sprintf("failed to read hot start history: %v", err)
		case end:
			a.exhaust()
			flag.Active = false
		default:
			if rec.DF, err = vals[history.IdentGradObj].Matrix(a.nobj, a.nvar); err == nil {
				rec.DG, err = vals[history.IdentGradCon].Matrix(a.ncon, a.nvar)
			}
			if err != nil {
				flag.Err = fmt.Sprintf("failed to reshape replayed gradient: %v", err)
			}
		}
	}

	hot, err := a.syncHotStart(ctx, flag)
	if err != nil {
		return err
	}

	source := store.SourceLive
	if hot {
		source = store.SourceHistory
		if rec, err = parallel.Bcast(ctx, a.state.Coordinator, rec, 0); err != nil {
			return fmt.Errorf("failed to broadcast replayed gradient: %w", err)
		}
	} else {
		if a.grads == nil {
			return fmt.Errorf("engine requested gradients but no provider is configured")
		}
		grad, err := a.grads.Gradient(ctx, x, append([]float64(nil), f...), a.conv.FromEngine(g))
		if err != nil {
			return fmt.Errorf("gradient evaluation %d failed: %w", a.seq, err)
		}
		rec = gradRecord{DF: grad.DF, DG: grad.DG}
	}

	if err := checkMatrix("objective gradient", rec.DF, a.nobj, a.nvar); err != nil {
		return err
	}
	if err := checkMatrix("constraint gradient", rec.DG, a.ncon, a.nvar); err != nil {
		return err
	}

	if a.state.Root() && a.session.Recording() {
		w := a.session.Writer
		if err := errors.Join(
			w.WriteMatrix(history.IdentGradObj, rec.DF),
			w.WriteMatrix(history.IdentGradCon, rec.DG),
		); err != nil {
			return fmt.Errorf("failed to record gradient: %w", err)
		}
	}

	sign := a.conv.Sign()
	for i := 0; i < a.nvar; i++ {
		for k := 0; k < a.nobj; k++ {
			df[i*a.nobj+k] = rec.DF[k][i]
		}
		for j := 0; j < a.ncon; j++ {
			dg[i*a.ncon+j] = sign * rec.DG[j][i]
		}
	}

	a.record(store.KindGradient, source, x, evalRecord{}, start)
	slog.Debug("Gradient", "engine", a.engine, "seq", a.seq, "source", source)
	return nil
}

// syncHotStart broadcasts the root's hot start flag and applies it locally.
func (a *adapter) syncHotStart(ctx context.Context, flag hotFlag) (bool, error) {
	flag, err := parallel.Bcast(ctx, a.state.Coordinator, flag, 0)
	if err != nil {
		return false, fmt.Errorf("failed to broadcast hot start flag: %w", err)
	}
	if flag.Err != "" {
		return false, fmt.Errorf("rank 0: %s", flag.Err)
	}
	if !flag.Active && a.state.hotStart {
		a.state.endHotStart()
	}
	return flag.Active, nil
}

// exhaust ends the hot start on the root once the history runs out.
func (a *adapter) exhaust() {
	a.state.endHotStart()
	if err := a.session.EndHotStart(); err != nil {
		slog.Warn("Failed to close hot start history", "error", err)
	}
	a.metrics.RecordHotStartExhausted(a.engine)
	slog.Info("Hot start history exhausted, continuing with live evaluations",
		"engine", a.engine, "callback", a.seq)
}

// evaluate runs the problem at a structured point. A problem that only has a
// complex objective is evaluated at the real point and narrowed.
func (a *adapter) evaluate(ctx context.Context, d problem.Design) (problem.Result, error) {
	if a.poa {
		ctx = parallel.WithCoordinator(ctx, a.state.Coordinator)
	}
	if a.p.Func != nil {
		return a.p.Func(ctx, d)
	}
	xc := make([]complex128, len(d.X))
	for i, v := range d.X {
		xc[i] = complex(v, 0)
	}
	res, err := a.p.ComplexFunc(ctx, xc)
	if err != nil {
		return problem.Result{}, err
	}
	return problem.Result{F: flat.Narrow(res.F), G: flat.Narrow(res.G), Fail: res.Fail}, nil
}

func (a *adapter) record(kind, source string, x []float64, rec evalRecord, start time.Time) {
	// Every rank sees the same callbacks; only the root counts them.
	if !a.state.Root() {
		return
	}
	a.metrics.RecordEvaluation(a.engine, kind, source, rec.Fail, time.Since(start))
	if a.trace == nil && a.observe == nil {
		return
	}
	entry := store.TraceEntry{
		Seq:       a.seq,
		Kind:      kind,
		Source:    source,
		X:         append([]float64(nil), x...),
		Fail:      rec.Fail,
		Timestamp: time.Now(),
	}
	if !rec.Fail {
		entry.F, entry.G = rec.F, rec.G
	}
	if a.observe != nil {
		a.observe(entry)
	}
	if a.trace == nil {
		return
	}
	if err := a.trace.Write(entry); err != nil {
		slog.Warn("Failed to write evaluation trace entry", "seq", a.seq, "error", err)
	}
}

func checkMatrix(what string, m [][]float64, rows, cols int) error {
	if len(m) != rows {
		return fmt.Errorf("%s has %d rows, want %d", what, len(m), rows)
	}
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%s row %d has %d columns, want %d", what, i, len(row), cols)
		}
	}
	return nil
}
