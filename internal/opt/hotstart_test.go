package opt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/optbridge/internal/engine"
	"github.com/cwbudde/optbridge/internal/history"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
	"github.com/cwbudde/optbridge/internal/sens"
	"github.com/cwbudde/optbridge/internal/store"
	"github.com/cwbudde/optbridge/internal/telemetry"
)

var (
	ptA = []float64{1, 1}
	ptB = []float64{0.5, 0.25}
	ptC = []float64{6, 0}
	ptD = []float64{-1, 2}
	ptE = []float64{0, 0}
)

// record runs the scripted points once and stores the history as name.
func record(t *testing.T, dir, name string, points ...[]float64) seen {
	t.Helper()
	var s seen
	_, err := newMayfly(t, scripted(&s, points...)).Solve(context.Background(), paraboloid(nil), Request{
		HistoryDir:   dir,
		StoreHistory: history.Target{Enabled: true, Name: name},
	})
	require.NoError(t, err)
	return s
}

func TestHotStartReplaysThenGoesLive(t *testing.T) {
	dir := t.TempDir()
	first := record(t, dir, "hist", ptA, ptB, ptC)

	tw, err := store.NewTraceWriter(dir, "replay", false)
	require.NoError(t, err)

	// The problem changed since the recording; replayed values must win.
	var calls atomic.Int32
	p := paraboloid(&calls)
	inner := p.Func
	p.Func = func(ctx context.Context, d problem.Design) (problem.Result, error) {
		res, err := inner(ctx, d)
		if len(res.F) > 0 {
			res.F[0] += 100
		}
		return res, err
	}

	var s seen
	_, err = newMayfly(t, scripted(&s, ptA, ptB, ptC, ptD, ptE)).Solve(context.Background(), p, Request{
		RunID:        "replay",
		HistoryDir:   dir,
		HotStart:     history.Target{Enabled: true, Name: "hist"},
		StoreHistory: history.Target{Enabled: true, Name: "hist"},
		Trace:        tw,
	})
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	assert.Equal(t, int32(2), calls.Load(), "only the points past the history run live")
	assert.Equal(t, first.f, s.f[:3])
	assert.Equal(t, first.g, s.g[:3])
	assert.Equal(t, []float64{105}, s.f[3])

	r, err := history.Open(filepath.Join(dir, "hist"))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 5, r.Count()[history.IdentObj], "history rewritten with every evaluation")
	assert.False(t, history.Exists(filepath.Join(dir, "hist_tmp")))

	tr, err := store.NewTraceReader(dir, "replay")
	require.NoError(t, err)
	defer tr.Close()
	entries, err := tr.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 5)

	var sources []string
	for i, e := range entries {
		assert.Equal(t, i+1, e.Seq)
		assert.Equal(t, store.KindFunction, e.Kind)
		sources = append(sources, e.Source)
	}
	assert.Equal(t, []string{
		store.SourceHistory, store.SourceHistory, store.SourceHistory,
		store.SourceLive, store.SourceLive,
	}, sources, "hot start never resumes once the history is exhausted")
	assert.True(t, entries[2].Fail)
	assert.Nil(t, entries[2].F)
}

func TestHotStartMissingHistoryStartsCold(t *testing.T) {
	var calls atomic.Int32
	_, err := newMayfly(t, scripted(nil, ptA, ptB)).Solve(context.Background(), paraboloid(&calls), Request{
		HistoryDir: t.TempDir(),
		HotStart:   history.Target{Enabled: true, Name: "absent"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFailedRunKeepsOriginalHistory(t *testing.T) {
	dir := t.TempDir()
	record(t, dir, "hist", ptA, ptB)

	boom := errors.New("engine gave up")
	eng := engine.Func(func(ctx context.Context, c *engine.Call) (engine.Counts, error) {
		if err := c.Evaluate(ctx, c.X, c.F, c.G); err != nil {
			return engine.Counts{}, err
		}
		return engine.Counts{NFun: 1}, boom
	})
	_, err := newMayfly(t, eng).Solve(context.Background(), paraboloid(nil), Request{
		HistoryDir:   dir,
		HotStart:     history.Target{Enabled: true, Name: "hist"},
		StoreHistory: history.Target{Enabled: true, Name: "hist"},
	})
	require.ErrorIs(t, err, boom)

	r, err := history.Open(filepath.Join(dir, "hist"))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 2, r.Count()[history.IdentObj])
	assert.False(t, history.Exists(filepath.Join(dir, "hist_tmp")))
}

func TestHotStartReplaysGradients(t *testing.T) {
	dir := t.TempDir()

	var fcalls, gcalls atomic.Int32
	newProblem := func() *problem.Problem {
		p := paraboloid(&fcalls)
		p.GradFunc = func(_ context.Context, d problem.Design, _, _ []float64) (problem.Gradient, error) {
			gcalls.Add(1)
			return problem.Gradient{
				DF: [][]float64{{2 * d.X[0], 2 * d.X[1]}},
				DG: [][]float64{{1, 1}},
			}, nil
		}
		return p
	}
	run := func(req Request) (df, dg []float64) {
		eng := engine.Func(func(ctx context.Context, c *engine.Call) (engine.Counts, error) {
			copy(c.X, ptB)
			if err := c.Evaluate(ctx, c.X, c.F, c.G); err != nil {
				return engine.Counts{}, err
			}
			df = make([]float64, 2)
			dg = make([]float64, 2)
			return engine.Counts{NFun: 1, NGrd: 1}, c.Gradient(ctx, c.X, c.F, c.G, df, dg)
		})
		_, err := newFeasDir(t, eng).Solve(context.Background(), newProblem(), req)
		require.NoError(t, err)
		return df, dg
	}

	req := Request{Sens: sens.Config{Type: sens.User}, HistoryDir: dir}
	req.StoreHistory = history.Target{Enabled: true}
	df1, dg1 := run(req)
	assert.Equal(t, int32(2), fcalls.Load(), "starting point and one engine evaluation")
	assert.Equal(t, int32(1), gcalls.Load())

	fcalls.Store(0)
	gcalls.Store(0)
	req.StoreHistory = history.Target{}
	req.HotStart = history.Target{Enabled: true}
	df2, dg2 := run(req)
	assert.Zero(t, fcalls.Load())
	assert.Zero(t, gcalls.Load())
	assert.Equal(t, df1, df2)
	assert.Equal(t, dg1, dg2)
	assert.Equal(t, []float64{1, 0.5}, df2)
}

func TestMultiRankHotStart(t *testing.T) {
	dir := t.TempDir()
	first := record(t, dir, "hist", ptA, ptB)

	const size = 3
	hub := parallel.NewHub(size)
	calls := make([]atomic.Int32, size)
	views := make([]seen, size)
	runIDs := make([]string, size)

	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < size; r++ {
		eg.Go(func() error {
			m, err := NewMayfly("")
			if err != nil {
				return err
			}
			m.eng = scripted(&views[r], ptA, ptB, ptD, ptE)
			res, err := m.Solve(ctx, paraboloid(&calls[r]), Request{
				Coordinator: hub.Rank(r),
				HistoryDir:  dir,
				HotStart:    history.Target{Enabled: true, Name: "hist"},
			})
			if err != nil {
				return err
			}
			runIDs[r] = res.Solution.RunID
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for r := 0; r < size; r++ {
		assert.Equal(t, int32(2), calls[r].Load(), "rank %d", r)
		assert.Equal(t, first.f, views[r].f[:2], "rank %d", r)
		assert.Equal(t, views[0], views[r], "rank %d", r)
		assert.Equal(t, runIDs[0], runIDs[r], "rank %d", r)
	}
}

func TestMultiRankRootHistoryErrorStopsAllRanks(t *testing.T) {
	dir := t.TempDir()

	// Rank 0 cannot create its history because the name is a directory.
	blocked := filepath.Join(dir, "blocked")
	cue, _ := history.Files(blocked)
	require.NoError(t, os.MkdirAll(cue, 0755))

	const size = 2
	hub := parallel.NewHub(size)
	errs := make([]error, size)
	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < size; r++ {
		eg.Go(func() error {
			_, errs[r] = newMayfly(t, scripted(nil, ptA)).Solve(ctx, paraboloid(nil), Request{
				Coordinator:  hub.Rank(r),
				HistoryDir:   dir,
				StoreHistory: history.Target{Enabled: true, Name: "blocked"},
			})
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.ErrorContains(t, errs[0], "failed to open history")
	assert.ErrorContains(t, errs[1], "rank 0 failed to open history")
}

func TestParallelObjectiveAnalysis(t *testing.T) {
	const size = 2
	hub := parallel.NewHub(size)
	views := make([]seen, size)

	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < size; r++ {
		eg.Go(func() error {
			p := problem.New("shared", func(ctx context.Context, d problem.Design) (problem.Result, error) {
				c := parallel.FromContext(ctx)
				if c.Size() != size {
					return problem.Result{}, errors.New("objective did not receive the coordinator")
				}
				// Each rank computes part of the objective; rank 0 gathers it.
				local := float64(c.Rank()+1) * d.X[0]
				total, err := parallel.Bcast(ctx, c, local, 0)
				if err != nil {
					return problem.Result{}, err
				}
				return problem.Result{F: []float64{total}, G: []float64{-1}}, nil
			})
			p.AddVar("x", problem.Continuous, 0, 10, 1)
			p.AddObj("f")
			p.AddCon("g", problem.Inequality)

			m, err := NewMayfly(PllPOA)
			if err != nil {
				return err
			}
			m.eng = scripted(&views[r], []float64{3})
			_, err = m.Solve(ctx, p, Request{Coordinator: hub.Rank(r)})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, []float64{3}, views[0].f[0])
	assert.Equal(t, views[0], views[1])
}

func TestParallelGradientColumns(t *testing.T) {
	const size = 2
	hub := parallel.NewHub(size)
	dfs := make([][]float64, size)
	dgs := make([][]float64, size)

	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < size; r++ {
		eg.Go(func() error {
			eng := engine.Func(func(ctx context.Context, c *engine.Call) (engine.Counts, error) {
				copy(c.X, []float64{1, 2})
				if err := c.Evaluate(ctx, c.X, c.F, c.G); err != nil {
					return engine.Counts{}, err
				}
				dfs[r] = make([]float64, 2)
				dgs[r] = make([]float64, 2)
				return engine.Counts{NFun: 1, NGrd: 1}, c.Gradient(ctx, c.X, c.F, c.G, dfs[r], dgs[r])
			})
			d, err := NewFeasDir("")
			if err != nil {
				return err
			}
			d.eng = eng
			_, err = d.Solve(ctx, paraboloid(nil), Request{
				Coordinator: hub.Rank(r),
				Sens:        sens.Config{Type: sens.FD, Mode: sens.ModePGC},
			})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	for r := 0; r < size; r++ {
		assert.InDelta(t, 2, dfs[r][0], 1e-4, "rank %d", r)
		assert.InDelta(t, 4, dfs[r][1], 1e-4, "rank %d", r)
		assert.InDelta(t, 1, dgs[r][0], 1e-4, "rank %d", r)
		assert.InDelta(t, 1, dgs[r][1], 1e-4, "rank %d", r)
	}
	assert.Equal(t, dfs[0], dfs[1])
}

func TestMayflyHotStartReusesSeed(t *testing.T) {
	dir := t.TempDir()
	newProblem := func(calls *atomic.Int32) *problem.Problem {
		p := paraboloid(calls)
		p.Variables[0].Lower, p.Variables[0].Upper = -2, 2
		p.Variables[1].Lower, p.Variables[1].Upper = -2, 2
		return p
	}
	solve := func(req Request, calls *atomic.Int32) *problem.Solution {
		m, err := NewMayfly("")
		require.NoError(t, err)
		require.NoError(t, m.Options().SetAll(map[string]any{"PopSize": 20, "maxGen": 3}))
		req.HistoryDir = dir
		res, err := m.Solve(context.Background(), newProblem(calls), req)
		require.NoError(t, err)
		return res.Solution
	}

	var first atomic.Int32
	sol1 := solve(Request{StoreHistory: history.Target{Enabled: true}}, &first)
	seed, ok := sol1.Inform["seed"].(int64)
	require.True(t, ok)
	assert.NotZero(t, seed)

	r, err := history.Open(filepath.Join(dir, "MAYFLY"))
	require.NoError(t, err)
	rec, found, err := r.ReadLast(history.IdentSeed)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, float64(seed), rec.Scalar())
	require.NoError(t, r.Close())

	var second atomic.Int32
	sol2 := solve(Request{HotStart: history.Target{Enabled: true}}, &second)
	assert.Equal(t, seed, sol2.Inform["seed"])
	assert.Zero(t, second.Load(), "the same seed proposes the recorded candidates")
	assert.Equal(t, sol1.Variables, sol2.Variables)
	assert.Equal(t, sol1.Objectives, sol2.Objectives)
}

func TestRunStateDoesNotLeakBetweenSolves(t *testing.T) {
	dir := t.TempDir()
	record(t, dir, "hist", ptA, ptB)

	// The first solve stops while the history still has a record left.
	var s seen
	m := newMayfly(t, scripted(&s, ptA))
	var hot atomic.Int32
	_, err := m.Solve(context.Background(), paraboloid(&hot), Request{
		HistoryDir: dir,
		HotStart:   history.Target{Enabled: true, Name: "hist"},
	})
	require.NoError(t, err)
	assert.Zero(t, hot.Load())

	tw, err := store.NewTraceWriter(dir, "plain", false)
	require.NoError(t, err)
	var cold atomic.Int32
	_, err = m.Solve(context.Background(), paraboloid(&cold), Request{
		RunID:      "plain",
		HistoryDir: dir,
		Trace:      tw,
	})
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	assert.Equal(t, int32(1), cold.Load(), "a solve without hot start evaluates live")

	tr, err := store.NewTraceReader(dir, "plain")
	require.NoError(t, err)
	defer tr.Close()
	entries, err := tr.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Seq)
	assert.Equal(t, store.SourceLive, entries[0].Source)
}

func TestMultiRankMetricsCountEachCallbackOnce(t *testing.T) {
	const size = 3
	hub := parallel.NewHub(size)
	metrics := telemetry.New(nil)

	eg, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < size; r++ {
		eg.Go(func() error {
			m, err := NewMayfly("")
			if err != nil {
				return err
			}
			m.eng = scripted(nil, ptA, ptB)
			_, err = m.Solve(ctx, paraboloid(nil), Request{
				Coordinator: hub.Rank(r),
				Metrics:     metrics,
			})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	expected := `
# HELP optbridge_evaluations_total Engine callbacks served, by engine, kind and source
# TYPE optbridge_evaluations_total counter
optbridge_evaluations_total{engine="MAYFLY",kind="function",source="live"} 2
`
	err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "optbridge_evaluations_total")
	assert.NoError(t, err)
}
