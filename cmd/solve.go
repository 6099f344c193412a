package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/optbridge/internal/catalog"
	"github.com/cwbudde/optbridge/internal/config"
	"github.com/cwbudde/optbridge/internal/opt"
	"github.com/cwbudde/optbridge/internal/parallel"
	"github.com/cwbudde/optbridge/internal/problem"
	"github.com/cwbudde/optbridge/internal/store"
	"github.com/cwbudde/optbridge/internal/telemetry"
)

var (
	configPath   string
	solveFlags   = &config.Config{}
	solveOptions map[string]string
	historyName  string
	storeHistory bool
	hotStart     bool
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Solve a catalog problem",
	Long: `Solves a built-in problem with one engine. Settings come from an optional
YAML file, OPTBRIDGE_* environment variables and flags, in increasing priority.`,
	RunE: runSolveCmd,
}

func init() {
	f := solveCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML run configuration")
	f.StringVar(&solveFlags.Engine, "engine", "", "Engine: "+strings.Join(opt.Names(), ", "))
	f.StringVar(&solveFlags.Problem, "problem", "", "Problem: "+strings.Join(catalog.Names(), ", "))
	f.StringToStringVar(&solveOptions, "opt", nil, "Engine option as NAME=VALUE (repeatable)")
	f.BoolVar(&storeHistory, "store-history", false, "Record every evaluation for later hot starts")
	f.BoolVar(&hotStart, "hot-start", false, "Replay a recorded history before evaluating live")
	f.StringVar(&historyName, "history", "", "History name (defaults to the engine name)")
	f.StringVar(&solveFlags.History.Dir, "history-dir", "", "Directory for relative history names")
	f.StringVar(&solveFlags.Sensitivity.Type, "sens-type", "", "Gradient type: FD, CS, User")
	f.StringVar(&solveFlags.Sensitivity.Mode, "sens-mode", "", "Gradient mode: empty or pgc")
	f.Float64Var(&solveFlags.Sensitivity.Step, "sens-step", 0, "Gradient perturbation step")
	f.StringVar(&solveFlags.Parallel.Mode, "pll", "", "Parallel mode: none, poa")
	f.IntVar(&solveFlags.Parallel.Ranks, "ranks", 0, "Number of in-process ranks")
	f.IntVar(&solveFlags.Parallel.Rank, "rank", 0, "Rank of this process in a distributed run")
	f.IntVar(&solveFlags.Parallel.Size, "size", 0, "Number of processes in a distributed run")
	f.StringVar(&solveFlags.Parallel.Address, "addr", "", "Rank 0 address of a distributed run")
	f.StringVar(&solveFlags.DataDir, "data-dir", "", "Base directory for solutions and traces")
	f.StringVar(&solveFlags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&solveFlags.Trace, "trace", false, "Record an evaluation trace")

	rootCmd.AddCommand(solveCmd)
}

func runSolveCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadSolveConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sol, err := solve(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if sol != nil {
		printSolution(cmd.OutOrStdout(), sol)
	}
	return nil
}

// loadSolveConfig merges the config file, environment and changed flags.
func loadSolveConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Read(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("engine", func() { cfg.Engine = solveFlags.Engine })
	set("problem", func() { cfg.Problem = solveFlags.Problem })
	set("history-dir", func() { cfg.History.Dir = solveFlags.History.Dir })
	set("sens-type", func() { cfg.Sensitivity.Type = solveFlags.Sensitivity.Type })
	set("sens-mode", func() { cfg.Sensitivity.Mode = solveFlags.Sensitivity.Mode })
	set("sens-step", func() { cfg.Sensitivity.Step = solveFlags.Sensitivity.Step })
	set("pll", func() { cfg.Parallel.Mode = solveFlags.Parallel.Mode })
	set("ranks", func() { cfg.Parallel.Ranks = solveFlags.Parallel.Ranks })
	set("rank", func() { cfg.Parallel.Rank = solveFlags.Parallel.Rank })
	set("size", func() { cfg.Parallel.Size = solveFlags.Parallel.Size })
	set("addr", func() { cfg.Parallel.Address = solveFlags.Parallel.Address })
	set("data-dir", func() { cfg.DataDir = solveFlags.DataDir })
	set("metrics-addr", func() { cfg.MetricsAddr = solveFlags.MetricsAddr })
	set("trace", func() { cfg.Trace = solveFlags.Trace })
	set("store-history", func() { cfg.History.Store = config.Target{Enabled: storeHistory} })
	set("hot-start", func() { cfg.History.HotStart = config.Target{Enabled: hotStart} })
	if flags.Changed("history") {
		if cfg.History.Store.Enabled {
			cfg.History.Store.Name = historyName
		}
		if cfg.History.HotStart.Enabled {
			cfg.History.HotStart.Name = historyName
		}
	}
	if cfg.Options == nil {
		cfg.Options = map[string]any{}
	}
	for k, v := range solveOptions {
		cfg.Options[k] = v
	}

	return config.Finish(cfg)
}

// solve runs cfg on every rank it describes and returns rank 0's solution.
// A distributed rank other than 0 returns a nil solution.
func solve(ctx context.Context, cfg *config.Config, out io.Writer) (*problem.Solution, error) {
	metrics := telemetry.New(nil)
	if cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.MetricsAddr, metrics)
		defer stopMetrics()
	}
	r, err := newRunner(cfg, metrics, out)
	if err != nil {
		return nil, err
	}
	return r.run(ctx)
}

type runner struct {
	cfg     *config.Config
	store   *store.FSStore
	metrics *telemetry.Metrics
	out     io.Writer
	runID   string
	observe func(store.TraceEntry)
}

func newRunner(cfg *config.Config, metrics *telemetry.Metrics, out io.Writer) (*runner, error) {
	fs, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create solution store: %w", err)
	}
	return &runner{cfg: cfg, store: fs, metrics: metrics, out: out}, nil
}

// run dispatches on the parallel layout. A preset runID is kept.
func (r *runner) run(ctx context.Context) (*problem.Solution, error) {
	cfg := r.cfg
	slog.Info("Solving", "engine", cfg.Engine, "problem", cfg.Problem, "parallel", cfg.Parallel.String())

	distributed := cfg.Parallel.Distributed()
	if r.runID == "" && (!distributed || cfg.Parallel.Rank == 0) {
		r.runID = uuid.NewString()
	}
	switch {
	case distributed:
		return r.distributed(ctx)
	case cfg.Parallel.Ranks > 1:
		return r.local(ctx, cfg.Parallel.Ranks)
	default:
		return r.solveRank(ctx, nil)
	}
}

// local runs size ranks in this process, connected by a hub.
func (r *runner) local(ctx context.Context, size int) (*problem.Solution, error) {
	hub := parallel.NewHub(size)
	sols := make([]*problem.Solution, size)

	eg, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < size; rank++ {
		eg.Go(func() error {
			sol, err := r.solveRank(ctx, hub.Rank(rank))
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			sols[rank] = sol
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return sols[0], nil
}

// distributed joins a multi-process run over TCP.
func (r *runner) distributed(ctx context.Context) (*problem.Solution, error) {
	p := r.cfg.Parallel
	var (
		coord *parallel.TCP
		err   error
	)
	if p.Rank == 0 {
		coord, err = parallel.ListenTCP(ctx, p.Address, p.Size)
	} else {
		coord, err = parallel.DialTCP(ctx, p.Address, p.Rank, p.Size)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to join rank group: %w", err)
	}
	defer coord.Close()

	sol, err := r.solveRank(ctx, coord)
	if err != nil || p.Rank != 0 {
		return nil, err
	}
	return sol, nil
}

// solveRank builds a fresh problem and optimizer and runs one rank.
func (r *runner) solveRank(ctx context.Context, coord parallel.Coordinator) (*problem.Solution, error) {
	cfg := r.cfg
	p, err := catalog.Get(cfg.Problem)
	if err != nil {
		return nil, err
	}
	o, err := opt.New(cfg.Engine, cfg.Parallel.PllType())
	if err != nil {
		return nil, err
	}
	if err := o.Options().SetAll(cfg.Options); err != nil {
		return nil, err
	}

	req := opt.Request{
		Sens:          cfg.Sensitivity,
		StoreHistory:  cfg.History.Store.History(),
		HotStart:      cfg.History.HotStart.History(),
		HistoryDir:    cfg.History.Dir,
		StoreSolution: true,
		Coordinator:   coord,
		RunID:         r.runID,
		Metrics:       r.metrics,
	}

	root := coord == nil || coord.Rank() == 0
	if root {
		req.Store = r.store
		req.Output = r.out
		req.Observe = r.observe
		if cfg.Trace {
			tw, err := store.NewTraceWriter(r.store.BaseDir(), r.runID, false)
			if err != nil {
				return nil, err
			}
			defer func() {
				if err := tw.Close(); err != nil {
					slog.Warn("Failed to close trace", "error", err)
				}
			}()
			req.Trace = tw
		}
	}

	res, err := o.Solve(ctx, p, req)
	if err != nil {
		var cfgErr *opt.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("invalid run setup: %w", err)
		}
		return nil, err
	}
	return res.Solution, nil
}

// serveMetrics exposes metrics until the returned stop function is called.
func serveMetrics(addr string, m *telemetry.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("Serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("Failed to stop metrics server", "error", err)
		}
	}
}

func printSolution(w io.Writer, sol *problem.Solution) {
	fmt.Fprintf(w, "%s\n", sol.Name)
	fmt.Fprintf(w, "  run %s, %d evaluations in %s\n", sol.RunID, sol.Evaluations, sol.Time.Round(time.Microsecond))
	if sol.History != "" {
		fmt.Fprintf(w, "  history %s\n", sol.History)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nNAME\tKIND\tVALUE\tLOWER\tUPPER")
	for _, v := range sol.Variables {
		fmt.Fprintf(tw, "%s\tvar\t%.8g\t%.8g\t%.8g\n", v.Name, v.Value, v.Lower, v.Upper)
	}
	for _, o := range sol.Objectives {
		fmt.Fprintf(tw, "%s\tobj\t%.8g\t\t\n", o.Name, o.Value)
	}
	for _, c := range sol.Constraints {
		kind := "ineq"
		if c.Kind == problem.Equality {
			kind = "eq"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.8g\t\t\n", c.Name, kind, c.Value)
	}
	tw.Flush()
}
