package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/optbridge/internal/config"
	"github.com/cwbudde/optbridge/internal/problem"
	"github.com/cwbudde/optbridge/internal/server"
	"github.com/cwbudde/optbridge/internal/telemetry"
)

var (
	serveAddr    string
	serveConfig  string
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run solves as background jobs behind an HTTP API",
	Long: `Starts an HTTP server. POST /api/v1/solves submits a solve, GET
/api/v1/solves/<id>/stream follows its progress and DELETE cancels it.
Job IDs are the run IDs of the stored solutions.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "YAML configuration supplying job defaults")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Base directory for solutions and traces")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	base, err := config.Read(serveConfig)
	if err != nil {
		return err
	}
	if serveDataDir != "" {
		base.DataDir = serveDataDir
	}
	config.ApplyDefaults(base)

	metrics := telemetry.New(nil)
	srv := server.NewServer(serveAddr, jobSolver(base, metrics), metrics.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		slog.Info("Received signal", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// jobSolver layers each job's settings over base and runs it in process.
func jobSolver(base *config.Config, metrics *telemetry.Metrics) server.SolveFunc {
	return func(ctx context.Context, req server.SolveRequest) (*problem.Solution, error) {
		cfg := jobConfig(base, req)
		if _, err := config.Finish(cfg); err != nil {
			return nil, err
		}
		r, err := newRunner(cfg, metrics, io.Discard)
		if err != nil {
			return nil, err
		}
		r.runID = req.RunID
		r.observe = req.Observe
		return r.run(ctx)
	}
}

func jobConfig(base *config.Config, req server.SolveRequest) *config.Config {
	job := req.Config
	cfg := *base
	cfg.Options = maps.Clone(base.Options)
	if cfg.Options == nil {
		cfg.Options = map[string]any{}
	}
	maps.Copy(cfg.Options, job.Options)

	cfg.Problem = job.Problem
	if job.Engine != "" {
		cfg.Engine = job.Engine
	}
	if job.SensType != "" {
		cfg.Sensitivity.Type = job.SensType
	}

	name := job.History
	if name == "" {
		name = req.RunID
	}
	cfg.History.Store = config.Target{Enabled: job.StoreHistory, Name: name}
	cfg.History.HotStart = config.Target{Enabled: job.HotStart, Name: name}

	// Jobs run their ranks in this process; the server owns /metrics.
	cfg.Parallel.Ranks = max(job.Ranks, 1)
	cfg.Parallel.Rank, cfg.Parallel.Size, cfg.Parallel.Address = 0, 0, ""
	cfg.MetricsAddr = ""
	return &cfg
}
