package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cwbudde/optbridge/internal/catalog"
	"github.com/cwbudde/optbridge/internal/config"
	"github.com/cwbudde/optbridge/internal/store"
)

var (
	resumeDataDir string
	resumeEngine  string
	resumeRanks   int
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Re-run a stored solve, replaying its history",
	Long: `Re-runs the problem of a stored solution with the same engine options.
The recorded history is replayed before any live evaluation and then
rewritten with the extended run.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeDataDir, "data-dir", config.DefaultDataDir, "Base directory for solutions")
	resumeCmd.Flags().StringVar(&resumeEngine, "engine", "", "Engine to resume with (defaults to the stored one)")
	resumeCmd.Flags().IntVar(&resumeRanks, "ranks", 1, "Number of in-process ranks")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	fs, err := store.NewFSStore(resumeDataDir)
	if err != nil {
		return fmt.Errorf("failed to create solution store: %w", err)
	}
	cfg, err := resumeConfig(fs, args[0], resumeEngine)
	if err != nil {
		return err
	}
	cfg.Parallel.Ranks = resumeRanks
	if cfg, err = config.Finish(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	sol, err := solve(ctx, cfg, cmd.OutOrStdout())
	if err != nil || sol == nil {
		return err
	}
	printSolution(cmd.OutOrStdout(), sol)
	return nil
}

// resumeConfig rebuilds the configuration of a stored run with a hot start
// from its history.
func resumeConfig(fs *store.FSStore, runID, engine string) (*config.Config, error) {
	sol, err := fs.LoadSolution(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	engine = strings.ToUpper(engine)
	if engine == "" {
		engine = sol.Optimizer
	}
	p, err := catalog.Get(sol.Problem)
	if err != nil {
		return nil, err
	}
	if err := store.IsCompatible(sol, engine, p); err != nil {
		return nil, fmt.Errorf("cannot resume run %s: %w", runID, err)
	}

	// The stored name is already resolved; an absolute path keeps it from
	// being joined with the history dir again.
	name, err := filepath.Abs(sol.History)
	if err != nil {
		return nil, err
	}
	target := config.Target{Enabled: true, Name: name}
	return &config.Config{
		Engine:  engine,
		Problem: sol.Problem,
		Options: sol.Options,
		History: config.HistoryConfig{Store: target, HotStart: target},
		DataDir: fs.BaseDir(),
	}, nil
}
