package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cwbudde/optbridge/internal/config"
	"github.com/cwbudde/optbridge/internal/store"
)

var (
	solutionsDataDir string
	keepLast         int
	olderThanDays    int
	forceClean       bool
)

var solutionsCmd = &cobra.Command{
	Use:   "solutions",
	Short: "Manage stored solutions",
	Long: `Inspect and clean the solutions written by solve runs.
Each run keeps its solution and evaluation trace under <data-dir>/runs/<run-id>.`,
}

var listSolutionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored solutions",
	RunE:  runListSolutions,
}

var showSolutionCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Print a stored solution as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowSolution,
}

var traceSolutionCmd = &cobra.Command{
	Use:   "trace [run-id]",
	Short: "Print the evaluation trace of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceSolution,
}

var cleanSolutionsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old solutions",
	Long: `Delete stored solutions based on a retention policy.
Keep the newest N runs, delete runs older than N days, or both.`,
	RunE: runCleanSolutions,
}

func init() {
	rootCmd.AddCommand(solutionsCmd)
	solutionsCmd.AddCommand(listSolutionsCmd, showSolutionCmd, traceSolutionCmd, cleanSolutionsCmd)

	solutionsCmd.PersistentFlags().StringVar(&solutionsDataDir, "data-dir", config.DefaultDataDir, "Base directory for solutions")

	cleanSolutionsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N solutions (0 = keep all)")
	cleanSolutionsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete solutions older than N days (0 = no age limit)")
	cleanSolutionsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListSolutions(cmd *cobra.Command, args []string) error {
	fs, err := store.NewFSStore(solutionsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create solution store: %w", err)
	}
	infos, err := fs.ListSolutions()
	if err != nil {
		return fmt.Errorf("failed to list solutions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No solutions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tTIMESTAMP\tOPTIMIZER\tPROBLEM\tOBJECTIVE\tEVALS\tSIZE")
	fmt.Fprintln(w, "------\t---------\t---------\t-------\t---------\t-----\t----")
	for _, info := range infos {
		sizeStr := "unknown"
		if size, err := getDirSize(fs.RunDir(info.RunID)); err == nil {
			sizeStr = formatBytes(size)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.6g\t%d\t%s\n",
			shortID(info.RunID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Optimizer,
			info.Problem,
			info.Objective,
			info.Evaluations,
			sizeStr,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal solutions: %d\n", len(infos))
	return nil
}

func runShowSolution(cmd *cobra.Command, args []string) error {
	fs, err := store.NewFSStore(solutionsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create solution store: %w", err)
	}
	sol, err := fs.LoadSolution(args[0])
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(sol); err != nil {
		return fmt.Errorf("failed to encode solution: %w", err)
	}
	return enc.Close()
}

func runTraceSolution(cmd *cobra.Command, args []string) error {
	tr, err := store.NewTraceReader(solutionsDataDir, args[0])
	if err != nil {
		return err
	}
	defer tr.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tSOURCE\tX\tF\tG")
	for {
		e, err := tr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		f := fmt.Sprint(e.F)
		if e.Fail {
			f = "fail"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\t%v\n", e.Seq, e.Kind, e.Source, e.X, f, e.G)
	}
	return w.Flush()
}

func runCleanSolutions(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	fs, err := store.NewFSStore(solutionsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create solution store: %w", err)
	}
	infos, err := fs.ListSolutions()
	if err != nil {
		return fmt.Errorf("failed to list solutions: %w", err)
	}

	out := cmd.OutOrStdout()
	toDelete := selectSolutionsForDeletion(infos, keepLast, olderThanDays, time.Now())
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No solutions match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d solution(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%s on %s, %s)\n",
			shortID(info.RunID), info.Optimizer, info.Problem,
			info.Timestamp.Format("2006-01-02 15:04:05"))
	}

	if !forceClean {
		fmt.Fprint(out, "\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	deleted, failed := 0, 0
	for _, info := range toDelete {
		if err := fs.DeleteSolution(info.RunID); err != nil {
			slog.Error("Failed to delete solution", "runID", info.RunID, "error", err)
			failed++
			continue
		}
		slog.Info("Deleted solution", "runID", info.RunID)
		deleted++
	}

	fmt.Fprintf(out, "\nDeleted %d solution(s), %d failed.\n", deleted, failed)
	return nil
}

// selectSolutionsForDeletion applies the retention policy. A run is
// selected when it is older than the age limit or falls outside the newest
// keepLast runs.
func selectSolutionsForDeletion(infos []store.SolutionInfo, keepLast, olderThanDays int, now time.Time) []store.SolutionInfo {
	sorted := append([]store.SolutionInfo(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	var cutoff time.Time
	if olderThanDays > 0 {
		cutoff = now.AddDate(0, 0, -olderThanDays)
	}

	var toDelete []store.SolutionInfo
	for i, info := range sorted {
		tooOld := olderThanDays > 0 && info.Timestamp.Before(cutoff)
		beyondKeep := keepLast > 0 && i >= keepLast
		if tooOld || beyondKeep {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
