package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cwbudde/optbridge/internal/problem"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Runs are stored in a directory structure: <baseDir>/runs/<runID>/
//
// Thread-safety: This implementation uses atomic file operations (rename)
// and does not require locks.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FSStore{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// RunDir returns the directory path for a given run ID.
func (fs *FSStore) RunDir(runID string) string {
	return filepath.Join(fs.baseDir, "runs", runID)
}

func (fs *FSStore) solutionPath(runID string) string {
	return filepath.Join(fs.RunDir(runID), "solution.json")
}

// SaveSolution atomically saves a solution under its RunID.
// Uses temp file + rename pattern to ensure atomicity.
func (fs *FSStore) SaveSolution(sol *problem.Solution) error {
	if sol == nil {
		return fmt.Errorf("solution cannot be nil")
	}
	if err := Validate(sol); err != nil {
		return err
	}

	runDir := fs.RunDir(sol.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(sol, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize solution: %w", err)
	}

	tempPath := fs.solutionPath(sol.RunID) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp solution file: %w", err)
	}

	finalPath := fs.solutionPath(sol.RunID)
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename solution file: %w", err)
	}

	slog.Debug("Solution saved", "runID", sol.RunID, "path", finalPath)
	return nil
}

// LoadSolution retrieves the solution of the given run.
func (fs *FSStore) LoadSolution(runID string) (*problem.Solution, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}

	path := fs.solutionPath(runID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: runID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read solution file: %w", err)
	}

	var sol problem.Solution
	if err := json.Unmarshal(data, &sol); err != nil {
		return nil, fmt.Errorf("failed to deserialize solution: %w", err)
	}

	slog.Debug("Solution loaded", "runID", runID, "path", path)
	return &sol, nil
}

// ListSolutions returns metadata for all stored solutions, newest first.
func (fs *FSStore) ListSolutions() ([]SolutionInfo, error) {
	runsDir := filepath.Join(fs.baseDir, "runs")

	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		return []SolutionInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []SolutionInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		runID := entry.Name()
		if _, err := os.Stat(fs.solutionPath(runID)); os.IsNotExist(err) {
			// A run that is still going has a trace but no solution yet.
			continue
		}

		sol, err := fs.LoadSolution(runID)
		if err != nil {
			slog.Warn("Failed to load solution for listing", "runID", runID, "error", err)
			continue
		}
		infos = append(infos, ToInfo(sol))
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})

	slog.Debug("Listed solutions", "count", len(infos))
	return infos, nil
}

// DeleteSolution removes the run directory and all its contents.
func (fs *FSStore) DeleteSolution(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}

	runDir := fs.RunDir(runID)
	if _, err := os.Stat(runDir); os.IsNotExist(err) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}

	if err := os.RemoveAll(runDir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}

	slog.Debug("Solution deleted", "runID", runID, "path", runDir)
	return nil
}
