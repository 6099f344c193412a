package store

import "github.com/cwbudde/optbridge/internal/problem"

// Store defines the interface for solution persistence operations.
// Implementations must be safe for concurrent use.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if the solution doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveSolution atomically saves a solution under its RunID.
	// An existing solution with the same RunID is overwritten.
	SaveSolution(sol *problem.Solution) error

	// LoadSolution retrieves the solution of the given run.
	// Returns ErrNotFound if no solution exists for runID.
	LoadSolution(runID string) (*problem.Solution, error)

	// ListSolutions returns metadata for all stored solutions.
	// The returned slice may be empty.
	ListSolutions() ([]SolutionInfo, error)

	// DeleteSolution removes the solution and every artifact of the run,
	// including its evaluation trace.
	// Returns ErrNotFound if no solution exists for runID.
	DeleteSolution(runID string) error
}

// ErrNotFound is returned when a requested solution does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
