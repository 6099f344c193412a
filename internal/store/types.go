package store

import (
	"fmt"
	"time"

	"github.com/cwbudde/optbridge/internal/problem"
)

// SolutionInfo contains metadata about a solution without the variable and
// constraint snapshots. Used for listing runs efficiently.
type SolutionInfo struct {
	// RunID is the unique identifier of the run
	RunID string `json:"runId"`

	// Name is the solution label, e.g. "FEASDIR Solution to paraboloid"
	Name string `json:"name"`

	// Optimizer is the engine that produced the solution
	Optimizer string `json:"optimizer"`

	// Problem is the name of the solved problem
	Problem string `json:"problem"`

	// Objective is the final value of the first objective
	Objective float64 `json:"objective"`

	// Evaluations is the evaluation cost of the run
	Evaluations int `json:"evaluations"`

	// Time is the wall-clock duration of the engine call
	Time time.Duration `json:"time"`

	// History is the hot-start history the run recorded, if any
	History string `json:"history,omitempty"`

	// Timestamp records when the solution was assembled
	Timestamp time.Time `json:"timestamp"`
}

// ToInfo converts a full solution to SolutionInfo (metadata only).
func ToInfo(sol *problem.Solution) SolutionInfo {
	info := SolutionInfo{
		RunID:       sol.RunID,
		Name:        sol.Name,
		Optimizer:   sol.Optimizer,
		Problem:     sol.Problem,
		Evaluations: sol.Evaluations,
		Time:        sol.Time,
		History:     sol.History,
		Timestamp:   sol.Timestamp,
	}
	if len(sol.Objectives) > 0 {
		info.Objective = sol.Objectives[0].Value
	}
	return info
}

// Validate checks that a solution is complete enough to be persisted.
func Validate(sol *problem.Solution) error {
	if sol.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	if sol.Optimizer == "" {
		return &ValidationError{Field: "Optimizer", Reason: "cannot be empty"}
	}
	if sol.Problem == "" {
		return &ValidationError{Field: "Problem", Reason: "cannot be empty"}
	}
	if len(sol.Variables) == 0 {
		return &ValidationError{Field: "Variables", Reason: "cannot be empty"}
	}
	if len(sol.Objectives) == 0 {
		return &ValidationError{Field: "Objectives", Reason: "cannot be empty"}
	}
	if sol.Evaluations < 0 {
		return &ValidationError{Field: "Evaluations", Reason: "cannot be negative"}
	}
	if sol.Time < 0 {
		return &ValidationError{Field: "Time", Reason: "cannot be negative"}
	}
	if sol.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	return nil
}

// ValidationError represents a solution validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks whether a stored run can seed a hot start of the given
// problem with the given optimizer. Replaying a history recorded for another
// engine or problem shape would feed the engine values for different points.
func IsCompatible(sol *problem.Solution, optimizer string, p *problem.Problem) error {
	if sol.Optimizer != optimizer {
		return &CompatibilityError{Field: "Optimizer", Expected: sol.Optimizer, Actual: optimizer}
	}
	if sol.Problem != p.Name {
		return &CompatibilityError{Field: "Problem", Expected: sol.Problem, Actual: p.Name}
	}
	if len(sol.Variables) != len(p.Variables) {
		return &CompatibilityError{
			Field:    "Variables",
			Expected: fmt.Sprintf("%d", len(sol.Variables)),
			Actual:   fmt.Sprintf("%d", len(p.Variables)),
		}
	}
	if len(sol.Constraints) != len(p.Constraints) {
		return &CompatibilityError{
			Field:    "Constraints",
			Expected: fmt.Sprintf("%d", len(sol.Constraints)),
			Actual:   fmt.Sprintf("%d", len(p.Constraints)),
		}
	}
	if sol.History == "" {
		return &CompatibilityError{Field: "History", Expected: "recorded history", Actual: "none"}
	}
	return nil
}

// CompatibilityError represents a run compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
