package problem

import "time"

// Solution is the record of one completed solve.
type Solution struct {
	RunID         string         `json:"runId" yaml:"runId"`
	Optimizer     string         `json:"optimizer" yaml:"optimizer"`
	Name          string         `json:"name" yaml:"name"`
	Problem       string         `json:"problem" yaml:"problem"`
	Time          time.Duration  `json:"time" yaml:"time"`
	Evaluations   int            `json:"evaluations" yaml:"evaluations"`
	Inform        map[string]any `json:"inform,omitempty" yaml:"inform,omitempty"`
	Variables     []Variable     `json:"variables" yaml:"variables"`
	Objectives    []Objective    `json:"objectives" yaml:"objectives"`
	Constraints   []Constraint   `json:"constraints" yaml:"constraints"`
	Options       map[string]any `json:"options" yaml:"options"`
	Sensitivities string         `json:"sensitivities,omitempty" yaml:"sensitivities,omitempty"`
	History       string         `json:"history,omitempty" yaml:"history,omitempty"`
	Timestamp     time.Time      `json:"timestamp" yaml:"timestamp"`
}
