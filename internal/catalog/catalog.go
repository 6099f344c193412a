// Package catalog holds the built-in benchmark problems of the CLI.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cwbudde/optbridge/internal/problem"
)

// Entry describes a catalog problem.
type Entry struct {
	Name        string
	Description string

	// Optimum is the known best objective value.
	Optimum float64

	// New builds a fresh problem at its starting point.
	New func() *problem.Problem
}

var entries = map[string]Entry{}

func register(e Entry) {
	entries[e.Name] = e
}

// Get builds the named problem.
func Get(name string) (*problem.Problem, error) {
	e, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown problem %q, available: %s", name, strings.Join(Names(), ", "))
	}
	return e.New(), nil
}

// Lookup returns the named entry.
func Lookup(name string) (Entry, bool) {
	e, ok := entries[strings.ToLower(name)]
	return e, ok
}

// Names lists the catalog in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
