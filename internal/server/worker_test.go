package server

import (
	"context"
	"errors"
	"testing"

	"github.com/cwbudde/optbridge/internal/problem"
	"github.com/cwbudde/optbridge/internal/store"
)

// fakeSolve reports entries to the observer and returns a solution with
// objective f.
func fakeSolve(f float64, entries ...store.TraceEntry) SolveFunc {
	return func(ctx context.Context, req SolveRequest) (*problem.Solution, error) {
		for _, e := range entries {
			req.Observe(e)
		}
		return &problem.Solution{
			RunID:      req.RunID,
			Objectives: []problem.Objective{{Name: "f", Value: f}},
		}, nil
	}
}

// blockingSolve waits for release or cancellation.
func blockingSolve(release <-chan struct{}) SolveFunc {
	return func(ctx context.Context, req SolveRequest) (*problem.Solution, error) {
		select {
		case <-release:
			return &problem.Solution{RunID: req.RunID}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestRunJob_Success(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Problem: "paraboloid"})

	solve := fakeSolve(0.5,
		store.TraceEntry{Seq: 1, Kind: store.KindFunction, Source: store.SourceHistory, F: []float64{8}},
		store.TraceEntry{Seq: 2, Kind: store.KindGradient, Source: store.SourceHistory},
		store.TraceEntry{Seq: 3, Kind: store.KindFunction, Source: store.SourceLive, Fail: true},
		store.TraceEntry{Seq: 4, Kind: store.KindFunction, Source: store.SourceLive, F: []float64{0.7}},
	)
	if err := runJob(context.Background(), jm, solve, job.ID); err != nil {
		t.Fatalf("runJob should succeed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCompleted {
		t.Errorf("Job should be completed, got %s", updated.State)
	}
	if updated.Evaluations != 3 || updated.Replayed != 1 || updated.Failures != 1 {
		t.Errorf("Unexpected counts: evals=%d replayed=%d failures=%d",
			updated.Evaluations, updated.Replayed, updated.Failures)
	}
	if updated.Objective == nil || *updated.Objective != 0.5 {
		t.Errorf("Objective should come from the solution, got %v", updated.Objective)
	}
	if updated.Solution != job.ID {
		t.Errorf("Solution should be stored under the job ID, got %q", updated.Solution)
	}
	if updated.EndTime == nil {
		t.Error("EndTime should be set")
	}
}

func TestRunJob_SolveError(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Problem: "paraboloid"})

	solve := func(context.Context, SolveRequest) (*problem.Solution, error) {
		return nil, errors.New("engine exploded")
	}
	if err := runJob(context.Background(), jm, solve, job.ID); err == nil {
		t.Error("runJob should fail")
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateFailed {
		t.Errorf("Job should be failed, got %s", updated.State)
	}
	if updated.Error != "engine exploded" {
		t.Errorf("Unexpected error message %q", updated.Error)
	}
}

func TestRunJob_Cancellation(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Problem: "paraboloid"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- runJob(ctx, jm, blockingSolve(nil), job.ID)
	}()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateCancelled {
		t.Errorf("Job should be cancelled, got %s", updated.State)
	}
}

func TestRunJob_NotFound(t *testing.T) {
	if err := runJob(context.Background(), NewJobManager(), fakeSolve(0), "missing"); err == nil {
		t.Error("Expected error for unknown job")
	}
}
