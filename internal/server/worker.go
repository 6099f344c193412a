package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/optbridge/internal/store"
)

// progressInterval throttles progress events to the SSE clients.
var progressInterval = 500 * time.Millisecond

// runJob executes a solve job in the background.
func runJob(ctx context.Context, jm *JobManager, solve SolveFunc, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	slog.Info("Starting job", "job_id", jobID, "engine", job.Config.Engine, "problem", job.Config.Problem)

	select {
	case <-ctx.Done():
		markJobCancelled(jm, jobID)
		return ctx.Err()
	default:
	}

	progressDone := make(chan struct{})
	go monitorProgress(ctx, jm, jobID, progressDone)

	start := time.Now()
	sol, err := solve(ctx, SolveRequest{
		RunID:   jobID,
		Config:  job.Config,
		Observe: observer(jm, jobID),
	})
	close(progressDone)

	switch {
	case err != nil && ctx.Err() != nil:
		markJobCancelled(jm, jobID)
		return err
	case err != nil:
		markJobFailed(jm, jobID, err)
		return err
	}

	endTime := time.Now()
	var final Job
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCompleted
		j.EndTime = &endTime
		if sol != nil {
			j.Solution = sol.RunID
			if len(sol.Objectives) > 0 {
				f := sol.Objectives[0].Value
				j.Objective = &f
			}
		}
		final = *j
	})
	if err != nil {
		return err
	}

	slog.Info("Job completed",
		"job_id", jobID,
		"elapsed", time.Since(start),
		"evaluations", final.Evaluations,
		"replayed", final.Replayed,
	)

	jm.broadcaster.Broadcast(progressOf(final))
	return nil
}

// observer counts the callbacks of a job and tracks the latest objective.
func observer(jm *JobManager, jobID string) func(store.TraceEntry) {
	return func(e store.TraceEntry) {
		jm.UpdateJob(jobID, func(j *Job) {
			if e.Kind != store.KindFunction {
				return
			}
			j.Evaluations++
			if e.Source == store.SourceHistory {
				j.Replayed++
			}
			if e.Fail {
				j.Failures++
				return
			}
			if len(e.F) > 0 {
				f := e.F[0]
				j.Objective = &f
			}
		})
	}
}

// monitorProgress periodically broadcasts progress events during a solve
func monitorProgress(ctx context.Context, jm *JobManager, jobID string, done chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, exists := jm.GetJob(jobID)
			if !exists {
				return
			}
			jm.broadcaster.Broadcast(progressOf(job))
		}
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	var final Job
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
		final = *j
	})
	jm.broadcaster.Broadcast(progressOf(final))
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	var final Job
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
		final = *j
	})
	jm.broadcaster.Broadcast(progressOf(final))
	slog.Info("Job cancelled", "job_id", jobID)
}
