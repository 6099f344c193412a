package server

import (
	"sync"
	"testing"
	"time"
)

func TestJobManager_CreateJob(t *testing.T) {
	jm := NewJobManager()

	job := jm.CreateJob(JobConfig{Engine: "FEASDIR", Problem: "paraboloid"})

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", job.State)
	}
	if job.Config.Problem != "paraboloid" {
		t.Errorf("Config not set correctly")
	}
}

func TestJobManager_GetJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Problem: "paraboloid"})

	retrieved, exists := jm.GetJob(job.ID)
	if !exists {
		t.Fatal("Job should exist")
	}
	if retrieved.ID != job.ID {
		t.Error("Retrieved wrong job")
	}

	retrieved.State = StateFailed
	again, _ := jm.GetJob(job.ID)
	if again.State != StatePending {
		t.Error("GetJob should return a copy")
	}

	if _, exists := jm.GetJob("nonexistent"); exists {
		t.Error("Should not find nonexistent job")
	}
}

func TestJobManager_ListJobs(t *testing.T) {
	jm := NewJobManager()
	if len(jm.ListJobs()) != 0 {
		t.Error("Should start with no jobs")
	}

	first := jm.CreateJob(JobConfig{Problem: "paraboloid"})
	time.Sleep(time.Millisecond)
	second := jm.CreateJob(JobConfig{Problem: "sphere"})

	jobs := jm.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != first.ID || jobs[1].ID != second.ID {
		t.Error("Jobs should be listed oldest first")
	}
}

func TestJobManager_UpdateJob(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Problem: "paraboloid"})

	err := jm.UpdateJob(job.ID, func(j *Job) {
		j.State = StateRunning
		j.Evaluations = 12
	})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	updated, _ := jm.GetJob(job.ID)
	if updated.State != StateRunning || updated.Evaluations != 12 {
		t.Errorf("Update not applied: %+v", updated)
	}
	if len(jm.GetRunningJobs()) != 1 {
		t.Error("Expected one running job")
	}

	if err := jm.UpdateJob("nonexistent", func(*Job) {}); err == nil {
		t.Error("Expected error for nonexistent job")
	}
}

func TestJobManager_ThreadSafety(t *testing.T) {
	jm := NewJobManager()
	job := jm.CreateJob(JobConfig{Problem: "paraboloid"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				jm.UpdateJob(job.ID, func(j *Job) { j.Evaluations++ })
			}
		}()
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				jm.GetJob(job.ID)
				jm.ListJobs()
			}
		}()
	}
	wg.Wait()

	final, _ := jm.GetJob(job.ID)
	if final.Evaluations != 1000 {
		t.Errorf("Expected 1000 evaluations, got %d", final.Evaluations)
	}
}
