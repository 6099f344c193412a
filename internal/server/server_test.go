package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func waitForState(t *testing.T, s *Server, id string, want JobState) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := s.jobManager.GetJob(id)
		if job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := s.jobManager.GetJob(id)
	t.Fatalf("Job %s did not reach %s, state %s", id, want, job.State)
	return job
}

func postJob(t *testing.T, url string, config JobConfig) Job {
	t.Helper()
	body, _ := json.Marshal(config)
	resp, err := http.Post(url+"/api/v1/solves", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return job
}

func TestServer_CreateJob(t *testing.T) {
	s := NewServer(":0", fakeSolve(0.5), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Shutdown(context.Background())

	job := postJob(t, ts.URL, JobConfig{Engine: "feasdir", Problem: "paraboloid"})
	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.Config.Engine != "FEASDIR" {
		t.Errorf("Engine should be normalized, got %q", job.Config.Engine)
	}
	if job.Config.Ranks != 1 {
		t.Errorf("Ranks should default to 1, got %d", job.Config.Ranks)
	}

	done := waitForState(t, s, job.ID, StateCompleted)
	if done.Solution != job.ID {
		t.Errorf("Expected solution %s, got %s", job.ID, done.Solution)
	}
}

func TestServer_CreateJob_Validation(t *testing.T) {
	s := NewServer(":0", fakeSolve(0), nil)
	handler := s.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"missing problem", `{"engine":"FEASDIR"}`},
		{"unknown problem", `{"problem":"banana"}`},
		{"unknown engine", `{"problem":"paraboloid","engine":"SIMPLEX"}`},
		{"negative ranks", `{"problem":"paraboloid","ranks":-2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/solves", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
	if len(s.jobManager.ListJobs()) != 0 {
		t.Error("Rejected requests should not create jobs")
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := NewServer(":0", fakeSolve(0), nil)
	s.jobManager.CreateJob(JobConfig{Problem: "paraboloid"})
	s.jobManager.CreateJob(JobConfig{Problem: "sphere"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/solves", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var jobs []Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := NewServer(":0", fakeSolve(0), nil)
	job := s.jobManager.CreateJob(JobConfig{Problem: "paraboloid"})

	for _, path := range []string{"/api/v1/solves/" + job.ID, "/api/v1/solves/" + job.ID + "/status"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, w.Code)
		}
		var response map[string]any
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if response["id"] != job.ID {
			t.Error("Response should contain job ID")
		}
		if response["state"] != string(StatePending) {
			t.Errorf("Expected pending state, got %v", response["state"])
		}
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	s := NewServer(":0", fakeSolve(0), nil)

	for _, path := range []string{"/api/v1/solves/nonexistent", "/api/v1/solves/nonexistent/stream"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestServer_CancelJob(t *testing.T) {
	s := NewServer(":0", blockingSolve(nil), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	job := postJob(t, ts.URL, JobConfig{Problem: "paraboloid"})
	waitForState(t, s, job.ID, StateRunning)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/solves/"+job.ID, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := del(); code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", code)
	}
	waitForState(t, s, job.ID, StateCancelled)

	deadline := time.Now().Add(5 * time.Second)
	for del() != http.StatusConflict {
		if time.Now().After(deadline) {
			t.Fatal("Cancelled job should no longer be cancellable")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_JobStream_SSE(t *testing.T) {
	release := make(chan struct{})
	s := NewServer(":0", blockingSolve(release), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	job := postJob(t, ts.URL, JobConfig{Problem: "paraboloid"})

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(ts.URL + "/api/v1/solves/" + job.ID + "/stream")
	if err != nil {
		t.Fatalf("GET stream failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Error("Expected text/event-stream content type")
	}

	scanner := bufio.NewScanner(resp.Body)
	var events []ProgressEvent
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			t.Fatalf("Failed to parse event: %v", err)
		}
		events = append(events, e)
		if len(events) == 1 {
			close(release)
		}
	}

	if len(events) < 2 {
		t.Fatalf("Expected at least 2 events, got %d", len(events))
	}
	if last := events[len(events)-1]; last.State != StateCompleted {
		t.Errorf("Stream should end with the completed event, got %s", last.State)
	}
}

func TestServer_Problems(t *testing.T) {
	s := NewServer(":0", fakeSolve(0), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/problems", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var problems []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&problems); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	found := false
	for _, p := range problems {
		found = found || p["name"] == "rosen-suzuki"
	}
	if !found {
		t.Error("Expected rosen-suzuki in the problem list")
	}
}

func TestServer_MetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("optbridge_evaluations_total 0\n"))
	})
	s := NewServer(":0", fakeSolve(0), metrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), "optbridge_evaluations_total") {
		t.Error("Expected metrics output")
	}
}

func TestServer_ShutdownCancelsJobs(t *testing.T) {
	s := NewServer(":0", blockingSolve(nil), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	job := postJob(t, ts.URL, JobConfig{Problem: "paraboloid"})
	waitForState(t, s, job.ID, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	final, _ := s.jobManager.GetJob(job.ID)
	if final.State != StateCancelled {
		t.Errorf("Expected cancelled job after shutdown, got %s", final.State)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Evaluations: 3})
	eb.Broadcast(ProgressEvent{JobID: "job2", State: StateRunning})

	select {
	case e := <-ch:
		if e.Evaluations != 3 {
			t.Errorf("Expected 3 evaluations, got %d", e.Evaluations)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected an event")
	}

	late := eb.Subscribe("job1")
	if e := <-late; e.Evaluations != 3 {
		t.Error("Late subscribers should get the last event")
	}

	for i := 0; i < 20; i++ {
		eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Evaluations: i})
	}
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateCompleted})

	var last ProgressEvent
	for len(ch) > 0 {
		last = <-ch
	}
	if last.State != StateCompleted {
		t.Errorf("Terminal event should survive a full channel, got %s", last.State)
	}

	eb.Unsubscribe("job1", ch)
	eb.Unsubscribe("job1", ch)
	eb.CleanupJob("job1")
	for range late {
	}
}
