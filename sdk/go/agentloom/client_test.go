package agentloom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(server.URL, server.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func TestSubmitRun(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var submission RunSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if submission.Target != "file-counter" {
			t.Errorf("target = %q, want file-counter", submission.Target)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Run{ID: "run-1", Target: submission.Target, Status: "pending"})
	})

	run, err := client.SubmitRun(context.Background(), RunSubmission{
		Target: "file-counter",
		Kind:   "agent",
		Vars:   map[string]string{"target_dir": "/tmp"},
	})
	if err != nil {
		t.Fatalf("SubmitRun: %v", err)
	}
	if run.ID != "run-1" || run.Status != "pending" {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestGetRunNotFound(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "run missing not found", http.StatusNotFound)
	})

	_, err := client.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apiErr.StatusCode)
	}
}

func TestListRunsEncodesFilters(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "5" || q.Get("status") != "failed" || q.Get("target") != "nightly" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]Run{{ID: "run-a"}, {ID: "run-b"}})
	})

	runs, err := client.ListRuns(context.Background(), ListRunsOptions{
		Limit:  5,
		Status: "failed",
		Target: "nightly",
	})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
}

func TestStats(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/stats" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(RunStats{Total: 7, Succeeded: 5, Failed: 2})
	})

	stats, err := client.Stats(context.Background(), ListRunsOptions{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 7 || stats.Succeeded != 5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestWaitForRunPollsUntilTerminal(t *testing.T) {
	var polls int
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "running"
		if polls >= 3 {
			status = "succeeded"
		}
		json.NewEncoder(w).Encode(Run{ID: "run-1", Status: status, Result: &RunOutcome{Output: "done"}})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := client.WaitForRun(ctx, "run-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForRun: %v", err)
	}
	if run.Status != "succeeded" {
		t.Errorf("status = %q, want succeeded", run.Status)
	}
	if polls < 3 {
		t.Errorf("polls = %d, want at least 3", polls)
	}
}

func TestClientWithBasePath(t *testing.T) {
	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		json.NewEncoder(w).Encode([]AgentSummary{})
	}))
	defer server.Close()

	client, err := NewClient(server.URL+"/gateway", server.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.ListAgents(context.Background()); err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if seenPath != "/gateway/api/v1/agents" {
		t.Errorf("path = %q, want /gateway/api/v1/agents", seenPath)
	}
}
