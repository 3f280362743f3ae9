package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/punchamoorthee/loanpay/internal/domain"
	"github.com/punchamoorthee/loanpay/internal/models"
)

func opsServer(t *testing.T) *httptest.Server {
	t.Helper()
	task := domain.ScheduledTask{ID: "reminder-sweep", Name: "Payment reminders", IntervalMinutes: 60, Enabled: true, MaxRetries: 3}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/scheduler", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.SchedulerStatus{IsRunning: true, Tasks: []domain.ScheduledTask{task}})
	})
	mux.HandleFunc("POST /api/v1/scheduler/tasks/{id}/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != task.ID {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "task not found"})
			return
		}
		got := task
		got.Enabled = r.PathValue("action") != "disable"
		json.NewEncoder(w).Encode(models.TaskActionResponse{Task: got})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatusTable(t *testing.T) {
	srv := opsServer(t)
	out, err := run(t, "status", "--url", srv.URL, "--json=false")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "Scheduler: running") || !strings.Contains(out, "reminder-sweep") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestStatusJSON(t *testing.T) {
	srv := opsServer(t)
	out, err := run(t, "status", "--url", srv.URL, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status domain.SchedulerStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(status.Tasks) != 1 {
		t.Errorf("tasks = %d, want 1", len(status.Tasks))
	}
}

func TestDisableShowsTask(t *testing.T) {
	srv := opsServer(t)
	out, err := run(t, "disable", "reminder-sweep", "--url", srv.URL, "--json=false")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !strings.Contains(out, "reminder-sweep  false") {
		t.Errorf("expected disabled task row, got:\n%s", out)
	}
}

func TestUnknownTaskIsError(t *testing.T) {
	srv := opsServer(t)
	_, err := run(t, "trigger", "nope", "--url", srv.URL, "--json=false")
	if err == nil || !strings.Contains(err.Error(), "404 task not found") {
		t.Fatalf("err = %v, want 404 task not found", err)
	}
}
