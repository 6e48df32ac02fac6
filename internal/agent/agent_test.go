package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGeneratorReturnsAction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Goal != "list the workspace" {
			t.Errorf("unexpected goal: %q", req.Goal)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Action: "ls -la"})
	}))
	defer server.Close()

	g, err := NewHTTPGenerator(GeneratorConfig{Endpoint: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	action, err := g.Generate(context.Background(), "operator", "list the workspace", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if action != "ls -la" {
		t.Fatalf("unexpected action: %q", action)
	}
}

func TestGeneratorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Action: "echo ok"})
	}))
	defer server.Close()

	g, err := NewHTTPGenerator(GeneratorConfig{Endpoint: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	g.api.retryBackoff = 10 * time.Millisecond

	action, err := g.Generate(context.Background(), "operator", "g", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if action != "echo ok" {
		t.Fatalf("unexpected action: %q", action)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestGeneratorDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer server.Close()

	g, err := NewHTTPGenerator(GeneratorConfig{Endpoint: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := g.Generate(context.Background(), "operator", "g", ""); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Fatalf("client error was retried: %d calls", calls.Load())
	}
}

func TestGeneratorRejectsEmptyAction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{Action: "   "})
	}))
	defer server.Close()

	g, err := NewHTTPGenerator(GeneratorConfig{Endpoint: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := g.Generate(context.Background(), "operator", "g", ""); err == nil {
		t.Fatal("expected error for empty action")
	}
}

func TestDiagnoserParsesClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"diagnosis":"the reviewer and executor disagree","suggested_fix":"negotiate","classification":"disagreement"}`))
	}))
	defer server.Close()

	d, err := NewHTTPDiagnoser(DiagnoserConfig{Endpoint: server.URL, Model: "test-model"})
	if err != nil {
		t.Fatalf("new diagnoser: %v", err)
	}
	diagnosis, err := d.Diagnose(context.Background(), "veto", "")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	if diagnosis.Classification != "disagreement" {
		t.Fatalf("unexpected classification: %q", diagnosis.Classification)
	}
	if diagnosis.Summary == "" {
		t.Fatal("summary missing")
	}
}

func TestShellRunnerCapturesOutput(t *testing.T) {
	r := NewShellRunner(RunnerConfig{WorkspaceRoot: t.TempDir()})
	out, err := r.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hello" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestShellRunnerReportsStderr(t *testing.T) {
	r := NewShellRunner(RunnerConfig{WorkspaceRoot: t.TempDir()})
	_, err := r.Run(context.Background(), "echo oops >&2; exit 3")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "oops") {
		t.Fatalf("stderr not surfaced: %v", err)
	}
}

func TestShellRunnerHonorsDeadline(t *testing.T) {
	r := NewShellRunner(RunnerConfig{WorkspaceRoot: t.TempDir()})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, "sleep 10")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("process was not killed on deadline, took %s", elapsed)
	}
}
