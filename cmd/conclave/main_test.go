package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"conclave/internal/arbiter"
	"conclave/internal/domain"
	"conclave/internal/events"
	"conclave/internal/guard"
	"conclave/internal/negotiation"
	"conclave/internal/orchestrator"
	"conclave/internal/quota"
	"conclave/internal/store/sqlite"
)

type cannedGenerator struct{ action string }

func (g cannedGenerator) Generate(ctx context.Context, role, goal, contextText string) (string, error) {
	return g.action, nil
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, action string) (string, error) {
	return "", errors.New("reviewer vetoed the change")
}

type disagreeingDiagnoser struct{}

func (disagreeingDiagnoser) Diagnose(ctx context.Context, errText, contextText string) (domain.Diagnosis, error) {
	return domain.Diagnosis{
		Summary:        "executor and reviewer want different variants",
		Classification: domain.ClassificationDisagreement,
	}, nil
}

type lowScorer struct{}

func (lowScorer) Score(domain.Negotiation) float64 { return 0.40 }

func writeDecider(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decider.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write decider script: %v", err)
	}
	return path
}

func waitStatus(t *testing.T, store *sqlite.Store, taskID string, want domain.TaskStatus) domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, last status %s", taskID, want, task.Status)
	return domain.Task{}
}

// A disagreement routes the task through the real negotiation engine and
// the real arbitration gateway: the dispute opens and starts a
// negotiation, stalled debate escalates into the decider subprocess, and
// its verdict resolves the parked task.
func TestDisputeResolvesThroughEngineAndArbiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "conclave.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	bus := events.NewBroadcaster(64)
	ledger := quota.NewLedger(100000)

	binary := writeDecider(t, `echo '{"decision":"proceed with the executor variant","reasoning":"evidence favors it","impact":"low"}'`)
	gateway, err := arbiter.New(arbiter.Config{Binary: binary, Timeout: 10 * time.Second, CostCents: 50}, ledger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	engine := negotiation.New(store, gateway, ledger, bus, lowScorer{}, negotiation.Config{MaxRounds: 1}, nil)
	if err := engine.Resume(ctx); err != nil {
		t.Fatalf("engine resume: %v", err)
	}

	orch := orchestrator.New(store, guard.New(), cannedGenerator{action: "apply the patch"},
		failingRunner{}, disagreeingDiagnoser{}, ledger, bus,
		&engineNegotiator{engine: engine}, orchestrator.Config{MaxRetries: 1}, nil)
	orch.Start(ctx)

	task, err := orch.CreateTask(ctx, orchestrator.CreateTaskInput{Goal: "apply the contested patch"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	parked := waitStatus(t, store, task.ID, domain.TaskStatusArbitrating)
	if parked.NegotiationID == "" {
		t.Fatal("parked task has no negotiation id")
	}
	opened, err := engine.Get(ctx, parked.NegotiationID)
	if err != nil {
		t.Fatalf("get negotiation: %v", err)
	}
	if opened.Status != domain.NegotiationStatusInProgress {
		t.Fatalf("dispute negotiation not started: %s", opened.Status)
	}
	if opened.TaskID != task.ID {
		t.Fatalf("negotiation not linked to task: %q", opened.TaskID)
	}

	// Both sides argue without converging; round one is the ceiling, so
	// the second submission escalates into the decider.
	for _, agent := range []string{"executor", "reviewer"} {
		if _, err := engine.SubmitDebate(ctx, parked.NegotiationID, negotiation.DebateInput{
			Agent:    agent,
			Argument: agent + " holds its position",
		}); err != nil {
			t.Fatalf("submit as %s: %v", agent, err)
		}
	}

	done := waitStatus(t, store, task.ID, domain.TaskStatusCompleted)
	last := done.History[len(done.History)-1]
	if last.Arbitration == nil || last.Arbitration.Decision != "proceed with the executor variant" {
		t.Fatalf("arbitration decision not attached: %+v", last.Arbitration)
	}

	resolved, err := engine.Get(ctx, parked.NegotiationID)
	if err != nil {
		t.Fatalf("get resolved negotiation: %v", err)
	}
	if resolved.Status != domain.NegotiationStatusConsensusReached {
		t.Fatalf("expected arbitrated consensus, got %s", resolved.Status)
	}
	if resolved.Arbitration == nil {
		t.Fatal("negotiation missing arbitration decision")
	}
}
