package arbiter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"conclave/internal/domain"
	"conclave/internal/quota"
)

func writeDecider(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decider.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write decider script: %v", err)
	}
	return path
}

func TestArbitrateParsesDecision(t *testing.T) {
	binary := writeDecider(t, `echo '{"decision":"adopt proposal A","reasoning":"lower risk","impact":"medium","constitutional_clause":"VI.2"}'`)
	gw, err := New(Config{Binary: binary, Timeout: 10 * time.Second}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	decision, err := gw.Arbitrate(context.Background(), "A vs B", "two proposals deadlocked")
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if decision.Decision != "adopt proposal A" {
		t.Fatalf("decision=%q want=%q", decision.Decision, "adopt proposal A")
	}
	if decision.ConstitutionalClause != "VI.2" {
		t.Fatalf("clause=%q want=VI.2", decision.ConstitutionalClause)
	}
}

func TestArbitratePassesPositionalArguments(t *testing.T) {
	binary := writeDecider(t, `printf '{"decision":"echo","reasoning":"%s | %s","impact":"none"}' "$1" "$2"`)
	gw, err := New(Config{Binary: binary, Timeout: 10 * time.Second}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	decision, err := gw.Arbitrate(context.Background(), "summary-text", "context-text")
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if decision.Reasoning != "summary-text | context-text" {
		t.Fatalf("reasoning=%q, positional args not forwarded", decision.Reasoning)
	}
}

func TestArbitrateTimeoutKillsProcess(t *testing.T) {
	binary := writeDecider(t, `sleep 30`)
	gw, err := New(Config{Binary: binary, Timeout: 200 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	started := time.Now()
	_, err = gw.Arbitrate(context.Background(), "c", "ctx")
	if !errors.Is(err, domain.ErrArbitrationTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("timeout did not kill the process, took %s", elapsed)
	}
}

func TestArbitrateNonZeroExitIsParseError(t *testing.T) {
	binary := writeDecider(t, `echo "boom" >&2; exit 3`)
	gw, err := New(Config{Binary: binary, Timeout: 10 * time.Second}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if _, err := gw.Arbitrate(context.Background(), "c", "ctx"); !errors.Is(err, domain.ErrDecisionParse) {
		t.Fatalf("expected parse error on non-zero exit, got %v", err)
	}
}

func TestArbitrateMalformedJSONIsParseError(t *testing.T) {
	binary := writeDecider(t, `echo 'not json at all'`)
	gw, err := New(Config{Binary: binary, Timeout: 10 * time.Second}, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if _, err := gw.Arbitrate(context.Background(), "c", "ctx"); !errors.Is(err, domain.ErrDecisionParse) {
		t.Fatalf("expected parse error on malformed output, got %v", err)
	}
}

func TestArbitrateChargesLedger(t *testing.T) {
	binary := writeDecider(t, `echo '{"decision":"ok","reasoning":"r","impact":"low"}'`)
	ledger := quota.NewLedger(100)
	gw, err := New(Config{Binary: binary, Timeout: 10 * time.Second, CostCents: 80}, ledger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	if _, err := gw.Arbitrate(context.Background(), "c", "ctx"); err != nil {
		t.Fatalf("first arbitrate: %v", err)
	}
	if got := ledger.Spent(); got != 80 {
		t.Fatalf("spent=%d want=80", got)
	}
	if _, err := gw.Arbitrate(context.Background(), "c", "ctx"); !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected budget rejection on second call, got %v", err)
	}
}
