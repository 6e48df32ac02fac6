package negotiation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conclave/internal/domain"
	"conclave/internal/quota"
	"conclave/internal/store/sqlite"
)

type stubScorer struct {
	byRound map[int]float64
}

func (s stubScorer) Score(n domain.Negotiation) float64 {
	if v, ok := s.byRound[n.Round]; ok {
		return v
	}
	return 0.5
}

type sequenceScorer struct {
	scores []float64
	calls  int
}

func (s *sequenceScorer) Score(domain.Negotiation) float64 {
	idx := s.calls
	if idx >= len(s.scores) {
		idx = len(s.scores) - 1
	}
	s.calls++
	return s.scores[idx]
}

type stubArbiter struct {
	decision domain.ArbitrationDecision
	err      error
	calls    int
}

func (a *stubArbiter) Arbitrate(ctx context.Context, summary, contextText string) (domain.ArbitrationDecision, error) {
	a.calls++
	if a.err != nil {
		return domain.ArbitrationDecision{}, a.err
	}
	return a.decision, nil
}

func newTestEngine(t *testing.T, cfg Config, scorer Scorer, arb Arbiter) (*Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "conclave.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if arb == nil {
		arb = &stubArbiter{decision: domain.ArbitrationDecision{Decision: "adopt option A", Reasoning: "lower risk"}}
	}
	ledger := quota.NewLedger(100000)
	engine := New(store, arb, ledger, nil, scorer, cfg, nil)
	if err := engine.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	return engine, store
}

func createStarted(t *testing.T, engine *Engine) domain.Negotiation {
	t.Helper()
	ctx := context.Background()
	n, err := engine.Create(ctx, CreateInput{
		Title:        "retry policy for the ingest worker",
		Description:  "exponential backoff versus fixed interval",
		Participants: []string{"planner", "reviewer"},
		Conflicts: []domain.Conflict{
			{Dimension: "reliability", Severity: domain.ConflictSeverityModerate, Description: "thundering herd under fixed interval"},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.Status != domain.NegotiationStatusPending {
		t.Fatalf("expected pending, got %s", n.Status)
	}
	n, err = engine.StartNegotiation(ctx, n.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if n.Status != domain.NegotiationStatusInProgress || n.Round != 1 {
		t.Fatalf("unexpected state after start: %s round=%d", n.Status, n.Round)
	}
	return n
}

func TestConsensusReachedWithinOneRound(t *testing.T) {
	scorer := &sequenceScorer{scores: []float64{0.60, 0.90}}
	engine, store := newTestEngine(t, Config{DebateCostCents: 5}, scorer, nil)
	ctx := context.Background()
	n := createStarted(t, engine)

	n, err := engine.SubmitDebate(ctx, n.ID, DebateInput{Agent: "planner", Argument: "backoff caps retry pressure"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if n.Status != domain.NegotiationStatusInProgress {
		t.Fatalf("consensus too early: %s", n.Status)
	}

	n, err = engine.SubmitDebate(ctx, n.ID, DebateInput{Agent: "reviewer", Argument: "agreed with jitter added", Evidence: "load test run 42"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if n.Status != domain.NegotiationStatusConsensusReached {
		t.Fatalf("expected consensus, got %s", n.Status)
	}
	if n.Score != 0.90 {
		t.Fatalf("unexpected score: %v", n.Score)
	}
	if len(n.ScoreHistory) != n.Round {
		t.Fatalf("score history length %d != round count %d", len(n.ScoreHistory), n.Round)
	}
	if n.EndedAt == nil {
		t.Fatal("ended_at not set")
	}
	if n.CostCents != 10 {
		t.Fatalf("unexpected accumulated cost: %d", n.CostCents)
	}

	persisted, err := store.GetNegotiation(ctx, n.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if persisted.Status != domain.NegotiationStatusConsensusReached || len(persisted.Debate) != 2 {
		t.Fatalf("final state not persisted: %s debate=%d", persisted.Status, len(persisted.Debate))
	}
}

func TestSubmitRejectedOutsideInProgress(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, stubScorer{}, nil)
	ctx := context.Background()

	n, err := engine.Create(ctx, CreateInput{Title: "t", Description: "d", Participants: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.SubmitDebate(ctx, n.ID, DebateInput{Agent: "a", Argument: "x"}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state before start, got %v", err)
	}
	if _, err := engine.StartNegotiation(ctx, n.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := engine.StartNegotiation(ctx, n.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state on second start, got %v", err)
	}
}

func TestNonParticipantRejected(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, stubScorer{}, nil)
	n := createStarted(t, engine)
	if _, err := engine.SubmitDebate(context.Background(), n.ID, DebateInput{Agent: "intruder", Argument: "x"}); err == nil {
		t.Fatal("expected rejection for non-participant")
	}
}

func TestEscalationOnStalledScore(t *testing.T) {
	scorer := stubScorer{byRound: map[int]float64{1: 0.40, 2: 0.42}}
	arb := &stubArbiter{decision: domain.ArbitrationDecision{Decision: "adopt exponential backoff", ConstitutionalClause: "VI.2"}}
	engine, _ := newTestEngine(t, Config{MaxRounds: 5, ArbitrationCostCents: 50}, scorer, arb)
	ctx := context.Background()
	n := createStarted(t, engine)

	submissions := []DebateInput{
		{Agent: "planner", Argument: "r1 planner"},
		{Agent: "reviewer", Argument: "r1 reviewer"},
		{Agent: "planner", Argument: "r2 planner"},
	}
	for _, in := range submissions {
		var err error
		n, err = engine.SubmitDebate(ctx, n.ID, in)
		if err != nil {
			t.Fatalf("submit %q: %v", in.Argument, err)
		}
	}
	if n.Status != domain.NegotiationStatusInProgress || n.Round != 2 {
		t.Fatalf("unexpected state before stall: %s round=%d", n.Status, n.Round)
	}

	// Round 2 completes with improvement 0.02, below the minimum of
	// 0.05, so the negotiation escalates and the arbiter decides.
	n, err := engine.SubmitDebate(ctx, n.ID, DebateInput{Agent: "reviewer", Argument: "r2 reviewer"})
	if err != nil {
		t.Fatalf("stalling submit: %v", err)
	}
	if n.Status != domain.NegotiationStatusConsensusReached {
		t.Fatalf("expected arbitrated consensus, got %s", n.Status)
	}
	if n.Round != 2 {
		t.Fatalf("negotiation advanced past the stalled round: %d", n.Round)
	}
	if arb.calls != 1 {
		t.Fatalf("expected exactly one arbitration, got %d", arb.calls)
	}
	if n.Arbitration == nil || n.Arbitration.Decision != "adopt exponential backoff" {
		t.Fatalf("arbitration decision missing: %+v", n.Arbitration)
	}
	if len(n.ScoreHistory) != 2 || n.ScoreHistory[0].Score != 0.40 || n.ScoreHistory[1].Score != 0.42 {
		t.Fatalf("unexpected score history: %+v", n.ScoreHistory)
	}
}

func TestEscalationAtMaxRounds(t *testing.T) {
	scorer := stubScorer{byRound: map[int]float64{1: 0.40, 2: 0.60}}
	arb := &stubArbiter{decision: domain.ArbitrationDecision{Decision: "split the difference"}}
	engine, _ := newTestEngine(t, Config{MaxRounds: 2}, scorer, arb)
	ctx := context.Background()
	n := createStarted(t, engine)

	for _, in := range []DebateInput{
		{Agent: "planner", Argument: "r1 planner"},
		{Agent: "reviewer", Argument: "r1 reviewer"},
		{Agent: "planner", Argument: "r2 planner"},
		{Agent: "reviewer", Argument: "r2 reviewer"},
	} {
		var err error
		n, err = engine.SubmitDebate(ctx, n.ID, in)
		if err != nil {
			t.Fatalf("submit %q: %v", in.Argument, err)
		}
	}
	// Improvement was 0.20, above the minimum, but the round ceiling
	// still forces escalation.
	if arb.calls != 1 {
		t.Fatalf("expected arbitration at round ceiling, got %d calls", arb.calls)
	}
	if n.Status != domain.NegotiationStatusConsensusReached {
		t.Fatalf("expected arbitrated consensus, got %s", n.Status)
	}
}

func TestCostCapFailsNegotiationWithoutRecordingEntry(t *testing.T) {
	engine, store := newTestEngine(t, Config{CostCapCents: 10, DebateCostCents: 5}, stubScorer{}, nil)
	ctx := context.Background()
	n := createStarted(t, engine)

	if _, err := engine.SubmitDebate(ctx, n.ID, DebateInput{Agent: "planner", Argument: "first"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := engine.SubmitDebate(ctx, n.ID, DebateInput{Agent: "reviewer", Argument: "second"})
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected budget error, got %v", err)
	}

	got, err := store.GetNegotiation(ctx, n.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.NegotiationStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if len(got.Debate) != 1 {
		t.Fatalf("rejected entry was recorded: %d entries", len(got.Debate))
	}
	if got.CostCents >= 10 {
		t.Fatalf("accumulated cost reached the cap: %d", got.CostCents)
	}
}

func TestArbiterFailureFailsNegotiation(t *testing.T) {
	scorer := stubScorer{byRound: map[int]float64{1: 0.40, 2: 0.41}}
	arb := &stubArbiter{err: domain.ErrArbitrationTimeout}
	engine, _ := newTestEngine(t, Config{}, scorer, arb)
	ctx := context.Background()
	n := createStarted(t, engine)

	for _, in := range []DebateInput{
		{Agent: "planner", Argument: "r1 planner"},
		{Agent: "reviewer", Argument: "r1 reviewer"},
		{Agent: "planner", Argument: "r2 planner"},
		{Agent: "reviewer", Argument: "r2 reviewer"},
	} {
		var err error
		n, err = engine.SubmitDebate(ctx, n.ID, in)
		if err != nil {
			t.Fatalf("submit %q: %v", in.Argument, err)
		}
	}
	if n.Status != domain.NegotiationStatusFailed {
		t.Fatalf("expected failed after arbiter timeout, got %s", n.Status)
	}
	if n.Arbitration != nil {
		t.Fatalf("no decision should be recorded on failure: %+v", n.Arbitration)
	}
}

func TestResumeReArbitratesEscalated(t *testing.T) {
	ctx := context.Background()
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

	// An escalated negotiation whose arbitration never finished, as left
	// behind by a crash between escalation and the decider returning.
	started := time.Now().UTC().Add(-time.Minute)
	stranded := domain.Negotiation{
		ID:           "NEG-0001",
		Title:        "retry policy for the ingest worker",
		Status:       domain.NegotiationStatusEscalated,
		Round:        2,
		MaxRounds:    5,
		Participants: []string{"planner", "reviewer"},
		StartedAt:    &started,
		CreatedAt:    started,
		UpdatedAt:    started,
	}
	if err := store.SaveNegotiation(ctx, stranded); err != nil {
		t.Fatalf("seed negotiation: %v", err)
	}

	arb := &stubArbiter{decision: domain.ArbitrationDecision{Decision: "adopt exponential backoff"}}
	engine := New(store, arb, quota.NewLedger(100000), nil, stubScorer{}, Config{}, nil)
	if err := engine.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if arb.calls != 1 {
		t.Fatalf("expected one arbitration on resume, got %d", arb.calls)
	}
	got, err := engine.Get(ctx, "NEG-0001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.NegotiationStatusConsensusReached {
		t.Fatalf("expected arbitrated consensus after resume, got %s", got.Status)
	}
	if got.Arbitration == nil || got.Arbitration.Decision != "adopt exponential backoff" {
		t.Fatalf("arbitration decision missing: %+v", got.Arbitration)
	}

	// The id sequence continues past the reloaded negotiation.
	next, err := engine.Create(ctx, CreateInput{Title: "t", Participants: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("create after resume: %v", err)
	}
	if next.ID != "NEG-0002" {
		t.Fatalf("sequence not seeded from store: %s", next.ID)
	}
}

func TestTimeoutSweep(t *testing.T) {
	engine, _ := newTestEngine(t, Config{Timeout: 20 * time.Millisecond}, stubScorer{}, nil)
	ctx := context.Background()
	n := createStarted(t, engine)

	time.Sleep(50 * time.Millisecond)
	engine.sweepTimeouts(ctx)

	got, err := engine.Get(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.NegotiationStatusTimeout {
		t.Fatalf("expected timeout, got %s", got.Status)
	}
	if _, err := engine.SubmitDebate(ctx, n.ID, DebateInput{Agent: "planner", Argument: "too late"}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state after timeout, got %v", err)
	}
}

func TestScoreClampedToUnitInterval(t *testing.T) {
	scorer := &sequenceScorer{scores: []float64{1.7}}
	engine, _ := newTestEngine(t, Config{}, scorer, nil)
	n := createStarted(t, engine)

	n, err := engine.SubmitDebate(context.Background(), n.ID, DebateInput{Agent: "planner", Argument: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if n.Score != 1.0 {
		t.Fatalf("score not clamped: %v", n.Score)
	}
	if n.Status != domain.NegotiationStatusConsensusReached {
		t.Fatalf("expected consensus at clamped score, got %s", n.Status)
	}
}

func TestCreateRequiresTwoParticipants(t *testing.T) {
	engine, _ := newTestEngine(t, Config{}, stubScorer{}, nil)
	if _, err := engine.Create(context.Background(), CreateInput{Title: "t", Participants: []string{"solo"}}); err == nil {
		t.Fatal("expected error for single participant")
	}
}
