package negotiation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conclave/internal/domain"
)

const engineActor = "negotiation_engine"

type Store interface {
	SaveNegotiation(ctx context.Context, n domain.Negotiation) error
	GetNegotiation(ctx context.Context, id string) (domain.Negotiation, error)
	ListNegotiations(ctx context.Context) ([]domain.Negotiation, error)
	CountNegotiations(ctx context.Context) (int, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Arbiter interface {
	Arbitrate(ctx context.Context, conflictSummary, contextText string) (domain.ArbitrationDecision, error)
}

type Ledger interface {
	Reserve(costCents int64) error
}

type Notifier interface {
	Publish(event domain.Event)
}

// Scorer computes the consensus score for a negotiation from its debate
// so far. Implementations must be deterministic for a given negotiation
// state and must return a value in [0, 1].
type Scorer interface {
	Score(n domain.Negotiation) float64
}

type Config struct {
	MaxRounds            int
	Timeout              time.Duration
	CostCapCents         int64
	DebateCostCents      int64
	ArbitrationCostCents int64
	ConsensusThreshold   float64
	MinImprovement       float64
	SweepInterval        time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.CostCapCents <= 0 {
		c.CostCapCents = 1000
	}
	if c.DebateCostCents <= 0 {
		c.DebateCostCents = 5
	}
	if c.ArbitrationCostCents <= 0 {
		c.ArbitrationCostCents = 50
	}
	if c.ConsensusThreshold <= 0 {
		c.ConsensusThreshold = 0.85
	}
	if c.MinImprovement <= 0 {
		c.MinImprovement = 0.05
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 1 * time.Second
	}
	return c
}

type Engine struct {
	store    Store
	arbiter  Arbiter
	ledger   Ledger
	notifier Notifier
	scorer   Scorer
	cfg      Config
	logger   *log.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	registry map[string]*runtime
	seq      int
}

// runtime serializes all transitions of a single negotiation. Holding
// its mutex never requires the registry mutex.
type runtime struct {
	mu sync.Mutex
	n  domain.Negotiation
}

func New(store Store, arbiter Arbiter, ledger Ledger, notifier Notifier, scorer Scorer, cfg Config, logger *log.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if scorer == nil {
		scorer = ConsensusScorer{}
	}
	return &Engine{
		store:    store,
		arbiter:  arbiter,
		ledger:   ledger,
		notifier: notifier,
		scorer:   scorer,
		cfg:      cfg,
		logger:   logger,
		registry: make(map[string]*runtime),
	}
}

// Resume seeds the id sequence from the store and reloads every
// negotiation that has not reached a final status. Escalated
// negotiations whose arbitration never completed are re-arbitrated.
func (e *Engine) Resume(ctx context.Context) error {
	count, err := e.store.CountNegotiations(ctx)
	if err != nil {
		return err
	}
	list, err := e.store.ListNegotiations(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.seq = count
	e.mu.Unlock()

	resumed := 0
	for _, item := range list {
		if item.Status.Final() {
			continue
		}
		full, err := e.store.GetNegotiation(ctx, item.ID)
		if err != nil {
			return err
		}
		rt := e.register(full)
		resumed++
		if full.Status == domain.NegotiationStatusEscalated {
			rt.mu.Lock()
			e.arbitrateLocked(ctx, rt)
			rt.mu.Unlock()
		}
	}
	e.logger.Printf("negotiation engine resumed %d open negotiations", resumed)
	return nil
}

// Run launches the timeout sweep loop in the background until ctx is
// done.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

type CreateInput struct {
	Title        string
	Description  string
	Conflicts    []domain.Conflict
	Participants []string
	TaskID       string
}

func (e *Engine) Create(ctx context.Context, in CreateInput) (domain.Negotiation, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Negotiation{}, fmt.Errorf("negotiation title is required")
	}
	if len(in.Participants) < 2 {
		return domain.Negotiation{}, fmt.Errorf("negotiation requires at least two participants, got %d", len(in.Participants))
	}

	e.mu.Lock()
	e.seq++
	id := fmt.Sprintf("NEG-%04d", e.seq)
	e.mu.Unlock()

	now := time.Now().UTC()
	n := domain.Negotiation{
		ID:           id,
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Status:       domain.NegotiationStatusPending,
		Round:        0,
		MaxRounds:    e.cfg.MaxRounds,
		Conflicts:    in.Conflicts,
		Participants: in.Participants,
		TaskID:       in.TaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.SaveNegotiation(ctx, n); err != nil {
		return domain.Negotiation{}, err
	}
	e.register(n)
	_ = e.store.LogDecision(ctx, domain.DecisionLog{
		RefID:   n.ID,
		Actor:   engineActor,
		Action:  "negotiation_created",
		Reason:  fmt.Sprintf("%d participants, %d conflicts", len(n.Participants), len(n.Conflicts)),
		Payload: mustJSON(n),
	})
	e.publish(n)
	return n, nil
}

func (e *Engine) StartNegotiation(ctx context.Context, id string) (domain.Negotiation, error) {
	rt, err := e.lookup(ctx, id)
	if err != nil {
		return domain.Negotiation{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.n.Status != domain.NegotiationStatusPending {
		return domain.Negotiation{}, fmt.Errorf("negotiation %s is %s: %w", id, rt.n.Status, domain.ErrInvalidState)
	}
	now := time.Now().UTC()
	rt.n.Status = domain.NegotiationStatusInProgress
	rt.n.Round = 1
	rt.n.StartedAt = &now
	if err := e.persistLocked(ctx, rt, "negotiation_started", "debate opened"); err != nil {
		return domain.Negotiation{}, err
	}
	return rt.snapshot(), nil
}

type DebateInput struct {
	Agent    string
	Argument string
	Evidence string
}

// SubmitDebate records one argument and advances the negotiation state
// machine: charge the debate cost, rescore, then check consensus and
// round advancement. A submission that would push the accumulated cost
// to the per-negotiation cap fails the negotiation without recording
// the entry.
func (e *Engine) SubmitDebate(ctx context.Context, id string, in DebateInput) (domain.Negotiation, error) {
	if strings.TrimSpace(in.Argument) == "" {
		return domain.Negotiation{}, fmt.Errorf("debate argument is required")
	}
	rt, err := e.lookup(ctx, id)
	if err != nil {
		return domain.Negotiation{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.n.Status != domain.NegotiationStatusInProgress {
		return domain.Negotiation{}, fmt.Errorf("negotiation %s is %s: %w", id, rt.n.Status, domain.ErrInvalidState)
	}
	if !containsString(rt.n.Participants, in.Agent) {
		return domain.Negotiation{}, fmt.Errorf("agent %q is not a participant of %s", in.Agent, id)
	}
	now := time.Now().UTC()
	if rt.n.StartedAt != nil && now.Sub(*rt.n.StartedAt) > e.cfg.Timeout {
		e.finalizeLocked(ctx, rt, domain.NegotiationStatusTimeout, "negotiation_timeout", "deadline passed before submission")
		return domain.Negotiation{}, fmt.Errorf("negotiation %s timed out: %w", id, domain.ErrInvalidState)
	}

	if rt.n.CostCents+e.cfg.DebateCostCents >= e.cfg.CostCapCents {
		e.finalizeLocked(ctx, rt, domain.NegotiationStatusFailed, "negotiation_failed",
			fmt.Sprintf("cost cap reached: accumulated=%d cap=%d", rt.n.CostCents, e.cfg.CostCapCents))
		return domain.Negotiation{}, fmt.Errorf("negotiation %s cost cap %d reached: %w", id, e.cfg.CostCapCents, domain.ErrBudgetExceeded)
	}
	if err := e.ledger.Reserve(e.cfg.DebateCostCents); err != nil {
		e.finalizeLocked(ctx, rt, domain.NegotiationStatusFailed, "negotiation_failed", "global budget exhausted")
		return domain.Negotiation{}, fmt.Errorf("negotiation %s: %w", id, err)
	}

	rt.n.Debate = append(rt.n.Debate, domain.DebateEntry{
		ID:        uuid.NewString(),
		Round:     rt.n.Round,
		Agent:     in.Agent,
		Argument:  in.Argument,
		Evidence:  in.Evidence,
		CreatedAt: now,
	})
	rt.n.CostCents += e.cfg.DebateCostCents

	score := clampScore(e.scorer.Score(rt.n))
	rt.n.Score = score

	if score >= e.cfg.ConsensusThreshold {
		rt.n.ScoreHistory = append(rt.n.ScoreHistory, domain.ScoreEntry{Round: rt.n.Round, Score: score})
		e.finalizeLocked(ctx, rt, domain.NegotiationStatusConsensusReached, "consensus_reached",
			fmt.Sprintf("score %.2f >= threshold %.2f", score, e.cfg.ConsensusThreshold))
		return rt.snapshot(), nil
	}

	if e.roundCompleteLocked(rt) {
		rt.n.ScoreHistory = append(rt.n.ScoreHistory, domain.ScoreEntry{Round: rt.n.Round, Score: score})
		if rt.n.Round >= rt.n.MaxRounds || e.stalledLocked(rt) {
			e.escalateLocked(ctx, rt)
			return rt.snapshot(), nil
		}
		rt.n.Round++
	}

	if err := e.persistLocked(ctx, rt, "debate_submitted",
		fmt.Sprintf("agent=%s round=%d score=%.2f", in.Agent, rt.n.Round, score)); err != nil {
		return domain.Negotiation{}, err
	}
	return rt.snapshot(), nil
}

func (e *Engine) Get(ctx context.Context, id string) (domain.Negotiation, error) {
	e.mu.Lock()
	rt, ok := e.registry[id]
	e.mu.Unlock()
	if ok {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.snapshot(), nil
	}
	return e.store.GetNegotiation(ctx, id)
}

func (e *Engine) List(ctx context.Context) ([]domain.Negotiation, error) {
	return e.store.ListNegotiations(ctx)
}

// roundCompleteLocked reports whether every participant has submitted
// at least one argument in the current round.
func (e *Engine) roundCompleteLocked(rt *runtime) bool {
	seen := make(map[string]bool, len(rt.n.Participants))
	for _, entry := range rt.n.Debate {
		if entry.Round == rt.n.Round {
			seen[entry.Agent] = true
		}
	}
	for _, participant := range rt.n.Participants {
		if !seen[participant] {
			return false
		}
	}
	return true
}

// stalledLocked reports whether the latest completed round improved the
// score by less than the minimum improvement over the round before it.
func (e *Engine) stalledLocked(rt *runtime) bool {
	history := rt.n.ScoreHistory
	if len(history) < 2 {
		return false
	}
	improvement := history[len(history)-1].Score - history[len(history)-2].Score
	return improvement < e.cfg.MinImprovement
}

func (e *Engine) escalateLocked(ctx context.Context, rt *runtime) {
	rt.n.Status = domain.NegotiationStatusEscalated
	if err := e.persistLocked(ctx, rt, "negotiation_escalated",
		fmt.Sprintf("round=%d score=%.2f", rt.n.Round, rt.n.Score)); err != nil {
		e.logger.Printf("persist escalation %s: %v", rt.n.ID, err)
	}
	e.arbitrateLocked(ctx, rt)
}

// arbitrateLocked resolves an escalated negotiation through the
// arbiter. The decision becomes the binding consensus; any arbiter
// failure fails the negotiation.
func (e *Engine) arbitrateLocked(ctx context.Context, rt *runtime) {
	if rt.n.CostCents+e.cfg.ArbitrationCostCents >= e.cfg.CostCapCents {
		e.finalizeLocked(ctx, rt, domain.NegotiationStatusFailed, "negotiation_failed",
			fmt.Sprintf("arbitration would exceed cost cap: accumulated=%d cap=%d", rt.n.CostCents, e.cfg.CostCapCents))
		return
	}

	decision, err := e.arbiter.Arbitrate(ctx, conflictSummary(rt.n), debateTranscript(rt.n))
	if err != nil {
		e.finalizeLocked(ctx, rt, domain.NegotiationStatusFailed, "arbitration_failed", err.Error())
		return
	}
	rt.n.CostCents += e.cfg.ArbitrationCostCents
	rt.n.Arbitration = &decision
	e.finalizeLocked(ctx, rt, domain.NegotiationStatusConsensusReached, "arbitration_decided", decision.Decision)
}

func (e *Engine) finalizeLocked(ctx context.Context, rt *runtime, status domain.NegotiationStatus, action, reason string) {
	now := time.Now().UTC()
	rt.n.Status = status
	rt.n.EndedAt = &now
	if err := e.persistLocked(ctx, rt, action, reason); err != nil {
		e.logger.Printf("persist final status %s for %s: %v", status, rt.n.ID, err)
	}
}

func (e *Engine) persistLocked(ctx context.Context, rt *runtime, action, reason string) error {
	rt.n.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveNegotiation(ctx, rt.n); err != nil {
		return fmt.Errorf("save negotiation %s: %w", rt.n.ID, err)
	}
	_ = e.store.LogDecision(ctx, domain.DecisionLog{
		RefID:   rt.n.ID,
		Actor:   engineActor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(map[string]any{"status": rt.n.Status, "round": rt.n.Round, "score": rt.n.Score}),
	})
	e.publish(rt.n)
	return nil
}

func (e *Engine) publish(n domain.Negotiation) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(domain.Event{
		Kind:      domain.EventNegotiationUpdated,
		RefID:     n.ID,
		Status:    string(n.Status),
		CreatedAt: time.Now().UTC(),
	})
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepTimeouts(ctx)
		}
	}
}

func (e *Engine) sweepTimeouts(ctx context.Context) {
	e.mu.Lock()
	open := make([]*runtime, 0, len(e.registry))
	for _, rt := range e.registry {
		open = append(open, rt)
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	for _, rt := range open {
		rt.mu.Lock()
		if rt.n.Status == domain.NegotiationStatusInProgress &&
			rt.n.StartedAt != nil && now.Sub(*rt.n.StartedAt) > e.cfg.Timeout {
			e.logger.Printf("negotiation %s timed out after %s", rt.n.ID, e.cfg.Timeout)
			e.finalizeLocked(ctx, rt, domain.NegotiationStatusTimeout, "negotiation_timeout",
				fmt.Sprintf("no consensus within %s", e.cfg.Timeout))
		}
		rt.mu.Unlock()
	}
}

func (e *Engine) register(n domain.Negotiation) *runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.registry[n.ID]
	if !ok {
		rt = &runtime{n: n}
		e.registry[n.ID] = rt
	}
	return rt
}

func (e *Engine) lookup(ctx context.Context, id string) (*runtime, error) {
	e.mu.Lock()
	rt, ok := e.registry[id]
	e.mu.Unlock()
	if ok {
		return rt, nil
	}
	n, err := e.store.GetNegotiation(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.register(n), nil
}

func (rt *runtime) snapshot() domain.Negotiation {
	n := rt.n
	n.Conflicts = append([]domain.Conflict(nil), rt.n.Conflicts...)
	n.Participants = append([]string(nil), rt.n.Participants...)
	n.Debate = append([]domain.DebateEntry(nil), rt.n.Debate...)
	n.ScoreHistory = append([]domain.ScoreEntry(nil), rt.n.ScoreHistory...)
	return n
}

func conflictSummary(n domain.Negotiation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", n.Title, n.Description)
	for _, c := range n.Conflicts {
		fmt.Fprintf(&b, "\n- [%s] %s: %s", c.Severity, c.Dimension, c.Description)
	}
	return b.String()
}

func debateTranscript(n domain.Negotiation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rounds=%d score=%.2f participants=%s", n.Round, n.Score, strings.Join(n.Participants, ","))
	for _, entry := range n.Debate {
		fmt.Fprintf(&b, "\nround %d %s: %s", entry.Round, entry.Agent, entry.Argument)
		if entry.Evidence != "" {
			fmt.Fprintf(&b, " (evidence: %s)", entry.Evidence)
		}
	}
	return b.String()
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
