package orchestrator

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

const orchestratorActor = "orchestrator"

type Store interface {
	SaveTask(ctx context.Context, task domain.Task) error
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListUnfinishedTasks(ctx context.Context) ([]domain.Task, error)
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	ListDecisions(ctx context.Context, refID string, limit int) ([]domain.DecisionLog, error)
}

// Guard vets a candidate action before it is allowed to run. It must be
// side-effect free: the orchestrator calls it on every attempt.
type Guard interface {
	Validate(action, role, context string) domain.ValidationResult
}

type Generator interface {
	Generate(ctx context.Context, role, goal, contextText string) (string, error)
}

type Runner interface {
	Run(ctx context.Context, action string) (string, error)
}

type Diagnoser interface {
	Diagnose(ctx context.Context, errorText, contextText string) (domain.Diagnosis, error)
}

type Ledger interface {
	Reserve(costCents int64) error
}

type Bus interface {
	Register(subscriberID string) <-chan domain.Event
	Unregister(subscriberID string)
	Publish(event domain.Event)
}

// Dispute describes a retry-exhausted failure that the diagnosis
// classified as a multi-party disagreement.
type Dispute struct {
	TaskID       string
	Title        string
	Description  string
	Conflicts    []domain.Conflict
	Participants []string
}

type Negotiator interface {
	OpenDispute(ctx context.Context, d Dispute) (domain.Negotiation, error)
	Negotiation(ctx context.Context, id string) (domain.Negotiation, error)
}

type Config struct {
	MaxRetries          int
	ExecutionTimeout    time.Duration
	ExecutionCostCents  int64
	DisputeParticipants []string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 2 * time.Minute
	}
	if c.ExecutionCostCents <= 0 {
		c.ExecutionCostCents = 10
	}
	if len(c.DisputeParticipants) == 0 {
		c.DisputeParticipants = []string{"executor", "reviewer"}
	}
	return c
}

type Service struct {
	store      Store
	guard      Guard
	generator  Generator
	runner     Runner
	diagnoser  Diagnoser
	ledger     Ledger
	bus        Bus
	negotiator Negotiator
	cfg        Config
	logger     *log.Logger

	wg sync.WaitGroup

	baseMu  sync.Mutex
	baseCtx context.Context

	mu       sync.Mutex
	tasks    map[string]*taskRuntime
	disputes map[string]string // negotiation id -> task id
}

// taskRuntime serializes transitions of one task. Attempts within a
// task are strictly sequential; unrelated tasks never share a lock.
type taskRuntime struct {
	mu sync.Mutex
	t  domain.Task
}

func New(store Store, guard Guard, generator Generator, runner Runner, diagnoser Diagnoser, ledger Ledger, bus Bus, negotiator Negotiator, cfg Config, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:      store,
		guard:      guard,
		generator:  generator,
		runner:     runner,
		diagnoser:  diagnoser,
		ledger:     ledger,
		bus:        bus,
		negotiator: negotiator,
		cfg:        cfg,
		logger:     logger,
		tasks:      make(map[string]*taskRuntime),
		disputes:   make(map[string]string),
	}
}

// Start launches the negotiation-event inbox loop and records the base
// context used by asynchronous task processing.
func (s *Service) Start(ctx context.Context) {
	s.baseMu.Lock()
	s.baseCtx = ctx
	s.baseMu.Unlock()

	if s.bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.inboxLoop(ctx)
		}()
	}
}

func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) processCtx() context.Context {
	s.baseMu.Lock()
	defer s.baseMu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

type CreateTaskInput struct {
	ID      string
	Goal    string
	Role    string
	Context string
}

// CreateTask persists the task in PENDING and begins processing it
// asynchronously. The caller gets the created task back immediately.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	if strings.TrimSpace(in.Goal) == "" {
		return domain.Task{}, fmt.Errorf("task goal is required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Role == "" {
		in.Role = "operator"
	}
	now := time.Now().UTC()
	task := domain.Task{
		ID:        in.ID,
		Goal:      strings.TrimSpace(in.Goal),
		Role:      in.Role,
		Context:   in.Context,
		Status:    domain.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	rt := s.register(task)
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		RefID:   task.ID,
		Actor:   orchestratorActor,
		Action:  "task_created",
		Reason:  fmt.Sprintf("role=%s", task.Role),
		Payload: mustJSON(task),
	})
	s.publish(task)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(s.processCtx(), rt)
	}()
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.store.ListTasks(ctx)
}

func (s *Service) TaskDecisions(ctx context.Context, taskID string, limit int) ([]domain.DecisionLog, error) {
	return s.store.ListDecisions(ctx, taskID, limit)
}

// Resume reloads unfinished tasks from the store and restarts their
// processing. Tasks waiting on a negotiation are checked against the
// negotiation's current status in case it finished while the
// orchestrator was down.
func (s *Service) Resume(ctx context.Context) error {
	unfinished, err := s.store.ListUnfinishedTasks(ctx)
	if err != nil {
		return err
	}
	resumed := 0
	for _, item := range unfinished {
		full, err := s.store.GetTask(ctx, item.ID)
		if err != nil {
			return err
		}
		rt := s.register(full)
		if full.Status == domain.TaskStatusArbitrating {
			s.resolveArbitration(ctx, rt)
			continue
		}
		resumed++
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.process(s.processCtx(), rt)
		}()
	}
	s.logger.Printf("orchestrator resumed %d in-flight tasks", resumed)
	return nil
}

// process drives one task from PENDING to a terminal status. Every
// transition is persisted before the next step runs.
func (s *Service) process(ctx context.Context, rt *taskRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.t.Status.Final() || rt.t.Status == domain.TaskStatusArbitrating {
		return
	}
	if err := s.transitionLocked(ctx, rt, domain.TaskStatusPlanning, ""); err != nil {
		s.logger.Printf("task %s: persist planning: %v", rt.t.ID, err)
		return
	}
	if err := s.transitionLocked(ctx, rt, domain.TaskStatusExecuting, ""); err != nil {
		s.logger.Printf("task %s: persist executing: %v", rt.t.ID, err)
		return
	}

	out := s.runAttemptsLocked(ctx, rt)
	switch out.kind {
	case outcomeSuccess:
		s.finishLocked(ctx, rt, domain.TaskStatusCompleted, "", "task_completed",
			fmt.Sprintf("succeeded on attempt %d", out.result.Attempt))
	case outcomePolicyRejected:
		reason := ""
		if out.result.Governance != nil {
			reason = out.result.Governance.Reason
		}
		s.finishLocked(ctx, rt, domain.TaskStatusFailed, reason, "task_rejected", reason)
	case outcomeBudgetExceeded:
		s.finishLocked(ctx, rt, domain.TaskStatusFailed, out.result.Error, "task_failed", "budget exhausted")
	case outcomeDisagreement:
		s.openDisputeLocked(ctx, rt, out)
	default:
		s.finishLocked(ctx, rt, domain.TaskStatusFailed, out.result.Error, "task_failed",
			fmt.Sprintf("retries exhausted after %d attempts", out.result.Attempt))
	}
}

// openDisputeLocked moves a retry-exhausted disagreement into a
// negotiation and parks the task in ARBITRATING until the negotiation
// reaches a final status.
func (s *Service) openDisputeLocked(ctx context.Context, rt *taskRuntime, out outcome) {
	if s.negotiator == nil {
		s.finishLocked(ctx, rt, domain.TaskStatusFailed, out.result.Error, "task_failed",
			"disagreement with no negotiator configured")
		return
	}
	description := out.result.Error
	if out.result.Diagnosis != nil {
		description = out.result.Diagnosis.Summary
	}
	n, err := s.negotiator.OpenDispute(ctx, Dispute{
		TaskID:      rt.t.ID,
		Title:       fmt.Sprintf("dispute over task %s", rt.t.ID),
		Description: description,
		Conflicts: []domain.Conflict{
			{Dimension: "execution", Severity: domain.ConflictSeveritySevere, Description: out.result.Error},
		},
		Participants: s.cfg.DisputeParticipants,
	})
	if err != nil {
		s.finishLocked(ctx, rt, domain.TaskStatusFailed, err.Error(), "task_failed", "failed to open dispute")
		return
	}
	rt.t.NegotiationID = n.ID
	s.mu.Lock()
	s.disputes[n.ID] = rt.t.ID
	s.mu.Unlock()
	if err := s.transitionLocked(ctx, rt, domain.TaskStatusArbitrating, ""); err != nil {
		s.logger.Printf("task %s: persist arbitrating: %v", rt.t.ID, err)
	}
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		RefID:  rt.t.ID,
		Actor:  orchestratorActor,
		Action: "dispute_opened",
		Reason: fmt.Sprintf("negotiation %s", n.ID),
	})
}

// inboxLoop consumes negotiation change events and resolves tasks that
// are waiting on the named negotiation.
func (s *Service) inboxLoop(ctx context.Context) {
	inbox := s.bus.Register(orchestratorActor)
	defer s.bus.Unregister(orchestratorActor)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-inbox:
			if !ok {
				return
			}
			if event.Kind != domain.EventNegotiationUpdated {
				continue
			}
			if !domain.NegotiationStatus(event.Status).Final() {
				continue
			}
			rt, ok := s.waitingOn(event.RefID)
			if !ok {
				continue
			}
			rt.mu.Lock()
			if rt.t.Status == domain.TaskStatusArbitrating {
				s.resolveArbitrationLocked(ctx, rt)
			}
			rt.mu.Unlock()
		}
	}
}

// waitingOn resolves a negotiation id to the task parked on it through
// the disputes index. Task fields are never read here: index entries are
// maintained under s.mu so the inbox loop does not touch rt.t without
// holding rt.mu.
func (s *Service) waitingOn(negotiationID string) (*taskRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.disputes[negotiationID]
	if !ok {
		return nil, false
	}
	rt, ok := s.tasks[taskID]
	return rt, ok
}

func (s *Service) resolveArbitration(ctx context.Context, rt *taskRuntime) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s.resolveArbitrationLocked(ctx, rt)
}

// resolveArbitrationLocked terminates an ARBITRATING task from the
// final status of its negotiation. A consensus whose decision reads as
// a rejection fails the task; any other consensus completes it.
func (s *Service) resolveArbitrationLocked(ctx context.Context, rt *taskRuntime) {
	n, err := s.negotiator.Negotiation(ctx, rt.t.NegotiationID)
	if err != nil {
		s.logger.Printf("task %s: load negotiation %s: %v", rt.t.ID, rt.t.NegotiationID, err)
		return
	}
	if !n.Status.Final() {
		return
	}
	s.mu.Lock()
	delete(s.disputes, n.ID)
	s.mu.Unlock()

	if n.Arbitration != nil && len(rt.t.History) > 0 {
		last := &rt.t.History[len(rt.t.History)-1]
		last.Arbitration = n.Arbitration
	}

	switch {
	case n.Status == domain.NegotiationStatusConsensusReached && !rejectionVerdict(n):
		s.finishLocked(ctx, rt, domain.TaskStatusCompleted, "", "task_completed",
			fmt.Sprintf("negotiation %s resolved in favor", n.ID))
	case n.Status == domain.NegotiationStatusConsensusReached:
		s.finishLocked(ctx, rt, domain.TaskStatusFailed, decisionText(n), "task_failed",
			fmt.Sprintf("negotiation %s resolved against", n.ID))
	default:
		s.finishLocked(ctx, rt, domain.TaskStatusFailed, fmt.Sprintf("negotiation %s ended %s", n.ID, n.Status),
			"task_failed", fmt.Sprintf("negotiation %s ended %s", n.ID, n.Status))
	}
}

func decisionText(n domain.Negotiation) string {
	if n.Arbitration != nil {
		return n.Arbitration.Decision
	}
	return ""
}

func rejectionVerdict(n domain.Negotiation) bool {
	decision := strings.ToLower(decisionText(n))
	for _, verdict := range []string{"reject", "deny", "denied", "abandon", "do not proceed"} {
		if strings.Contains(decision, verdict) {
			return true
		}
	}
	return false
}

func (s *Service) transitionLocked(ctx context.Context, rt *taskRuntime, status domain.TaskStatus, lastError string) error {
	rt.t.Status = status
	rt.t.LastError = lastError
	rt.t.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveTask(ctx, rt.t); err != nil {
		return fmt.Errorf("save task %s: %w", rt.t.ID, err)
	}
	s.publish(rt.t)
	return nil
}

func (s *Service) finishLocked(ctx context.Context, rt *taskRuntime, status domain.TaskStatus, lastError, action, reason string) {
	if err := s.transitionLocked(ctx, rt, status, lastError); err != nil {
		s.logger.Printf("task %s: persist %s: %v", rt.t.ID, status, err)
	}
	_ = s.store.LogDecision(ctx, domain.DecisionLog{
		RefID:  rt.t.ID,
		Actor:  orchestratorActor,
		Action: action,
		Reason: reason,
	})
}

func (s *Service) publish(task domain.Task) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.Event{
		Kind:      domain.EventTaskUpdated,
		RefID:     task.ID,
		Status:    string(task.Status),
		CreatedAt: time.Now().UTC(),
	})
}

func (s *Service) register(task domain.Task) *taskRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tasks[task.ID]
	if !ok {
		rt = &taskRuntime{t: task}
		s.tasks[task.ID] = rt
		if task.NegotiationID != "" {
			s.disputes[task.NegotiationID] = task.ID
		}
	}
	return rt
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
