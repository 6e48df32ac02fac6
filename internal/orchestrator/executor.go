package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conclave/internal/domain"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomePolicyRejected
	outcomeBudgetExceeded
	outcomeRetriesExhausted
	outcomeDisagreement
)

type outcome struct {
	kind   outcomeKind
	result domain.ExecutionResult
}

// runAttemptsLocked drives the generate/validate/execute/diagnose loop
// for one task, up to the retry ceiling. Each attempt is appended to
// the task history and persisted before the next attempt starts. A
// governance rejection aborts the loop without running anything; a
// failed final attempt carries its diagnosis, and a diagnosis that
// classifies the failure as a disagreement routes the task to
// negotiation instead of plain failure.
func (s *Service) runAttemptsLocked(ctx context.Context, rt *taskRuntime) outcome {
	contextText := rt.t.Context
	for _, prev := range rt.t.History {
		if prev.Diagnosis != nil {
			contextText = foldDiagnosis(contextText, prev.Attempt, *prev.Diagnosis)
		}
	}

	// Attempt numbering continues across restarts so the retry ceiling
	// bounds the task's lifetime, not one processing run.
	for attempt := len(rt.t.History) + 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.ledger.Reserve(s.cfg.ExecutionCostCents); err != nil {
			result := domain.ExecutionResult{
				Attempt:   attempt,
				Success:   false,
				Error:     err.Error(),
				CreatedAt: time.Now().UTC(),
			}
			s.appendResultLocked(ctx, rt, result)
			return outcome{kind: outcomeBudgetExceeded, result: result}
		}

		action, genErr := s.generator.Generate(ctx, rt.t.Role, rt.t.Goal, contextText)
		if genErr != nil {
			result, kind := s.failAttemptLocked(ctx, rt, attempt, fmt.Sprintf("generate action: %v", genErr), &contextText)
			if attempt == s.cfg.MaxRetries {
				return outcome{kind: kind, result: result}
			}
			continue
		}

		validation := s.guard.Validate(action, rt.t.Role, contextText)
		if !validation.Valid {
			result := domain.ExecutionResult{
				Attempt:    attempt,
				Success:    false,
				Error:      validation.Reason,
				Governance: &validation,
				CreatedAt:  time.Now().UTC(),
			}
			s.appendResultLocked(ctx, rt, result)
			_ = s.store.LogDecision(ctx, domain.DecisionLog{
				RefID:  rt.t.ID,
				Actor:  "guard",
				Action: "action_rejected",
				Reason: fmt.Sprintf("%s (%s)", validation.Reason, validation.Clause),
			})
			return outcome{kind: outcomePolicyRejected, result: result}
		}

		runCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
		output, runErr := s.runner.Run(runCtx, action)
		cancel()
		if runErr == nil {
			result := domain.ExecutionResult{
				Attempt:   attempt,
				Success:   true,
				Output:    output,
				CreatedAt: time.Now().UTC(),
			}
			s.appendResultLocked(ctx, rt, result)
			return outcome{kind: outcomeSuccess, result: result}
		}

		errText := runErr.Error()
		if output != "" {
			errText = fmt.Sprintf("%s: %s", errText, output)
		}
		result, kind := s.failAttemptLocked(ctx, rt, attempt, errText, &contextText)
		if attempt == s.cfg.MaxRetries {
			return outcome{kind: kind, result: result}
		}
	}

	// Only reachable on resume with the ceiling already spent.
	last := rt.t.History[len(rt.t.History)-1]
	switch {
	case last.Success:
		return outcome{kind: outcomeSuccess, result: last}
	case last.Diagnosis != nil && last.Diagnosis.Classification == domain.ClassificationDisagreement:
		return outcome{kind: outcomeDisagreement, result: last}
	default:
		return outcome{kind: outcomeRetriesExhausted, result: last}
	}
}

// failAttemptLocked records a failed attempt: the task enters TESTING
// while the diagnosis runs, the diagnosis is folded into the context
// for the next attempt, and the task returns to EXECUTING.
func (s *Service) failAttemptLocked(ctx context.Context, rt *taskRuntime, attempt int, errText string, contextText *string) (domain.ExecutionResult, outcomeKind) {
	if err := s.transitionLocked(ctx, rt, domain.TaskStatusTesting, errText); err != nil {
		s.logger.Printf("task %s: persist testing: %v", rt.t.ID, err)
	}

	result := domain.ExecutionResult{
		Attempt:   attempt,
		Success:   false,
		Error:     errText,
		CreatedAt: time.Now().UTC(),
	}
	kind := outcomeRetriesExhausted
	if s.diagnoser != nil {
		diagnosis, err := s.diagnoser.Diagnose(ctx, errText, *contextText)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Printf("task %s: diagnose attempt %d: %v", rt.t.ID, attempt, err)
		}
		if err == nil {
			result.Diagnosis = &diagnosis
			*contextText = foldDiagnosis(*contextText, attempt, diagnosis)
			if diagnosis.Classification == domain.ClassificationDisagreement {
				kind = outcomeDisagreement
			}
		}
	}
	s.appendResultLocked(ctx, rt, result)

	if attempt < s.cfg.MaxRetries {
		if err := s.transitionLocked(ctx, rt, domain.TaskStatusExecuting, errText); err != nil {
			s.logger.Printf("task %s: persist executing: %v", rt.t.ID, err)
		}
	}
	return result, kind
}

func (s *Service) appendResultLocked(ctx context.Context, rt *taskRuntime, result domain.ExecutionResult) {
	rt.t.History = append(rt.t.History, result)
	rt.t.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveTask(ctx, rt.t); err != nil {
		s.logger.Printf("task %s: persist attempt %d: %v", rt.t.ID, result.Attempt, err)
	}
	s.publish(rt.t)
}

func foldDiagnosis(contextText string, attempt int, d domain.Diagnosis) string {
	folded := fmt.Sprintf("%s\nattempt %d failed: %s", contextText, attempt, d.Summary)
	if d.SuggestedFix != "" {
		folded = fmt.Sprintf("%s; suggested fix: %s", folded, d.SuggestedFix)
	}
	return folded
}
