package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusPlanning    TaskStatus = "planning"
	TaskStatusExecuting   TaskStatus = "executing"
	TaskStatusTesting     TaskStatus = "testing"
	TaskStatusArbitrating TaskStatus = "arbitrating"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
)

func (s TaskStatus) Final() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type NegotiationStatus string

const (
	NegotiationStatusPending          NegotiationStatus = "pending"
	NegotiationStatusInProgress       NegotiationStatus = "in_progress"
	NegotiationStatusConsensusReached NegotiationStatus = "consensus_reached"
	NegotiationStatusEscalated        NegotiationStatus = "escalated"
	NegotiationStatusFailed           NegotiationStatus = "failed"
	NegotiationStatusTimeout          NegotiationStatus = "timeout"
)

// ESCALATED is transient: it only exists while the arbiter call is in
// flight. Every other non-pending, non-in-progress status is terminal.
func (s NegotiationStatus) Final() bool {
	return s == NegotiationStatusConsensusReached ||
		s == NegotiationStatusFailed ||
		s == NegotiationStatusTimeout
}

type ConflictSeverity string

const (
	ConflictSeverityMinor    ConflictSeverity = "minor"
	ConflictSeverityModerate ConflictSeverity = "moderate"
	ConflictSeveritySevere   ConflictSeverity = "severe"
)

type Conflict struct {
	Dimension   string           `json:"dimension"`
	Severity    ConflictSeverity `json:"severity"`
	Description string           `json:"description"`
}

type Task struct {
	ID            string            `json:"id"`
	Goal          string            `json:"goal"`
	Role          string            `json:"role"`
	Context       string            `json:"context"`
	Status        TaskStatus        `json:"status"`
	NegotiationID string            `json:"negotiation_id,omitempty"`
	History       []ExecutionResult `json:"history,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ExecutionResult is the immutable outcome of one execution attempt.
type ExecutionResult struct {
	Attempt     int                  `json:"attempt"`
	Success     bool                 `json:"success"`
	Output      string               `json:"output,omitempty"`
	Error       string               `json:"error,omitempty"`
	Diagnosis   *Diagnosis           `json:"diagnosis,omitempty"`
	Governance  *ValidationResult    `json:"governance,omitempty"`
	Arbitration *ArbitrationDecision `json:"arbitration,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

type Diagnosis struct {
	Summary        string `json:"diagnosis"`
	SuggestedFix   string `json:"suggested_fix"`
	Classification string `json:"classification"`
}

// ClassificationDisagreement marks a failure as a multi-party design
// disagreement; the orchestrator routes those into a negotiation instead
// of failing the task outright.
const ClassificationDisagreement = "disagreement"

type ValidationResult struct {
	Valid  bool   `json:"is_valid"`
	Reason string `json:"reason,omitempty"`
	Clause string `json:"constitutional_clause,omitempty"`
}

type ArbitrationDecision struct {
	Decision             string `json:"decision"`
	Reasoning            string `json:"reasoning"`
	Impact               string `json:"impact"`
	ConstitutionalClause string `json:"constitutional_clause,omitempty"`
}

type Negotiation struct {
	ID           string               `json:"id"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Status       NegotiationStatus    `json:"status"`
	Round        int                  `json:"round"`
	MaxRounds    int                  `json:"max_rounds"`
	Score        float64              `json:"consensus_score"`
	Conflicts    []Conflict           `json:"conflicts"`
	Participants []string             `json:"participants"`
	Debate       []DebateEntry        `json:"debate,omitempty"`
	ScoreHistory []ScoreEntry         `json:"score_history,omitempty"`
	Arbitration  *ArbitrationDecision `json:"arbitration,omitempty"`
	TaskID       string               `json:"task_id,omitempty"`
	CostCents    int64                `json:"cost_cents"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

type DebateEntry struct {
	ID        string    `json:"id"`
	Round     int       `json:"round"`
	Agent     string    `json:"agent"`
	Argument  string    `json:"argument"`
	Evidence  string    `json:"evidence,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ScoreEntry struct {
	Round int     `json:"round"`
	Score float64 `json:"score"`
}

type EventKind string

const (
	EventTaskUpdated        EventKind = "task_updated"
	EventNegotiationUpdated EventKind = "negotiation_updated"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	RefID     string    `json:"ref_id"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type DecisionLog struct {
	ID        int64     `json:"id"`
	RefID     string    `json:"ref_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
