package domain

import "errors"

var (
	// ErrNotFound reports an unknown task or negotiation id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState reports an operation attempted in the wrong state
	// machine state. It is a contract violation, never retried.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrPolicyViolation reports a governance guard rejection. Terminal.
	ErrPolicyViolation = errors.New("action violates governance policy")
	// ErrBudgetExceeded reports a quota ledger rejection. Terminal for the
	// owning negotiation or task.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrArbitrationTimeout reports that the external decider did not
	// answer within the constitutional timeout.
	ErrArbitrationTimeout = errors.New("arbitration timed out")
	// ErrDecisionParse reports a non-zero exit or malformed JSON from the
	// external decider.
	ErrDecisionParse = errors.New("arbitration decision unparseable")
)
