package domain

import "errors"

// Error taxonomy for the runtime. Recoverable errors become FailureSignals and
// are retained in the progress document; ErrInvalidStateTransition is fatal.
var (
	ErrToolNotFound           = errors.New("tool not found")
	ErrToolExecution          = errors.New("tool execution error")
	ErrValidationFailed       = errors.New("validation failed")
	ErrConfirmationTimeout    = errors.New("confirmation timeout")
	ErrConfirmationRejected   = errors.New("confirmation rejected")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMaxIterationsReached   = errors.New("max iterations reached")
	ErrTokenBudgetExceeded    = errors.New("token budget exceeded")
	ErrCancelled              = errors.New("cancelled")
	ErrPolicyBlocked          = errors.New("blocked by policy")
)

// Wire error codes carried in error payloads and error results.
const (
	CodeToolNotFound         = "tool_not_found"
	CodeToolExecution        = "tool_execution_error"
	CodeValidationFailed     = "validation_failed"
	CodeConfirmationTimeout  = "confirmation_timeout"
	CodeConfirmationRejected = "confirmation_rejected"
	CodeInvalidTransition    = "invalid_state_transition"
	CodeMaxIterations        = "max_iterations_reached"
	CodeTokenBudget          = "token_budget_exceeded"
	CodeCancelled            = "cancelled"
	CodePolicyBlocked        = "policy_blocked"

	// CodeEscalationExhausted is reported when reflection gives up on a run
	// after repeated failures.
	CodeEscalationExhausted = "escalation_exhausted"
)
