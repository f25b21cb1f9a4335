// Package domain defines the core domain models for the agent runtime.
package domain

// AgentState represents the canonical control-loop state of a session.
type AgentState string

const (
	AgentStateInit           AgentState = "init"
	AgentStateParsingIntent  AgentState = "parsing_intent"
	AgentStatePlanning       AgentState = "planning"
	AgentStateReasoning      AgentState = "reasoning"
	AgentStateToolCalling    AgentState = "tool_calling"
	AgentStateObserving      AgentState = "observing"
	AgentStateWaitingConfirm AgentState = "waiting_confirm"
	AgentStateReflecting     AgentState = "reflecting"
	AgentStateReplanning     AgentState = "replanning"
	AgentStateSuccess        AgentState = "success"
	AgentStateFailed         AgentState = "failed"
	AgentStateCancelled      AgentState = "cancelled"
	AgentStateTimeout        AgentState = "timeout"
)

// IsTerminal reports whether the state ends the loop.
func (s AgentState) IsTerminal() bool {
	switch s {
	case AgentStateSuccess, AgentStateFailed, AgentStateCancelled, AgentStateTimeout:
		return true
	}
	return false
}

// Signal represents a handler or loop outcome that drives a state transition.
type Signal string

const (
	SignalStart               Signal = "start"
	SignalIntentParsed        Signal = "intent_parsed"
	SignalPlanCreated         Signal = "plan_created"
	SignalPlanSkipped         Signal = "plan_skipped"
	SignalToolRequested       Signal = "tool_requested"
	SignalFinalAnswer         Signal = "final_answer"
	SignalReasoningFailed     Signal = "reasoning_failed"
	SignalToolCompleted       Signal = "tool_completed"
	SignalConfirmRequired     Signal = "confirm_required"
	SignalConfirmApproved     Signal = "confirm_approved"
	SignalConfirmDenied       Signal = "confirm_denied"
	SignalConfirmTimedOut     Signal = "confirm_timed_out"
	SignalObservationRecorded Signal = "observation_recorded"
	SignalEscalationTriggered Signal = "escalation_triggered"
	SignalRebootPlanned       Signal = "reboot_planned"
	SignalRebootExhausted     Signal = "reboot_exhausted"
	SignalReplanned           Signal = "replanned"

	// Loop-level termination signals, derived from the per-iteration checks
	// rather than from a state handler.
	SignalStopRequested   Signal = "stop_requested"
	SignalIterationLimit  Signal = "iteration_limit"
	SignalBudgetExhausted Signal = "budget_exhausted"
)

// ToolCallStatus represents the status of a tool call.
type ToolCallStatus string

const (
	ToolCallStatusPending   ToolCallStatus = "pending"
	ToolCallStatusRunning   ToolCallStatus = "running"
	ToolCallStatusSuccess   ToolCallStatus = "success"
	ToolCallStatusError     ToolCallStatus = "error"
	ToolCallStatusCancelled ToolCallStatus = "cancelled"
)

// IsTerminal reports whether the tool call has reached a final status.
func (s ToolCallStatus) IsTerminal() bool {
	switch s {
	case ToolCallStatusSuccess, ToolCallStatusError, ToolCallStatusCancelled:
		return true
	}
	return false
}

// ConfirmationStatus represents the status of a confirmation request.
type ConfirmationStatus string

const (
	ConfirmationStatusPending  ConfirmationStatus = "pending"
	ConfirmationStatusApproved ConfirmationStatus = "approved"
	ConfirmationStatusRejected ConfirmationStatus = "rejected"
	ConfirmationStatusExpired  ConfirmationStatus = "expired"
)

// RiskLevel classifies a tool's potential for irreversible or costly side effects.
type RiskLevel string

const (
	RiskLevelNone     RiskLevel = "none"
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// Rank returns the ordering of a risk level for threshold comparison.
// Unknown levels rank highest so misconfigured tools are gated, not waved through.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLevelNone:
		return 0
	case RiskLevelLow:
		return 1
	case RiskLevelMedium:
		return 2
	case RiskLevelHigh:
		return 3
	case RiskLevelCritical:
		return 4
	}
	return 5
}

// EventType represents the type of a stream event.
type EventType string

const (
	EventTypeThinking        EventType = "thinking"
	EventTypeToolCall        EventType = "tool_call"
	EventTypeToolResult      EventType = "tool_result"
	EventTypeConfirmRequired EventType = "confirm_required"
	EventTypeContent         EventType = "content"
	EventTypeMemoryUpdate    EventType = "memory_update"
	EventTypeDone            EventType = "done"
	EventTypeError           EventType = "error"
)

// DoneStatus is the status reported by the terminal done event.
type DoneStatus string

const (
	DoneStatusCompleted     DoneStatus = "completed"
	DoneStatusStopped       DoneStatus = "stopped"
	DoneStatusMaxIterations DoneStatus = "max_iterations_reached"
	DoneStatusFailed        DoneStatus = "failed"
)

// FailureKind classifies a failure signal for streak counting.
type FailureKind string

const (
	FailureKindTimeout    FailureKind = "timeout"
	FailureKindPermission FailureKind = "permission"
	FailureKindNotFound   FailureKind = "not_found"
	FailureKindValidation FailureKind = "validation"
	FailureKindRejected   FailureKind = "rejected"
	FailureKindGeneric    FailureKind = "generic"
)

// Working memory document names.
const (
	DocPlan     = "plan"
	DocFindings = "findings"
	DocProgress = "progress"
)
