// Package agent implements the control loop that drives a run from user
// input to a terminal state.
package agent

import (
	"fmt"

	"github.com/xiaot623/agentloop/domain"
)

// transitions is the transition table of the control loop. Together with the
// loop-level signals handled in Next, it is total: any state/signal pair not
// covered is an invalid transition and fails the run.
var transitions = map[domain.AgentState]map[domain.Signal]domain.AgentState{
	domain.AgentStateInit: {
		domain.SignalStart: domain.AgentStateParsingIntent,
	},
	domain.AgentStateParsingIntent: {
		domain.SignalIntentParsed: domain.AgentStatePlanning,
	},
	domain.AgentStatePlanning: {
		domain.SignalPlanCreated: domain.AgentStateReasoning,
		domain.SignalPlanSkipped: domain.AgentStateReasoning,
	},
	domain.AgentStateReasoning: {
		domain.SignalToolRequested:   domain.AgentStateToolCalling,
		domain.SignalFinalAnswer:     domain.AgentStateSuccess,
		domain.SignalReasoningFailed: domain.AgentStateObserving,
	},
	domain.AgentStateToolCalling: {
		domain.SignalToolCompleted:   domain.AgentStateObserving,
		domain.SignalConfirmRequired: domain.AgentStateWaitingConfirm,
	},
	domain.AgentStateWaitingConfirm: {
		domain.SignalConfirmApproved: domain.AgentStateToolCalling,
		domain.SignalConfirmDenied:   domain.AgentStateObserving,
		domain.SignalConfirmTimedOut: domain.AgentStateObserving,
	},
	domain.AgentStateObserving: {
		domain.SignalObservationRecorded: domain.AgentStateReasoning,
		domain.SignalEscalationTriggered: domain.AgentStateReflecting,
	},
	domain.AgentStateReflecting: {
		domain.SignalRebootPlanned:   domain.AgentStateReplanning,
		domain.SignalRebootExhausted: domain.AgentStateFailed,
	},
	domain.AgentStateReplanning: {
		domain.SignalReplanned: domain.AgentStateReasoning,
	},
}

// Next returns the state that follows the given state on the given signal.
// The loop-level signals apply from any non-terminal state; everything else
// must be in the table.
func Next(state domain.AgentState, signal domain.Signal) (domain.AgentState, error) {
	if state.IsTerminal() {
		return state, fmt.Errorf("%w: %s has no outgoing transitions", domain.ErrInvalidStateTransition, state)
	}

	switch signal {
	case domain.SignalStopRequested:
		return domain.AgentStateCancelled, nil
	case domain.SignalIterationLimit:
		return domain.AgentStateTimeout, nil
	case domain.SignalBudgetExhausted:
		// Token exhaustion forces one final reasoning pass instead of
		// killing the run outright.
		return domain.AgentStateReasoning, nil
	}

	next, ok := transitions[state][signal]
	if !ok {
		return state, fmt.Errorf("%w: no transition from %s on %s", domain.ErrInvalidStateTransition, state, signal)
	}
	return next, nil
}
