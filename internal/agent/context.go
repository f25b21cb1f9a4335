package agent

import (
	"encoding/json"
	"sync"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/assembler"
	"github.com/xiaot623/agentloop/internal/failure"
	"github.com/xiaot623/agentloop/internal/gateway"
	"github.com/xiaot623/agentloop/internal/llm"
	"github.com/xiaot623/agentloop/internal/memory"
)

// toolRequest is the single action the model asked for in the current cycle.
// CallID is the model-side id that pairs the tool message with the request.
type toolRequest struct {
	CallID   string
	ToolName string
	Args     json.RawMessage
}

// SessionContext carries the full state of one run through the loop. It is
// created per run and touched only by the goroutine driving that run;
// RequestStop is the one method safe to call from anywhere.
type SessionContext struct {
	SessionID string
	RunID     string
	UserID    string
	Input     string
	Goal      string

	State      domain.AgentState
	Iteration  int
	TokensUsed int

	History []llm.ChatMessage
	Summary *assembler.SummaryCache
	Plan    string

	Gather   memory.GatherCounter
	Observer *failure.Observer
	Reboots  int

	WindDown    bool
	FinalAnswer string

	// Transient per-cycle state.
	request     *toolRequest
	pending     *gateway.Prepared
	lastFailure *domain.FailureSignal
	approach    string

	failCode    string
	failMessage string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionContext creates the context for a fresh run.
func NewSessionContext(sessionID, runID, userID, input string) *SessionContext {
	return &SessionContext{
		SessionID: sessionID,
		RunID:     runID,
		UserID:    userID,
		Input:     input,
		State:     domain.AgentStateInit,
		Observer:  failure.NewObserver(),
		stopCh:    make(chan struct{}),
	}
}

// RequestStop asks the run to stop at the next iteration boundary. Safe to
// call from any goroutine, any number of times.
func (sc *SessionContext) RequestStop() {
	sc.stopOnce.Do(func() { close(sc.stopCh) })
}

// StopRequested reports whether a stop has been requested.
func (sc *SessionContext) StopRequested() bool {
	select {
	case <-sc.stopCh:
		return true
	default:
		return false
	}
}

// Stopped returns a channel that is closed once a stop has been requested.
func (sc *SessionContext) Stopped() <-chan struct{} {
	return sc.stopCh
}

func (sc *SessionContext) setFailure(code, message string) {
	sc.failCode = code
	sc.failMessage = message
}
