// Package gateway runs every model-requested action through resolution,
// policy, confirmation, and execution, and owns the event trail of each
// tool call.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/emitter"
	"github.com/xiaot623/agentloop/internal/tools"
	"github.com/xiaot623/agentloop/policy"
	"github.com/xiaot623/agentloop/store"
)

// Request is one action requested by the model.
type Request struct {
	SessionID string
	RunID     string
	ToolName  string
	Args      json.RawMessage
}

// Prepared is an invocation that has a tool call record. When Confirmation
// is non-nil the action must wait for a human decision before executing.
type Prepared struct {
	ToolCall     *domain.ToolCall
	Definition   tools.Definition
	Confirmation *domain.Confirmation
}

// Gateway mediates between the loop and the tool registry.
type Gateway struct {
	store          store.Store
	registry       *tools.Registry
	policy         *policy.Engine
	emitter        *emitter.Emitter
	riskThreshold  domain.RiskLevel
	confirmTimeout time.Duration
	toolTimeout    time.Duration

	mu         sync.Mutex
	remembered map[string]map[string]bool
}

// New creates an action gateway.
func New(st store.Store, registry *tools.Registry, engine *policy.Engine, em *emitter.Emitter, riskThreshold domain.RiskLevel, confirmTimeout, toolTimeout time.Duration) *Gateway {
	return &Gateway{
		store:          st,
		registry:       registry,
		policy:         engine,
		emitter:        em,
		riskThreshold:  riskThreshold,
		confirmTimeout: confirmTimeout,
		toolTimeout:    toolTimeout,
		remembered:     make(map[string]map[string]bool),
	}
}

// Prepare records the tool call, evaluates policy, and either clears the
// action for execution or parks it behind a confirmation. Unknown tools,
// malformed arguments, and blocked actions come back finalized with an error.
func (g *Gateway) Prepare(ctx context.Context, req Request) (*Prepared, error) {
	if len(req.Args) == 0 {
		req.Args = json.RawMessage(`{}`)
	}

	def, known := g.registry.Get(req.ToolName)
	risk := def.RiskLevel
	if !known {
		risk = domain.RiskLevelNone
	}

	toolCall := &domain.ToolCall{
		ToolCallID: "tc_" + uuid.New().String(),
		RunID:      req.RunID,
		SessionID:  req.SessionID,
		ToolName:   req.ToolName,
		RiskLevel:  risk,
		Status:     domain.ToolCallStatusPending,
		Args:       req.Args,
		CreatedAt:  time.Now(),
	}
	if err := g.store.CreateToolCall(ctx, toolCall); err != nil {
		return nil, fmt.Errorf("failed to create tool call: %w", err)
	}

	prepared := &Prepared{ToolCall: toolCall, Definition: def}
	g.emit(ctx, req.SessionID, req.RunID, domain.EventTypeToolCall, domain.ToolCallPayload{
		ID:        toolCall.ToolCallID,
		Name:      req.ToolName,
		Arguments: req.Args,
		Status:    domain.ToolCallStatusPending,
	})

	if !known {
		err := fmt.Errorf("%w: %s", domain.ErrToolNotFound, req.ToolName)
		g.finalizeError(ctx, prepared, domain.CodeToolNotFound, err.Error(), 0)
		return prepared, err
	}

	var argsMap map[string]interface{}
	if err := json.Unmarshal(req.Args, &argsMap); err != nil {
		verr := fmt.Errorf("%w: arguments are not a JSON object", domain.ErrValidationFailed)
		g.finalizeError(ctx, prepared, domain.CodeValidationFailed, verr.Error(), 0)
		return prepared, verr
	}

	decision, reason, err := g.policy.Evaluate(ctx, map[string]interface{}{
		"tool_name":  req.ToolName,
		"risk_level": string(def.RiskLevel),
		"read_only":  def.ReadOnly,
		"threshold":  string(g.riskThreshold),
		"args":       argsMap,
	})
	if err != nil {
		log.Printf("WARN: policy evaluation failed for %s: %v", req.ToolName, err)
		decision, reason = policy.DecisionRequireApproval, "policy evaluation failed"
	}

	switch decision {
	case policy.DecisionBlock:
		if reason == "" {
			reason = "blocked by policy"
		}
		berr := fmt.Errorf("%w: %s", domain.ErrPolicyBlocked, reason)
		g.finalizeError(ctx, prepared, domain.CodePolicyBlocked, berr.Error(), 0)
		return prepared, berr

	case policy.DecisionRequireApproval:
		if g.isRemembered(req.SessionID, req.ToolName) {
			return prepared, nil
		}

		confirmation := &domain.Confirmation{
			ConfirmationID: "cf_" + uuid.New().String(),
			SessionID:      req.SessionID,
			RunID:          req.RunID,
			ToolCallID:     toolCall.ToolCallID,
			ToolName:       req.ToolName,
			RiskLevel:      def.RiskLevel,
			Description:    fmt.Sprintf("Run %s with %s", req.ToolName, summarizeArgs(req.Args)),
			Status:         domain.ConfirmationStatusPending,
			TimeoutMs:      int(g.confirmTimeout / time.Millisecond),
			CreatedAt:      time.Now(),
		}
		if err := g.store.CreateConfirmation(ctx, confirmation); err != nil {
			return nil, fmt.Errorf("failed to create confirmation: %w", err)
		}
		if _, err := g.store.SetToolCallConfirmation(ctx, toolCall.ToolCallID, confirmation.ConfirmationID); err != nil {
			return nil, err
		}
		toolCall.ConfirmationID = confirmation.ConfirmationID

		g.emit(ctx, req.SessionID, req.RunID, domain.EventTypeConfirmRequired, domain.ConfirmRequiredPayload{
			ActionID:       confirmation.ConfirmationID,
			Tool:           req.ToolName,
			Arguments:      req.Args,
			RiskLevel:      def.RiskLevel,
			Description:    confirmation.Description,
			TimeoutSeconds: confirmation.TimeoutMs / 1000,
		})

		prepared.Confirmation = confirmation
		return prepared, nil
	}

	return prepared, nil
}

// AwaitDecision polls until the confirmation is decided or the timeout
// elapses. On timeout the confirmation is expired and returned as such.
func (g *Gateway) AwaitDecision(ctx context.Context, confirmationID string, timeout time.Duration) (*domain.Confirmation, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			if _, err := g.store.ExpireConfirmationIfPending(ctx, confirmationID, "timed out waiting for decision"); err != nil {
				return nil, err
			}
			return g.getConfirmation(ctx, confirmationID)
		case <-ticker.C:
			confirmation, err := g.getConfirmation(ctx, confirmationID)
			if err != nil {
				return nil, err
			}
			if confirmation.Status != domain.ConfirmationStatusPending {
				return confirmation, nil
			}
		}
	}
}

// RememberApproval marks a tool as pre-approved for the rest of the session.
func (g *Gateway) RememberApproval(sessionID, toolName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remembered[sessionID] == nil {
		g.remembered[sessionID] = make(map[string]bool)
	}
	g.remembered[sessionID][toolName] = true
}

func (g *Gateway) isRemembered(sessionID, toolName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remembered[sessionID][toolName]
}

// Execute runs a cleared action and records its terminal outcome. The
// returned tool call reflects the final row. A non-nil error describes the
// execution failure already recorded on the call.
func (g *Gateway) Execute(ctx context.Context, prepared *Prepared) (*domain.ToolCall, error) {
	toolCall := prepared.ToolCall

	if _, err := g.store.UpdateToolCallStatus(ctx, toolCall.ToolCallID, domain.ToolCallStatusRunning); err != nil {
		return nil, err
	}
	g.emit(ctx, toolCall.SessionID, toolCall.RunID, domain.EventTypeToolCall, domain.ToolCallPayload{
		ID:        toolCall.ToolCallID,
		Name:      toolCall.ToolName,
		Arguments: toolCall.Args,
		Status:    domain.ToolCallStatusRunning,
	})

	execCtx, cancel := context.WithTimeout(ctx, g.toolTimeout)
	defer cancel()

	start := time.Now()
	result, execErr := prepared.Definition.Execute(execCtx, toolCall.Args)
	durationMs := time.Since(start).Milliseconds()

	if execErr != nil {
		wrapped := fmt.Errorf("%w: tool %s failed: %w", domain.ErrToolExecution, toolCall.ToolName, execErr)
		g.finalizeError(ctx, prepared, domain.CodeToolExecution, wrapped.Error(), durationMs)
		return g.reload(ctx, toolCall.ToolCallID), wrapped
	}

	if len(result) > 0 && !json.Valid(result) {
		verr := fmt.Errorf("%w: tool %s returned malformed output", domain.ErrValidationFailed, toolCall.ToolName)
		g.finalizeError(ctx, prepared, domain.CodeValidationFailed, verr.Error(), durationMs)
		return g.reload(ctx, toolCall.ToolCallID), verr
	}

	if _, err := g.store.UpdateToolCallResult(ctx, toolCall.ToolCallID, domain.ToolCallStatusSuccess, result, nil, durationMs); err != nil {
		return nil, err
	}
	g.emit(ctx, toolCall.SessionID, toolCall.RunID, domain.EventTypeToolResult, domain.ToolResultPayload{
		ID:         toolCall.ToolCallID,
		Status:     domain.ToolCallStatusSuccess,
		Result:     result,
		DurationMs: durationMs,
	})

	return g.reload(ctx, toolCall.ToolCallID), nil
}

// FinalizeDenied cancels an action whose confirmation was rejected.
func (g *Gateway) FinalizeDenied(ctx context.Context, prepared *Prepared, feedback string) error {
	message := "the user rejected this action"
	if feedback != "" {
		message += ": " + feedback
	}
	return g.cancel(ctx, prepared, domain.CodeConfirmationRejected, message)
}

// FinalizeExpired cancels an action whose confirmation timed out.
func (g *Gateway) FinalizeExpired(ctx context.Context, prepared *Prepared) error {
	return g.cancel(ctx, prepared, domain.CodeConfirmationTimeout, "confirmation timed out")
}

// FinalizeStopped cancels an action still waiting on a confirmation because
// the run is stopping. The confirmation is expired so it cannot be decided
// afterwards.
func (g *Gateway) FinalizeStopped(ctx context.Context, prepared *Prepared) error {
	if prepared.Confirmation != nil {
		if _, err := g.store.ExpireConfirmationIfPending(ctx, prepared.Confirmation.ConfirmationID, "run stopped"); err != nil {
			log.Printf("WARN: failed to expire confirmation %s: %v", prepared.Confirmation.ConfirmationID, err)
		}
	}
	return g.cancel(ctx, prepared, domain.CodeCancelled, "run stopped before the action was decided")
}

func (g *Gateway) cancel(ctx context.Context, prepared *Prepared, code, message string) error {
	toolCall := prepared.ToolCall
	errData := errJSON(code, message)
	updated, err := g.store.UpdateToolCallResult(ctx, toolCall.ToolCallID, domain.ToolCallStatusCancelled, nil, errData, 0)
	if err != nil {
		return err
	}
	if !updated {
		// Already finalized, e.g. by the timeout sweeper.
		return nil
	}
	g.emit(ctx, toolCall.SessionID, toolCall.RunID, domain.EventTypeToolResult, domain.ToolResultPayload{
		ID:     toolCall.ToolCallID,
		Status: domain.ToolCallStatusCancelled,
		Error:  errData,
	})
	return nil
}

func (g *Gateway) finalizeError(ctx context.Context, prepared *Prepared, code, message string, durationMs int64) {
	toolCall := prepared.ToolCall
	errData := errJSON(code, message)
	if _, err := g.store.UpdateToolCallResult(ctx, toolCall.ToolCallID, domain.ToolCallStatusError, nil, errData, durationMs); err != nil {
		log.Printf("WARN: failed to record tool call error: %v", err)
	}
	g.emit(ctx, toolCall.SessionID, toolCall.RunID, domain.EventTypeToolResult, domain.ToolResultPayload{
		ID:         toolCall.ToolCallID,
		Status:     domain.ToolCallStatusError,
		Error:      errData,
		DurationMs: durationMs,
	})
}

func (g *Gateway) reload(ctx context.Context, toolCallID string) *domain.ToolCall {
	toolCall, err := g.store.GetToolCall(ctx, toolCallID)
	if err != nil || toolCall == nil {
		log.Printf("WARN: failed to reload tool call %s: %v", toolCallID, err)
		return nil
	}
	return toolCall
}

func (g *Gateway) getConfirmation(ctx context.Context, confirmationID string) (*domain.Confirmation, error) {
	confirmation, err := g.store.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, err
	}
	if confirmation == nil {
		return nil, fmt.Errorf("confirmation not found: %s", confirmationID)
	}
	return confirmation, nil
}

func (g *Gateway) emit(ctx context.Context, sessionID, runID string, eventType domain.EventType, payload interface{}) {
	if g.emitter == nil {
		return
	}
	if _, err := g.emitter.Emit(ctx, sessionID, runID, eventType, payload); err != nil {
		log.Printf("WARN: failed to record %s event: %v", eventType, err)
	}
}

func errJSON(code, message string) json.RawMessage {
	data, _ := json.Marshal(domain.ErrorPayload{Code: code, Message: message})
	return data
}

func summarizeArgs(args json.RawMessage) string {
	s := string(args)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
