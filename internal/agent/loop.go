package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/assembler"
	"github.com/xiaot623/agentloop/internal/emitter"
	"github.com/xiaot623/agentloop/internal/failure"
	"github.com/xiaot623/agentloop/internal/gateway"
	"github.com/xiaot623/agentloop/internal/llm"
	"github.com/xiaot623/agentloop/internal/memory"
	"github.com/xiaot623/agentloop/internal/tools"
	"github.com/xiaot623/agentloop/store"
)

const (
	// windDownFraction of the token budget triggers the forced final answer.
	windDownFraction = 0.95
	// historyLimit caps how many persisted messages seed a new run.
	historyLimit = 20
	// failureDigestSize is how many recent failures reach the model context.
	failureDigestSize = 5
	// windUpTail caps how much history feeds the post-limit answer attempt.
	windUpTail = 8

	codeInternal = "internal_error"
)

// errStopped is returned by handlers interrupted by a stop request.
var errStopped = errors.New("stop requested")

// Config holds the loop budgets.
type Config struct {
	Model         string
	MaxIterations int
	MaxTokens     int
	MaxReboots    int
}

// Loop drives runs through the control-loop state machine.
type Loop struct {
	store     store.Store
	llm       llm.LLMClient
	assembler *assembler.Assembler
	gateway   *gateway.Gateway
	memory    *memory.Manager
	emitter   *emitter.Emitter
	registry  *tools.Registry
	cfg       Config
}

// NewLoop creates a loop. Zero budgets fall back to the defaults.
func NewLoop(st store.Store, client llm.LLMClient, asm *assembler.Assembler, gw *gateway.Gateway, mem *memory.Manager, em *emitter.Emitter, registry *tools.Registry, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 25
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 100000
	}
	if cfg.MaxReboots <= 0 {
		cfg.MaxReboots = 2
	}
	return &Loop{
		store:     st,
		llm:       client,
		assembler: asm,
		gateway:   gw,
		memory:    mem,
		emitter:   em,
		registry:  registry,
		cfg:       cfg,
	}
}

// Run drives one run to a terminal state. The terminal outcome is recorded on
// the run row and closed with a done event; Run itself never returns early.
func (l *Loop) Run(ctx context.Context, sc *SessionContext) {
	log.Printf("INFO: run %s started for session %s", sc.RunID, sc.SessionID)

	for !sc.State.IsTerminal() {
		if signal, ok := l.boundaryCheck(ctx, sc); ok {
			if err := l.transition(ctx, sc, signal); err != nil {
				l.fail(ctx, sc, domain.CodeInvalidTransition, err.Error())
				break
			}
			continue
		}

		signal, err := l.dispatch(ctx, sc)
		if err != nil {
			if errors.Is(err, errStopped) {
				if terr := l.transition(ctx, sc, domain.SignalStopRequested); terr != nil {
					l.fail(ctx, sc, domain.CodeInvalidTransition, terr.Error())
				}
				continue
			}
			log.Printf("ERROR: run %s: %s handler failed: %v", sc.RunID, sc.State, err)
			l.fail(ctx, sc, codeInternal, err.Error())
			break
		}

		if err := l.transition(ctx, sc, signal); err != nil {
			log.Printf("ERROR: run %s: %v", sc.RunID, err)
			l.fail(ctx, sc, domain.CodeInvalidTransition, err.Error())
			break
		}
	}

	l.finish(sc)
}

// boundaryCheck applies the loop-level checks. Stops are honored before the
// run starts and at each iteration boundary; the iteration and token budgets
// are checked at the boundary only, so an in-flight cycle always completes.
func (l *Loop) boundaryCheck(ctx context.Context, sc *SessionContext) (domain.Signal, bool) {
	atBoundary := sc.State == domain.AgentStateInit || sc.State == domain.AgentStateReasoning
	if !atBoundary {
		return "", false
	}
	if sc.StopRequested() || ctx.Err() != nil {
		return domain.SignalStopRequested, true
	}
	if sc.State != domain.AgentStateReasoning {
		return "", false
	}
	if sc.Iteration >= l.cfg.MaxIterations {
		return domain.SignalIterationLimit, true
	}
	if !sc.WindDown && float64(sc.TokensUsed) >= windDownFraction*float64(l.cfg.MaxTokens) {
		sc.WindDown = true
		log.Printf("INFO: run %s: token budget nearly exhausted (%d/%d), winding down", sc.RunID, sc.TokensUsed, l.cfg.MaxTokens)
		return domain.SignalBudgetExhausted, true
	}
	return "", false
}

func (l *Loop) dispatch(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	switch sc.State {
	case domain.AgentStateInit:
		return domain.SignalStart, nil
	case domain.AgentStateParsingIntent:
		return l.handleParsingIntent(ctx, sc)
	case domain.AgentStatePlanning:
		return l.handlePlanning(ctx, sc)
	case domain.AgentStateReasoning:
		return l.handleReasoning(ctx, sc)
	case domain.AgentStateToolCalling:
		return l.handleToolCalling(ctx, sc)
	case domain.AgentStateWaitingConfirm:
		return l.handleWaitingConfirm(ctx, sc)
	case domain.AgentStateObserving:
		return l.handleObserving(ctx, sc)
	case domain.AgentStateReflecting:
		return l.handleReflecting(ctx, sc)
	case domain.AgentStateReplanning:
		return l.handleReplanning(ctx, sc)
	}
	return "", fmt.Errorf("no handler for state %s", sc.State)
}

// transition applies the signal, persists the new state, and logs it.
func (l *Loop) transition(ctx context.Context, sc *SessionContext, signal domain.Signal) error {
	next, err := Next(sc.State, signal)
	if err != nil {
		return err
	}
	log.Printf("INFO: run %s: %s -> %s on %s", sc.RunID, sc.State, next, signal)
	sc.State = next
	if err := l.store.UpdateRunState(ctx, sc.RunID, next); err != nil {
		log.Printf("WARN: failed to persist state for run %s: %v", sc.RunID, err)
	}
	return nil
}

// fail forces the run into the failed state with the given error payload.
func (l *Loop) fail(ctx context.Context, sc *SessionContext, code, message string) {
	sc.setFailure(code, message)
	sc.State = domain.AgentStateFailed
	if err := l.store.UpdateRunState(ctx, sc.RunID, sc.State); err != nil {
		log.Printf("WARN: failed to persist state for run %s: %v", sc.RunID, err)
	}
}

// finish emits the terminal events and closes out the run row. It uses a
// fresh context so the terminal record survives caller cancellation.
func (l *Loop) finish(sc *SessionContext) {
	ctx := context.Background()

	var status domain.DoneStatus
	var errData []byte
	switch sc.State {
	case domain.AgentStateSuccess:
		status = domain.DoneStatusCompleted
	case domain.AgentStateCancelled:
		status = domain.DoneStatusStopped
	case domain.AgentStateTimeout:
		status = domain.DoneStatusMaxIterations
		l.windUp(ctx, sc)
		errData, _ = json.Marshal(domain.ErrorPayload{
			Code:    domain.CodeMaxIterations,
			Message: domain.ErrMaxIterationsReached.Error(),
		})
	default:
		status = domain.DoneStatusFailed
		code, message := sc.failCode, sc.failMessage
		if code == "" {
			code, message = codeInternal, "run failed"
		}
		payload := domain.ErrorPayload{Code: code, Message: message}
		errData, _ = json.Marshal(payload)
		l.emit(ctx, sc, domain.EventTypeError, payload)
	}

	l.emit(ctx, sc, domain.EventTypeDone, domain.DonePayload{Status: status, TokensUsed: sc.TokensUsed})
	if err := l.store.UpdateRunCompleted(ctx, sc.RunID, sc.State, status, sc.Iteration, sc.TokensUsed, errData); err != nil {
		log.Printf("WARN: failed to mark run %s completed: %v", sc.RunID, err)
	}
	log.Printf("INFO: run %s finished: state=%s status=%s iterations=%d tokens=%d",
		sc.RunID, sc.State, status, sc.Iteration, sc.TokensUsed)
}

// windUp makes one last answer attempt when the iteration budget ran out
// before the model delivered one. Errors here are logged and swallowed; the
// terminal done event follows regardless.
func (l *Loop) windUp(ctx context.Context, sc *SessionContext) {
	if sc.FinalAnswer != "" || sc.TokensUsed >= l.cfg.MaxTokens {
		return
	}

	tail := sc.History
	if len(tail) > windUpTail {
		cut := len(tail) - windUpTail
		// Never start the tail on a tool result without its request.
		for cut > 0 && tail[cut].Role == "tool" {
			cut--
		}
		tail = tail[cut:]
	}
	messages := make([]llm.ChatMessage, 0, len(tail)+1)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: systemPrompt + "\n\n" + windDownPrompt})
	messages = append(messages, tail...)

	maxTokens := 1024
	resp, err := l.llm.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model:     l.cfg.Model,
		Messages:  messages,
		MaxTokens: &maxTokens,
	})
	if err != nil {
		log.Printf("WARN: final answer attempt failed for run %s: %v", sc.RunID, err)
		return
	}
	sc.TokensUsed += completionTokens(resp)

	content := ""
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if content == "" {
		return
	}
	l.deliverFinalAnswer(ctx, sc, content)
}

// handleParsingIntent normalizes the input and seeds the run with the
// session's persisted history and plan.
func (l *Loop) handleParsingIntent(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	sc.Goal = normalizeGoal(sc.Input)

	messages, err := l.store.GetRecentMessages(ctx, sc.SessionID, historyLimit)
	if err != nil {
		return "", fmt.Errorf("failed to load session history: %w", err)
	}
	history := make([]llm.ChatMessage, 0, len(messages)+1)
	for _, m := range messages {
		history = append(history, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	if n := len(history); n == 0 || history[n-1].Role != "user" ||
		(history[n-1].Content != sc.Input && history[n-1].Content != sc.Goal) {
		history = append(history, llm.ChatMessage{Role: "user", Content: sc.Goal})
	}
	sc.History = history

	if plan, err := l.memory.ReadPlan(ctx, sc.SessionID); err == nil {
		sc.Plan = plan
	} else {
		log.Printf("WARN: failed to read plan for session %s: %v", sc.SessionID, err)
	}

	note := fmt.Sprintf("run %s started: %s", sc.RunID, shorten(sc.Goal, 120))
	if err := l.memory.AppendProgress(ctx, sc.SessionID, sc.RunID, note); err != nil {
		log.Printf("WARN: failed to record progress for run %s: %v", sc.RunID, err)
	}
	return domain.SignalIntentParsed, nil
}

// handlePlanning asks the model for a checklist plan, skipping for trivial
// goals or when the existing session plan still fits.
func (l *Loop) handlePlanning(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	maxTokens := 512
	resp, err := l.llm.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: l.cfg.Model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: planningSystemPrompt},
			{Role: "user", Content: planningPrompt(sc.Goal, sc.Plan)},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		// Planning is best effort; the loop runs unplanned rather than dying here.
		log.Printf("WARN: planning failed for run %s: %v", sc.RunID, err)
		return domain.SignalPlanSkipped, nil
	}
	sc.TokensUsed += completionTokens(resp)

	text := ""
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if text == "" || strings.EqualFold(text, "none") {
		return domain.SignalPlanSkipped, nil
	}

	if err := l.memory.WritePlan(ctx, sc.SessionID, sc.RunID, text); err != nil {
		log.Printf("WARN: failed to save plan for run %s: %v", sc.RunID, err)
	}
	sc.Plan = text
	sc.Gather.NoteDurableWrite()
	return domain.SignalPlanCreated, nil
}

// handleReasoning runs one model turn. The model either requests a tool call
// or delivers the final answer; reasoning text streams out as thinking events.
func (l *Loop) handleReasoning(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	sc.Iteration++
	if err := l.store.UpdateRunProgress(ctx, sc.RunID, sc.Iteration, sc.TokensUsed); err != nil {
		log.Printf("WARN: failed to persist progress for run %s: %v", sc.RunID, err)
	}

	instructions := systemPrompt
	var toolDefs []tools.Definition
	if sc.WindDown {
		instructions += "\n\n" + windDownPrompt
	} else {
		toolDefs = l.registry.List()
	}

	advisory := ""
	if !sc.WindDown && sc.Gather.TakeReminder() {
		advisory = gatherAdvisory
	}

	messages, cache, err := l.assembler.Build(ctx, assembler.Input{
		Instructions:  instructions,
		Tools:         toolDefs,
		History:       sc.History,
		Plan:          sc.Plan,
		FailureDigest: sc.Observer.Digest(failureDigestSize),
		Advisory:      advisory,
		Summary:       sc.Summary,
	})
	if err != nil {
		return "", fmt.Errorf("failed to assemble context: %w", err)
	}
	sc.Summary = cache

	var acc llm.StreamAccumulator
	usage, err := l.llm.CreateChatCompletionStream(ctx, &llm.ChatCompletionRequest{
		Model:    l.cfg.Model,
		Messages: messages,
		Tools:    assembler.LLMTools(toolDefs),
	}, func(chunk *llm.StreamChunk) error {
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta; delta != nil && delta.Content != "" {
				l.emit(ctx, sc, domain.EventTypeThinking, domain.ThinkingPayload{Content: delta.Content})
			}
		}
		return nil
	})
	if err != nil {
		if sc.WindDown {
			// No budget left to retry; close out with what exists.
			return l.deliverFinalAnswer(ctx, sc, "I ran out of budget before completing the task. The progress so far is recorded in the session memory.")
		}
		signal := failure.Classify("model", "", nil, err)
		sc.lastFailure = &signal
		return domain.SignalReasoningFailed, nil
	}

	if usage != nil && usage.TotalTokens > 0 {
		sc.TokensUsed += usage.TotalTokens
	} else {
		sc.TokensUsed += assembler.EstimateMessages(messages)
	}

	msg := acc.Message()
	if len(msg.ToolCalls) > 0 && !sc.WindDown {
		// One action per cycle; extras the model batched are dropped.
		call := msg.ToolCalls[0]
		msg.ToolCalls = msg.ToolCalls[:1]
		sc.History = append(sc.History, msg)
		sc.request = &toolRequest{
			CallID:   call.ID,
			ToolName: call.Function.Name,
			Args:     json.RawMessage(call.Function.Arguments),
		}
		return domain.SignalToolRequested, nil
	}

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		if sc.WindDown {
			return l.deliverFinalAnswer(ctx, sc, "I ran out of budget before completing the task. The progress so far is recorded in the session memory.")
		}
		signal := failure.Classify("model", "", nil, errors.New("model returned an empty response"))
		sc.lastFailure = &signal
		return domain.SignalReasoningFailed, nil
	}
	return l.deliverFinalAnswer(ctx, sc, content)
}

// deliverFinalAnswer records the answer as a content event and a persisted
// assistant message, then ends the loop through the success transition.
func (l *Loop) deliverFinalAnswer(ctx context.Context, sc *SessionContext, content string) (domain.Signal, error) {
	sc.FinalAnswer = content
	sc.History = append(sc.History, llm.ChatMessage{Role: "assistant", Content: content})
	l.emit(ctx, sc, domain.EventTypeContent, domain.ContentPayload{Text: content})

	message := &domain.Message{
		MessageID: "msg_" + uuid.NewString()[:8],
		SessionID: sc.SessionID,
		RunID:     sc.RunID,
		Role:      "assistant",
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := l.store.CreateMessage(ctx, message); err != nil {
		log.Printf("WARN: failed to persist assistant message for run %s: %v", sc.RunID, err)
	}
	return domain.SignalFinalAnswer, nil
}

// handleToolCalling routes the requested action through the gateway. The
// memory tools execute against the working-memory documents; everything else
// runs its registered executor.
func (l *Loop) handleToolCalling(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	if sc.pending != nil {
		// Re-entry after an approval; the prepared action just runs.
		prepared := sc.pending
		sc.pending = nil
		return l.executePrepared(ctx, sc, prepared)
	}

	req := sc.request
	if req == nil {
		return "", errors.New("tool_calling entered without a requested action")
	}

	prepared, err := l.gateway.Prepare(ctx, gateway.Request{
		SessionID: sc.SessionID,
		RunID:     sc.RunID,
		ToolName:  req.ToolName,
		Args:      req.Args,
	})
	if err != nil {
		source := "tool"
		if errors.Is(err, domain.ErrPolicyBlocked) {
			source = "policy"
		}
		signal := failure.Classify(source, req.ToolName, req.Args, err)
		sc.lastFailure = &signal
		sc.History = append(sc.History, toolMessage(req, errContent(codeForToolError(err), err.Error())))
		return domain.SignalToolCompleted, nil
	}

	if prepared.Confirmation != nil {
		sc.pending = prepared
		return domain.SignalConfirmRequired, nil
	}
	return l.executePrepared(ctx, sc, prepared)
}

func (l *Loop) executePrepared(ctx context.Context, sc *SessionContext, prepared *gateway.Prepared) (domain.Signal, error) {
	req := sc.request
	if req == nil {
		return "", errors.New("tool execution without a requested action")
	}
	if override := l.memoryExecutor(sc, prepared.ToolCall.ToolName); override != nil {
		prepared.Definition.Execute = override
	}

	row, err := l.gateway.Execute(ctx, prepared)
	if err != nil {
		signal := failure.Classify("tool", req.ToolName, req.Args, err)
		sc.lastFailure = &signal
		content := errContent(domain.CodeToolExecution, err.Error())
		if row != nil && len(row.Error) > 0 {
			content = string(row.Error)
		}
		sc.History = append(sc.History, toolMessage(req, content))
		return domain.SignalToolCompleted, nil
	}

	result := `{"status":"ok"}`
	if row != nil && len(row.Result) > 0 {
		result = string(row.Result)
	}
	sc.History = append(sc.History, toolMessage(req, result))
	if prepared.Definition.ReadOnly && sc.Gather.NoteGathering() {
		log.Printf("INFO: run %s: %d gathering actions without a durable write, nudging the model to save findings", sc.RunID, memory.GatherThreshold)
		note := "reminder raised: save findings before more gathering"
		if err := l.memory.AppendProgress(ctx, sc.SessionID, sc.RunID, note); err != nil {
			log.Printf("WARN: failed to record progress for run %s: %v", sc.RunID, err)
		}
	}
	return domain.SignalToolCompleted, nil
}

// memoryExecutor returns a session-bound executor for the working-memory
// tools, or nil for everything else.
func (l *Loop) memoryExecutor(sc *SessionContext, toolName string) tools.ExecutorFunc {
	switch toolName {
	case "update_plan":
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Plan string `json:"plan"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			plan := strings.TrimSpace(params.Plan)
			if plan == "" {
				return nil, errors.New("plan is required")
			}
			if err := l.memory.WritePlan(ctx, sc.SessionID, sc.RunID, plan); err != nil {
				return nil, err
			}
			sc.Plan = plan
			sc.Gather.NoteDurableWrite()
			return json.RawMessage(`{"status":"plan updated"}`), nil
		}
	case "save_finding":
		return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Finding string `json:"finding"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if strings.TrimSpace(params.Finding) == "" {
				return nil, errors.New("finding is required")
			}
			if err := l.memory.AppendFinding(ctx, sc.SessionID, sc.RunID, params.Finding); err != nil {
				return nil, err
			}
			sc.Gather.NoteDurableWrite()
			return json.RawMessage(`{"status":"recorded"}`), nil
		}
	}
	return nil
}

// handleWaitingConfirm blocks until the pending confirmation is decided or
// expires. A stop request interrupts the wait and cancels the action.
func (l *Loop) handleWaitingConfirm(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	prepared := sc.pending
	if prepared == nil || prepared.Confirmation == nil {
		return "", errors.New("waiting_confirm entered without a pending confirmation")
	}
	req := sc.request

	timeout := time.Duration(prepared.Confirmation.TimeoutMs) * time.Millisecond
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sc.Stopped():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	decision, err := l.gateway.AwaitDecision(waitCtx, prepared.Confirmation.ConfirmationID, timeout)
	if err != nil {
		if sc.StopRequested() || ctx.Err() != nil {
			if ferr := l.gateway.FinalizeStopped(context.Background(), prepared); ferr != nil {
				log.Printf("WARN: failed to cancel pending action for run %s: %v", sc.RunID, ferr)
			}
			note := fmt.Sprintf("cancelled tool %s: run stopped while awaiting confirmation", prepared.ToolCall.ToolName)
			if perr := l.memory.AppendProgress(context.Background(), sc.SessionID, sc.RunID, note); perr != nil {
				log.Printf("WARN: failed to record progress for run %s: %v", sc.RunID, perr)
			}
			sc.pending = nil
			return "", errStopped
		}
		return "", fmt.Errorf("failed to wait for confirmation: %w", err)
	}

	switch decision.Status {
	case domain.ConfirmationStatusApproved:
		if decision.Remember {
			l.gateway.RememberApproval(sc.SessionID, prepared.ToolCall.ToolName)
		}
		if decision.Feedback != "" {
			note := fmt.Sprintf("user approved %s: %s", prepared.ToolCall.ToolName, decision.Feedback)
			if err := l.memory.AppendProgress(ctx, sc.SessionID, sc.RunID, note); err != nil {
				log.Printf("WARN: failed to record progress for run %s: %v", sc.RunID, err)
			}
		}
		return domain.SignalConfirmApproved, nil

	case domain.ConfirmationStatusRejected:
		if err := l.gateway.FinalizeDenied(ctx, prepared, decision.Feedback); err != nil {
			log.Printf("WARN: failed to finalize denied action for run %s: %v", sc.RunID, err)
		}
		message := "the user rejected this action"
		if decision.Feedback != "" {
			message += ": " + decision.Feedback
		}
		sc.History = append(sc.History, toolMessage(req, errContent(domain.CodeConfirmationRejected, message)))
		if decision.Feedback != "" {
			// Denial feedback steers the next reasoning turn.
			sc.History = append(sc.History, llm.ChatMessage{
				Role:    "user",
				Content: "The action was denied. Feedback: " + decision.Feedback,
			})
		}
		signal := failure.Classify("confirmation", req.ToolName, req.Args, fmt.Errorf("%w: %s", domain.ErrConfirmationRejected, message))
		sc.lastFailure = &signal
		sc.pending = nil
		return domain.SignalConfirmDenied, nil

	case domain.ConfirmationStatusExpired:
		if err := l.gateway.FinalizeExpired(ctx, prepared); err != nil {
			log.Printf("WARN: failed to finalize expired action for run %s: %v", sc.RunID, err)
		}
		sc.History = append(sc.History, toolMessage(req, errContent(domain.CodeConfirmationTimeout, "confirmation timed out")))
		signal := failure.Classify("confirmation", req.ToolName, req.Args, domain.ErrConfirmationTimeout)
		sc.lastFailure = &signal
		sc.pending = nil
		return domain.SignalConfirmTimedOut, nil
	}
	return "", fmt.Errorf("unexpected confirmation status %s", decision.Status)
}

// handleObserving folds the outcome of the last action into the failure
// streak and the progress document. Every invocation leaves a progress
// entry, successes included.
func (l *Loop) handleObserving(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	signal := sc.lastFailure
	sc.lastFailure = nil
	if signal == nil {
		if req := sc.request; req != nil {
			note := "completed tool " + req.ToolName
			if err := l.memory.AppendProgress(ctx, sc.SessionID, sc.RunID, note); err != nil {
				log.Printf("WARN: failed to record progress for run %s: %v", sc.RunID, err)
			}
		}
		return domain.SignalObservationRecorded, nil
	}

	if err := l.memory.LogError(ctx, sc.SessionID, sc.RunID, *signal); err != nil {
		log.Printf("WARN: failed to log failure for run %s: %v", sc.RunID, err)
	}
	if sc.Observer.Record(*signal) {
		log.Printf("INFO: run %s: repeated %s failures, escalating to reflection", sc.RunID, signal.Kind)
		return domain.SignalEscalationTriggered, nil
	}
	return domain.SignalObservationRecorded, nil
}

// handleReflecting asks the model what went wrong and whether the approach
// can be revised. Giving up fails the run.
func (l *Loop) handleReflecting(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	sc.Reboots++
	if sc.Reboots > l.cfg.MaxReboots {
		message := fmt.Sprintf("gave up after %d recovery attempts", l.cfg.MaxReboots)
		if last := sc.Observer.Last(); last != nil {
			message += fmt.Sprintf("; last failure: %s", last.Message)
		}
		sc.setFailure(domain.CodeEscalationExhausted, message)
		return domain.SignalRebootExhausted, nil
	}

	maxTokens := 1024
	resp, err := l.llm.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: l.cfg.Model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: reflectionSystemPrompt},
			{Role: "user", Content: reflectionPrompt(sc.Goal, sc.Plan, sc.Observer.Digest(failureDigestSize))},
		},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		sc.setFailure(domain.CodeEscalationExhausted, fmt.Sprintf("reflection failed: %v", err))
		return domain.SignalRebootExhausted, nil
	}
	sc.TokensUsed += completionTokens(resp)

	text := ""
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		text = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if text == "" || strings.Contains(strings.ToUpper(text), "CANNOT PROCEED") {
		sc.setFailure(domain.CodeEscalationExhausted, "reflection found no viable way forward")
		return domain.SignalRebootExhausted, nil
	}

	l.emit(ctx, sc, domain.EventTypeThinking, domain.ThinkingPayload{Content: text})
	sc.approach = text
	return domain.SignalRebootPlanned, nil
}

// handleReplanning replaces the plan with the revised approach from
// reflection and resets the gathering counter.
func (l *Loop) handleReplanning(ctx context.Context, sc *SessionContext) (domain.Signal, error) {
	plan := extractPlan(sc.approach)
	sc.approach = ""
	if err := l.memory.WritePlan(ctx, sc.SessionID, sc.RunID, plan); err != nil {
		log.Printf("WARN: failed to save revised plan for run %s: %v", sc.RunID, err)
	}
	sc.Plan = plan
	sc.Gather.NoteDurableWrite()

	note := "replanned after repeated failures"
	if last := sc.Observer.Last(); last != nil {
		note = fmt.Sprintf("replanned after repeated %s failures", last.Kind)
	}
	if err := l.memory.AppendProgress(ctx, sc.SessionID, sc.RunID, note); err != nil {
		log.Printf("WARN: failed to record progress for run %s: %v", sc.RunID, err)
	}
	return domain.SignalReplanned, nil
}

func (l *Loop) emit(ctx context.Context, sc *SessionContext, eventType domain.EventType, payload interface{}) {
	if _, err := l.emitter.Emit(ctx, sc.SessionID, sc.RunID, eventType, payload); err != nil {
		log.Printf("WARN: failed to record %s event for run %s: %v", eventType, sc.RunID, err)
	}
}

func toolMessage(req *toolRequest, content string) llm.ChatMessage {
	return llm.ChatMessage{
		Role:       "tool",
		Content:    content,
		Name:       req.ToolName,
		ToolCallID: req.CallID,
	}
}

func errContent(code, message string) string {
	data, _ := json.Marshal(domain.ErrorPayload{Code: code, Message: message})
	return string(data)
}

func codeForToolError(err error) string {
	switch {
	case errors.Is(err, domain.ErrToolNotFound):
		return domain.CodeToolNotFound
	case errors.Is(err, domain.ErrValidationFailed):
		return domain.CodeValidationFailed
	case errors.Is(err, domain.ErrPolicyBlocked):
		return domain.CodePolicyBlocked
	}
	return domain.CodeToolExecution
}

func completionTokens(resp *llm.ChatCompletionResponse) int {
	if resp == nil {
		return 0
	}
	if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return resp.Usage.TotalTokens
	}
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		return assembler.EstimateTokens(resp.Choices[0].Message.Content)
	}
	return 0
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
