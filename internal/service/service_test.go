package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xiaot623/agentloop/config"
	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/assembler"
	"github.com/xiaot623/agentloop/internal/emitter"
	"github.com/xiaot623/agentloop/internal/gateway"
	"github.com/xiaot623/agentloop/internal/llm"
	"github.com/xiaot623/agentloop/internal/memory"
	"github.com/xiaot623/agentloop/internal/tools"
	"github.com/xiaot623/agentloop/policy"
	"github.com/xiaot623/agentloop/store"
	"github.com/xiaot623/agentloop/tests/helpers"
)

func newTestService(t *testing.T) (*Service, *llm.MockClient, store.Store) {
	t.Helper()
	ctx := context.Background()
	db := helpers.NewTestSQLiteStore(t)

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	cfg := &config.Config{
		LLMModel:             "mock",
		MaxIterations:        10,
		MaxTokens:            100000,
		MaxReboots:           2,
		ContextTokenBudget:   16000,
		CompressionThreshold: 0.7,
		RecentTurns:          5,
		ConfirmRiskThreshold: domain.RiskLevelMedium,
		ConfirmTimeout:       2 * time.Second,
		ToolTimeout:          5 * time.Second,
	}

	em := emitter.New(db, nil)
	mock := llm.NewMockClient()
	gw := gateway.New(db, tools.DefaultRegistry, policyEngine, em, cfg.ConfirmRiskThreshold, cfg.ConfirmTimeout, cfg.ToolTimeout)
	mem := memory.NewManager(db, em)
	asm := assembler.New(assembler.NewLLMSummarizer(mock, cfg.LLMModel), cfg.ContextTokenBudget, cfg.CompressionThreshold, cfg.RecentTurns)
	loop := agent.NewLoop(db, mock, asm, gw, mem, em, tools.DefaultRegistry, agent.Config{
		Model:         cfg.LLMModel,
		MaxIterations: cfg.MaxIterations,
		MaxTokens:     cfg.MaxTokens,
		MaxReboots:    cfg.MaxReboots,
	})
	return New(db, loop, mem, tools.DefaultRegistry, em, cfg), mock, db
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitTerminal(t *testing.T, svc *Service, runID string) *domain.Run {
	t.Helper()
	var run *domain.Run
	waitFor(t, 5*time.Second, "run "+runID+" to finish", func() bool {
		r, err := svc.store.GetRun(context.Background(), runID)
		if err != nil || r == nil {
			return false
		}
		run = r
		return r.State.IsTerminal()
	})
	return run
}

func pendingConfirmation(t *testing.T, db store.Store, sessionID string) *domain.Confirmation {
	t.Helper()
	var conf *domain.Confirmation
	waitFor(t, 3*time.Second, "a pending confirmation", func() bool {
		c, err := db.GetPendingConfirmationBySession(context.Background(), sessionID)
		if err != nil || c == nil {
			return false
		}
		conf = c
		return true
	})
	return conf
}

func TestStartRunCompletes(t *testing.T) {
	svc, mock, db := newTestService(t)
	mock.Script(
		llm.MockTextResponse("none"),
		llm.MockTextResponse("Paris is the capital of France."),
	)

	run, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "what is the capital of France?"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if run.State != domain.AgentStateInit {
		t.Errorf("accepted run state = %s, want init", run.State)
	}

	final := waitTerminal(t, svc, run.RunID)
	if final.State != domain.AgentStateSuccess || final.DoneStatus != domain.DoneStatusCompleted {
		t.Fatalf("run = %s/%s, want success/completed", final.State, final.DoneStatus)
	}

	messages, err := db.GetRecentMessages(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("GetRecentMessages failed: %v", err)
	}
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Fatalf("expected persisted user and assistant messages, got %d", len(messages))
	}

	events, err := svc.GetEvents(context.Background(), "s1", 0, nil, 100)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != domain.EventTypeDone {
		t.Fatal("event stream does not end with done")
	}
}

func TestStartRunValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "   "}); !errors.Is(err, domain.ErrValidationFailed) {
		t.Errorf("empty input error = %v, want ErrValidationFailed", err)
	}
	if _, err := svc.StartRun(context.Background(), "", domain.StartRunRequest{Input: "hello"}); !errors.Is(err, domain.ErrValidationFailed) {
		t.Errorf("empty session error = %v, want ErrValidationFailed", err)
	}
}

func TestStartRunRejectsConcurrentRun(t *testing.T) {
	svc, mock, db := newTestService(t)

	shellCall := llm.MockToolCallResponse("shell_command", `{"command":"uname -a"}`)
	shellCall.Choices[0].Message.Content = "Checking the system."
	mock.Script(
		llm.MockTextResponse("none"),
		shellCall,
		llm.MockTextResponse("Done without the shell."),
	)

	run, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "inspect the system"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	// The run parks on its confirmation; a second input must be refused.
	conf := pendingConfirmation(t, db, "s1")
	if _, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "another task"}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("concurrent StartRun error = %v, want ErrRunInProgress", err)
	}

	if _, err := svc.Confirm(context.Background(), conf.ConfirmationID, domain.ConfirmRequest{Approved: false, Feedback: "not now"}); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	waitTerminal(t, svc, run.RunID)

	// The slot frees up once the run finishes.
	mock.Script(
		llm.MockTextResponse("none"),
		llm.MockTextResponse("Second task done."),
	)
	second, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "another task"})
	if err != nil {
		t.Fatalf("StartRun after completion failed: %v", err)
	}
	final := waitTerminal(t, svc, second.RunID)
	if final.DoneStatus != domain.DoneStatusCompleted {
		t.Errorf("second run = %s, want completed", final.DoneStatus)
	}
}

func TestCancelRunStopsWaitingRun(t *testing.T) {
	svc, mock, db := newTestService(t)

	shellCall := llm.MockToolCallResponse("shell_command", `{"command":"df -h"}`)
	shellCall.Choices[0].Message.Content = "Checking disk usage."
	mock.Script(
		llm.MockTextResponse("none"),
		shellCall,
	)

	run, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "check disk usage"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	conf := pendingConfirmation(t, db, "s1")

	if _, err := svc.CancelRun(context.Background(), run.RunID); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	final := waitTerminal(t, svc, run.RunID)
	if final.State != domain.AgentStateCancelled || final.DoneStatus != domain.DoneStatusStopped {
		t.Fatalf("run = %s/%s, want cancelled/stopped", final.State, final.DoneStatus)
	}

	// The parked action cannot outlive the run.
	got, err := db.GetConfirmation(context.Background(), conf.ConfirmationID)
	if err != nil || got == nil {
		t.Fatalf("GetConfirmation failed: %v", err)
	}
	if got.Status != domain.ConfirmationStatusExpired {
		t.Errorf("confirmation = %s, want expired", got.Status)
	}
	toolCall, err := db.GetToolCall(context.Background(), conf.ToolCallID)
	if err != nil || toolCall == nil {
		t.Fatalf("GetToolCall failed: %v", err)
	}
	if toolCall.Status != domain.ToolCallStatusCancelled {
		t.Errorf("tool call = %s, want cancelled", toolCall.Status)
	}

	// Cancelling again is a no-op.
	again, err := svc.CancelRun(context.Background(), run.RunID)
	if err != nil {
		t.Fatalf("second CancelRun failed: %v", err)
	}
	if again.State != domain.AgentStateCancelled {
		t.Errorf("second cancel state = %s, want cancelled", again.State)
	}
}

func TestCancelRunUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)
	run, err := svc.CancelRun(context.Background(), "run_missing")
	if err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil run for unknown id, got %+v", run)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	svc, mock, db := newTestService(t)

	writeCall := llm.MockToolCallResponse("file_write", `{"path":"/tmp/out.txt","content":"data"}`)
	writeCall.Choices[0].Message.Content = "Writing the output file."
	mock.Script(
		llm.MockTextResponse("none"),
		writeCall,
		llm.MockTextResponse("File written."),
	)

	run, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "write the output file"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	conf := pendingConfirmation(t, db, "s1")

	first, err := svc.Confirm(context.Background(), conf.ConfirmationID, domain.ConfirmRequest{Approved: true, DecidedBy: "alice"})
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if first.Status != domain.ConfirmationStatusApproved {
		t.Fatalf("confirmation = %s, want approved", first.Status)
	}

	// A conflicting retry changes nothing.
	second, err := svc.Confirm(context.Background(), conf.ConfirmationID, domain.ConfirmRequest{Approved: false, Feedback: "changed my mind"})
	if err != nil {
		t.Fatalf("repeat Confirm failed: %v", err)
	}
	if second.Status != domain.ConfirmationStatusApproved || second.DecidedBy != "alice" {
		t.Errorf("repeat decision altered the record: %s by %q", second.Status, second.DecidedBy)
	}

	final := waitTerminal(t, svc, run.RunID)
	if final.DoneStatus != domain.DoneStatusCompleted {
		t.Errorf("run = %s, want completed", final.DoneStatus)
	}

	unknown, err := svc.Confirm(context.Background(), "cf_missing", domain.ConfirmRequest{Approved: true})
	if err != nil || unknown != nil {
		t.Errorf("unknown confirmation = %+v, %v; want nil, nil", unknown, err)
	}
}

func TestSweepExpiresOrphanedConfirmation(t *testing.T) {
	svc, _, db := newTestService(t)
	ctx := context.Background()

	if err := db.CreateSession(ctx, &domain.Session{SessionID: "s1", UserID: "u1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := db.CreateRun(ctx, &domain.Run{RunID: "r1", SessionID: "s1", Input: "orphaned", State: domain.AgentStateWaitingConfirm, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := db.CreateToolCall(ctx, &domain.ToolCall{
		ToolCallID: "tc_1",
		RunID:      "r1",
		SessionID:  "s1",
		ToolName:   "file_write",
		RiskLevel:  domain.RiskLevelMedium,
		Status:     domain.ToolCallStatusPending,
		Args:       json.RawMessage(`{}`),
		CreatedAt:  time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("CreateToolCall: %v", err)
	}
	if err := db.CreateConfirmation(ctx, &domain.Confirmation{
		ConfirmationID: "cf_1",
		SessionID:      "s1",
		RunID:          "r1",
		ToolCallID:     "tc_1",
		ToolName:       "file_write",
		RiskLevel:      domain.RiskLevelMedium,
		Status:         domain.ConfirmationStatusPending,
		TimeoutMs:      1000,
		CreatedAt:      time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("CreateConfirmation: %v", err)
	}

	svc.sweepConfirmationTimeouts(ctx)

	conf, err := db.GetConfirmation(ctx, "cf_1")
	if err != nil || conf == nil {
		t.Fatalf("GetConfirmation: %v", err)
	}
	if conf.Status != domain.ConfirmationStatusExpired {
		t.Fatalf("confirmation = %s, want expired", conf.Status)
	}

	toolCall, err := db.GetToolCall(ctx, "tc_1")
	if err != nil || toolCall == nil {
		t.Fatalf("GetToolCall: %v", err)
	}
	if toolCall.Status != domain.ToolCallStatusCancelled {
		t.Fatalf("tool call = %s, want cancelled", toolCall.Status)
	}
	if toolCall.CompletedAt == nil {
		t.Error("expected completed_at set")
	}

	events, err := db.GetEvents(ctx, "s1", 0, []string{string(domain.EventTypeToolResult)}, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("tool_result events = %d, want 1", len(events))
	}

	// The orphaned run cannot wait forever either.
	run, err := db.GetRun(ctx, "r1")
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.State != domain.AgentStateCancelled || run.DoneStatus != domain.DoneStatusStopped {
		t.Fatalf("orphaned run = %s/%s, want cancelled/stopped", run.State, run.DoneStatus)
	}
	done, err := db.GetEvents(ctx, "s1", 0, []string{string(domain.EventTypeDone)}, 10)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(done) != 1 {
		t.Fatalf("done events = %d, want 1", len(done))
	}
}

func TestGetMemoryAndListTools(t *testing.T) {
	svc, mock, _ := newTestService(t)

	missing, err := svc.GetMemory(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Errorf("unknown session memory = %+v, %v; want nil, nil", missing, err)
	}

	mock.Script(
		llm.MockTextResponse("1. [ ] Look it up\n2. [ ] Answer"),
		llm.MockTextResponse("All done."),
	)
	run, err := svc.StartRun(context.Background(), "s1", domain.StartRunRequest{Input: "research the topic"})
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	waitTerminal(t, svc, run.RunID)

	mem, err := svc.GetMemory(context.Background(), "s1")
	if err != nil || mem == nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if mem.Plan == "" {
		t.Error("expected a plan in the memory snapshot")
	}
	if mem.Progress == "" {
		t.Error("expected progress notes in the memory snapshot")
	}

	infos := svc.ListTools()
	names := make(map[string]domain.ToolInfo, len(infos))
	for _, info := range infos {
		names[info.Name] = info
	}
	if _, ok := names["web_search"]; !ok {
		t.Error("web_search missing from the tool list")
	}
	if info, ok := names["shell_command"]; !ok || info.RiskLevel != domain.RiskLevelHigh {
		t.Error("shell_command missing or misclassified")
	}
}
