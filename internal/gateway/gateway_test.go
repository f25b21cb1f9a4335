package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/emitter"
	"github.com/xiaot623/agentloop/internal/tools"
	"github.com/xiaot623/agentloop/policy"
	"github.com/xiaot623/agentloop/store"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()

	register := func(def tools.Definition) {
		if err := r.Register(def); err != nil {
			t.Fatalf("failed to register %s: %v", def.Name, err)
		}
	}
	register(tools.Definition{
		Name:      "fetch_info",
		RiskLevel: domain.RiskLevelNone,
		ReadOnly:  true,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"info":"ok"}`), nil
		},
	})
	register(tools.Definition{
		Name:      "write_file",
		RiskLevel: domain.RiskLevelMedium,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"status":"written"}`), nil
		},
	})
	register(tools.Definition{
		Name:      "shell_command",
		RiskLevel: domain.RiskLevelHigh,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"status":"completed"}`), nil
		},
	})
	register(tools.Definition{
		Name:      "boom",
		RiskLevel: domain.RiskLevelNone,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("downstream unavailable")
		},
	})
	register(tools.Definition{
		Name:      "garbled",
		RiskLevel: domain.RiskLevelNone,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`not json at all`), nil
		},
	})
	return r
}

func testGateway(t *testing.T) (*Gateway, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateSession(ctx, &domain.Session{SessionID: "sess_1", UserID: "u1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := st.CreateRun(ctx, &domain.Run{RunID: "run_1", SessionID: "sess_1", Input: "x", State: domain.AgentStateInit, StartedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	engine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	em := emitter.New(st, nil)
	g := New(st, testRegistry(t), engine, em, domain.RiskLevelMedium, 300*time.Second, 5*time.Second)
	return g, st
}

func request(toolName, args string) Request {
	return Request{
		SessionID: "sess_1",
		RunID:     "run_1",
		ToolName:  toolName,
		Args:      json.RawMessage(args),
	}
}

func TestPrepareAllowsLowRisk(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("fetch_info", `{"topic":"golang"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if prepared.Confirmation != nil {
		t.Error("expected no confirmation for risk below threshold")
	}
	if prepared.ToolCall.Status != domain.ToolCallStatusPending {
		t.Errorf("expected pending status, got %s", prepared.ToolCall.Status)
	}

	events, err := st.GetEvents(ctx, "sess_1", 0, []string{"tool_call"}, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 tool_call event, got %d", len(events))
	}
	var payload domain.ToolCallPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.Status != domain.ToolCallStatusPending || payload.Name != "fetch_info" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestPrepareUnknownTool(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("missing_tool", `{}`))
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}

	toolCall, err := st.GetToolCall(ctx, prepared.ToolCall.ToolCallID)
	if err != nil {
		t.Fatalf("GetToolCall failed: %v", err)
	}
	if toolCall.Status != domain.ToolCallStatusError {
		t.Errorf("expected error status, got %s", toolCall.Status)
	}

	events, _ := st.GetEvents(ctx, "sess_1", 0, []string{"tool_result"}, 0)
	if len(events) != 1 {
		t.Fatalf("expected 1 tool_result event, got %d", len(events))
	}
	var payload domain.ToolResultPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	var errPayload domain.ErrorPayload
	if err := json.Unmarshal(payload.Error, &errPayload); err != nil {
		t.Fatalf("failed to unmarshal error: %v", err)
	}
	if errPayload.Code != domain.CodeToolNotFound {
		t.Errorf("expected code tool_not_found, got %s", errPayload.Code)
	}
}

func TestPrepareInvalidArgs(t *testing.T) {
	g, _ := testGateway(t)

	_, err := g.Prepare(context.Background(), request("fetch_info", `"just a string"`))
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
}

func TestPrepareRequiresConfirmationAtThreshold(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("write_file", `{"path":"report.txt"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if prepared.Confirmation == nil {
		t.Fatal("expected confirmation for medium risk at medium threshold")
	}
	if prepared.Confirmation.Status != domain.ConfirmationStatusPending {
		t.Errorf("expected pending confirmation, got %s", prepared.Confirmation.Status)
	}

	toolCall, _ := st.GetToolCall(ctx, prepared.ToolCall.ToolCallID)
	if toolCall.ConfirmationID != prepared.Confirmation.ConfirmationID {
		t.Error("expected tool call linked to confirmation")
	}
	if toolCall.Status != domain.ToolCallStatusPending {
		t.Errorf("expected tool call to stay pending, got %s", toolCall.Status)
	}

	events, _ := st.GetEvents(ctx, "sess_1", 0, []string{"confirm_required"}, 0)
	if len(events) != 1 {
		t.Fatalf("expected 1 confirm_required event, got %d", len(events))
	}
	var payload domain.ConfirmRequiredPayload
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.ActionID != prepared.Confirmation.ConfirmationID || payload.Tool != "write_file" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if payload.TimeoutSeconds != 300 {
		t.Errorf("expected 300s timeout, got %d", payload.TimeoutSeconds)
	}
}

func TestPrepareBlocksDeniedCommand(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("shell_command", `{"command":"rm -rf / --force"}`))
	if !errors.Is(err, domain.ErrPolicyBlocked) {
		t.Fatalf("expected ErrPolicyBlocked, got %v", err)
	}

	toolCall, _ := st.GetToolCall(ctx, prepared.ToolCall.ToolCallID)
	if toolCall.Status != domain.ToolCallStatusError {
		t.Errorf("expected error status, got %s", toolCall.Status)
	}
}

func TestRememberSkipsConfirmation(t *testing.T) {
	g, _ := testGateway(t)
	ctx := context.Background()

	g.RememberApproval("sess_1", "write_file")
	prepared, err := g.Prepare(ctx, request("write_file", `{"path":"report.txt"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if prepared.Confirmation != nil {
		t.Error("expected remembered approval to skip confirmation")
	}

	// The memory is per session.
	if g.isRemembered("sess_other", "write_file") {
		t.Error("expected remember flag to be session-scoped")
	}
}

func TestAwaitDecisionApproved(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("write_file", `{"path":"report.txt"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		st.DecideConfirmationIfPending(ctx, prepared.Confirmation.ConfirmationID,
			domain.ConfirmationStatusApproved, false, "", "user_1")
	}()

	confirmation, err := g.AwaitDecision(ctx, prepared.Confirmation.ConfirmationID, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitDecision failed: %v", err)
	}
	if confirmation.Status != domain.ConfirmationStatusApproved {
		t.Errorf("expected approved, got %s", confirmation.Status)
	}
}

func TestAwaitDecisionTimeout(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("write_file", `{"path":"report.txt"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	confirmation, err := g.AwaitDecision(ctx, prepared.Confirmation.ConfirmationID, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitDecision failed: %v", err)
	}
	if confirmation.Status != domain.ConfirmationStatusExpired {
		t.Errorf("expected expired, got %s", confirmation.Status)
	}

	stored, _ := st.GetConfirmation(ctx, prepared.Confirmation.ConfirmationID)
	if stored.Status != domain.ConfirmationStatusExpired {
		t.Errorf("expected expired in store, got %s", stored.Status)
	}
}

func TestExecuteSuccess(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("fetch_info", `{"topic":"golang"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	toolCall, err := g.Execute(ctx, prepared)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if toolCall.Status != domain.ToolCallStatusSuccess {
		t.Errorf("expected success, got %s", toolCall.Status)
	}
	if string(toolCall.Result) != `{"info":"ok"}` {
		t.Errorf("unexpected result: %s", string(toolCall.Result))
	}

	events, _ := st.GetEvents(ctx, "sess_1", 0, nil, 0)
	var types []domain.EventType
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []domain.EventType{
		domain.EventTypeToolCall,   // pending
		domain.EventTypeToolCall,   // running
		domain.EventTypeToolResult, // success
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %d (%v)", len(want), len(types), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestExecuteFailureRecordsError(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("boom", `{}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	toolCall, err := g.Execute(ctx, prepared)
	if err == nil {
		t.Fatal("expected execution error")
	}
	if toolCall.Status != domain.ToolCallStatusError {
		t.Errorf("expected error status, got %s", toolCall.Status)
	}

	events, _ := st.GetEvents(ctx, "sess_1", 0, []string{"tool_result"}, 0)
	if len(events) != 1 {
		t.Fatalf("expected 1 tool_result event, got %d", len(events))
	}
	var payload domain.ToolResultPayload
	json.Unmarshal(events[0].Payload, &payload)
	if payload.Status != domain.ToolCallStatusError {
		t.Errorf("expected error status in event, got %s", payload.Status)
	}
}

func TestExecuteRejectsMalformedResult(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("garbled", `{}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	toolCall, err := g.Execute(ctx, prepared)
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if toolCall.Status != domain.ToolCallStatusError {
		t.Errorf("expected error status, got %s", toolCall.Status)
	}

	var errPayload domain.ErrorPayload
	if err := json.Unmarshal(toolCall.Error, &errPayload); err != nil {
		t.Fatalf("failed to unmarshal error: %v", err)
	}
	if errPayload.Code != domain.CodeValidationFailed {
		t.Errorf("expected code validation_failed, got %s", errPayload.Code)
	}

	events, _ := st.GetEvents(ctx, "sess_1", 0, []string{"tool_result"}, 0)
	if len(events) != 1 {
		t.Fatalf("expected 1 tool_result event, got %d", len(events))
	}
}

func TestFinalizeDeniedCancels(t *testing.T) {
	g, st := testGateway(t)
	ctx := context.Background()

	prepared, err := g.Prepare(ctx, request("write_file", `{"path":"report.txt"}`))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if err := g.FinalizeDenied(ctx, prepared, "not now"); err != nil {
		t.Fatalf("FinalizeDenied failed: %v", err)
	}

	toolCall, _ := st.GetToolCall(ctx, prepared.ToolCall.ToolCallID)
	if toolCall.Status != domain.ToolCallStatusCancelled {
		t.Errorf("expected cancelled, got %s", toolCall.Status)
	}

	var errPayload domain.ErrorPayload
	if err := json.Unmarshal(toolCall.Error, &errPayload); err != nil {
		t.Fatalf("failed to unmarshal error: %v", err)
	}
	if errPayload.Code != domain.CodeConfirmationRejected {
		t.Errorf("expected code confirmation_rejected, got %s", errPayload.Code)
	}
	if toolCall.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}
