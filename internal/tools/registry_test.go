package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xiaot623/agentloop/domain"
)

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Definition{Name: "", Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}})
	if err == nil {
		t.Error("expected error for empty name")
	}

	err = r.Register(Definition{Name: "no_exec"})
	if err == nil {
		t.Error("expected error for nil executor")
	}

	def := Definition{Name: "echo", Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	}}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(def); err == nil {
		t.Error("expected error for duplicate registration")
	}

	got, ok := r.Get("echo")
	if !ok {
		t.Fatal("expected to find registered tool")
	}
	if got.RiskLevel != domain.RiskLevelNone {
		t.Errorf("expected default risk level none, got %s", got.RiskLevel)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "missing", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestListSortedByName(t *testing.T) {
	r := NewRegistry()
	exec := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil }
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(Definition{Name: name, Execute: exec}); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	defs := r.List()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "mid" || defs[2].Name != "zeta" {
		t.Errorf("expected sorted order, got %s, %s, %s", defs[0].Name, defs[1].Name, defs[2].Name)
	}
}

func TestBuiltinToolsRegistered(t *testing.T) {
	expected := map[string]domain.RiskLevel{
		"web_search":    domain.RiskLevelNone,
		"web_fetch":     domain.RiskLevelLow,
		"file_read":     domain.RiskLevelLow,
		"file_write":    domain.RiskLevelMedium,
		"shell_command": domain.RiskLevelHigh,
		"update_plan":   domain.RiskLevelNone,
		"save_finding":  domain.RiskLevelNone,
	}
	for name, risk := range expected {
		def, ok := DefaultRegistry.Get(name)
		if !ok {
			t.Errorf("expected builtin tool %s to be registered", name)
			continue
		}
		if def.RiskLevel != risk {
			t.Errorf("tool %s: expected risk %s, got %s", name, risk, def.RiskLevel)
		}
	}

	for _, name := range []string{"web_search", "web_fetch", "file_read"} {
		def, _ := DefaultRegistry.Get(name)
		if !def.ReadOnly {
			t.Errorf("expected %s to be read-only", name)
		}
	}
}

func TestBuiltinWebSearch(t *testing.T) {
	result, err := DefaultRegistry.Execute(context.Background(), "web_search", json.RawMessage(`{"query":"golang"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var parsed struct {
		Query   string                   `json:"query"`
		Results []map[string]interface{} `json:"results"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if parsed.Query != "golang" || len(parsed.Results) == 0 {
		t.Errorf("unexpected result: %s", string(result))
	}

	_, err = DefaultRegistry.Execute(context.Background(), "web_search", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for missing query")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("expected required-field error, got: %v", err)
	}
}
