package domain

import "encoding/json"

// StartRunRequest is the request to start a run for a session.
type StartRunRequest struct {
	Input  string `json:"input"`
	UserID string `json:"user_id,omitempty"`
}

// StartRunResponse is returned when a run has been accepted.
type StartRunResponse struct {
	RunID     string     `json:"run_id"`
	SessionID string     `json:"session_id"`
	State     AgentState `json:"state"`
}

// ConfirmRequest is a human decision on a pending confirmation.
type ConfirmRequest struct {
	Approved  bool   `json:"approved"`
	Remember  bool   `json:"remember,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// ConfirmResponse reflects the confirmation state after a decision.
// Repeat decisions on a decided confirmation return the recorded state unchanged.
type ConfirmResponse struct {
	ConfirmationID string             `json:"confirmation_id"`
	Status         ConfirmationStatus `json:"status"`
	ToolCallID     string             `json:"tool_call_id"`
	ToolCallStatus ToolCallStatus     `json:"tool_call_status"`
}

// MemoryResponse is the read-only working-memory snapshot for a session.
// PlanItems is the plan parsed into its checklist entries.
type MemoryResponse struct {
	SessionID string     `json:"session_id"`
	Plan      string     `json:"plan"`
	PlanItems []TodoItem `json:"plan_items,omitempty"`
	Findings  string     `json:"findings"`
	Progress  string     `json:"progress"`
}

// ListEventsResponse is the response for polling a session's event stream.
type ListEventsResponse struct {
	Events  []Event `json:"events"`
	LastSeq int64   `json:"last_seq"`
}

// ToolInfo describes one registered capability.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	ReadOnly    bool            `json:"read_only"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ListToolsResponse is the response for listing registered tools.
type ListToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
}
