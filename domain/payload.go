package domain

import "encoding/json"

// ThinkingPayload is the payload for a thinking event.
type ThinkingPayload struct {
	Content string `json:"content"`
}

// ToolCallPayload is the payload for a tool_call event.
type ToolCallPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Status    ToolCallStatus  `json:"status"` // pending or running
}

// ToolResultPayload is the payload for a tool_result event.
type ToolResultPayload struct {
	ID         string          `json:"id"`
	Status     ToolCallStatus  `json:"status"` // success, error or cancelled
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// ConfirmRequiredPayload is the payload for a confirm_required event.
type ConfirmRequiredPayload struct {
	ActionID       string          `json:"action_id"`
	Tool           string          `json:"tool"`
	Arguments      json.RawMessage `json:"arguments"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	Description    string          `json:"description"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// ContentPayload is the payload for a content event.
type ContentPayload struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
}

// MemoryUpdatePayload is the payload for a memory_update event.
type MemoryUpdatePayload struct {
	Document string `json:"document"`
	Content  string `json:"content"`
}

// DonePayload is the payload for the terminal done event.
type DonePayload struct {
	Status     DoneStatus `json:"status"`
	TokensUsed int        `json:"tokens_used"`
}

// ErrorPayload is the payload for an error event.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
