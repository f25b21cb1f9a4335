package domain

import (
	"encoding/json"
	"time"
)

// Session represents a conversation session.
type Session struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Message represents a single message in a session's history.
type Message struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"` // user, assistant, tool
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Run represents a single execution of the control loop for one user input.
type Run struct {
	RunID      string          `json:"run_id"`
	SessionID  string          `json:"session_id"`
	Input      string          `json:"input"`
	State      AgentState      `json:"state"`
	DoneStatus DoneStatus      `json:"done_status,omitempty"`
	Iterations int             `json:"iterations"`
	TokensUsed int             `json:"tokens_used"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

// Event represents a single entry in a session's ordered event stream.
// Seq is strictly increasing per session with no gaps.
type Event struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Ts        int64           `json:"ts"` // Unix milliseconds
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ToolCall represents one requested action and its terminal outcome.
// The terminal status is set exactly once; the record is immutable afterwards.
type ToolCall struct {
	ToolCallID     string          `json:"tool_call_id"`
	RunID          string          `json:"run_id"`
	SessionID      string          `json:"session_id"`
	ToolName       string          `json:"tool_name"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	Status         ToolCallStatus  `json:"status"`
	Args           json.RawMessage `json:"args"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	ConfirmationID string          `json:"confirmation_id,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Confirmation represents a pending human approval for a risky action.
type Confirmation struct {
	ConfirmationID string             `json:"confirmation_id"`
	SessionID      string             `json:"session_id"`
	RunID          string             `json:"run_id"`
	ToolCallID     string             `json:"tool_call_id"`
	ToolName       string             `json:"tool_name"`
	RiskLevel      RiskLevel          `json:"risk_level"`
	Description    string             `json:"description"`
	Status         ConfirmationStatus `json:"status"`
	Remember       bool               `json:"remember,omitempty"`
	Feedback       string             `json:"feedback,omitempty"`
	TimeoutMs      int                `json:"timeout_ms"`
	CreatedAt      time.Time          `json:"created_at"`
	DecidedAt      *time.Time         `json:"decided_at,omitempty"`
	DecidedBy      string             `json:"decided_by,omitempty"`
}

// MemoryDocument is one durable working-memory document for a session.
// The plan document is replace-on-update; findings and progress are append-only.
type MemoryDocument struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TodoItem is one entry of the active plan checklist.
type TodoItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

// FailureSignal records one non-success outcome. Never mutated after creation.
type FailureSignal struct {
	Source    string          `json:"source"`
	Kind      FailureKind     `json:"kind"`
	Retryable bool            `json:"retryable"`
	Message   string          `json:"message"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolArgs  json.RawMessage `json:"tool_args,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
