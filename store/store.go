// Package store defines the storage interface and implementations.
package store

import (
	"context"

	"github.com/xiaot623/agentloop/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetOrCreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunState(ctx context.Context, runID string, state domain.AgentState) error
	UpdateRunProgress(ctx context.Context, runID string, iterations, tokensUsed int) error
	UpdateRunCompleted(ctx context.Context, runID string, state domain.AgentState, doneStatus domain.DoneStatus, iterations, tokensUsed int, errData []byte) error

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, sessionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error)
	MaxEventSeq(ctx context.Context, sessionID string) (int64, error)

	// Tool call operations
	CreateToolCall(ctx context.Context, toolCall *domain.ToolCall) error
	GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error)
	UpdateToolCallStatus(ctx context.Context, toolCallID string, status domain.ToolCallStatus) (bool, error)
	UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result, errData []byte, durationMs int64) (bool, error)
	SetToolCallConfirmation(ctx context.Context, toolCallID, confirmationID string) (bool, error)

	// Confirmation operations
	CreateConfirmation(ctx context.Context, confirmation *domain.Confirmation) error
	GetConfirmation(ctx context.Context, confirmationID string) (*domain.Confirmation, error)
	GetPendingConfirmationBySession(ctx context.Context, sessionID string) (*domain.Confirmation, error)
	DecideConfirmationIfPending(ctx context.Context, confirmationID string, status domain.ConfirmationStatus, remember bool, feedback, decidedBy string) (bool, error)
	ExpireConfirmationIfPending(ctx context.Context, confirmationID, reason string) (bool, error)
	ListExpiredConfirmations(ctx context.Context, limit int) ([]domain.Confirmation, error)

	// Working memory operations
	GetMemoryDocument(ctx context.Context, sessionID, name string) (*domain.MemoryDocument, error)
	ReplaceMemoryDocument(ctx context.Context, sessionID, name, content string) error
	AppendMemoryDocument(ctx context.Context, sessionID, name, entry string) (string, error)

	Close() error
}
