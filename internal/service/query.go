package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/xiaot623/agentloop/domain"
)

// GetMemory returns the working-memory snapshot for a session, or nil when
// the session does not exist.
func (s *Service) GetMemory(ctx context.Context, sessionID string) (*domain.MemoryResponse, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	plan, findings, progress, err := s.memory.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory: %w", err)
	}
	items, err := s.memory.PlanItems(ctx, sessionID)
	if err != nil {
		log.Printf("WARN: failed to parse plan for session %s: %v", sessionID, err)
	}
	return &domain.MemoryResponse{
		SessionID: sessionID,
		Plan:      plan,
		PlanItems: items,
		Findings:  findings,
		Progress:  progress,
	}, nil
}

// GetToolCall returns a tool call record, or nil when it does not exist.
func (s *Service) GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error) {
	return s.store.GetToolCall(ctx, toolCallID)
}

// ListTools describes the registered capabilities.
func (s *Service) ListTools() []domain.ToolInfo {
	defs := s.registry.List()
	infos := make([]domain.ToolInfo, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.Parameters)
		if err != nil {
			log.Printf("WARN: failed to marshal parameters for tool %s: %v", def.Name, err)
			params = nil
		}
		infos = append(infos, domain.ToolInfo{
			Name:        def.Name,
			Description: def.Description,
			RiskLevel:   def.RiskLevel,
			ReadOnly:    def.ReadOnly,
			Parameters:  params,
		})
	}
	return infos
}
