package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/agent"
)

// StartRun accepts one user input for a session and drives it asynchronously.
// A session holds at most one live run at a time.
func (s *Service) StartRun(ctx context.Context, sessionID string, req domain.StartRunRequest) (*domain.Run, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", domain.ErrValidationFailed)
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("%w: input is required", domain.ErrValidationFailed)
	}

	userID := req.UserID
	if userID == "" {
		userID = "default_user"
	}
	session, err := s.store.GetOrCreateSession(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create session: %w", err)
	}

	runID := "run_" + uuid.New().String()[:8]
	s.mu.Lock()
	if liveID, ok := s.active[session.SessionID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s", ErrRunInProgress, liveID)
	}
	s.active[session.SessionID] = runID
	s.mu.Unlock()

	now := time.Now()
	run := &domain.Run{
		RunID:     runID,
		SessionID: session.SessionID,
		Input:     req.Input,
		State:     domain.AgentStateInit,
		StartedAt: now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.release(session.SessionID, runID)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	userMsg := &domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		SessionID: session.SessionID,
		RunID:     runID,
		Role:      "user",
		Content:   req.Input,
		CreatedAt: now,
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		log.Printf("ERROR: failed to save user message: %v", err)
		// Continue anyway - message storage failure shouldn't block the run
	}

	sc := agent.NewSessionContext(session.SessionID, runID, userID, req.Input)
	s.mu.Lock()
	s.runs[runID] = sc
	s.mu.Unlock()

	go s.driveRun(sc)

	return run, nil
}

// driveRun owns the goroutine for one run and releases the session slot when
// the loop finishes.
func (s *Service) driveRun(sc *agent.SessionContext) {
	defer s.release(sc.SessionID, sc.RunID)
	s.loop.Run(context.Background(), sc)
}

func (s *Service) release(sessionID, runID string) {
	s.mu.Lock()
	if s.active[sessionID] == runID {
		delete(s.active, sessionID)
	}
	delete(s.runs, runID)
	s.mu.Unlock()
}

// GetRun returns a run by ID. Returns nil when the run does not exist.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CancelRun requests a live run to stop at its next iteration boundary; an
// in-flight action is allowed to finish first. Cancelling a finished run is
// a no-op, and an orphaned non-terminal run row is closed directly.
func (s *Service) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, nil
	}
	if run.State.IsTerminal() {
		return run, nil
	}

	s.mu.Lock()
	sc := s.runs[runID]
	s.mu.Unlock()

	if sc != nil {
		sc.RequestStop()
		log.Printf("INFO: run %s stop requested", runID)
		return run, nil
	}

	// No live goroutine for this run, e.g. after a restart. Close the row
	// and the event stream directly.
	if err := s.store.UpdateRunCompleted(ctx, runID, domain.AgentStateCancelled, domain.DoneStatusStopped, run.Iterations, run.TokensUsed, nil); err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	if _, err := s.emitter.Emit(ctx, run.SessionID, runID, domain.EventTypeDone, domain.DonePayload{
		Status:     domain.DoneStatusStopped,
		TokensUsed: run.TokensUsed,
	}); err != nil {
		log.Printf("WARN: failed to record done event for run %s: %v", runID, err)
	}
	log.Printf("INFO: run %s cancelled (no live goroutine)", runID)
	return s.store.GetRun(ctx, runID)
}

// GetEvents returns a session's events after the given sequence number.
func (s *Service) GetEvents(ctx context.Context, sessionID string, afterSeq int64, types []string, limit int) ([]domain.Event, error) {
	events, err := s.store.GetEvents(ctx, sessionID, afterSeq, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}
