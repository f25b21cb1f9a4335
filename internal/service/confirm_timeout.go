package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/xiaot623/agentloop/domain"
)

// RunConfirmationTimeoutMonitor expires confirmations whose window has
// elapsed. The waiting run loop enforces its own deadline; this sweep covers
// confirmations orphaned by a restart so they cannot be decided forever.
func (s *Service) RunConfirmationTimeoutMonitor(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepConfirmationTimeouts(ctx)
		}
	}
}

func (s *Service) sweepConfirmationTimeouts(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	expired, err := s.store.ListExpiredConfirmations(sweepCtx, 100)
	if err != nil {
		log.Printf("WARN: confirmation timeout sweep failed: %v", err)
		return
	}

	for _, conf := range expired {
		updated, err := s.store.ExpireConfirmationIfPending(sweepCtx, conf.ConfirmationID, "confirmation timed out")
		if err != nil {
			log.Printf("WARN: failed to expire confirmation %s: %v", conf.ConfirmationID, err)
			continue
		}
		if !updated {
			continue
		}
		log.Printf("INFO: confirmation %s expired after %dms", conf.ConfirmationID, conf.TimeoutMs)

		// Cancel the gated tool call unless its owner already finalized it.
		errData, _ := json.Marshal(domain.ErrorPayload{
			Code:    domain.CodeConfirmationTimeout,
			Message: "confirmation timed out",
		})
		cancelled, err := s.store.UpdateToolCallResult(sweepCtx, conf.ToolCallID, domain.ToolCallStatusCancelled, nil, errData, 0)
		if err != nil {
			log.Printf("WARN: failed to cancel tool call %s: %v", conf.ToolCallID, err)
			continue
		}
		if !cancelled {
			continue
		}
		if _, err := s.emitter.Emit(sweepCtx, conf.SessionID, conf.RunID, domain.EventTypeToolResult, domain.ToolResultPayload{
			ID:     conf.ToolCallID,
			Status: domain.ToolCallStatusCancelled,
			Error:  errData,
		}); err != nil {
			log.Printf("WARN: failed to record tool_result event for %s: %v", conf.ToolCallID, err)
		}

		// A run with a live goroutine observes the expiry on its own poll.
		// Without one, e.g. after a restart, the run row would wait forever.
		s.mu.Lock()
		_, live := s.runs[conf.RunID]
		s.mu.Unlock()
		if live {
			continue
		}
		run, err := s.store.GetRun(sweepCtx, conf.RunID)
		if err != nil || run == nil || run.State.IsTerminal() {
			continue
		}
		if err := s.store.UpdateRunCompleted(sweepCtx, conf.RunID, domain.AgentStateCancelled, domain.DoneStatusStopped, run.Iterations, run.TokensUsed, nil); err != nil {
			log.Printf("WARN: failed to close orphaned run %s: %v", conf.RunID, err)
			continue
		}
		if _, err := s.emitter.Emit(sweepCtx, conf.SessionID, conf.RunID, domain.EventTypeDone, domain.DonePayload{
			Status:     domain.DoneStatusStopped,
			TokensUsed: run.TokensUsed,
		}); err != nil {
			log.Printf("WARN: failed to record done event for run %s: %v", conf.RunID, err)
		}
		log.Printf("INFO: orphaned run %s closed after confirmation expiry", conf.RunID)
	}
}
