package service

import (
	"context"
	"fmt"
	"log"

	"github.com/xiaot623/agentloop/domain"
)

// Confirm applies a human decision to a pending confirmation. Deciding an
// already-decided or expired confirmation changes nothing and returns the
// recorded state, so retried requests are safe.
func (s *Service) Confirm(ctx context.Context, confirmationID string, req domain.ConfirmRequest) (*domain.Confirmation, error) {
	conf, err := s.store.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	if conf == nil {
		return nil, nil
	}

	status := domain.ConfirmationStatusRejected
	if req.Approved {
		status = domain.ConfirmationStatusApproved
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = conf.SessionID
	}

	updated, err := s.store.DecideConfirmationIfPending(ctx, confirmationID, status, req.Remember, req.Feedback, decidedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to decide confirmation: %w", err)
	}
	if updated {
		log.Printf("INFO: confirmation %s %s by %s", confirmationID, status, decidedBy)
	}

	// The run loop picks the decision up on its next poll; the response
	// reflects whatever is now recorded.
	return s.store.GetConfirmation(ctx, confirmationID)
}

// GetConfirmation returns a confirmation by ID, or nil when it does not exist.
func (s *Service) GetConfirmation(ctx context.Context, confirmationID string) (*domain.Confirmation, error) {
	conf, err := s.store.GetConfirmation(ctx, confirmationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}
	return conf, nil
}
