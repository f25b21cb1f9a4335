// Package failure classifies non-success outcomes, tracks repetition, and
// decides when the loop should stop retrying and rethink.
package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/agentloop/domain"
)

// EscalateAfter is the number of consecutive same-kind failures that
// triggers the reflection reboot.
const EscalateAfter = 3

// Observer collects failure signals for one run. Recording tells the caller
// whether the streak crossed the escalation threshold.
type Observer struct {
	mu         sync.Mutex
	recent     []domain.FailureSignal
	streakKind domain.FailureKind
	streak     int
	total      int
}

// NewObserver creates an empty failure observer.
func NewObserver() *Observer {
	return &Observer{}
}

// Classify builds a failure signal from an error. Kind detection falls back
// to message text for errors that cross process or API boundaries.
func Classify(source, toolName string, toolArgs json.RawMessage, err error) domain.FailureSignal {
	signal := domain.FailureSignal{
		Source:    source,
		Kind:      domain.FailureKindGeneric,
		Retryable: true,
		Message:   err.Error(),
		ToolName:  toolName,
		ToolArgs:  toolArgs,
		Timestamp: time.Now(),
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrConfirmationTimeout) ||
		strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		signal.Kind = domain.FailureKindTimeout
	case errors.Is(err, domain.ErrToolNotFound) || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "no tool registered"):
		signal.Kind = domain.FailureKindNotFound
		signal.Retryable = false
	case errors.Is(err, domain.ErrValidationFailed) || strings.Contains(msg, "required") ||
		strings.Contains(msg, "invalid"):
		signal.Kind = domain.FailureKindValidation
		signal.Retryable = false
	case errors.Is(err, domain.ErrConfirmationRejected) || strings.Contains(msg, "rejected") ||
		strings.Contains(msg, "denied"):
		signal.Kind = domain.FailureKindRejected
		signal.Retryable = false
	case strings.Contains(msg, "permission") || strings.Contains(msg, "blocked") ||
		strings.Contains(msg, "forbidden"):
		signal.Kind = domain.FailureKindPermission
		signal.Retryable = false
	}

	return signal
}

// Record adds a failure signal. Returns true when the signal is the third
// consecutive failure of the same kind. The streak survives successes in
// between; only a failure of a different kind interrupts it.
func (o *Observer) Record(signal domain.FailureSignal) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.total++
	o.recent = append(o.recent, signal)

	if signal.Kind == o.streakKind && o.streak > 0 {
		o.streak++
	} else {
		o.streakKind = signal.Kind
		o.streak = 1
	}

	if o.streak >= EscalateAfter {
		// Give the reboot a clean window before the next escalation.
		o.streak = 0
		return true
	}
	return false
}

// Streak returns the kind and length of the current failure streak.
func (o *Observer) Streak() (domain.FailureKind, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streakKind, o.streak
}

// Total returns the number of failures recorded so far.
func (o *Observer) Total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

// Last returns the most recent failure signal, or nil.
func (o *Observer) Last() *domain.FailureSignal {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.recent) == 0 {
		return nil
	}
	signal := o.recent[len(o.recent)-1]
	return &signal
}

// Digest renders the last n failures with a short lesson per kind, for
// inclusion in the assembled context.
func (o *Observer) Digest(n int) string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.recent) == 0 {
		return ""
	}
	start := len(o.recent) - n
	if start < 0 {
		start = 0
	}

	var sb strings.Builder
	for _, signal := range o.recent[start:] {
		sb.WriteString(fmt.Sprintf("- [%s] %s", signal.Kind, signal.Message))
		if signal.ToolName != "" {
			sb.WriteString(fmt.Sprintf(" (tool: %s)", signal.ToolName))
		}
		if lesson := lessonForKind(signal.Kind); lesson != "" {
			sb.WriteString(" => " + lesson)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func lessonForKind(kind domain.FailureKind) string {
	switch kind {
	case domain.FailureKindTimeout:
		return "prefer a narrower request or a different source"
	case domain.FailureKindNotFound:
		return "the target does not exist, do not retry the same name"
	case domain.FailureKindValidation:
		return "fix the arguments before calling again"
	case domain.FailureKindRejected:
		return "the user declined this action, choose another approach"
	case domain.FailureKindPermission:
		return "this action is not permitted, work around it"
	default:
		return ""
	}
}
