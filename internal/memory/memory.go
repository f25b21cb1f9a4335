// Package memory manages the durable working memory of a session: the plan,
// the findings log, and the progress log.
package memory

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/internal/emitter"
	"github.com/xiaot623/agentloop/store"
)

// GatherThreshold is the number of consecutive information-gathering actions
// after which the agent is reminded to persist what it learned.
const GatherThreshold = 2

// Manager reads and writes working memory documents. Every durable write
// also emits a memory_update event carrying the full new document content.
type Manager struct {
	store   store.Store
	emitter *emitter.Emitter
}

// NewManager creates a working memory manager. The emitter may be nil.
func NewManager(st store.Store, em *emitter.Emitter) *Manager {
	return &Manager{store: st, emitter: em}
}

// ReadPlan returns the current plan document content, or "" if none exists.
func (m *Manager) ReadPlan(ctx context.Context, sessionID string) (string, error) {
	doc, err := m.store.GetMemoryDocument(ctx, sessionID, domain.DocPlan)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", nil
	}
	return doc.Content, nil
}

// WritePlan replaces the plan document. The plan is the only document with
// replace semantics.
func (m *Manager) WritePlan(ctx context.Context, sessionID, runID, content string) error {
	if err := m.store.ReplaceMemoryDocument(ctx, sessionID, domain.DocPlan, content); err != nil {
		return err
	}
	return m.emitUpdate(ctx, sessionID, runID, domain.DocPlan, content)
}

// AppendFinding appends one entry to the findings document. Existing entries
// are never rewritten.
func (m *Manager) AppendFinding(ctx context.Context, sessionID, runID, finding string) error {
	content, err := m.store.AppendMemoryDocument(ctx, sessionID, domain.DocFindings, finding)
	if err != nil {
		return err
	}
	return m.emitUpdate(ctx, sessionID, runID, domain.DocFindings, content)
}

// AppendProgress appends one bookkeeping note to the progress document.
func (m *Manager) AppendProgress(ctx context.Context, sessionID, runID, note string) error {
	content, err := m.store.AppendMemoryDocument(ctx, sessionID, domain.DocProgress, note)
	if err != nil {
		return err
	}
	return m.emitUpdate(ctx, sessionID, runID, domain.DocProgress, content)
}

// LogError renders a failure signal into the progress document so the error
// history survives context compression.
func (m *Manager) LogError(ctx context.Context, sessionID, runID string, signal domain.FailureSignal) error {
	line := fmt.Sprintf("[%s] error %s from %s", signal.Timestamp.Format(time.RFC3339), signal.Kind, signal.Source)
	if signal.ToolName != "" {
		line += " tool " + signal.ToolName
	}
	line += ": " + signal.Message
	return m.AppendProgress(ctx, sessionID, runID, line)
}

// planLine matches one checklist line: an optional number, a checkbox, and
// the step title.
var planLine = regexp.MustCompile(`^\s*(?:(\d+)[.)]\s*)?(?:[-*]\s*)?\[( |x|X)\]\s*(.+)$`)

// ParsePlan parses a checklist plan into structured todo items. Lines that do
// not look like checklist entries are skipped. updatedAt stamps each item with
// the last plan write time.
func ParsePlan(content string, updatedAt time.Time) []domain.TodoItem {
	var items []domain.TodoItem
	for _, line := range strings.Split(content, "\n") {
		m := planLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id := m[1]
		if id == "" {
			id = strconv.Itoa(len(items) + 1)
		}
		items = append(items, domain.TodoItem{
			ID:        id,
			Title:     strings.TrimSpace(m[3]),
			Completed: strings.EqualFold(m[2], "x"),
			CreatedAt: updatedAt,
		})
	}
	return items
}

// PlanItems returns the stored plan parsed into todo items, or nil when the
// session has no plan.
func (m *Manager) PlanItems(ctx context.Context, sessionID string) ([]domain.TodoItem, error) {
	doc, err := m.store.GetMemoryDocument(ctx, sessionID, domain.DocPlan)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return ParsePlan(doc.Content, doc.UpdatedAt), nil
}

// Snapshot returns the three working memory documents of a session.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (plan, findings, progress string, err error) {
	for _, name := range []string{domain.DocPlan, domain.DocFindings, domain.DocProgress} {
		doc, derr := m.store.GetMemoryDocument(ctx, sessionID, name)
		if derr != nil {
			return "", "", "", derr
		}
		content := ""
		if doc != nil {
			content = doc.Content
		}
		switch name {
		case domain.DocPlan:
			plan = content
		case domain.DocFindings:
			findings = content
		case domain.DocProgress:
			progress = content
		}
	}
	return plan, findings, progress, nil
}

func (m *Manager) emitUpdate(ctx context.Context, sessionID, runID, document, content string) error {
	if m.emitter == nil {
		return nil
	}
	_, err := m.emitter.Emit(ctx, sessionID, runID, domain.EventTypeMemoryUpdate, domain.MemoryUpdatePayload{
		Document: document,
		Content:  content,
	})
	return err
}

// GatherCounter tracks consecutive information-gathering actions without a
// durable write. Crossing the threshold resets the count and arms a one-shot
// reminder; the reminder is advisory: the loop nudges the model to save
// findings but never blocks the next action.
type GatherCounter struct {
	count int
	due   bool
}

// NoteGathering records one read-only action and reports whether the
// threshold was just crossed.
func (c *GatherCounter) NoteGathering() bool {
	c.count++
	if c.count < GatherThreshold {
		return false
	}
	c.count = 0
	c.due = true
	return true
}

// NoteDurableWrite resets the streak and clears any pending reminder.
func (c *GatherCounter) NoteDurableWrite() {
	c.count = 0
	c.due = false
}

// TakeReminder reports whether a reminder is pending and disarms it.
func (c *GatherCounter) TakeReminder() bool {
	due := c.due
	c.due = false
	return due
}
