package emitter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/store"
)

type captureSink struct {
	events []*domain.Event
}

func (c *captureSink) Publish(sessionID string, event *domain.Event) {
	c.events = append(c.events, event)
}

func setupStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.CreateSession(ctx, &domain.Session{SessionID: "sess_1", UserID: "u1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := st.CreateRun(ctx, &domain.Run{RunID: "run_1", SessionID: "sess_1", Input: "x", State: domain.AgentStateInit, StartedAt: time.Now()}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return st
}

func TestEmitAssignsContiguousSeq(t *testing.T) {
	st := setupStore(t)
	sink := &captureSink{}
	em := New(st, sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := em.Emit(ctx, "sess_1", "run_1", domain.EventTypeThinking, domain.ThinkingPayload{Content: "step"})
		if err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	events, err := st.GetEvents(ctx, "sess_1", 0, nil, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, event := range events {
		if event.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, event.Seq)
		}
	}

	if len(sink.events) != 5 {
		t.Fatalf("expected 5 published events, got %d", len(sink.events))
	}
	for i, event := range sink.events {
		if event.Seq != int64(i+1) {
			t.Errorf("published out of order: position %d has seq %d", i, event.Seq)
		}
	}
}

func TestEmitResumesAfterRestart(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	first := New(st, nil)
	for i := 0; i < 3; i++ {
		if _, err := first.Emit(ctx, "sess_1", "run_1", domain.EventTypeContent, domain.ContentPayload{Text: "a"}); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	// A fresh emitter over the same store must continue the sequence.
	second := New(st, nil)
	event, err := second.Emit(ctx, "sess_1", "run_1", domain.EventTypeContent, domain.ContentPayload{Text: "b"})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if event.Seq != 4 {
		t.Errorf("expected seq 4 after restart, got %d", event.Seq)
	}
}

func TestEmitMarshalsPayload(t *testing.T) {
	st := setupStore(t)
	em := New(st, nil)
	ctx := context.Background()

	event, err := em.Emit(ctx, "sess_1", "run_1", domain.EventTypeDone, domain.DonePayload{
		Status:     domain.DoneStatusCompleted,
		TokensUsed: 42,
	})
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	var payload domain.DonePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.Status != domain.DoneStatusCompleted || payload.TokensUsed != 42 {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if event.Ts == 0 {
		t.Error("expected ts to be set")
	}
	if event.Type != domain.EventTypeDone {
		t.Errorf("expected type done, got %s", event.Type)
	}
}
