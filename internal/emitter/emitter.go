// Package emitter assigns per-session sequence numbers to events, persists
// them, and fans them out to live subscribers.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/agentloop/domain"
	"github.com/xiaot623/agentloop/store"
)

// Sink receives events after they are persisted. Implementations must not
// block; slow consumers are the sink's problem.
type Sink interface {
	Publish(sessionID string, event *domain.Event)
}

// Emitter is the single writer of the event stream. Sequence numbers are
// assigned under a lock and an event is persisted before it is published, so
// subscribers never observe a seq that later disappears.
type Emitter struct {
	store store.Store
	sink  Sink

	mu   sync.Mutex
	seqs map[string]int64
}

// New creates an emitter. The sink may be nil.
func New(st store.Store, sink Sink) *Emitter {
	return &Emitter{
		store: st,
		sink:  sink,
		seqs:  make(map[string]int64),
	}
}

// Emit persists an event with the next sequence number for the session and
// publishes it. The payload is marshaled to JSON.
func (e *Emitter) Emit(ctx context.Context, sessionID, runID string, eventType domain.EventType, payload interface{}) (*domain.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seq, ok := e.seqs[sessionID]
	if !ok {
		// First event for this session since startup; resume after the
		// highest persisted seq.
		seq, err = e.store.MaxEventSeq(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	seq++

	event := &domain.Event{
		EventID:   "evt_" + uuid.NewString()[:8],
		SessionID: sessionID,
		RunID:     runID,
		Seq:       seq,
		Ts:        time.Now().UnixMilli(),
		Type:      eventType,
		Payload:   json.RawMessage(data),
	}

	if err := e.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	e.seqs[sessionID] = seq

	if e.sink != nil {
		e.sink.Publish(sessionID, event)
	}
	return event, nil
}
