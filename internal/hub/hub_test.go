package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/xiaot623/agentloop/domain"
)

func recvFrame(t *testing.T, conn *Connection) serverFrame {
	t.Helper()
	select {
	case data, ok := <-conn.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("failed to decode frame: %v", err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return serverFrame{}
}

func waitForCount(t *testing.T, what string, get func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s = %d, want %d", what, get(), want)
}

func TestPublishReachesBoundViewers(t *testing.T) {
	h := NewHub()
	go h.Run()

	a := h.NewConnection(nil)
	h.Register(a)
	h.BindSession(a, "s1")
	b := h.NewConnection(nil)
	h.Register(b)
	h.BindSession(b, "s2")
	waitForCount(t, "connections", h.ConnectionCount, 2)

	h.Publish("s1", &domain.Event{EventID: "evt_1", SessionID: "s1", Seq: 1, Type: domain.EventTypeThinking, Ts: time.Now().UnixMilli()})
	frame := recvFrame(t, a)
	if frame.Type != frameTypeEvent || frame.Event == nil || frame.Event.Seq != 1 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Event.Type != domain.EventTypeThinking {
		t.Errorf("event type = %s, want thinking", frame.Event.Type)
	}

	// Broadcasts are processed in order, so once b has its frame the first
	// publish can no longer show up on its channel.
	h.Publish("s2", &domain.Event{EventID: "evt_2", SessionID: "s2", Seq: 7, Type: domain.EventTypeDone, Ts: time.Now().UnixMilli()})
	frame = recvFrame(t, b)
	if frame.Event == nil || frame.Event.Seq != 7 {
		t.Fatalf("unexpected frame for s2: %+v", frame)
	}
	select {
	case data := <-b.Send:
		t.Fatalf("viewer of s2 received an extra frame: %s", data)
	default:
	}
}

func TestBindSessionRebinds(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn := h.NewConnection(nil)
	h.Register(conn)
	h.BindSession(conn, "s1")
	waitForCount(t, "connections", h.ConnectionCount, 1)

	h.BindSession(conn, "s2")
	if got := h.SessionCount(); got != 1 {
		t.Fatalf("sessions after rebind = %d, want 1", got)
	}

	h.Publish("s2", &domain.Event{EventID: "evt_1", SessionID: "s2", Seq: 1, Type: domain.EventTypeContent, Ts: time.Now().UnixMilli()})
	frame := recvFrame(t, conn)
	if frame.SessionID != "s2" {
		t.Errorf("frame session = %s, want s2", frame.SessionID)
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn := h.NewConnection(nil)
	h.Register(conn)
	h.BindSession(conn, "s1")
	waitForCount(t, "connections", h.ConnectionCount, 1)

	h.Unregister(conn)
	waitForCount(t, "connections", h.ConnectionCount, 0)
	if got := h.SessionCount(); got != 0 {
		t.Errorf("sessions after unregister = %d, want 0", got)
	}

	select {
	case _, ok := <-conn.Send:
		if ok {
			t.Fatal("expected the send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
}

func TestSlowViewerIsDropped(t *testing.T) {
	h := NewHub()
	go h.Run()

	conn := h.NewConnection(nil)
	h.Register(conn)
	h.BindSession(conn, "s1")
	waitForCount(t, "connections", h.ConnectionCount, 1)

	// Fill the send buffer so the next broadcast cannot be queued.
	for i := 0; i < cap(conn.Send); i++ {
		conn.Send <- []byte("{}")
	}
	h.Publish("s1", &domain.Event{EventID: "evt_1", SessionID: "s1", Seq: 1, Type: domain.EventTypeThinking, Ts: time.Now().UnixMilli()})

	waitForCount(t, "connections", h.ConnectionCount, 0)
}
