package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/agentloop/config"
	"github.com/xiaot623/agentloop/domain"
)

// Frame types exchanged with viewers. Clients send subscribe; the server
// replies subscribed and then streams event frames.
const (
	frameTypeSubscribe  = "subscribe"
	frameTypeSubscribed = "subscribed"
	frameTypeEvent      = "event"
	frameTypeError      = "error"
)

// clientFrame is a message from a viewer.
type clientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// serverFrame is a message to a viewer.
type serverFrame struct {
	Type      string        `json:"type"`
	Ts        int64         `json:"ts"`
	SessionID string        `json:"session_id,omitempty"`
	Event     *domain.Event `json:"event,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Server handles WebSocket upgrades and the viewer protocol.
type Server struct {
	hub            *Hub
	upgrader       websocket.Upgrader
	pingInterval   time.Duration
	writeTimeout   time.Duration
	readTimeout    time.Duration
	maxMessageSize int64
}

// NewServer creates a WebSocket server on top of the hub.
func NewServer(h *Hub, cfg *config.Config) *Server {
	return &Server{
		hub:            h,
		pingInterval:   cfg.PingInterval,
		writeTimeout:   cfg.WriteTimeout,
		readTimeout:    cfg.ReadTimeout,
		maxMessageSize: cfg.MaxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request and starts the connection pumps.
// A session_id query parameter binds the viewer immediately; otherwise the
// client binds with a subscribe frame.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("ERROR: failed to upgrade websocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	if sessionID := c.QueryParam("session_id"); sessionID != "" {
		s.hub.BindSession(conn, sessionID)
		s.sendSubscribed(conn, sessionID)
	}

	ws.SetReadLimit(s.maxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads frames from the viewer until the socket closes.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WARN: websocket read error: %v", err)
			}
			break
		}
		s.handleFrame(conn, message)
	}
}

// writePump drains the send channel to the socket and keeps the connection
// alive with pings.
func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WARN: websocket write failed: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one incoming frame.
func (s *Server) handleFrame(conn *Connection, data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendError(conn, "invalid_message", "invalid JSON frame")
		return
	}

	switch frame.Type {
	case frameTypeSubscribe:
		if frame.SessionID == "" {
			s.sendError(conn, "invalid_message", "session_id is required")
			return
		}
		s.hub.BindSession(conn, frame.SessionID)
		s.sendSubscribed(conn, frame.SessionID)
		log.Printf("INFO: websocket %s subscribed to session %s", conn.ID, frame.SessionID)
	default:
		s.sendError(conn, "invalid_message", "unknown frame type: "+frame.Type)
	}
}

func (s *Server) sendSubscribed(conn *Connection, sessionID string) {
	s.hub.SendJSONToConnection(conn, serverFrame{
		Type:      frameTypeSubscribed,
		Ts:        time.Now().UnixMilli(),
		SessionID: sessionID,
	})
}

func (s *Server) sendError(conn *Connection, code, message string) {
	s.hub.SendJSONToConnection(conn, serverFrame{
		Type:    frameTypeError,
		Ts:      time.Now().UnixMilli(),
		Code:    code,
		Message: message,
	})
}
