package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/usecase"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // generous: frames may carry a base64 image
	sendBuffer     = 16
)

// Gateway upgrades websocket connections and pumps frames between the
// transport and the dispatcher. Frames on one connection are processed
// strictly in arrival order, which also serialises the connection's session.
type Gateway struct {
	dispatcher *usecase.Dispatcher
	upgrader   websocket.Upgrader
	status     func() map[string]any
}

// NewGateway constructs a Gateway. allowedOrigins "*" disables the origin
// check; status supplies the system-command payload.
func NewGateway(dispatcher *usecase.Dispatcher, allowedOrigins []string, status func() map[string]any) *Gateway {
	if status == nil {
		status = func() map[string]any { return map[string]any{"state": "ok"} }
	}
	return &Gateway{
		dispatcher: dispatcher,
		status:     status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(allowedOrigins) == 0 {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// connection is one upgraded client.
type connection struct {
	conn      *websocket.Conn
	send      chan any
	sessionID string
	mu        sync.Mutex
	closed    bool
}

func (c *connection) enqueue(frame any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		// Slow consumer; drop rather than block the session.
		slog.Warn("egress buffer full, dropping frame", slog.String("session_id", c.sessionID))
	}
}

func (c *connection) shut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeHTTP implements the /ws endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	client := domain.ClientInfo{
		UserAgent:    r.UserAgent(),
		SourceAddr:   r.RemoteAddr,
		ConnectionID: r.Header.Get("Sec-WebSocket-Key"),
	}

	conn := &connection{conn: sock, send: make(chan any, sendBuffer)}

	sessionID, err := g.dispatcher.Connect(r.Context(), client)
	if err != nil {
		slog.Error("session allocation failed", slog.Any("error", err))
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(writeWait))
		_ = sock.Close()
		return
	}
	conn.sessionID = sessionID

	go g.writePump(conn)
	conn.enqueue(connectionEstablishedFrame{
		Type:      "connection_established",
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	g.readPump(r, conn, client)
}

// readPump processes frames sequentially until the connection drops.
func (g *Gateway) readPump(r *http.Request, conn *connection, client domain.ClientInfo) {
	observability.SessionsActive.Inc()
	defer func() {
		observability.SessionsActive.Dec()
		// The request context is gone once the peer disconnects; cleanup
		// runs under its own short deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.dispatcher.Disconnect(ctx, conn.sessionID)
		conn.shut()
		_ = conn.conn.Close()
	}()

	conn.conn.SetReadLimit(maxMessageSize)
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", slog.String("session_id", conn.sessionID), slog.Any("error", err))
			}
			return
		}
		g.handleFrame(r, conn, client, raw)
	}
}

// handleFrame normalises, validates and routes one ingress frame.
func (g *Gateway) handleFrame(r *http.Request, conn *connection, client domain.ClientInfo, raw []byte) {
	now := time.Now().UTC()

	var frame ingressFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		observability.FramesTotal.WithLabelValues("malformed", "in").Inc()
		conn.enqueue(errorFrame{Type: "error", Timestamp: now.Format(time.RFC3339), Error: "malformed frame"})
		return
	}
	norm, err := normalise(frame)
	if err != nil {
		observability.FramesTotal.WithLabelValues("invalid", "in").Inc()
		conn.enqueue(errorFrame{Type: "error", Timestamp: now.Format(time.RFC3339), Error: "invalid frame: type must be user_message, ping or system and content must be non-empty"})
		return
	}
	observability.FramesTotal.WithLabelValues(norm.Type, "in").Inc()

	switch norm.Type {
	case "ping":
		conn.enqueue(pongFrame{Type: "pong", MessageID: norm.MessageID, Timestamp: now.Format(time.RFC3339)})

	case "system":
		g.handleSystem(conn, norm, now)

	case "user_message":
		reply, err := g.dispatcher.HandleUserMessage(r.Context(), usecase.IncomingMessage{
			MessageID:      norm.MessageID,
			SessionID:      norm.SessionID,
			BoundSessionID: conn.sessionID,
			Content:        norm.Content,
			ImageB64:       norm.ImageB64,
			Client:         client,
		})
		if err != nil {
			// Session allocation is the only hard failure; nothing useful can
			// be replied without one.
			slog.Error("dispatch failed", slog.Any("error", err))
			conn.enqueue(errorFrame{Type: "error", Timestamp: now.Format(time.RFC3339), Error: "service unavailable"})
			return
		}
		conn.sessionID = reply.SessionID
		out := assistantFrame(reply.SessionID, reply.MessageID, reply.Timestamp, reply.Envelope)
		conn.enqueue(out)
		observability.FramesTotal.WithLabelValues("assistant_message", "out").Inc()
		if reply.Envelope.RequiresAttention {
			conn.enqueue(escalationNoticeFrame{
				Type:       "escalation_notice",
				SessionID:  reply.SessionID,
				Timestamp:  now.Format(time.RFC3339),
				Sentiment:  reply.Envelope.Sentiment,
				Confidence: reply.Envelope.SentimentConf,
			})
			observability.FramesTotal.WithLabelValues("escalation_notice", "out").Inc()
		}
	}
}

// handleSystem answers the small closed set of admin commands.
func (g *Gateway) handleSystem(conn *connection, norm normalisedFrame, now time.Time) {
	switch norm.Content {
	case "status":
		conn.enqueue(statusResponseFrame{
			Type:      "status_response",
			MessageID: norm.MessageID,
			SessionID: conn.sessionID,
			Timestamp: now.Format(time.RFC3339),
			Status:    g.status(),
		})
	default:
		conn.enqueue(errorFrame{Type: "error", Timestamp: now.Format(time.RFC3339), Error: "unknown system command"})
	}
}

// writePump owns all writes to the socket.
func (g *Gateway) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-conn.send:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.conn.WriteJSON(frame); err != nil {
				slog.Warn("websocket write failed", slog.String("session_id", conn.sessionID), slog.Any("error", err))
				return
			}
		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
