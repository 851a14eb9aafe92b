package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/irrigo/internal/metrics"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/markus-barta/irrigo/internal/session"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBufferSize = 64
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Conn is one live push channel connection. Its id is the transport id the
// session registry stores; a reconnecting client always gets a new one.
type Conn struct {
	id     string
	userID int64 // authenticated at upgrade
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *Hub

	closeOnce sync.Once
}

// ID returns the transport id.
func (c *Conn) ID() string { return c.id }

// Send queues an event for the client without blocking.
func (c *Conn) Send(event string, payload any) error {
	msg, err := protocol.NewMessage(event, payload)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Conn) write(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

func (c *Conn) ack(id uint64, resp protocol.CallbackResponse) {
	msg, err := protocol.NewMessage(protocol.TypeAck, resp)
	if err != nil {
		return
	}
	msg.ID = id
	if err := c.write(msg); err != nil {
		c.hub.log.Warn().Err(err).Str("socket", c.id).Uint64("ack", id).Msg("failed to queue ack")
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub owns the live connections of this process.
type Hub struct {
	log      zerolog.Logger
	commands *Commands
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*Conn
	closing bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub that hands client commands to commands.
func NewHub(log zerolog.Logger, commands *Commands, allowedOrigins []string) *Hub {
	h := &Hub{
		log:      log.With().Str("component", "hub").Logger(),
		commands: commands,
		conns:    make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Accept upgrades an authenticated request and starts serving it.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, userID int64) {
	h.mu.RLock()
	closing := h.closing
	h.mu.RUnlock()
	if closing {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &Conn{
		id:     uuid.NewString(),
		userID: userID,
		conn:   ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		hub:    h,
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	h.log.Debug().Str("socket", c.id).Int64("user", userID).Msg("client connected")

	_ = c.Send(protocol.TypeConnected, protocol.ConnectedPayload{SocketID: c.id})

	go c.writePump()
	go c.readPump()
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every connection and waits until each has run its disconnect
// handling, or ctx ends.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Int("connections", len(conns)).Msg("hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closed runs once per connection after its read loop ends.
func (h *Hub) closed(c *Conn) {
	defer h.wg.Done()

	c.close()
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	h.commands.Handle(context.Background(), c, protocol.Disconnect{})
	h.log.Debug().Str("socket", c.id).Msg("client disconnected")
}

// readPump reads commands from the connection and answers each with one ack.
// Commands of one connection are handled in order; disconnect runs last.
func (c *Conn) readPump() {
	defer c.hub.closed(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Error().Err(err).Str("socket", c.id).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.log.Warn().Err(err).Str("socket", c.id).Msg("failed to parse message")
			continue
		}

		cmd, err := protocol.DecodeCommand(&msg)
		if err != nil {
			c.hub.log.Warn().Err(err).Str("socket", c.id).Str("type", msg.Type).Msg("rejected message")
			if errors.Is(err, protocol.ErrUnknownCommand) {
				c.ack(msg.ID, protocol.Fail(MsgUnknownCommand))
			} else {
				c.ack(msg.ID, protocol.Fail(MsgInvalidPayload))
			}
			continue
		}

		c.ack(msg.ID, c.hub.commands.Handle(context.Background(), c, cmd))
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// Ensure Conn can join a session group.
var _ session.Endpoint = (*Conn)(nil)
