// Package client implements a push channel client that keeps one user bound to
// the server across reconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/irrigo/internal/config"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by Call while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrDisconnected is returned by Call when the connection drops before the ack.
	ErrDisconnected = errors.New("disconnected before ack")
)

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected(socketID string)
	OnDisconnected()
}

// WebSocketClient manages the push channel connection.
type WebSocketClient struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler ConnectionHandler

	conn     *websocket.Conn
	mu       sync.Mutex
	messages chan *protocol.Message
	pending  map[uint64]chan protocol.CallbackResponse
	nextID   uint64

	// Reconnection
	connected bool
	backoff   time.Duration
}

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 75 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// NewWebSocketClient creates a new push channel client.
func NewWebSocketClient(cfg *config.Config, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	return &WebSocketClient{
		cfg:      cfg,
		log:      log.With().Str("component", "websocket").Logger(),
		handler:  handler,
		messages: make(chan *protocol.Message, 100),
		pending:  make(map[uint64]chan protocol.CallbackResponse),
		backoff:  initialBackoff,
	}
}

// Run connects to the server and maintains the connection.
// It blocks until the context is cancelled.
func (c *WebSocketClient) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		c.backoff = initialBackoff

		// Read messages until disconnect
		c.readLoop(ctx)

		// Disconnected - wait before reconnecting
		c.waitBackoff(ctx)
	}
}

// connect establishes the push channel connection.
func (c *WebSocketClient) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.cfg.ServerURL).Msg("connecting")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.ServerURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop(ctx, conn)

	return nil
}

// readLoop reads messages until the connection drops. Acks complete their Call,
// everything else goes to Messages.
func (c *WebSocketClient) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		c.handler.OnDisconnected()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		c.log.Debug().Str("type", msg.Type).Uint64("id", msg.ID).Msg("received message")

		switch msg.Type {
		case protocol.TypeAck:
			c.resolve(&msg)

		case protocol.TypeConnected:
			var payload protocol.ConnectedPayload
			if err := msg.ParsePayload(&payload); err != nil {
				c.log.Error().Err(err).Msg("failed to parse connected payload")
				continue
			}
			// The handler issues commands, whose acks this loop has to read
			go c.handler.OnConnected(payload.SocketID)

		default:
			select {
			case c.messages <- &msg:
			default:
				c.log.Warn().Msg("message queue full, dropping message")
			}
		}
	}
}

func (c *WebSocketClient) resolve(msg *protocol.Message) {
	var resp protocol.CallbackResponse
	if err := msg.ParsePayload(&resp); err != nil {
		c.log.Error().Err(err).Uint64("id", msg.ID).Msg("failed to parse ack")
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if !ok {
		c.log.Debug().Uint64("id", msg.ID).Msg("ack for unknown call")
		return
	}
	ch <- resp
}

// pingLoop sends periodic pings on conn until it is replaced or closed.
func (c *WebSocketClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(conn); err != nil {
				if !errors.Is(err, errStaleConn) {
					c.log.Debug().Err(err).Msg("ping failed")
				}
				return
			}
		}
	}
}

// errStaleConn means conn is no longer the client's current connection.
var errStaleConn = errors.New("connection replaced")

// ping writes a ping on conn if it is still the current connection.
func (c *WebSocketClient) ping(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn != conn {
		return errStaleConn
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// waitBackoff waits for the current backoff duration.
func (c *WebSocketClient) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// Exponential backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// Call sends a command and waits for its ack.
func (c *WebSocketClient) Call(ctx context.Context, cmd protocol.Command) (protocol.CallbackResponse, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return protocol.CallbackResponse{}, ErrNotConnected
	}

	c.nextID++
	id := c.nextID
	msg, err := protocol.EncodeCommand(id, cmd)
	if err != nil {
		c.mu.Unlock()
		return protocol.CallbackResponse{}, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.mu.Unlock()
		return protocol.CallbackResponse{}, err
	}

	ch := make(chan protocol.CallbackResponse, 1)
	c.pending[id] = ch

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.CallbackResponse{}, err
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.CallbackResponse{}, ErrDisconnected
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.CallbackResponse{}, ctx.Err()
	}
}

// Messages returns the channel for pushed events.
func (c *WebSocketClient) Messages() <-chan *protocol.Message {
	return c.messages
}

// Close closes the connection gracefully.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		_ = c.conn.Close()
		return err
	}

	return c.conn.Close()
}

// IsConnected returns whether the client is connected.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
