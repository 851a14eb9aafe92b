package client

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/irrigo/internal/config"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/rs/zerolog"
)

const callTimeout = 10 * time.Second

// EventFunc receives every event pushed to the bound user.
type EventFunc func(msg *protocol.Message)

// Watcher binds its user to the push channel and keeps the binding current.
// The first connection registers the user; every later one only re-checks the
// binding, which rewrites the stored transport id after a silent reconnect.
type Watcher struct {
	cfg     *config.Config
	log     zerolog.Logger
	ws      *WebSocketClient
	onEvent EventFunc
	ctx     context.Context
	cancel  context.CancelFunc

	// State
	mu         sync.RWMutex
	registered bool // addUser succeeded once
	bound      bool // binding confirmed on the current connection
	socketID   string
	boundCh    chan struct{}
}

// New creates a watcher for cfg.UserID.
func New(cfg *config.Config, log zerolog.Logger, onEvent EventFunc) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		cfg:     cfg,
		log:     log.With().Str("component", "watcher").Int64("user", cfg.UserID).Logger(),
		onEvent: onEvent,
		ctx:     ctx,
		cancel:  cancel,
		boundCh: make(chan struct{}, 1),
	}
	w.ws = NewWebSocketClient(cfg, log, w)
	return w
}

// Run starts the watcher and blocks until shutdown.
func (w *Watcher) Run() error {
	w.log.Info().Str("url", w.cfg.ServerURL).Msg("starting watcher")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.messageLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.checkLoop()
	}()

	// Connection loop (blocks until shutdown)
	w.ws.Run(w.ctx)

	wg.Wait()

	w.log.Info().Msg("watcher stopped")
	return nil
}

// Shutdown initiates graceful shutdown.
func (w *Watcher) Shutdown() {
	w.log.Info().Msg("shutting down")
	w.cancel()
	if err := w.ws.Close(); err != nil {
		w.log.Debug().Err(err).Msg("error closing websocket")
	}
}

// Logout unbinds the user from every transport.
func (w *Watcher) Logout(ctx context.Context) error {
	resp, err := w.ws.Call(ctx, protocol.RemoveUser{UserID: w.cfg.UserID})
	if err != nil {
		return err
	}
	if resp.Error {
		return &CommandError{Command: protocol.TypeRemoveUser, Message: resp.Message}
	}

	w.mu.Lock()
	w.registered = false
	w.bound = false
	w.mu.Unlock()
	w.log.Info().Msg(resp.Message)
	return nil
}

// OnConnected binds the user on the new connection.
func (w *Watcher) OnConnected(socketID string) {
	w.mu.Lock()
	w.socketID = socketID
	registered := w.registered
	w.mu.Unlock()

	w.log.Info().Str("socket", socketID).Msg("connected to server")

	if registered {
		w.check()
		return
	}
	w.register()
}

// OnDisconnected is called when the connection drops.
func (w *Watcher) OnDisconnected() {
	w.mu.Lock()
	w.bound = false
	w.mu.Unlock()
	w.log.Warn().Msg("disconnected from server")
}

func (w *Watcher) register() {
	ctx, cancel := context.WithTimeout(w.ctx, callTimeout)
	defer cancel()

	resp, err := w.ws.Call(ctx, protocol.AddUser{UserID: w.cfg.UserID})
	if err != nil {
		w.log.Error().Err(err).Msg("addUser failed")
		return
	}
	if resp.Error {
		w.log.Error().Str("reason", resp.Message).Msg("addUser rejected")
		return
	}

	w.mu.Lock()
	w.registered = true
	w.bound = true
	w.mu.Unlock()
	w.log.Info().Msg(resp.Message)
	w.signalBound()
}

func (w *Watcher) check() {
	ctx, cancel := context.WithTimeout(w.ctx, callTimeout)
	defer cancel()

	resp, err := w.ws.Call(ctx, protocol.CheckSocket{UserID: w.cfg.UserID})
	if err != nil {
		w.log.Error().Err(err).Msg("checkSocket failed")
		return
	}
	if resp.Error {
		w.log.Error().Str("reason", resp.Message).Msg("checkSocket rejected")
		return
	}

	w.mu.Lock()
	w.bound = true
	w.mu.Unlock()
	w.log.Debug().Msg(resp.Message)
	w.signalBound()
}

func (w *Watcher) signalBound() {
	select {
	case w.boundCh <- struct{}{}:
	default:
	}
}

// Bound returns a channel that receives after each successful binding.
func (w *Watcher) Bound() <-chan struct{} {
	return w.boundCh
}

// IsBound returns whether the user is bound on the current connection.
func (w *Watcher) IsBound() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.bound
}

// SocketID returns the transport id of the current connection.
func (w *Watcher) SocketID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.socketID
}

// checkLoop re-checks the binding while connected.
func (w *Watcher) checkLoop() {
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			registered := w.registered
			w.mu.RUnlock()
			if registered && w.ws.IsConnected() {
				w.check()
			}
		}
	}
}

// messageLoop hands pushed events to onEvent.
func (w *Watcher) messageLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.ws.Messages():
			if msg != nil && w.onEvent != nil {
				w.onEvent(msg)
			}
		}
	}
}

// CommandError is a command the server answered with an error ack.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return e.Command + ": " + e.Message
}
