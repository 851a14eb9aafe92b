package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/markus-barta/irrigo/internal/metrics"
	"github.com/markus-barta/irrigo/internal/protocol"
	"github.com/markus-barta/irrigo/internal/session"
	"github.com/rs/zerolog"
)

// Ack messages produced by the transport itself.
const (
	MsgUnknownCommand = "Unknown command"
	MsgInvalidPayload = "Invalid payload"
	MsgUserMismatch   = "User mismatch"
)

// Commands runs push channel commands against the session registry.
type Commands struct {
	log      zerolog.Logger
	registry *session.Registry
}

// NewCommands creates the command handlers.
func NewCommands(log zerolog.Logger, registry *session.Registry) *Commands {
	return &Commands{
		log:      log.With().Str("component", "commands").Logger(),
		registry: registry,
	}
}

// Handle runs cmd for connection c and returns its ack. It never panics and never
// returns an error: failures become error acks. The Disconnect result is unused.
func (h *Commands) Handle(ctx context.Context, c *Conn, cmd protocol.Command) (resp protocol.CallbackResponse) {
	name := commandName(cmd)
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("command", name).Str("socket", c.ID()).Msg("command panicked")
			resp = protocol.Fail(fmt.Sprint(r))
		}
		result := "ok"
		if resp.Error {
			result = "error"
		}
		metrics.CommandsTotal.WithLabelValues(name, result).Inc()
	}()

	var err error
	switch cmd := cmd.(type) {
	case protocol.AddUser:
		if !h.owns(c, cmd.UserID) {
			return protocol.Fail(MsgUserMismatch)
		}
		resp, err = h.registry.Register(ctx, cmd.UserID, c)

	case protocol.RemoveUser:
		if !h.owns(c, cmd.UserID) {
			return protocol.Fail(MsgUserMismatch)
		}
		resp, err = h.registry.Unregister(ctx, cmd.UserID)

	case protocol.CheckSocket:
		if !h.owns(c, cmd.UserID) {
			return protocol.Fail(MsgUserMismatch)
		}
		resp, err = h.registry.Reconcile(ctx, cmd.UserID, c)

	case protocol.Disconnect:
		h.registry.OnTransportClosed(ctx, c.ID())
		return protocol.OK("")

	default:
		panic(fmt.Sprintf("unhandled command %T", cmd))
	}

	if err != nil {
		cause := err
		if u := errors.Unwrap(err); u != nil {
			cause = u
		}
		h.log.Error().Err(cause).Str("command", name).Str("socket", c.ID()).Msg(err.Error())
		return protocol.Fail(err.Error())
	}
	return resp
}

// owns reports whether the connection authenticated as userID.
func (h *Commands) owns(c *Conn, userID int64) bool {
	if c.userID == userID {
		return true
	}
	h.log.Warn().Int64("token_user", c.userID).Int64("user", userID).Str("socket", c.ID()).Msg("command for another user rejected")
	return false
}

func commandName(cmd protocol.Command) string {
	switch cmd.(type) {
	case protocol.AddUser:
		return protocol.TypeAddUser
	case protocol.RemoveUser:
		return protocol.TypeRemoveUser
	case protocol.CheckSocket:
		return protocol.TypeCheckSocket
	case protocol.Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}
