// Package protocol defines the WebSocket message types shared between the server and its push clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the envelope for all WebSocket messages.
// ID correlates a client command with the server's ack; events carry no ID.
type Message struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (client → server)
const (
	TypeAddUser     = "addUser"
	TypeRemoveUser  = "removeUser"
	TypeCheckSocket = "checkSocket"
)

// Message types (server → client)
const (
	TypeAck       = "ack"
	TypeConnected = "connected"
)

// Events pushed to a user's live session by the webhook handlers.
const (
	EventShadowUpdateAuto   = "shadowUpdateAuto"
	EventShadowUpdatePump   = "shadowUpdatePump"
	EventPresenceConnection = "presenceConnection"
)

// UserPayload is the payload of every user-scoped command.
type UserPayload struct {
	UserID int64 `json:"user_id"`
}

// ConnectedPayload tells a freshly accepted client its transport id.
type ConnectedPayload struct {
	SocketID string `json:"socket_id"`
}

// CallbackResponse is the single ack every command receives.
type CallbackResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	UserID  *int64 `json:"user_id,omitempty"`
}

// OK builds a successful response.
func OK(message string) CallbackResponse {
	return CallbackResponse{Message: message}
}

// OKForUser builds a successful response that names the user.
func OKForUser(message string, userID int64) CallbackResponse {
	return CallbackResponse{Message: message, UserID: &userID}
}

// Fail builds an error response.
func Fail(message string) CallbackResponse {
	return CallbackResponse{Error: true, Message: message}
}

// Webhook payloads. Device is passed through untouched to the pushed event.

// ShadowAutoEvent reports a change of the device's auto mode.
type ShadowAutoEvent struct {
	Device     json.RawMessage `json:"device,omitempty"`
	ThingName  string          `json:"thing_name"`
	ShadowAuto bool            `json:"shadow_auto"`
}

// ShadowPumpEvent reports a change of the device's pump.
// ShadowPump set means the device shut the pump off on its own after a watering cycle.
type ShadowPumpEvent struct {
	Device     json.RawMessage `json:"device,omitempty"`
	ThingName  string          `json:"thing_name"`
	ShadowPump bool            `json:"shadow_pump"`
}

// PresenceEvent reports the device's connectivity.
type PresenceEvent struct {
	Device             json.RawMessage `json:"device,omitempty"`
	ThingName          string          `json:"thing_name"`
	PresenceConnection bool            `json:"presence_connection"`
}

// Command is one of AddUser, RemoveUser, CheckSocket or Disconnect.
type Command interface {
	command()
}

// AddUser binds the connection to a user.
type AddUser struct{ UserID int64 }

// RemoveUser unbinds a user from any connection.
type RemoveUser struct{ UserID int64 }

// CheckSocket refreshes a possibly stale binding after a reconnect.
type CheckSocket struct{ UserID int64 }

// Disconnect is raised by the transport when the connection is gone.
type Disconnect struct{}

func (AddUser) command()     {}
func (RemoveUser) command()  {}
func (CheckSocket) command() {}
func (Disconnect) command()  {}

// ErrUnknownCommand is returned for a message type that names no command.
var ErrUnknownCommand = errors.New("unknown command")

// DecodeCommand turns a client message into a Command.
// Disconnect is never decoded from the wire.
func DecodeCommand(msg *Message) (Command, error) {
	switch msg.Type {
	case TypeAddUser, TypeRemoveUser, TypeCheckSocket:
	default:
		return nil, ErrUnknownCommand
	}

	var payload UserPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", msg.Type, err)
	}

	switch msg.Type {
	case TypeAddUser:
		return AddUser{UserID: payload.UserID}, nil
	case TypeRemoveUser:
		return RemoveUser{UserID: payload.UserID}, nil
	default:
		return CheckSocket{UserID: payload.UserID}, nil
	}
}

// EncodeCommand builds the wire message for a client command with the given ack id.
func EncodeCommand(id uint64, cmd Command) (*Message, error) {
	var msgType string
	var userID int64
	switch c := cmd.(type) {
	case AddUser:
		msgType, userID = TypeAddUser, c.UserID
	case RemoveUser:
		msgType, userID = TypeRemoveUser, c.UserID
	case CheckSocket:
		msgType, userID = TypeCheckSocket, c.UserID
	default:
		return nil, fmt.Errorf("command %T is not sent over the wire", cmd)
	}

	msg, err := NewMessage(msgType, UserPayload{UserID: userID})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}
