package websocket

import (
	"encoding/json"
	"errors"
)

// Inbound message types
const (
	MessageTypeHello          = "hello"
	MessageTypePositionUpdate = "position_update"
	MessageTypeClearTrack     = "clear_track"
	MessageTypePing           = "ping"
)

// Outbound message types
const (
	MessageTypeAircraftSnapshot     = "aircraft_snapshot"
	MessageTypeAircraftTrackHistory = "aircraft_track_history"
	MessageTypeAircraftUpdate       = "aircraft_update"
	MessageTypeAircraftBatchUpdate  = "aircraft_batch_update"
	MessageTypeAircraftRemove       = "aircraft_remove"
	MessageTypeAircraftTrackClear   = "aircraft_track_clear"
	MessageTypePong                 = "pong"
	MessageTypeError                = "error"
)

// Role is what a session declared itself to be in its hello
type Role string

const (
	RoleUnknown  Role = ""
	RolePlayer   Role = "player"
	RoleObserver Role = "observer"
)

// ParseRole maps a hello role string to a Role
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RolePlayer:
		return RolePlayer, true
	case RoleObserver:
		return RoleObserver, true
	}
	return RoleUnknown, false
}

// ErrRoleChange is returned when a session tries to switch to a different role
var ErrRoleChange = errors.New("session role already declared")

// Encoding is the frame format negotiated for a client
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingMsgpack
)

func (e Encoding) String() string {
	if e == EncodingMsgpack {
		return "msgpack"
	}
	return "json"
}

// Message represents an outbound WebSocket message
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// InboundMessage is the envelope every client frame is decoded into.
// Payload is kept raw so handlers can coerce it permissively.
type InboundMessage struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is sent with MessageTypeError
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageHandler defines the interface for handling incoming WebSocket messages
type MessageHandler interface {
	HandleMessage(client *Client, msg *InboundMessage) error
	HandleDisconnect(client *Client)
}
