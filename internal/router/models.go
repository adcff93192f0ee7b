package router

import (
	"context"
	"encoding/json"

	"github.com/a-essam23/go-relay/pkg/state"
)

type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// ActionContext carries one inbound event through its handler.
type ActionContext struct {
	Context context.Context
	Conn    *state.Connection
	Message *ClientMessage
}
