package engine

import (
	"encoding/json"
	"fmt"

	"github.com/a-essam23/go-relay/pkg/state"
)

// Event names understood by the relay.
const (
	EventConnected   = "connected"
	EventJoinRoom    = "join-room"
	EventLeaveRoom   = "leave-room"
	EventRoomJoined  = "room-joined"
	EventRoomLeft    = "room-left"
	EventChatMessage = "chat-message"
	EventError       = "error"
)

// ClientResponse is the frame pushed to clients.
type ClientResponse struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// EncodeResponse marshals a single outbound frame.
func EncodeResponse(event string, payload any) ([]byte, error) {
	msgBytes, err := json.Marshal(ClientResponse{Event: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return msgBytes, nil
}

// encodeChatMessage echoes the client's fields and overwrites the ones the
// server owns, so clients cannot spoof sender or ordering.
func encodeChatMessage(msg *state.Message) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &fields); err != nil {
			return nil, fmt.Errorf("chat payload must be a JSON object: %w", err)
		}
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}

	for key, value := range map[string]any{
		"roomId":    msg.RoomID,
		"senderId":  msg.SenderID.String(),
		"timestamp": msg.Timestamp,
	} {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		fields[key] = raw
	}
	return EncodeResponse(EventChatMessage, fields)
}
