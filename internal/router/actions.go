package router

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/tidwall/gjson"
)

func (r *EventRouter) handleJoinRoom(actx *ActionContext) error {
	roomID, err := roomIDFrom(actx.Message.Payload)
	if err != nil {
		return err
	}
	if err := r.stateManager.Join(roomID, actx.Conn.ID); err != nil {
		return fmt.Errorf("failed to join room '%s': %w", roomID, err)
	}
	r.logger.Info("Connection joined room", slog.String("connID", actx.Conn.ID.String()), slog.String("roomID", roomID))
	r.ack(actx.Conn, engine.EventRoomJoined, roomID)
	return nil
}

func (r *EventRouter) handleLeaveRoom(actx *ActionContext) error {
	roomID, err := roomIDFrom(actx.Message.Payload)
	if err != nil {
		return err
	}
	if !r.stateManager.IsActive(actx.Conn.ID) {
		return state.ErrUnknownConnection
	}
	r.stateManager.Leave(roomID, actx.Conn.ID)
	r.logger.Info("Connection left room", slog.String("connID", actx.Conn.ID.String()), slog.String("roomID", roomID))
	r.ack(actx.Conn, engine.EventRoomLeft, roomID)
	return nil
}

func (r *EventRouter) handleChatMessage(actx *ActionContext) error {
	if r.limiter != nil && !r.limiter.allow(actx.Conn.ID) {
		return ErrRateLimited
	}

	payload := actx.Message.Payload
	if !gjson.ParseBytes(payload).IsObject() {
		return fmt.Errorf("%w: chat-message payload must be an object", ErrMalformedEvent)
	}
	roomID, err := roomIDFrom(payload)
	if err != nil {
		return err
	}

	_, err = r.engine.Publish(actx.Context, state.Message{
		RoomID:   roomID,
		SenderID: actx.Conn.ID,
		UserID:   actx.Conn.UserID,
		Payload:  payload,
	})
	return err
}

// roomIDFrom accepts either {"roomId": "..."} or a bare JSON string, the
// shape older socket clients send for join/leave.
func roomIDFrom(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	parsed := gjson.ParseBytes(payload)
	if parsed.Type == gjson.String && parsed.Str != "" {
		return parsed.Str, nil
	}
	roomID := parsed.Get("roomId")
	if !roomID.Exists() || roomID.Type != gjson.String || roomID.Str == "" {
		return "", fmt.Errorf("%w: missing roomId", ErrMalformedEvent)
	}
	return roomID.Str, nil
}

// ack confirms a membership change to the origin. The change stands even if
// the ack cannot be enqueued.
func (r *EventRouter) ack(conn *state.Connection, event, roomID string) {
	if err := notifyOrigin(conn, event, RoomPayload{RoomID: roomID}); err != nil {
		r.logger.Warn("Failed to acknowledge event", slog.String("event", event), slog.String("connID", conn.ID.String()), slog.Any("error", err))
	}
}

func notifyOrigin(conn *state.Connection, event string, payload any) error {
	msgBytes, err := engine.EncodeResponse(event, payload)
	if err != nil {
		return err
	}
	return conn.Transport.Send(msgBytes)
}
