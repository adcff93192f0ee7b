package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// RejectionCounter observes events refused by the router.
type RejectionCounter interface {
	EventRejected(reason string)
}

type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	engine       *engine.Engine
	registry     *Registry
	limiter      *connLimiter
	rejections   RejectionCounter
}

type Option func(*EventRouter)

// WithRateLimit caps chat messages per connection.
func WithRateLimit(limit config.RateLimit) Option {
	return func(r *EventRouter) {
		if limit.Enabled() {
			r.limiter = newConnLimiter(limit)
		}
	}
}

func WithRejectionCounter(c RejectionCounter) Option {
	return func(r *EventRouter) {
		r.rejections = c
	}
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, eng *engine.Engine, opts ...Option) *EventRouter {
	logger = logger.With(slog.String("component", "event_router"))
	r := &EventRouter{
		logger:       logger,
		stateManager: stateManager,
		engine:       eng,
		registry:     NewRegistry(logger),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerCoreHandlers()
	return r
}

func (r *EventRouter) registerCoreHandlers() {
	r.registry.RegisterHandler(engine.EventJoinRoom, r.handleJoinRoom)
	r.registry.RegisterHandler(engine.EventLeaveRoom, r.handleLeaveRoom)
	r.registry.RegisterHandler(engine.EventChatMessage, r.handleChatMessage)
	r.logger.Info("Registered core handlers", slog.Any("events", r.registry.Events()))
}

// HandleMessage decodes and dispatches one inbound frame. It never panics on
// client input and only ever answers the originating connection.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.stateManager.GetConnection(connID)
	if !ok {
		// late event racing a disconnect
		r.logger.Debug("Discarding event for unknown connection", slog.String("connID", connID.String()))
		return
	}

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		r.reject(conn, &clientMsg, fmt.Errorf("%w: %v", ErrMalformedEvent, err))
		return
	}

	handler, ok := r.registry.GetHandler(clientMsg.Event)
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
		r.reject(conn, &clientMsg, fmt.Errorf("%w '%s'", ErrUnknownEvent, clientMsg.Event))
		return
	}

	actx := &ActionContext{
		Context: ctx,
		Conn:    conn,
		Message: &clientMsg,
	}
	r.logger.Debug("Dispatching event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
	if err := handler(actx); err != nil {
		if errors.Is(err, state.ErrUnknownConnection) {
			r.logger.Debug("Discarding event for disconnected connection", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
			return
		}
		r.logger.Warn("Event rejected", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()), slog.Any("error", err))
		r.reject(conn, &clientMsg, err)
	}
}

// Forget drops per-connection router state once the connection is gone.
func (r *EventRouter) Forget(connID uuid.UUID) {
	if r.limiter != nil {
		r.limiter.forget(connID)
	}
}

func (r *EventRouter) reject(conn *state.Connection, msg *ClientMessage, err error) {
	code := errorCode(err)
	if r.rejections != nil {
		r.rejections.EventRejected(code)
	}
	payload := ErrorPayload{
		Code:    code,
		Message: err.Error(),
		Event:   msg.Event,
	}
	if len(msg.Payload) > 0 {
		payload.RoomID = gjson.GetBytes(msg.Payload, "roomId").String()
	}
	if sendErr := notifyOrigin(conn, engine.EventError, payload); sendErr != nil {
		r.logger.Warn("Failed to deliver error to origin", slog.String("connID", conn.ID.String()), slog.Any("error", sendErr))
	}
}
