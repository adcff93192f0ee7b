package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
)

type Options struct {
	// StrictMembership rejects publishes from connections outside the room.
	StrictMembership bool
	// EchoToSender delivers a copy of each message back to its sender.
	EchoToSender bool
}

func DefaultOptions() Options {
	return Options{StrictMembership: true, EchoToSender: true}
}

// Observer is notified after every accepted publish, outside the room lock.
// Implementations must not block.
type Observer interface {
	OnPublished(ctx context.Context, report *state.DeliveryReport)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, report *state.DeliveryReport)

func (f ObserverFunc) OnPublished(ctx context.Context, report *state.DeliveryReport) {
	f(ctx, report)
}

// Engine validates chat messages and fans them out to room members.
type Engine struct {
	logger       *slog.Logger
	stateManager state.Manager
	opts         Options
	now          func() time.Time

	observers  []Observer
	observerMu sync.RWMutex
}

func New(logger *slog.Logger, stateManager state.Manager, opts Options) *Engine {
	return &Engine{
		logger:       logger.With(slog.String("component", "engine")),
		stateManager: stateManager,
		opts:         opts,
		now:          time.Now,
	}
}

func (e *Engine) Options() Options {
	return e.opts
}

// Subscribe registers an observer for publish outcomes.
func (e *Engine) Subscribe(o Observer) {
	e.observerMu.Lock()
	defer e.observerMu.Unlock()
	e.observers = append(e.observers, o)
}

// Publish delivers msg to every current member of msg.RoomID. Delivery is
// best effort per member: failures are recorded in the report and never stop
// the remaining deliveries. The returned error is only set when the publish
// was rejected as a whole (inactive sender, non-member in strict mode, bad payload).
func (e *Engine) Publish(ctx context.Context, msg state.Message) (*state.DeliveryReport, error) {
	return e.publish(ctx, msg, e.opts.StrictMembership)
}

// PublishFromServer fans out a message with no originating connection, e.g.
// one posted over HTTP. Membership is not checked.
func (e *Engine) PublishFromServer(ctx context.Context, roomID, userID string, payload []byte) (*state.DeliveryReport, error) {
	return e.publish(ctx, state.Message{RoomID: roomID, UserID: userID, Payload: payload}, false)
}

func (e *Engine) publish(ctx context.Context, msg state.Message, strict bool) (*state.DeliveryReport, error) {
	report := &state.DeliveryReport{}
	var encodeErr error

	err := e.stateManager.Fanout(msg.RoomID, msg.SenderID, strict, func(members []*state.Connection) {
		msg.Timestamp = e.now()
		report.Message = msg

		frame, err := encodeChatMessage(&msg)
		if err != nil {
			encodeErr = err
			return
		}
		report.Deliveries = deliver(members, frame, msg.SenderID, e.opts.EchoToSender)
	})
	if err != nil {
		return nil, fmt.Errorf("publish to room '%s': %w", msg.RoomID, err)
	}
	if encodeErr != nil {
		return nil, encodeErr
	}

	for _, failed := range report.Failed() {
		e.logger.Warn("Delivery failed", slog.String("roomID", msg.RoomID), slog.Any("error", failed.Err))
	}
	e.logger.Debug("Published message",
		slog.String("roomID", msg.RoomID),
		slog.String("senderID", msg.SenderID.String()),
		slog.Int("deliveries", len(report.Deliveries)),
	)

	e.notify(ctx, report)
	return report, nil
}

func (e *Engine) notify(ctx context.Context, report *state.DeliveryReport) {
	e.observerMu.RLock()
	observers := e.observers
	e.observerMu.RUnlock()

	for _, o := range observers {
		o.OnPublished(ctx, report)
	}
}
