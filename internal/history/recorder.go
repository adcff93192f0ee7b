// Package history persists published chat messages through the data service
// and serves them back per room.
package history

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-relay/internal/engine"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/a-essam23/go-relay/pkg/store"
	"github.com/tidwall/gjson"
)

const writeTimeout = 5 * time.Second

// Recorder consumes publish reports and writes one row per message.
// Writes happen on its own goroutine so slow storage never stalls fan-out.
type Recorder struct {
	logger *slog.Logger
	ds     store.DataService
	table  string

	queue chan state.Message

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped atomic.Int64
	written atomic.Int64
}

var _ engine.Observer = (*Recorder)(nil)

func NewRecorder(logger *slog.Logger, ds store.DataService, table string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		logger: logger.With(slog.String("component", "history_recorder")),
		ds:     ds,
		table:  table,
		queue:  make(chan state.Message, buffer),
	}
}

// OnPublished enqueues the message, dropping it when the queue is full.
func (r *Recorder) OnPublished(_ context.Context, report *state.DeliveryReport) {
	select {
	case r.queue <- report.Message:
	default:
		r.dropped.Add(1)
		r.logger.Warn("History queue full, dropping message", slog.String("roomID", report.Message.RoomID))
	}
}

// Start begins consuming queued messages.
func (r *Recorder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.consumeLoop(ctx)
	r.logger.Info("history recorder started", slog.String("table", r.table))
	return nil
}

// Stop ends consumption after flushing what is already queued.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("history recorder stopped", slog.Int64("written", r.written.Load()), slog.Int64("dropped", r.dropped.Load()))
		return nil
	case <-ctx.Done():
		r.logger.Warn("history recorder stop timed out")
		return ctx.Err()
	}
}

func (r *Recorder) consumeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case msg := <-r.queue:
			r.write(msg)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case msg := <-r.queue:
			r.write(msg)
		default:
			return
		}
	}
}

func (r *Recorder) write(msg state.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := r.ds.Insert(ctx, r.table, ToRecord(msg)); err != nil {
		r.logger.Error("Failed to persist message", slog.String("roomID", msg.RoomID), slog.Any("error", err))
		return
	}
	r.written.Add(1)
}

// History returns a room's most recent persisted messages, oldest first.
// A limit of 0 returns the whole room.
func (r *Recorder) History(ctx context.Context, roomID string, limit int) ([]store.Record, error) {
	rows, err := r.ds.Select(ctx, r.table, store.Filter{
		Eq:      map[string]any{"room_id": roomID},
		OrderBy: "created_at",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(rows)
	return rows, nil
}

// Stats reports how many messages were written and dropped so far.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}

// ToRecord maps a published message onto the messages table columns.
func ToRecord(msg state.Message) store.Record {
	return store.Record{
		"room_id":    msg.RoomID,
		"sender_id":  msg.SenderID.String(),
		"user_id":    msg.UserID,
		"content":    gjson.GetBytes(msg.Payload, "content").String(),
		"payload":    msg.Payload,
		"created_at": msg.Timestamp,
	}
}
