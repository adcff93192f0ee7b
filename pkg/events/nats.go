// Package events exports published chat messages to NATS so other services
// (notifications, search indexing, audit) can follow room traffic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used by the exporter.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// MessageEvent is the JSON body published per message.
type MessageEvent struct {
	RoomID     string          `json:"roomId"`
	SenderID   string          `json:"senderId"`
	UserID     string          `json:"userId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
	Recipients int             `json:"recipients"`
	Failed     int             `json:"failed"`
}

// NATSExporter publishes each delivery report to <prefix>.<roomId>.messages.
type NATSExporter struct {
	logger *slog.Logger
	pub    Publisher
	prefix string
}

func NewNATSExporter(logger *slog.Logger, pub Publisher, prefix string) *NATSExporter {
	return &NATSExporter{
		logger: logger.With(slog.String("component", "nats_exporter")),
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
	}
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Subject returns the subject messages for roomID are published on. Tokens
// NATS treats specially are replaced so room ids cannot address other subjects.
func (e *NATSExporter) Subject(roomID string) string {
	safe := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(roomID)
	return fmt.Sprintf("%s.%s.messages", e.prefix, safe)
}

func (e *NATSExporter) OnPublished(ctx context.Context, report *state.DeliveryReport) {
	if ctx.Err() != nil {
		return
	}
	msg := report.Message
	body, err := json.Marshal(MessageEvent{
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID.String(),
		UserID:     msg.UserID,
		Payload:    msg.Payload,
		Timestamp:  msg.Timestamp,
		Recipients: len(report.Deliveries),
		Failed:     len(report.Failed()),
	})
	if err != nil {
		e.logger.Error("Failed to encode message event", slog.Any("error", err))
		return
	}
	// nats.Conn.Publish only buffers, so this stays non-blocking.
	if err := e.pub.Publish(e.Subject(msg.RoomID), body); err != nil {
		e.logger.Warn("Failed to export message", slog.String("roomID", msg.RoomID), slog.Any("error", err))
	}
}
