package state

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transport is the outbound half of a live connection. Send must not block;
// implementations enqueue and report failure immediately.
type Transport interface {
	Send(message []byte) error
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	UserID    string // pre-validated identity, empty when auth is disabled
	IPAddress string
	Transport Transport
	Rooms     map[string]struct{}
	CreatedAt time.Time
}

// canonical representation of a broadcast group.
type Room struct {
	ID      string
	Members map[uuid.UUID]struct{} // back-references only, the registry owns connections
}

// Message is a chat payload addressed to a room. Timestamp is assigned by the
// server at fan-out time and never taken from the client.
type Message struct {
	RoomID    string
	SenderID  uuid.UUID
	UserID    string
	Payload   json.RawMessage
	Timestamp time.Time
}

// Delivery is the outcome of pushing one message to one member.
type Delivery struct {
	ConnID uuid.UUID
	Err    error
}

// DeliveryReport collects per-member outcomes of a single publish.
type DeliveryReport struct {
	Message    Message
	Deliveries []Delivery
}

// Delivered returns the ids of members that accepted the message.
func (r *DeliveryReport) Delivered() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Deliveries))
	for _, d := range r.Deliveries {
		if d.Err == nil {
			ids = append(ids, d.ConnID)
		}
	}
	return ids
}

// Failed returns the deliveries that could not be enqueued.
func (r *DeliveryReport) Failed() []Delivery {
	var failed []Delivery
	for _, d := range r.Deliveries {
		if d.Err != nil {
			failed = append(failed, d)
		}
	}
	return failed
}
