package engine

import (
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
)

// deliver pushes an encoded frame to each member, recording one outcome per
// recipient. It must stay non-blocking since it runs under the room lock.
func deliver(members []*state.Connection, frame []byte, senderID uuid.UUID, echo bool) []state.Delivery {
	deliveries := make([]state.Delivery, 0, len(members))
	for _, member := range members {
		if !echo && member.ID == senderID {
			continue
		}
		d := state.Delivery{ConnID: member.ID}
		if err := member.Transport.Send(frame); err != nil {
			d.Err = &state.TransportWriteError{ConnID: member.ID, Err: err}
		}
		deliveries = append(deliveries, d)
	}
	return deliveries
}
