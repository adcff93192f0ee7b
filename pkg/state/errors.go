package state

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrUnknownConnection is returned when an operation references a
	// connection that is not (or no longer) registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrNotAMember is returned by strict publishes from outside the room.
	ErrNotAMember = errors.New("sender is not a member of the room")
)

// TransportWriteError records a failed delivery to a single recipient.
type TransportWriteError struct {
	ConnID uuid.UUID
	Err    error
}

func (e *TransportWriteError) Error() string {
	return fmt.Sprintf("write to connection %s: %v", e.ConnID, e.Err)
}

func (e *TransportWriteError) Unwrap() error {
	return e.Err
}
