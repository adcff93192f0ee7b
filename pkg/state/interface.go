package state

import (
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Registry ---
	// allocates a fresh connection id with an empty room set. Never fails.
	Register(transport Transport, userID, ipAddr string) *Connection
	// removes the connection and returns the rooms it belonged to.
	// Calling it again for the same id returns nil.
	Unregister(connID uuid.UUID) []string
	IsActive(connID uuid.UUID) bool
	GetConnection(connID uuid.UUID) (*Connection, bool)
	Connections() []*Connection
	UserConnectionCount(userID string) int
	FindOldestUserConnection(userID string) (*Connection, bool)

	// --- Room Directory ---
	// adds the connection to the room, creating the room if it doesn't exist.
	Join(roomID string, connID uuid.UUID) error
	Leave(roomID string, connID uuid.UUID)
	MembersOf(roomID string) []uuid.UUID
	RoomsOf(connID uuid.UUID) []string
	FindRoom(roomID string) (*Room, bool)
	RoomCount() int

	// Fanout calls fn with the room's active member connections while holding
	// the room's fan-out lock, so membership cannot change until fn returns.
	// fn must not block.
	Fanout(roomID string, senderID uuid.UUID, requireMember bool, fn func(members []*Connection)) error
}
