package statemanager

import (
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
)

// room entries carry their own fan-out lock so publishes to one room are
// serialized while publishes to different rooms proceed in parallel.
type roomEntry struct {
	members map[uuid.UUID]struct{}
	fanMu   sync.Mutex
}

// InMemoryManager owns the connection registry and the room directory.
// Mutations take mu exclusively. Fanout takes mu shared plus the room's fanMu,
// which keeps deliveries and membership changes for a room mutually ordered.
type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]map[uuid.UUID]struct{}
	rooms map[string]*roomEntry

	mu sync.RWMutex

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]map[uuid.UUID]struct{}),
		rooms:  make(map[string]*roomEntry),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Registry ---

func (m *InMemoryManager) Register(transport state.Transport, userID, ipAddr string) *state.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	connID := uuid.New()
	conn := &state.Connection{
		ID:        connID,
		UserID:    userID,
		IPAddress: ipAddr,
		Transport: transport,
		Rooms:     make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
	m.conns[connID] = conn

	if userID != "" {
		userConns, ok := m.users[userID]
		if !ok {
			userConns = make(map[uuid.UUID]struct{})
			m.users[userID] = userConns
		}
		userConns[connID] = struct{}{}
	}
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()), slog.String("userID", userID))
	return conn
}

func (m *InMemoryManager) Unregister(connID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		return nil
	}
	delete(m.conns, connID)

	if userConns, ok := m.users[conn.UserID]; ok {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(m.users, conn.UserID)
		}
	}

	rooms := make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		rooms = append(rooms, roomID)
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()), slog.Int("rooms", len(rooms)))
	return rooms
}

func (m *InMemoryManager) IsActive(connID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[connID]
	return ok
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) Connections() []*state.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) UserConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users[userID])
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *state.Connection
	for connID := range m.users[userID] {
		conn := m.conns[connID]
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// --- Room Directory ---

func (m *InMemoryManager) Join(roomID string, connID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	if _, joined := conn.Rooms[roomID]; joined {
		return nil
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = &roomEntry{members: make(map[uuid.UUID]struct{})}
		m.rooms[roomID] = room
		m.logger.Debug("Created room", slog.String("roomID", roomID))
	}
	room.members[connID] = struct{}{}
	conn.Rooms[roomID] = struct{}{}

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return nil
}

// Leave accepts ids that were already unregistered so disconnect cleanup can
// run after Unregister.
func (m *InMemoryManager) Leave(roomID string, connID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.conns[connID]; ok {
		delete(conn.Rooms, roomID)
	}

	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	if _, member := room.members[connID]; !member {
		return
	}
	delete(room.members, connID)

	if len(room.members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
	m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
}

func (m *InMemoryManager) MembersOf(roomID string) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return []uuid.UUID{}
	}
	members := make([]uuid.UUID, 0, len(room.members))
	for id := range room.members {
		members = append(members, id)
	}
	return members
}

func (m *InMemoryManager) RoomsOf(connID uuid.UUID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return []string{}
	}
	rooms := make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (m *InMemoryManager) FindRoom(roomID string) (*state.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, false
	}
	snapshot := &state.Room{ID: roomID, Members: make(map[uuid.UUID]struct{}, len(room.members))}
	for id := range room.members {
		snapshot.Members[id] = struct{}{}
	}
	return snapshot, true
}

func (m *InMemoryManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Fanout resolves the room's members to live connections and hands them to fn.
// A nil senderID marks a server-originated message and skips the sender checks.
func (m *InMemoryManager) Fanout(roomID string, senderID uuid.UUID, requireMember bool, fn func(members []*state.Connection)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if senderID != uuid.Nil {
		if _, ok := m.conns[senderID]; !ok {
			return state.ErrUnknownConnection
		}
	}

	room, ok := m.rooms[roomID]
	if !ok {
		if requireMember {
			return state.ErrNotAMember
		}
		fn(nil)
		return nil
	}

	room.fanMu.Lock()
	defer room.fanMu.Unlock()

	if requireMember {
		if _, member := room.members[senderID]; !member {
			return state.ErrNotAMember
		}
	}

	members := make([]*state.Connection, 0, len(room.members))
	for id := range room.members {
		// members whose connection is gone are skipped until their Leave lands.
		if conn, ok := m.conns[id]; ok {
			members = append(members, conn)
		}
	}
	fn(members)
	return nil
}
